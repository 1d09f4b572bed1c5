package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sony/gobreaker"

	"github.com/cuemby/darkroom/pkg/config"
	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metrics"
)

const (
	presignCacheSize = 512
	presignCacheTTL  = 5 * time.Minute
)

type presignEntry struct {
	url     string
	expires time.Duration
}

// MinIOStore is the S3-compatible Store implementation. Calls pass through
// a circuit breaker so a dead backend fails fast, and transient failures
// are retried with bounded exponential backoff before surfacing.
type MinIOStore struct {
	client     *minio.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
	presigned  *lru.LRU[string, presignEntry]
}

// NewMinIOStore connects to the object store described by cfg. The
// connection itself is lazy; readiness is observed through Ping.
func NewMinIOStore(cfg config.BlobConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Addr(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidationFailed, err, "invalid blob store configuration")
	}

	logger := log.WithComponent("blob")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "blob",
		MaxRequests: 3,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Blob breaker state changed")
			if to == gobreaker.StateOpen {
				metrics.BlobBreakerOpen.Set(1)
			} else {
				metrics.BlobBreakerOpen.Set(0)
			}
		},
		IsSuccessful: func(err error) bool {
			// Only transport-level failures count against the breaker
			return err == nil || !errdefs.IsTransient(err)
		},
	})

	return &MinIOStore{
		client:     client,
		breaker:    breaker,
		maxRetries: 3,
		presigned:  lru.NewLRU[string, presignEntry](presignCacheSize, nil, presignCacheTTL),
	}, nil
}

// do runs fn through the breaker with bounded retries on transient errors
func (s *MinIOStore) do(ctx context.Context, op string, fn func() error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BlobOperationDuration, op)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 2 * time.Second

	bo := backoff.WithContext(backoff.WithMaxRetries(expo, s.maxRetries), ctx)

	return backoff.Retry(func() error {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, classify(fn())
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// An open breaker will not recover within this call's retry
			// budget; surface immediately and let the job-level backoff
			// reschedule.
			return backoff.Permanent(errdefs.Wrap(errdefs.KindTransientBackend, err, "blob store unavailable"))
		}
		if errdefs.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// classify maps minio errors onto the platform taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *errdefs.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return errdefs.Wrap(errdefs.KindNotFound, err, "object not found")
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return errdefs.Wrap(errdefs.KindValidationFailed, err, "blob store rejected credentials")
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return errdefs.Wrap(errdefs.KindInternal, err, "blob store rejected request")
	}
	return errdefs.Wrap(errdefs.KindTransientBackend, err, "blob store request failed")
}

func (s *MinIOStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	// Identical bytes at an identical key are a no-op, verified by the
	// checksum recorded in user metadata.
	if sum, ok := opts.Metadata[ChecksumMetaKey]; ok && sum != "" {
		if existing, err := s.Stat(ctx, bucket, key); err == nil {
			if existing.Metadata[ChecksumMetaKey] == sum && existing.SizeBytes == size {
				return existing, nil
			}
		}
	}

	var info ObjectInfo
	err := s.do(ctx, "put", func() error {
		// Rewind between attempts; a partially consumed reader would
		// otherwise truncate the retried upload.
		if seeker, ok := r.(io.Seeker); ok {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return errdefs.Wrap(errdefs.KindInternal, err, "rewind upload body")
			}
		}
		uploaded, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
			ContentType:  opts.ContentType,
			UserMetadata: opts.Metadata,
		})
		if err != nil {
			return err
		}
		info = ObjectInfo{
			Bucket:      bucket,
			Key:         key,
			SizeBytes:   uploaded.Size,
			ETag:        uploaded.ETag,
			ContentType: opts.ContentType,
			Metadata:    opts.Metadata,
		}
		return nil
	})
	return info, err
}

func (s *MinIOStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.do(ctx, "get", func() error {
		obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		// GetObject is lazy; Stat forces the request so NotFound
		// surfaces here instead of on first read.
		if _, err := obj.Stat(); err != nil {
			_ = obj.Close()
			return err
		}
		rc = obj
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (s *MinIOStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := s.do(ctx, "stat", func() error {
		stat, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
		if err != nil {
			return err
		}
		info = fromMinioInfo(bucket, stat)
		return nil
	})
	return info, err
}

func (s *MinIOStore) Remove(ctx context.Context, bucket, key string) error {
	err := s.do(ctx, "remove", func() error {
		return s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	})
	if errdefs.IsNotFound(err) {
		err = nil
	}
	if err == nil {
		s.presigned.Remove(presignKey(http.MethodGet, bucket, key))
		s.presigned.Remove(presignKey(http.MethodPut, bucket, key))
	}
	return err
}

func (s *MinIOStore) PresignedURL(ctx context.Context, method, bucket, key string, expires time.Duration) (string, error) {
	cacheKey := presignKey(method, bucket, key)
	if entry, ok := s.presigned.Get(cacheKey); ok && entry.expires == expires {
		return entry.url, nil
	}

	var signed string
	err := s.do(ctx, "presign", func() error {
		switch method {
		case http.MethodPut:
			u, err := s.client.PresignedPutObject(ctx, bucket, key, expires)
			if err != nil {
				return err
			}
			signed = u.String()
		default:
			u, err := s.client.PresignedGetObject(ctx, bucket, key, expires, nil)
			if err != nil {
				return err
			}
			signed = u.String()
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.presigned.Add(cacheKey, presignEntry{url: signed, expires: expires})
	return signed, nil
}

func (s *MinIOStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := s.do(ctx, "list", func() error {
		infos = infos[:0]
		for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				return obj.Err
			}
			infos = append(infos, fromMinioInfo(bucket, obj))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func (s *MinIOStore) EnsureBucket(ctx context.Context, bucket string) error {
	return s.do(ctx, "ensure_bucket", func() error {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
	})
}

func (s *MinIOStore) Ping(ctx context.Context) error {
	_, err := s.client.ListBuckets(ctx)
	return classify(err)
}

func fromMinioInfo(bucket string, stat minio.ObjectInfo) ObjectInfo {
	meta := make(map[string]string, len(stat.UserMetadata))
	for k, v := range stat.UserMetadata {
		meta[http.CanonicalHeaderKey(k)] = v
	}
	return ObjectInfo{
		Bucket:       bucket,
		Key:          stat.Key,
		SizeBytes:    stat.Size,
		ETag:         stat.ETag,
		ContentType:  stat.ContentType,
		LastModified: stat.LastModified,
		Metadata:     meta,
	}
}

func presignKey(method, bucket, key string) string {
	return method + " " + bucket + "/" + key
}

var _ Store = (*MinIOStore)(nil)
