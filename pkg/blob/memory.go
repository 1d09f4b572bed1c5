package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/darkroom/pkg/errdefs"
)

type memObject struct {
	data []byte
	info ObjectInfo
}

// MemoryStore is an in-process Store used by tests and the single-binary
// development mode. It honors the contract exactly: NotFound on absent
// objects, idempotent removes, checksum-verified put no-ops.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memObject

	failGets    int
	failPuts    int
	failRemoves int
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]map[string]memObject),
	}
}

// FailGets makes the next n Get calls fail with a transient error
func (s *MemoryStore) FailGets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGets = n
}

// FailPuts makes the next n Put calls fail with a transient error
func (s *MemoryStore) FailPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = n
}

// FailRemoves makes the next n Remove calls fail with a transient error
func (s *MemoryStore) FailRemoves(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRemoves = n
}

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, errdefs.Wrap(errdefs.KindInternal, err, "read upload body")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPuts > 0 {
		s.failPuts--
		return ObjectInfo{}, errdefs.New(errdefs.KindTransientBackend, "injected put failure")
	}

	objects, ok := s.buckets[bucket]
	if !ok {
		objects = make(map[string]memObject)
		s.buckets[bucket] = objects
	}

	if existing, ok := objects[key]; ok {
		sum := opts.Metadata[ChecksumMetaKey]
		if sum != "" && existing.info.Metadata[ChecksumMetaKey] == sum {
			return existing.info, nil
		}
	}

	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	info := ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		SizeBytes:    int64(len(data)),
		ETag:         fmt.Sprintf("%x", len(data)),
		ContentType:  opts.ContentType,
		LastModified: time.Now().UTC(),
		Metadata:     meta,
	}
	objects[key] = memObject{data: data, info: info}
	return info, nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	if s.failGets > 0 {
		s.failGets--
		s.mu.Unlock()
		return nil, errdefs.New(errdefs.KindTransientBackend, "injected get failure")
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "object not found: %s/%s", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[bucket][key]
	if !ok {
		return ObjectInfo{}, errdefs.New(errdefs.KindNotFound, "object not found: %s/%s", bucket, key)
	}
	return obj.info, nil
}

func (s *MemoryStore) Remove(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failRemoves > 0 {
		s.failRemoves--
		return errdefs.New(errdefs.KindTransientBackend, "injected remove failure")
	}

	delete(s.buckets[bucket], key)
	return nil
}

func (s *MemoryStore) PresignedURL(ctx context.Context, method, bucket, key string, expires time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.buckets[bucket][key]; !ok && method == "GET" {
		return "", errdefs.New(errdefs.KindNotFound, "object not found: %s/%s", bucket, key)
	}
	return fmt.Sprintf("memory://%s/%s?method=%s&expires=%d", bucket, key, method, int(expires.Seconds())), nil
}

func (s *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []ObjectInfo
	for key, obj := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, obj.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *MemoryStore) EnsureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]memObject)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
