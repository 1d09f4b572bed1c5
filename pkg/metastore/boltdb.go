package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/types"
)

var (
	photosBucket      = []byte("photos")
	clientIndexBucket = []byte("idx_client")
	userIndexBucket   = []byte("idx_user")
	checksumBucket    = []byte("idx_checksum")
)

// BoltStore implements Store using BoltDB. Records are stored as JSON in
// the photos bucket; secondary index buckets hold composite keys ordered
// for newest-first range scans.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create metadata directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{photosBucket, clientIndexBucket, userIndexBucket, checksumBucket}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Insert(ctx context.Context, rec *types.PhotoRecord) error {
	if rec.ID == "" {
		return errdefs.New(errdefs.KindValidationFailed, "photo id must not be empty")
	}

	now := time.Now().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	rec.UpdateSeq = 1

	return s.db.Update(func(tx *bolt.Tx) error {
		photos := tx.Bucket(photosBucket)
		if photos.Get([]byte(rec.ID)) != nil {
			return errdefs.New(errdefs.KindConflict, "photo already exists: %s", rec.ID)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal photo: %w", err)
		}
		if err := photos.Put([]byte(rec.ID), data); err != nil {
			return err
		}

		if rec.ClientID != "" {
			if err := tx.Bucket(clientIndexBucket).Put(indexKey(rec.ClientID, rec.UploadedAt, rec.ID), []byte(rec.ID)); err != nil {
				return err
			}
		}
		if rec.UserID != "" {
			if err := tx.Bucket(userIndexBucket).Put(indexKey(rec.UserID, rec.UploadedAt, rec.ID), []byte(rec.ID)); err != nil {
				return err
			}
		}
		if rec.Checksum == "" {
			return nil
		}
		return tx.Bucket(checksumBucket).Put(checksumKey(rec.ClientID, rec.Checksum), []byte(rec.ID))
	})
}

func (s *BoltStore) Get(ctx context.Context, id string) (*types.PhotoRecord, error) {
	var rec types.PhotoRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(photosBucket).Get([]byte(id))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "photo not found: %s", id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) Update(ctx context.Context, id string, mutate func(*types.PhotoRecord) error) (*types.PhotoRecord, error) {
	var updated types.PhotoRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		photos := tx.Bucket(photosBucket)
		data := photos.Get([]byte(id))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "photo not found: %s", id)
		}

		var rec types.PhotoRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal photo: %w", err)
		}

		prevChecksum := rec.Checksum
		prevBlobKey := rec.BlobKey
		prevUpdatedAt := rec.UpdatedAt
		prevSeq := rec.UpdateSeq

		if err := mutate(&rec); err != nil {
			return err
		}

		if rec.ID != id || rec.Checksum != prevChecksum || rec.BlobKey != prevBlobKey {
			return errdefs.New(errdefs.KindInternal, "photo %s: id, checksum and blob_key are immutable", id)
		}

		// updated_at strictly increases; bump past the previous value
		// when the wall clock has not advanced.
		now := time.Now().UTC()
		if !now.After(prevUpdatedAt) {
			now = prevUpdatedAt.Add(time.Microsecond)
		}
		rec.UpdatedAt = now
		rec.UpdateSeq = prevSeq + 1

		out, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal photo: %w", err)
		}
		if err := photos.Put([]byte(id), out); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		photos := tx.Bucket(photosBucket)
		data := photos.Get([]byte(id))
		if data == nil {
			// Idempotent: deleting twice equals deleting once
			return nil
		}

		var rec types.PhotoRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal photo: %w", err)
		}

		if rec.ClientID != "" {
			if err := tx.Bucket(clientIndexBucket).Delete(indexKey(rec.ClientID, rec.UploadedAt, rec.ID)); err != nil {
				return err
			}
		}
		if rec.UserID != "" {
			if err := tx.Bucket(userIndexBucket).Delete(indexKey(rec.UserID, rec.UploadedAt, rec.ID)); err != nil {
				return err
			}
		}
		if rec.Checksum != "" {
			if err := tx.Bucket(checksumBucket).Delete(checksumKey(rec.ClientID, rec.Checksum)); err != nil {
				return err
			}
		}
		return photos.Delete([]byte(id))
	})
}

func (s *BoltStore) ListByClient(ctx context.Context, clientID string, limit, offset int) ([]*types.PhotoRecord, error) {
	return s.scanIndex(clientIndexBucket, clientID, limit, offset)
}

func (s *BoltStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*types.PhotoRecord, error) {
	return s.scanIndex(userIndexBucket, userID, limit, offset)
}

func (s *BoltStore) scanIndex(bucket []byte, scope string, limit, offset int) ([]*types.PhotoRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var recs []*types.PhotoRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		photos := tx.Bucket(photosBucket)
		c := tx.Bucket(bucket).Cursor()
		prefix := []byte(scope + "\x00")

		skipped := 0
		for k, id := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, id = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			data := photos.Get(id)
			if data == nil {
				continue
			}
			var rec types.PhotoRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal photo: %w", err)
			}
			recs = append(recs, &rec)
			if len(recs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *BoltStore) Search(ctx context.Context, query string, limit int) ([]*types.PhotoRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	needle := strings.ToLower(query)

	var recs []*types.PhotoRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(photosBucket).ForEach(func(k, v []byte) error {
			if len(recs) >= limit {
				return nil
			}
			var rec types.PhotoRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal photo: %w", err)
			}
			if strings.Contains(strings.ToLower(rec.OriginalName), needle) ||
				strings.Contains(strings.ToLower(rec.MimeType), needle) {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *BoltStore) Count(ctx context.Context, f Filter) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(photosBucket).ForEach(func(k, v []byte) error {
			var rec types.PhotoRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal photo: %w", err)
			}
			if matches(&rec, f) {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *BoltStore) FindByChecksum(ctx context.Context, clientID, checksum string) (*types.PhotoRecord, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(checksumBucket).Get(checksumKey(clientID, checksum))
		if v == nil {
			return errdefs.New(errdefs.KindNotFound, "no photo with checksum %s for client %s", checksum, clientID)
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(photosBucket) == nil {
			return errdefs.New(errdefs.KindInternal, "photos bucket missing")
		}
		return nil
	})
}

func matches(rec *types.PhotoRecord, f Filter) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.ClientID != "" && rec.ClientID != f.ClientID {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	return true
}

// indexKey builds <scope>\x00<reverse-ts>\x00<id> so an ascending cursor
// walk yields newest uploads first.
func indexKey(scope string, uploadedAt time.Time, id string) []byte {
	rev := math.MaxInt64 - uploadedAt.UTC().UnixNano()
	return []byte(fmt.Sprintf("%s\x00%020d\x00%s", scope, rev, id))
}

func checksumKey(clientID, checksum string) []byte {
	return []byte(clientID + "\x00" + checksum)
}

var _ Store = (*BoltStore)(nil)
