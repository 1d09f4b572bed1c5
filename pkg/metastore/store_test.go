package metastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/types"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]Store{
		"bolt":   bolt,
		"memory": NewMemoryStore(),
	}
}

func testRecord(id, clientID string, uploadedAt time.Time) *types.PhotoRecord {
	return &types.PhotoRecord{
		ID:           id,
		BlobKey:      "photos/2026-02-11/1770000000000/" + id + "_test.jpg",
		Bucket:       types.BucketPhotos,
		SizeBytes:    2048,
		MimeType:     "image/jpeg",
		OriginalName: "test.jpg",
		Checksum:     "sum-" + id,
		ClientID:     clientID,
		Status:       types.PhotoStatusQueued,
		Pipeline:     types.PipelineFull,
		UploadedAt:   uploadedAt,
	}
}

func TestStoreInsertAndGet(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord("photo-1", "client-1", time.Now().UTC())

			require.NoError(t, store.Insert(ctx, rec))

			got, err := store.Get(ctx, "photo-1")
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, rec.BlobKey, got.BlobKey)
			assert.Equal(t, rec.Checksum, got.Checksum)
			assert.Equal(t, types.PhotoStatusQueued, got.Status)
			assert.Equal(t, uint64(1), got.UpdateSeq)
			assert.False(t, got.UpdatedAt.IsZero())
		})
	}
}

func TestStoreInsertDuplicateConflicts(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord("photo-1", "client-1", time.Now().UTC())

			require.NoError(t, store.Insert(ctx, rec))
			err := store.Insert(ctx, testRecord("photo-1", "client-1", time.Now().UTC()))
			require.Error(t, err)
			assert.True(t, errdefs.IsConflict(err))
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "nope")
			require.Error(t, err)
			assert.True(t, errdefs.IsNotFound(err))
		})
	}
}

func TestStoreUpdateBumpsVersion(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Insert(ctx, testRecord("photo-1", "client-1", time.Now().UTC())))

			first, err := store.Get(ctx, "photo-1")
			require.NoError(t, err)

			updated, err := store.Update(ctx, "photo-1", func(rec *types.PhotoRecord) error {
				rec.Status = types.PhotoStatusInProgress
				now := time.Now().UTC()
				rec.StartedAt = &now
				return nil
			})
			require.NoError(t, err)

			assert.Equal(t, types.PhotoStatusInProgress, updated.Status)
			assert.Equal(t, first.UpdateSeq+1, updated.UpdateSeq)
			assert.True(t, updated.UpdatedAt.After(first.UpdatedAt),
				"updated_at must strictly increase: %v then %v", first.UpdatedAt, updated.UpdatedAt)

			// rapid successive updates keep increasing even when the
			// wall clock does not observably advance
			prev := updated
			for i := 0; i < 5; i++ {
				next, err := store.Update(ctx, "photo-1", func(rec *types.PhotoRecord) error {
					rec.EventSeq++
					return nil
				})
				require.NoError(t, err)
				assert.True(t, next.UpdatedAt.After(prev.UpdatedAt))
				assert.Equal(t, prev.UpdateSeq+1, next.UpdateSeq)
				prev = next
			}
		})
	}
}

func TestStoreUpdateImmutableFields(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Insert(ctx, testRecord("photo-1", "client-1", time.Now().UTC())))

			_, err := store.Update(ctx, "photo-1", func(rec *types.PhotoRecord) error {
				rec.Checksum = "tampered"
				return nil
			})
			require.Error(t, err)

			_, err = store.Update(ctx, "photo-1", func(rec *types.PhotoRecord) error {
				rec.BlobKey = "elsewhere"
				return nil
			})
			require.Error(t, err)

			// the failed mutations must not have leaked into the store
			got, err := store.Get(ctx, "photo-1")
			require.NoError(t, err)
			assert.Equal(t, "sum-photo-1", got.Checksum)
		})
	}
}

func TestStoreUpdateMissing(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Update(context.Background(), "nope", func(*types.PhotoRecord) error { return nil })
			require.Error(t, err)
			assert.True(t, errdefs.IsNotFound(err))
		})
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Insert(ctx, testRecord("photo-1", "client-1", time.Now().UTC())))

			require.NoError(t, store.Delete(ctx, "photo-1"))
			require.NoError(t, store.Delete(ctx, "photo-1"), "second delete must succeed")

			_, err := store.Get(ctx, "photo-1")
			assert.True(t, errdefs.IsNotFound(err))
		})
	}
}

func TestStoreListByClientNewestFirst(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				rec := testRecord(string(rune('a'+i)), "client-1", base.Add(time.Duration(i)*time.Minute))
				require.NoError(t, store.Insert(ctx, rec))
			}
			require.NoError(t, store.Insert(ctx, testRecord("other", "client-2", base)))

			recs, err := store.ListByClient(ctx, "client-1", 10, 0)
			require.NoError(t, err)
			require.Len(t, recs, 5)
			for i := 1; i < len(recs); i++ {
				assert.True(t, !recs[i-1].UploadedAt.Before(recs[i].UploadedAt),
					"expected newest first, got %v before %v", recs[i-1].UploadedAt, recs[i].UploadedAt)
			}
			assert.Equal(t, "e", recs[0].ID)

			// pagination
			page, err := store.ListByClient(ctx, "client-1", 2, 2)
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, "c", page[0].ID)
			assert.Equal(t, "b", page[1].ID)
		})
	}
}

func TestStoreSearch(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			sunset := testRecord("photo-1", "client-1", now)
			sunset.OriginalName = "Sunset_Beach.jpg"
			require.NoError(t, store.Insert(ctx, sunset))

			portrait := testRecord("photo-2", "client-1", now)
			portrait.OriginalName = "portrait.png"
			portrait.MimeType = "image/png"
			require.NoError(t, store.Insert(ctx, portrait))

			recs, err := store.Search(ctx, "sunset", 10)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "photo-1", recs[0].ID)

			recs, err = store.Search(ctx, "image/png", 10)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "photo-2", recs[0].ID)
		})
	}
}

func TestStoreCount(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			a := testRecord("a", "client-1", now)
			require.NoError(t, store.Insert(ctx, a))

			b := testRecord("b", "client-1", now)
			require.NoError(t, store.Insert(ctx, b))
			_, err := store.Update(ctx, "b", func(rec *types.PhotoRecord) error {
				rec.Status = types.PhotoStatusCompleted
				return nil
			})
			require.NoError(t, err)

			c := testRecord("c", "client-2", now)
			c.UserID = "user-9"
			require.NoError(t, store.Insert(ctx, c))

			total, err := store.Count(ctx, Filter{})
			require.NoError(t, err)
			assert.Equal(t, 3, total)

			queued, err := store.Count(ctx, Filter{Status: types.PhotoStatusQueued})
			require.NoError(t, err)
			assert.Equal(t, 2, queued)

			byClient, err := store.Count(ctx, Filter{ClientID: "client-1"})
			require.NoError(t, err)
			assert.Equal(t, 2, byClient)

			byUser, err := store.Count(ctx, Filter{UserID: "user-9"})
			require.NoError(t, err)
			assert.Equal(t, 1, byUser)
		})
	}
}

func TestStoreFindByChecksum(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Insert(ctx, testRecord("photo-1", "client-1", time.Now().UTC())))

			got, err := store.FindByChecksum(ctx, "client-1", "sum-photo-1")
			require.NoError(t, err)
			assert.Equal(t, "photo-1", got.ID)

			// same checksum under another client is not a duplicate
			_, err = store.FindByChecksum(ctx, "client-2", "sum-photo-1")
			assert.True(t, errdefs.IsNotFound(err))

			_, err = store.FindByChecksum(ctx, "client-1", "unknown")
			assert.True(t, errdefs.IsNotFound(err))
		})
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, testRecord("photo-1", "client-1", time.Now().UTC())))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, "photo-1", got.ID)

	recs, err := reopened.ListByClient(ctx, "client-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
