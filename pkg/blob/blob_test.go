package blob

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/darkroom/pkg/errdefs"
)

func TestMemoryStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte("not really a png")
	info, err := s.Put(ctx, "photos", "photos/2026-01-02/abc_cat.png", bytes.NewReader(data), int64(len(data)), PutOptions{
		ContentType: "image/png",
		Metadata:    map[string]string{ChecksumMetaKey: "deadbeef"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.SizeBytes)

	rc, err := s.Get(ctx, "photos", "photos/2026-01-02/abc_cat.png")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)
}

func TestMemoryStorePutIdenticalBytesIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte("same bytes")
	opts := PutOptions{Metadata: map[string]string{ChecksumMetaKey: "sum-1"}}

	first, err := s.Put(ctx, "photos", "k", bytes.NewReader(data), int64(len(data)), opts)
	require.NoError(t, err)

	second, err := s.Put(ctx, "photos", "k", bytes.NewReader(data), int64(len(data)), opts)
	require.NoError(t, err)

	assert.Equal(t, first.LastModified, second.LastModified, "identical put must not rewrite the object")
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "photos", "missing")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = s.Stat(ctx, "photos", "missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestMemoryStoreRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte("x")
	_, err := s.Put(ctx, "photos", "k", bytes.NewReader(data), 1, PutOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "photos", "k"))
	require.NoError(t, s.Remove(ctx, "photos", "k"), "removing an absent key must succeed")

	_, err = s.Get(ctx, "photos", "k")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestMemoryStoreListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, key := range []string{"artifacts/p1/thumb_150", "artifacts/p1/thumb_400", "artifacts/p2/thumb_150"} {
		_, err := s.Put(ctx, "artifacts", key, bytes.NewReader([]byte("t")), 1, PutOptions{})
		require.NoError(t, err)
	}

	infos, err := s.List(ctx, "artifacts", "artifacts/p1/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "artifacts/p1/thumb_150", infos[0].Key)
	assert.Equal(t, "artifacts/p1/thumb_400", infos[1].Key)
}

func TestMemoryStoreFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte("y")
	_, err := s.Put(ctx, "photos", "k", bytes.NewReader(data), 1, PutOptions{})
	require.NoError(t, err)

	s.FailGets(2)

	_, err = s.Get(ctx, "photos", "k")
	assert.True(t, errdefs.IsTransient(err))

	_, err = s.Get(ctx, "photos", "k")
	assert.True(t, errdefs.IsTransient(err))

	_, err = s.Get(ctx, "photos", "k")
	assert.NoError(t, err, "faults are exhausted after two calls")
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, errdefs.KindCancelled, errdefs.KindOf(classify(ctx.Err())))
}
