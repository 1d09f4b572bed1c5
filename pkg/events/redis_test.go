package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/types"
)

func newTestRedisChannel(t *testing.T) (*RedisChannel, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ch := NewRedisChannel(client, "darkroomtest")
	t.Cleanup(func() { _ = ch.Close() })
	return ch, srv
}

func TestRedisChannelRoundTrip(t *testing.T) {
	ch, _ := newTestRedisChannel(t)

	var mu sync.Mutex
	var got []*types.Event

	sub, err := ch.Subscribe(types.TopicPhotoUploaded, func(_ context.Context, evt *types.Event) error {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer ch.Unsubscribe(sub)

	sent := New(types.TopicPhotoUploaded, map[string]any{"blob_key": "photos/x"}, types.EventMetadata{
		Source:   "ingress",
		PhotoID:  "photo-1",
		ClientID: "client-1",
		Sequence: 1,
	})
	require.NoError(t, ch.Publish(context.Background(), sent))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, types.TopicPhotoUploaded, got[0].Type)
	assert.Equal(t, "photo-1", got[0].Metadata.PhotoID)
	assert.Equal(t, uint64(1), got[0].Metadata.Sequence)
	assert.Equal(t, "photos/x", got[0].Data["blob_key"])
}

func TestRedisChannelWildcardSubscription(t *testing.T) {
	ch, _ := newTestRedisChannel(t)

	var mu sync.Mutex
	var topics []string

	sub, err := ch.Subscribe("photo.processing.*", func(_ context.Context, evt *types.Event) error {
		mu.Lock()
		topics = append(topics, evt.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer ch.Unsubscribe(sub)

	for _, topic := range []string{
		types.TopicPhotoUploaded,     // outside the pattern
		types.TopicProcessingStarted, // inside
		types.TopicStageCompleted,    // inside, two extra segments
		types.TopicSystemShutdown,    // outside
	} {
		evt := New(topic, nil, types.EventMetadata{Source: "test", PhotoID: "photo-9", Sequence: 2})
		require.NoError(t, ch.Publish(context.Background(), evt))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(topics) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{types.TopicProcessingStarted, types.TopicStageCompleted}, topics)
}

func TestRedisChannelPublishAfterServerDown(t *testing.T) {
	ch, srv := newTestRedisChannel(t)

	srv.Close()

	evt := New(types.TopicPhotoUploaded, nil, types.EventMetadata{Source: "test"})
	err := ch.Publish(context.Background(), evt)
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err), "transport failures classify as transient, got %v", errdefs.KindOf(err))

	assert.Error(t, ch.Ping(context.Background()))
	assert.False(t, ch.Stats().LastPingOK)
}

func TestRedisChannelStats(t *testing.T) {
	ch, _ := newTestRedisChannel(t)

	sub, err := ch.Subscribe("photo.*", func(_ context.Context, _ *types.Event) error { return nil })
	require.NoError(t, err)

	evt := New(types.TopicPhotoUploaded, nil, types.EventMetadata{Source: "test", PhotoID: "p", Sequence: 1})
	require.NoError(t, ch.Publish(context.Background(), evt))

	require.Eventually(t, func() bool {
		return ch.Stats().Delivered == 1
	}, 2*time.Second, 10*time.Millisecond)

	st := ch.Stats()
	assert.Equal(t, uint64(1), st.Published)
	assert.Equal(t, 1, st.Subscriptions)
	assert.True(t, st.LastPingAt.IsZero(), "no ping issued yet")

	require.NoError(t, ch.Ping(context.Background()))
	st = ch.Stats()
	assert.False(t, st.LastPingAt.IsZero())
	assert.True(t, st.LastPingOK)

	ch.Unsubscribe(sub)
	assert.Equal(t, 0, ch.Stats().Subscriptions)
}
