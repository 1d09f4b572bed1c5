package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/darkroom/pkg/events"
	"github.com/cuemby/darkroom/pkg/types"
)

type fakeConn struct {
	mu        sync.Mutex
	received  []*types.Event
	failWrite bool
	closed    bool
	block     chan struct{} // non-nil: WriteEvent waits until closed
}

func (f *fakeConn) WriteEvent(evt *types.Event) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("write failed")
	}
	f.received = append(f.received, evt)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeConn) sequences() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.received))
	for _, e := range f.received {
		out = append(out, e.Metadata.Sequence)
	}
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestFabric(t *testing.T, cfg Config) (*Fabric, *events.LocalBus) {
	t.Helper()
	bus := events.NewLocalBus()
	t.Cleanup(func() { bus.Close() })

	f := New(bus, cfg)
	require.NoError(t, f.Start())
	t.Cleanup(f.Stop)
	return f, bus
}

func publish(t *testing.T, bus *events.LocalBus, eventType string, meta types.EventMetadata) {
	t.Helper()
	meta.Source = "test"
	require.NoError(t, bus.Publish(context.Background(), events.New(eventType, nil, meta)))
}

func TestRoutingTable(t *testing.T) {
	f, bus := newTestFabric(t, Config{})

	owner := &fakeConn{}
	other := &fakeConn{}
	watcher := &fakeConn{}

	require.NoError(t, f.Attach(owner).Identify("client-1", "session-1"))
	require.NoError(t, f.Attach(other).Identify("client-2", ""))
	require.NoError(t, f.Attach(watcher).Subscribe("p1"))

	// uploaded: client + session + photo rooms; owner is in two of them
	// but still receives the event once
	publish(t, bus, types.TopicPhotoUploaded, types.EventMetadata{
		PhotoID: "p1", ClientID: "client-1", SessionID: "session-1", Sequence: 1,
	})
	require.Eventually(t, func() bool {
		return owner.count() == 1 && watcher.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, other.count())

	// lifecycle: photo + client rooms
	publish(t, bus, types.TopicProcessingStarted, types.EventMetadata{
		PhotoID: "p1", ClientID: "client-2", Sequence: 2,
	})
	require.Eventually(t, func() bool {
		return other.count() == 1 && watcher.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, owner.count())

	// system events broadcast to everyone
	publish(t, bus, types.TopicSystemStartup, types.EventMetadata{})
	require.Eventually(t, func() bool {
		return owner.count() == 2 && other.count() == 2 && watcher.count() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPerPhotoOrderPreserved(t *testing.T) {
	f, bus := newTestFabric(t, Config{})

	conn := &fakeConn{}
	require.NoError(t, f.Attach(conn).Subscribe("p1"))

	topics := []string{
		types.TopicProcessingStarted,
		types.TopicStageCompleted,
		types.TopicStageCompleted,
		types.TopicProcessingCompleted,
	}
	for i, topic := range topics {
		publish(t, bus, topic, types.EventMetadata{PhotoID: "p1", Sequence: uint64(i + 2)})
	}

	require.Eventually(t, func() bool {
		return conn.count() == len(topics)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{2, 3, 4, 5}, conn.sequences())
}

func TestDuplicateEventsSuppressed(t *testing.T) {
	f, bus := newTestFabric(t, Config{})

	conn := &fakeConn{}
	require.NoError(t, f.Attach(conn).Subscribe("p1"))

	// the deterministic (photo, sequence) ID makes both publishes carry
	// the same event identity
	evt := events.New(types.TopicProcessingStarted, nil,
		types.EventMetadata{Source: "test", PhotoID: "p1", Sequence: 2})
	require.NoError(t, bus.Publish(context.Background(), evt))
	require.NoError(t, bus.Publish(context.Background(), evt))

	require.Eventually(t, func() bool {
		return conn.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, conn.count())
}

func TestSlowConnectionDropsNotBlocks(t *testing.T) {
	f, bus := newTestFabric(t, Config{SendBuffer: 1})

	release := make(chan struct{})
	slow := &fakeConn{block: release}
	fast := &fakeConn{}

	slowClient := f.Attach(slow)
	require.NoError(t, slowClient.Subscribe("p1"))
	require.NoError(t, f.Attach(fast).Subscribe("p1"))

	for i := 0; i < 5; i++ {
		publish(t, bus, types.TopicStageCompleted, types.EventMetadata{
			PhotoID: "p1", Sequence: uint64(i + 2),
		})
	}

	// the fast connection saw everything while the slow one overflowed
	require.Eventually(t, func() bool {
		return fast.count() == 5
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return slowClient.Dropped() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
}

func TestReidentifyMovesRooms(t *testing.T) {
	f, bus := newTestFabric(t, Config{})

	conn := &fakeConn{}
	client := f.Attach(conn)
	require.NoError(t, client.Identify("client-1", ""))

	publish(t, bus, types.TopicProcessingCompleted, types.EventMetadata{
		PhotoID: "px", ClientID: "client-1", Sequence: 5,
	})
	require.Eventually(t, func() bool { return conn.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Identify("client-2", ""))

	publish(t, bus, types.TopicProcessingCompleted, types.EventMetadata{
		PhotoID: "py", ClientID: "client-1", Sequence: 5,
	})
	publish(t, bus, types.TopicProcessingCompleted, types.EventMetadata{
		PhotoID: "pz", ClientID: "client-2", Sequence: 5,
	})

	require.Eventually(t, func() bool { return conn.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, conn.count(), "events for the old identity must not arrive")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f, bus := newTestFabric(t, Config{})

	conn := &fakeConn{}
	client := f.Attach(conn)
	require.NoError(t, client.Subscribe("p1"))

	publish(t, bus, types.TopicProcessingStarted, types.EventMetadata{PhotoID: "p1", Sequence: 2})
	require.Eventually(t, func() bool { return conn.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	client.Unsubscribe("p1")
	publish(t, bus, types.TopicStageCompleted, types.EventMetadata{PhotoID: "p1", Sequence: 3})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, conn.count())
}

func TestWriteFailureDetachesConnection(t *testing.T) {
	f, bus := newTestFabric(t, Config{})

	conn := &fakeConn{failWrite: true}
	require.NoError(t, f.Attach(conn).Subscribe("p1"))
	require.Equal(t, 1, f.Stats().Connections)

	publish(t, bus, types.TopicProcessingStarted, types.EventMetadata{PhotoID: "p1", Sequence: 2})

	require.Eventually(t, func() bool {
		return f.Stats().Connections == 0 && conn.isClosed()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatsCountsRoomsAndConnections(t *testing.T) {
	f, _ := newTestFabric(t, Config{})

	a := f.Attach(&fakeConn{})
	b := f.Attach(&fakeConn{})
	require.NoError(t, a.Identify("client-1", "session-1"))
	require.NoError(t, b.Subscribe("p1"))

	st := f.Stats()
	assert.Equal(t, 2, st.Connections)
	// broadcast, client:client-1, session:session-1, photo:p1
	assert.Equal(t, 4, st.Rooms)

	require.NoError(t, a.Close())
	st = f.Stats()
	assert.Equal(t, 1, st.Connections)
	assert.Equal(t, 2, st.Rooms)
}
