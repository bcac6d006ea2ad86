package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedEvent struct {
	Event string
	Data  []byte
}

type memorySink struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (m *memorySink) WriteEvent(event string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, recordedEvent{Event: event, Data: data})
	return nil
}

func (m *memorySink) recorded() []recordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]recordedEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *memorySink) failFromNow(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// blockingSink stalls every WriteEvent until release is closed.
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) WriteEvent(string, []byte) error {
	<-s.release
	return nil
}

func waitForEvents(t *testing.T, sink *memorySink, count int) []recordedEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sink.recorded()) >= count
	}, time.Second, time.Millisecond)
	return sink.recorded()
}

func TestPublishBroadcastsToEveryone(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Minute)

	alice := &memorySink{}
	bruno := &memorySink{}
	subAlice := b.Subscribe("mem-alice", alice)
	defer subAlice.Close()
	subBruno := b.Subscribe("mem-bruno", bruno)
	defer subBruno.Close()

	b.Publish("task.created", map[string]string{"id": "task-1"}, "")

	got := waitForEvents(t, alice, 1)
	waitForEvents(t, bruno, 1)
	require.Equal(t, "task.created", got[0].Event)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(got[0].Data, &payload))
	require.Equal(t, "task-1", payload["id"])
}

func TestPublishTargetsOneRecipient(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Minute)

	alice := &memorySink{}
	bruno := &memorySink{}
	subAlice := b.Subscribe("mem-alice", alice)
	defer subAlice.Close()
	subBruno := b.Subscribe("mem-bruno", bruno)
	defer subBruno.Close()

	b.Publish("task.updated", map[string]string{"id": "task-1"}, "mem-alice")
	waitForEvents(t, alice, 1)
	require.Empty(t, bruno.recorded())

	// An absent target drops the event silently.
	b.Publish("task.updated", map[string]string{"id": "task-2"}, "mem-nobody")
	time.Sleep(20 * time.Millisecond)
	require.Len(t, alice.recorded(), 1)
	require.Empty(t, bruno.recorded())
}

func TestMultipleSinksPerRecipient(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Minute)

	laptop := &memorySink{}
	phone := &memorySink{}
	subLaptop := b.Subscribe("mem-alice", laptop)
	defer subLaptop.Close()
	subPhone := b.Subscribe("mem-alice", phone)
	defer subPhone.Close()

	require.Equal(t, 2, b.SubscriberCount("mem-alice"))

	b.Publish("task.created", map[string]string{"id": "task-1"}, "mem-alice")
	waitForEvents(t, laptop, 1)
	waitForEvents(t, phone, 1)
}

func TestFailingSinkIsDeregistered(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Minute)

	healthy := &memorySink{}
	broken := &memorySink{}
	subHealthy := b.Subscribe("mem-alice", healthy)
	defer subHealthy.Close()
	subBroken := b.Subscribe("mem-bruno", broken)
	defer subBroken.Close()

	broken.failFromNow(errors.New("connection reset"))
	b.Publish("task.created", map[string]string{"id": "task-1"}, "")

	waitForEvents(t, healthy, 1)
	require.Eventually(t, func() bool {
		return b.SubscriberCount("mem-bruno") == 0
	}, time.Second, time.Millisecond)

	select {
	case <-subBroken.Done():
	case <-time.After(time.Second):
		t.Fatal("failed subscription should be done")
	}

	// Later publishes only reach the survivor.
	b.Publish("task.created", map[string]string{"id": "task-2"}, "")
	waitForEvents(t, healthy, 2)
	require.Equal(t, 1, b.SubscriberCount(""))
}

func TestSlowSinkDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Minute)

	slow := &blockingSink{release: make(chan struct{})}
	fast := &memorySink{}
	subSlow := b.Subscribe("mem-slow", slow)
	defer subSlow.Close()
	subFast := b.Subscribe("mem-fast", fast)
	defer subFast.Close()

	// The slow sink's write is stuck; the fast sink must still get the
	// event promptly.
	start := time.Now()
	b.Publish("task.created", map[string]string{"id": "task-1"}, "")
	waitForEvents(t, fast, 1)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	close(slow.release)
}

func TestOverflowingSubscriberIsDropped(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Minute)

	slow := &blockingSink{release: make(chan struct{})}
	sub := b.Subscribe("mem-slow", slow)
	defer sub.Close()

	// One event may be stuck in-flight and the queue holds the rest, so
	// this many publishes guarantees an overflow.
	for i := 0; i < subscriptionQueueSize+2; i++ {
		b.Publish("task.created", map[string]string{"id": "task-1"}, "mem-slow")
	}

	require.Eventually(t, func() bool {
		return b.SubscriberCount("mem-slow") == 0
	}, time.Second, time.Millisecond)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("overflowing subscription should be done")
	}

	close(slow.release)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), time.Minute)

	sink := &memorySink{}
	sub := b.Subscribe("mem-alice", sink)
	require.Equal(t, 1, b.SubscriberCount(""))

	sub.Close()
	sub.Close()
	require.Zero(t, b.SubscriberCount(""))

	b.Publish("task.created", map[string]string{"id": "task-1"}, "")
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, sink.recorded())
}

func TestHeartbeatKeepsWriting(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), 5*time.Millisecond)

	sink := &memorySink{}
	sub := b.Subscribe("mem-alice", sink)
	defer sub.Close()

	require.Eventually(t, func() bool {
		for _, e := range sink.recorded() {
			if e.Event == HeartbeatEvent {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestHeartbeatFailureDeregisters(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), 5*time.Millisecond)

	sink := &memorySink{}
	sink.failFromNow(errors.New("gone"))
	sub := b.Subscribe("mem-alice", sink)
	defer sub.Close()

	require.Eventually(t, func() bool {
		return b.SubscriberCount("") == 0
	}, time.Second, time.Millisecond)
}
