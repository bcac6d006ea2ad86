// Package realtime is the in-process live-update fan-out: a registry of
// per-recipient sinks that task mutations are published into.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HeartbeatEvent is the reserved event name written on the heartbeat timer
// so intermediary proxies do not time out idle connections.
const HeartbeatEvent = "heartbeat"

// Sink is an open, writable per-client channel. Writes to one sink are
// serialized by its subscription's writer goroutine.
type Sink interface {
	WriteEvent(event string, data []byte) error
}

// subscriptionQueueSize bounds the per-subscription event buffer. A client
// that falls this far behind is dropped instead of backpressuring the
// publisher.
const subscriptionQueueSize = 16

type envelope struct {
	event string
	data  []byte
}

// Subscription ties one recipient to one sink for the lifetime of a client
// connection. The sink is fed by a dedicated writer goroutine so a slow
// client never stalls publishers or other subscribers.
type Subscription struct {
	RecipientID string

	b         *Broadcaster
	sink      Sink
	queue     chan envelope
	closeOnce sync.Once
	done      chan struct{}
}

// Done is closed when the subscription is removed, whether by Close or by a
// write failure.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// Close deregisters the subscription. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.b.remove(sub)
		close(sub.done)
	})
}

// enqueue hands an event to the writer goroutine without blocking. false
// means the queue is full.
func (sub *Subscription) enqueue(event string, data []byte) bool {
	select {
	case sub.queue <- envelope{event: event, data: data}:
		return true
	default:
		return false
	}
}

// Broadcaster is an explicit owned resource, instantiated per process (and
// per test case), never a package singleton.
type Broadcaster struct {
	log       *zap.Logger
	heartbeat time.Duration

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewBroadcaster(log *zap.Logger, heartbeat time.Duration) *Broadcaster {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &Broadcaster{
		log:       log,
		heartbeat: heartbeat,
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a sink for a recipient and starts its writer and
// heartbeat goroutines. The subscription lives until Close, the first write
// failure, or a queue overflow.
func (b *Broadcaster) Subscribe(recipientID string, sink Sink) *Subscription {
	sub := &Subscription{
		RecipientID: recipientID,
		b:           b,
		sink:        sink,
		queue:       make(chan envelope, subscriptionQueueSize),
		done:        make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.subs[recipientID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[recipientID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go b.writeLoop(sub)
	go b.heartbeatLoop(sub)
	b.log.Debug("subscriber registered", zap.String("recipient", recipientID))
	return sub
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.RecipientID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.RecipientID)
		}
	}
	b.mu.Unlock()
}

// Publish delivers an event to every registered sink, or to one recipient's
// sinks when targetRecipientID is set. Publishing to an absent target is a
// silent no-op: offline recipients get no queued replay. Delivery goes
// through each subscription's own writer goroutine, so a slow or dead sink
// never blocks the publisher or the other subscribers; it overflows its
// queue and is deregistered instead.
func (b *Broadcaster) Publish(event string, payload interface{}, targetRecipientID string) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("publish payload marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	// Copy the recipient list under the read lock; enqueueing happens
	// outside it.
	b.mu.RLock()
	var targets []*Subscription
	if targetRecipientID != "" {
		for sub := range b.subs[targetRecipientID] {
			targets = append(targets, sub)
		}
	} else {
		for _, set := range b.subs {
			for sub := range set {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.enqueue(event, data) {
			b.log.Debug("subscriber queue full, deregistering",
				zap.String("recipient", sub.RecipientID))
			sub.Close()
		}
	}
}

// SubscriberCount reports registered sinks, across all recipients when
// recipientID is empty.
func (b *Broadcaster) SubscriberCount(recipientID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if recipientID != "" {
		return len(b.subs[recipientID])
	}
	total := 0
	for _, set := range b.subs {
		total += len(set)
	}
	return total
}

// writeLoop is the single writer for one subscription's sink.
func (b *Broadcaster) writeLoop(sub *Subscription) {
	for {
		select {
		case <-sub.done:
			return
		case env := <-sub.queue:
			if err := sub.sink.WriteEvent(env.event, env.data); err != nil {
				b.log.Debug("subscriber write failed, deregistering",
					zap.String("recipient", sub.RecipientID), zap.Error(err))
				sub.Close()
				return
			}
		}
	}
}

func (b *Broadcaster) heartbeatLoop(sub *Subscription) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			// A queue still full of undelivered events at heartbeat time
			// means the client is gone or hopelessly behind.
			if !sub.enqueue(HeartbeatEvent, nil) {
				b.log.Debug("heartbeat overflow, deregistering",
					zap.String("recipient", sub.RecipientID))
				sub.Close()
				return
			}
		}
	}
}
