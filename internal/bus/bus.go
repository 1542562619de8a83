// Package bus provides the in-process topic pub/sub connecting transports,
// the cron manager, the run waiter and the gateway event bridge.
//
// Delivery is best-effort fan-out to all current subscribers. A subscriber
// that stops draining its channel loses events instead of blocking the
// sender; a cancelled subscription is reaped on the next broadcast.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Well-known topics.
const (
	TopicCron          = "cron"
	TopicSystem        = "system"
	TopicNodes         = "nodes"
	TopicPresence      = "presence"
	TopicExecApprovals = "exec_approvals"
	TopicHeartbeat     = "heartbeat"
)

// RunTopic returns the per-run event topic.
func RunTopic(runID string) string { return "run:" + runID }

// SessionTopic returns the per-session event topic.
func SessionTopic(sessionKey string) string { return "session:" + sessionKey }

const subscriberBuffer = 64

// Subscription is the handle returned by Subscribe. Events arrive on C.
// Cancel is idempotent.
type Subscription struct {
	topic    string
	id       uint64
	ch       chan Event
	bus      *Bus
	canceled atomic.Bool
}

// C returns the event channel for this subscription.
func (s *Subscription) C() <-chan Event { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.canceled.CompareAndSwap(false, true) {
		s.bus.remove(s.topic, s.id)
	}
}

// Bus is a topic-keyed in-process broadcaster. The zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*Subscription
	nextID atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[uint64]*Subscription)}
}

// Subscribe registers a new subscriber on topic. O(1).
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		id:    b.nextID.Add(1),
		ch:    make(chan Event, subscriberBuffer),
		bus:   b,
	}
	b.mu.Lock()
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[uint64]*Subscription)
		b.topics[topic] = set
	}
	set[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Broadcast fans out ev to all current subscribers of topic. O(n) in
// subscribers, never blocks: a full subscriber buffer drops the event for
// that subscriber only.
func (b *Bus) Broadcast(topic string, ev Event) {
	b.mu.RLock()
	set := b.topics[topic]
	subs := make([]*Subscription, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.canceled.Load() {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slog.Debug("bus: dropped event for slow subscriber", "topic", topic, "type", ev.Type)
		}
	}
}

// SubscriberCount reports the current number of subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	if set, ok := b.topics[topic]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()
}

// WaitFor blocks on sub until an event satisfying match arrives, the context
// is done, or the subscription's channel yields nothing further. Returns the
// matching event and true, or a zero event and false.
func WaitFor(ctx context.Context, sub *Subscription, match func(Event) bool) (Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case ev, ok := <-sub.C():
			if !ok {
				return Event{}, false
			}
			if match == nil || match(ev) {
				return ev, true
			}
		}
	}
}
