// Package eventbus implements the per-task event multicast (C10): task and
// folder-group lifecycle events delivered to subscribers (WebSocket
// consumers) through per-subscriber bounded queues with a drop-oldest
// backpressure policy, so one slow subscriber can never block a publisher.
//
// This generalizes internal/logger.go's FanoutHandler (iterate a slice of
// sinks, never let one sink's latency block emission) from "N logging
// sinks" to "N subscriber queues," adding the bounded-queue/drop-oldest
// policy the logger's unbounded fan-out doesn't need.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Category distinguishes file-task events from folder-group events.
type Category string

const (
	CategoryFile   Category = "file"
	CategoryFolder Category = "folder"
)

// Kind enumerates the event kinds of spec §4.10.
type Kind string

const (
	KindCreated        Kind = "created"
	KindProgress       Kind = "progress"
	KindStatusChanged  Kind = "status_changed"
	KindCompleted      Kind = "completed"
	KindFailed         Kind = "failed"
	KindPaused         Kind = "paused"
	KindResumed        Kind = "resumed"
	KindDeleted        Kind = "deleted"
	KindScanCompleted  Kind = "scan_completed" // folder groups only
)

// TopicFile, TopicFolder, and a per-group drilldown topic are the topics
// subscribers attach to (spec §4.10). Upload/transfer topics are out of
// scope here and never published by this engine.
const (
	TopicFile   = "download:file"
	TopicFolder = "download:folder"
)

// GroupTopic returns the per-group drilldown topic name.
func GroupTopic(groupID string) string {
	return "download:" + groupID
}

// Event is one published occurrence. EventID is monotonically increasing
// across the whole bus so subscribers can detect gaps.
type Event struct {
	EventID   uint64
	Timestamp time.Time
	Topic     string
	Category  Category
	Kind      Kind
	TaskID    string
	GroupID   string
	Payload   any
}

// Subscription is a live attachment to one or more topics.
type Subscription struct {
	id           uint64
	bus          *Bus
	topics       map[string]struct{}
	ch           chan Event
	mu           sync.Mutex
	droppedCount uint64
}

// Events returns the channel of delivered events. The channel is closed
// when the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Dropped reports how many events were discarded for this subscription due
// to a full queue (diagnostic only).
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.droppedCount)
}

// Bus is the process-wide multicast point. Zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextSubID atomic.Uint64
	nextEvtID atomic.Uint64
	queueSize int
	logger    *slog.Logger
}

// New creates a Bus whose subscriber queues hold up to queueSize events
// before the oldest is dropped.
func New(logger *slog.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe attaches a new subscription to the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	sub := &Subscription{
		id:     b.nextSubID.Add(1),
		bus:    b,
		topics: set,
		ch:     make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// AddTopic attaches an additional topic to a live subscription (e.g. a
// folder-group drilldown topic discovered after the client subscribed).
func (s *Subscription) AddTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = struct{}{}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish emits an event on topic to every matching subscriber without
// blocking on any of them. A subscriber whose queue is full has its oldest
// queued event dropped (and logged) to make room for the new one.
func (b *Bus) Publish(topic string, category Category, kind Kind, taskID, groupID string, payload any) {
	ev := Event{
		EventID:   b.nextEvtID.Add(1),
		Timestamp: time.Now(),
		Topic:     topic,
		Category:  category,
		Kind:      kind,
		TaskID:    taskID,
		GroupID:   groupID,
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.mu.Lock()
		_, wants := sub.topics[topic]
		sub.mu.Unlock()
		if !wants {
			continue
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case <-sub.ch:
			atomic.AddUint64(&sub.droppedCount, 1)
			if b.logger != nil {
				b.logger.Warn("eventbus: dropping oldest event for slow subscriber",
					"subscriber", sub.id, "topic", ev.Topic, "event_id", ev.EventID)
			}
		default:
			// A concurrent reader may have drained it between our two
			// selects; loop back and retry the send.
		}
	}
}

// SubscriberCount reports the number of live subscriptions, for metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
