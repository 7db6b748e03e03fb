package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/logger"
)

// Event is one audit record pushed to live subscribers.
type Event struct {
	Type     string         `json:"type"` // "call" or "security"
	Call     *CallRecord    `json:"call,omitempty"`
	Security *SecurityEvent `json:"security,omitempty"`
}

// Broadcaster wraps a Collector and fans every record out to subscribers.
// Slow subscribers lose events rather than blocking the data plane.
type Broadcaster struct {
	Collector

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewBroadcaster creates a Broadcaster around collector
func NewBroadcaster(collector Collector) *Broadcaster {
	return &Broadcaster{
		Collector: collector,
		subs:      make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release it; it closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of live subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Debug("Audit subscriber %d is full, dropping %s event", id, ev.Type)
		}
	}
}

// RecordCall stores and publishes a call record
func (b *Broadcaster) RecordCall(ctx context.Context, call CallRecord) error {
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now()
	}
	err := b.Collector.RecordCall(ctx, call)
	b.publish(Event{Type: "call", Call: &call})
	return err
}

// RecordSecurityEvent stores and publishes a security event
func (b *Broadcaster) RecordSecurityEvent(ctx context.Context, event SecurityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	err := b.Collector.RecordSecurityEvent(ctx, event)
	b.publish(Event{Type: "security", Security: &event})
	return err
}

// Close releases every subscriber and closes the wrapped collector
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
	return b.Collector.Close()
}
