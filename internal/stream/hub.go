// Package stream provides best-effort fan-out of engine state snapshots.
package stream

import (
	"sync"
	"time"

	"supertrend-trader/internal/models"
)

// DropReason explains why a snapshot was not delivered to a subscriber.
type DropReason string

const (
	// DropSlowConsumer means the subscriber's buffer was full.
	DropSlowConsumer DropReason = "SLOW_CONSUMER"
	// DropClosed means the subscriber had already unsubscribed.
	DropClosed DropReason = "CLOSED"
)

// HubConfig holds configuration for the snapshot hub.
type HubConfig struct {
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{SubscriberBufferSize: 16}
}

// Hub distributes engine snapshots to subscribers. Publishing never blocks:
// a subscriber whose buffer is full has that snapshot dropped and the drop
// recorded with a reason. Snapshots are values; the hub clones on publish
// so subscribers share no mutable state with the engine loop.
type Hub struct {
	config HubConfig

	mu      sync.RWMutex
	subs    map[uint64]*Subscriber
	nextID  uint64
	stopped bool

	metricsMu sync.Mutex
	published uint64
	delivered uint64
	dropped   uint64
}

// Subscriber receives snapshots on C until Unsubscribe or hub stop.
type Subscriber struct {
	ID         uint64
	C          chan models.Snapshot
	Dropped    int
	LastDrop   DropReason
	LastDropAt time.Time
	CreatedAt  time.Time
}

// NewHub creates a hub with default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig())
}

// NewHubWithConfig creates a hub with custom configuration.
func NewHubWithConfig(config HubConfig) *Hub {
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = 1
	}
	return &Hub{
		config: config,
		subs:   make(map[uint64]*Subscriber),
	}
}

// Subscribe registers a new snapshot consumer.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		ID:        h.nextID,
		C:         make(chan models.Snapshot, h.config.SubscriberBufferSize),
		CreatedAt: time.Now(),
	}
	if h.stopped {
		close(sub.C)
		return sub
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.C)
}

// Publish fans a snapshot out to all subscribers, cloning per delivery.
func (h *Hub) Publish(snap models.Snapshot) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	h.metricsMu.Lock()
	h.published++
	h.metricsMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.C <- snap.Clone():
			h.metricsMu.Lock()
			h.delivered++
			h.metricsMu.Unlock()
		default:
			sub.Dropped++
			sub.LastDrop = DropSlowConsumer
			sub.LastDropAt = time.Now()
			h.metricsMu.Lock()
			h.dropped++
			h.metricsMu.Unlock()
		}
	}
}

// Stop closes all subscriber channels. Further publishes are no-ops.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return
	}
	h.stopped = true
	for id, sub := range h.subs {
		close(sub.C)
		delete(h.subs, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Metrics contains hub delivery counters.
type Metrics struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// GetMetrics returns hub delivery counters.
func (h *Hub) GetMetrics() Metrics {
	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	return Metrics{
		Published:   h.published,
		Delivered:   h.delivered,
		Dropped:     h.dropped,
		Subscribers: h.SubscriberCount(),
	}
}
