// Package wal fans committed changes out to live sessions.
//
// The hub is purely in-memory: durability lives in the store's history
// table, so a subscriber that falls behind is simply cut loose and
// re-reads history from its last acknowledged LSN.
package wal

import (
	"sync"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/wire"
)

// Event is one committed batch.
type Event struct {
	// Origin is the client that produced the batch, empty for
	// server-side writes. Subscribers skip their own origin.
	Origin string

	Changes []wire.Change

	// Mark is the store high-water mark after the batch.
	Mark lsn.LSN
}

// Subscription receives events for one session.
type Subscription struct {
	// C delivers events in publish order.
	C <-chan Event

	// Lagged is closed when the subscriber fell behind and events were
	// dropped; the session must resync from history.
	Lagged <-chan struct{}

	cancel func()
}

// Close detaches the subscription.
func (s *Subscription) Close() { s.cancel() }

type subscriber struct {
	id     string
	ch     chan Event
	lagged chan struct{}
	once   sync.Once
}

// Hub broadcasts committed batches.
type Hub struct {
	mu   sync.Mutex
	subs map[uint64]*subscriber
	next uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Subscribe attaches a session. id is used only for logging.
func (h *Hub) Subscribe(id string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	sub := &subscriber{
		id:     id,
		ch:     make(chan Event, buffer),
		lagged: make(chan struct{}),
	}

	h.mu.Lock()
	key := h.next
	h.next++
	h.subs[key] = sub
	h.mu.Unlock()

	return &Subscription{
		C:      sub.ch,
		Lagged: sub.lagged,
		cancel: func() {
			h.mu.Lock()
			delete(h.subs, key)
			h.mu.Unlock()
		},
	}
}

// Publish delivers an event to every subscriber without blocking. A
// full subscriber is flagged lagged instead of stalling the publisher.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			sub.once.Do(func() {
				logger.Warn("Live subscriber lagged, forcing resync", "subscriber", sub.id)
				close(sub.lagged)
			})
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
