// Package events is the per-process fan-out of tenant-scoped state-change
// notifications. Publishing is best-effort: slow subscribers lose
// messages rather than blocking the engine.
package events

import (
	"sync"
)

// Message is the JSON-serializable envelope delivered to subscribers.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

const subscriberBuffer = 16

// Subscription is one subscriber's message channel. Close it by calling
// Unsubscribe; the channel is closed by the hub.
type Subscription struct {
	C        <-chan Message
	tenantID string
	ch       chan Message
	hub      *Hub
}

// Hub fans messages out to all subscriptions of a tenant. Multiple
// subscriptions per tenant are allowed.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[string]map[*Subscription]struct{}{}}
}

// Subscribe registers a new subscription for the tenant.
func (h *Hub) Subscribe(tenantID string) *Subscription {
	ch := make(chan Message, subscriberBuffer)
	sub := &Subscription{C: ch, tenantID: tenantID, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = map[*Subscription]struct{}{}
	}
	h.subs[tenantID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tenantSubs, ok := h.subs[sub.tenantID]
	if !ok {
		return
	}
	if _, ok := tenantSubs[sub]; !ok {
		return
	}
	delete(tenantSubs, sub)
	if len(tenantSubs) == 0 {
		delete(h.subs, sub.tenantID)
	}
	close(sub.ch)
}

// Unsubscribe detaches this subscription from its hub.
func (s *Subscription) Unsubscribe() {
	s.hub.Unsubscribe(s)
}

// Publish delivers the message to every subscription of the tenant
// without blocking: a full subscriber buffer drops the message for that
// subscriber only.
func (h *Hub) Publish(tenantID, event string, data any) {
	msg := Message{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[tenantID] {
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber: drop this message, keep the subscription.
		}
	}
}

// SubscriberCount reports the number of live subscriptions for a tenant.
func (h *Hub) SubscriberCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}
