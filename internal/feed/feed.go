// Package feed implements the live-event fan-out: every captured request
// and response record is broadcast to all current subscribers with
// best-effort, drop-on-slow semantics.
//
// Subscribers are observers only — delivery is never guaranteed and the
// publisher never waits on them. The durable record is the capture log;
// the feed exists so dashboards can watch traffic in real time.
package feed

import (
	"log/slog"
	"sync"
)

// subscriberBuffer is the fixed outbound buffer per subscriber. A
// subscriber that falls this many messages behind starts losing them.
const subscriberBuffer = 64

// Message is the opaque envelope delivered to subscribers.
// Type is "request" or "response"; Data is the capture record.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Subscriber is a handle returned by Subscribe. Receive from C until it
// is closed, then stop; the channel closes on Unsubscribe or hub Close.
type Subscriber struct {
	ch     chan Message
	mu     sync.Mutex
	closed bool
}

// C returns the subscriber's delivery channel. Messages arrive in publish
// order; messages published while the buffer was full are missing.
func (s *Subscriber) C() <-chan Message {
	return s.ch
}

// trySend enqueues without blocking. The subscriber mutex orders the send
// against finish so a concurrent Unsubscribe can never close the channel
// mid-send.
func (s *Subscriber) trySend(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		// Buffer full — drop for this subscriber. The capture log is
		// the durable record; the feed is best-effort.
	}
}

// finish closes the delivery channel exactly once.
func (s *Subscriber) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub is the subscription set. A single mutex protects insertions,
// deletions, and the snapshot taken by Publish; sends happen outside the
// lock so a slow subscriber never stalls registration or other sends.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewHub creates an empty fan-out hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber with a fixed-size outbound buffer.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Message, subscriberBuffer)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	total := len(h.subs)
	h.mu.Unlock()

	slog.Debug("feed subscriber added", "total", total)
	return s
}

// Unsubscribe removes the handle and releases its buffered messages.
// Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	if ok {
		delete(h.subs, s)
	}
	total := len(h.subs)
	h.mu.Unlock()

	if ok {
		s.finish()
		slog.Debug("feed subscriber removed", "total", total)
	}
}

// Publish enqueues msg to every subscriber without blocking. If a
// subscriber's buffer is full the message is dropped for that subscriber;
// per-subscriber ordering of delivered messages still matches publish
// order. The subscriber list is copied under the lock and sends happen
// outside it.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.trySend(msg)
	}
}

// Count returns the number of current subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close removes and closes every subscriber. Called on shutdown after the
// HTTP server has stopped accepting connections.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		delete(h.subs, s)
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.finish()
	}
}
