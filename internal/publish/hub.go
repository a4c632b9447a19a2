package publish

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Hub caches the latest message and fans it out to subscribers. A slow
// subscriber loses its oldest pending message, never the newest.
type Hub struct {
	queue  int
	logger *slog.Logger

	mu          sync.RWMutex
	latest      *Message
	subscribers map[*subscriber]struct{}
	closed      bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// HubStats are the hub counters.
type HubStats struct {
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// NewHub builds a hub whose subscribers buffer up to queue messages.
func NewHub(queue int, logger *slog.Logger) *Hub {
	if queue <= 0 {
		queue = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queue:       queue,
		logger:      logger.With("component", "publish"),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Deliver implements Sink.
func (h *Hub) Deliver(msg Message) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.latest = &msg
	targets := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	h.delivered.Add(1)
	for _, sub := range targets {
		if sub.send(msg) {
			h.dropped.Add(1)
		}
	}
}

// Latest returns the most recent message.
func (h *Hub) Latest() (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return Message{}, false
	}
	return *h.latest, true
}

// Subscribe registers a listener. The latest message, if any, is queued first.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	sub := newSubscriber(h.queue)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.channel(), func() {}
	}
	h.subscribers[sub] = struct{}{}
	if h.latest != nil {
		// Queued under the lock so a concurrent Deliver cannot overtake it.
		sub.send(*h.latest)
	}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		sub.close()
	}
	return sub.channel(), unsubscribe
}

// Stats returns the hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.subscribers)
	h.mu.RUnlock()
	return HubStats{
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: n,
	}
}

// Close disconnects every subscriber. Safe for repeated use.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subscribers
	h.subscribers = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	h.logger.Debug("hub closed", "subscribers", len(subs))
}

type subscriber struct {
	ch     chan Message
	mu     sync.Mutex
	closed bool
}

func newSubscriber(queue int) *subscriber {
	return &subscriber{ch: make(chan Message, queue)}
}

func (s *subscriber) channel() <-chan Message {
	return s.ch
}

// send reports whether an older message was dropped to make room.
func (s *subscriber) send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return false
	default:
	}

	dropped := false
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- msg:
	default:
	}
	return dropped
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
