package app

import (
	"sync"

	"go.uber.org/zap"

	"smarthome/internal/schedule"
)

// DefaultSubscriberBuffer is the channel size handed to Subscribe callers
const DefaultSubscriberBuffer = 16

// Hub fans notifications out to subscribers without ever blocking the
// sender. A subscriber whose buffer is full misses the notification.
type Hub struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[uint64]chan schedule.Notification
	nextID uint64
	closed bool
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger.Named("hub"),
		subs:   make(map[uint64]chan schedule.Notification),
	}
}

// Notify delivers n to every subscriber
func (h *Hub) Notify(n schedule.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.Warn("Subscriber too slow, dropping notification",
				zap.Uint64("subscriber", id),
				zap.String("kind", string(n.Kind)),
				zap.String("notification_id", n.ID))
		}
	}
}

// Subscribe returns a channel of notifications and a function that ends the
// subscription and closes the channel. On a closed hub the channel is
// already closed.
func (h *Hub) Subscribe(buffer int) (<-chan schedule.Notification, func()) {
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan schedule.Notification, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.nextID++
	id := h.nextID
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.remove(id) })
	}
}

// Subscribers returns the number of active subscriptions
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}
