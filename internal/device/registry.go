package device

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ChangeHandler is called after a device changes state
type ChangeHandler func(id ID, oldState, newState OnOff)

// Subscription represents an active device change subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id       ID
	seq      int
	registry *Registry
}

func (s *subscription) Unsubscribe() {
	s.registry.unsubscribe(s.id, s.seq)
}

type handlerEntry struct {
	seq     int
	handler ChangeHandler
}

// Registry maps every device in AllDevices to its on/off state.
// Unknown ids are programming errors and panic.
type Registry struct {
	logger *zap.Logger

	mu     sync.RWMutex
	states map[ID]OnOff

	subsMu      sync.RWMutex
	subscribers map[ID][]handlerEntry
	nextSeq     int
}

// NewRegistry creates a registry with every device off
func NewRegistry(logger *zap.Logger) *Registry {
	states := make(map[ID]OnOff, len(AllDevices))
	for _, d := range AllDevices {
		states[d.ID] = Off
	}

	return &Registry{
		logger:      logger.Named("devices"),
		states:      states,
		subscribers: make(map[ID][]handlerEntry),
	}
}

// Get returns the state of id
func (r *Registry) Get(id ID) OnOff {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.mustGet(id)
}

// Set changes the state of id
func (r *Registry) Set(id ID, state OnOff) {
	r.mu.Lock()
	old := r.mustGet(id)
	r.states[id] = state
	r.mu.Unlock()

	if old != state {
		r.changed(id, old, state)
	}
}

// Toggle flips the state of id and returns the new state
func (r *Registry) Toggle(id ID) OnOff {
	r.mu.Lock()
	old := r.mustGet(id)
	state := !old
	r.states[id] = state
	r.mu.Unlock()

	r.changed(id, old, state)
	return state
}

// Snapshot returns a copy of all device states
func (r *Registry) Snapshot() map[ID]OnOff {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[ID]OnOff, len(r.states))
	for k, v := range r.states {
		states[k] = v
	}
	return states
}

// Subscribe registers handler for changes of id. Handlers run synchronously
// on the goroutine that changed the device.
func (r *Registry) Subscribe(id ID, handler ChangeHandler) Subscription {
	r.mu.RLock()
	r.mustGet(id)
	r.mu.RUnlock()

	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	r.nextSeq++
	r.subscribers[id] = append(r.subscribers[id], handlerEntry{seq: r.nextSeq, handler: handler})

	return &subscription{id: id, seq: r.nextSeq, registry: r}
}

// SubscribeAll registers handler for changes of every device
func (r *Registry) SubscribeAll(handler ChangeHandler) []Subscription {
	subs := make([]Subscription, 0, len(AllDevices))
	for _, d := range AllDevices {
		subs = append(subs, r.Subscribe(d.ID, handler))
	}
	return subs
}

func (r *Registry) unsubscribe(id ID, seq int) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	entries := r.subscribers[id]
	for i, e := range entries {
		if e.seq == seq {
			r.subscribers[id] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// changed logs the transition and notifies subscribers
func (r *Registry) changed(id ID, oldState, newState OnOff) {
	r.logger.Debug("Device changed",
		zap.String("device", string(id)),
		zap.Stringer("old", oldState),
		zap.Stringer("new", newState))

	r.subsMu.RLock()
	entries := r.subscribers[id]
	r.subsMu.RUnlock()

	for _, e := range entries {
		e.handler(id, oldState, newState)
	}
}

// mustGet must be called with mu held
func (r *Registry) mustGet(id ID) OnOff {
	state, ok := r.states[id]
	if !ok {
		panic(fmt.Sprintf("device: unknown device id %q", id))
	}
	return state
}
