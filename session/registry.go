package session

import (
	"sync"

	"cowatch/contract"
	"cowatch/domain/event"
)

// Subscription is a handle returned by Registry.Subscribe. Callers use it
// to detach their sink when they stop listening.
type Subscription struct {
	id       uint64
	registry *Registry
}

// Unsubscribe detaches the sink. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.registry == nil {
		return
	}
	s.registry.remove(s.id)
	s.registry = nil
}

// Registry fans session events out to every subscribed sink. Sinks are
// resolved under a read lock so a slow consumer never blocks Subscribe.
type Registry struct {
	mu    sync.RWMutex
	next  uint64
	sinks map[uint64]contract.EventSink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[uint64]contract.EventSink)}
}

// Subscribe registers a sink for all events published by the session.
func (r *Registry) Subscribe(sink contract.EventSink) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.sinks[r.next] = sink
	return &Subscription{id: r.next, registry: r}
}

// Publish delivers ev to every registered sink. Delivery order across
// sinks is not guaranteed.
func (r *Registry) Publish(ev event.SessionEvent) {
	r.mu.RLock()
	snapshot := make([]contract.EventSink, 0, len(r.sinks))
	for _, sink := range r.sinks {
		snapshot = append(snapshot, sink)
	}
	r.mu.RUnlock()

	for _, sink := range snapshot {
		sink.Consume(ev)
	}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, id)
}
