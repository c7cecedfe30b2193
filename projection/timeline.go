// Package projection builds local read views from observed session events.
// Handles ordering and deduplication. Does not emit events or interact with
// the UI directly.
package projection

import (
	"sort"
	"sync"

	"cowatch/domain"
	"cowatch/domain/event"
)

// Timeline is the in-memory transcript of the running session: every message
// seen since subscribing, own and remote, in timestamp order. Unlike the
// store it starts empty on each join, which makes it the natural source for
// a "what happened since I got here" view.
type Timeline struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	messages []domain.Message
}

func NewTimeline() *Timeline {
	return &Timeline{seen: make(map[string]struct{})}
}

// Consume implements the event sink contract. Events that carry no message
// are ignored.
func (t *Timeline) Consume(e event.SessionEvent) {
	switch evt := e.(type) {
	case event.MessageReceived:
		t.add(evt.Message)
	case event.MessageSent:
		t.add(evt.Message)
	}
}

func (t *Timeline) add(msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := msg.DedupKey()
	if _, dup := t.seen[key]; dup {
		return
	}
	t.seen[key] = struct{}{}

	t.messages = append(t.messages, msg)
	// Remote clocks drift, so an append is not always in order.
	if n := len(t.messages); n > 1 && t.messages[n-1].At.Before(t.messages[n-2].At) {
		sort.SliceStable(t.messages, func(i, j int) bool {
			return t.messages[i].At.Before(t.messages[j].At)
		})
	}
}

// Messages returns a copy of the transcript in timestamp order.
func (t *Timeline) Messages() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Reset clears the transcript, e.g. when joining a different room.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = make(map[string]struct{})
	t.messages = nil
}
