// Package event defines the events a session emits to its subscribers.
package event

import (
	"github.com/google/uuid"

	"cowatch/domain"
)

// SessionEvent is implemented by every event pushed to subscribers.
type SessionEvent interface {
	Room() string
}

// MessageReceived is emitted once per distinct inbound message, after it has
// been deduplicated and persisted.
type MessageReceived struct {
	Message domain.Message
}

func (e MessageReceived) Room() string { return e.Message.RoomID }

// MessageSent is the local echo for a message authored on this installation.
// It is emitted regardless of delivery outcome; Message.State says what
// actually happened on the wire.
type MessageSent struct {
	Message domain.Message
}

func (e MessageSent) Room() string { return e.Message.RoomID }

// MessageDeduped is emitted when an inbound message was already persisted
// and therefore dropped instead of being delivered again.
type MessageDeduped struct {
	RoomID    string
	MessageID uuid.UUID
}

func (e MessageDeduped) Room() string { return e.RoomID }

// ConnectionStateChanged is emitted on every transport or peer link
// transition, including the per-transport attempts during fallback. Events
// without a peer id describe the transport as a whole.
type ConnectionStateChanged struct {
	RoomID     string
	Connection domain.Connection
}

func (e ConnectionStateChanged) Room() string { return e.RoomID }

// ErrorEvent surfaces a non-fatal error to the UI layer, e.g. a send that
// stayed pending or a store write failure.
type ErrorEvent struct {
	RoomID string
	Err    error
}

func (e ErrorEvent) Room() string { return e.RoomID }
