package errors

import "fmt"

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	// Transport level. Recoverable by retry or fallback.
	ErrConnectionRefused = fmt.Errorf("connection refused")
	ErrHandshakeTimeout  = fmt.Errorf("handshake timeout")
	ErrPeerUnreachable   = fmt.Errorf("peer unreachable")
	ErrPartialDelivery   = fmt.Errorf("no reachable recipients")
	ErrTransportClosed   = fmt.Errorf("transport closed")

	// Session level. Terminal for the session attempt.
	ErrInvalidRoomID       = fmt.Errorf("invalid room id")
	ErrTransportsExhausted = fmt.Errorf("all transports exhausted")
	ErrSessionClosed       = fmt.Errorf("session closed")
	ErrSessionActive       = fmt.Errorf("session already active")

	// Store level. Surfaced to the caller, never silently swallowed.
	ErrMessageNotFound = fmt.Errorf("message not found")
	ErrRoomRequired    = fmt.Errorf("room id required")

	// Validation. Rejected synchronously, no side effects.
	ErrEmptyMessage    = fmt.Errorf("empty message text")
	ErrEmptyName       = fmt.Errorf("empty display name")
	ErrMalformedFrame  = fmt.Errorf("malformed wire frame")
	ErrRoomIDCollision = fmt.Errorf("room id collision")
)

// TransportError wraps a failure inside one transport implementation so the
// session can tell which transport kind failed while falling back.
type TransportError struct {
	Kind string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StoreError marks a persistence failure. It is surfaced to the caller of the
// failing operation and must not cascade into session teardown.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
