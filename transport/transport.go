//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=../mocks/mock_transport.go -package=mocks
// Package transport defines the contract shared by the two delivery
// topologies and the wire format exchanged over both.
package transport

import (
	"context"

	"cowatch/domain"
)

// RoomDescriptor is everything a transport needs to join a room.
type RoomDescriptor struct {
	RoomID      string
	SelfID      string
	DisplayName string
}

// MessageHandler receives distinct inbound wire messages. A transport must
// not invoke it twice for the same wire message.
type MessageHandler func(msg WireMessage)

// PeerHandler observes per-connection state transitions.
type PeerHandler func(conn domain.Connection)

// Transport is the common send/receive contract. Exactly two implementations
// exist: mesh (direct links) and relay (intermediary). The session manager
// programs only against this interface and picks one per session.
type Transport interface {
	Kind() domain.TransportKind

	// Connect establishes readiness to send and receive within the room.
	// It honors ctx cancellation; a canceled connect leaves no resources
	// behind.
	Connect(ctx context.Context, room RoomDescriptor) error

	// Send delivers a message to all currently known participants in the
	// room. It must not block indefinitely. If no recipients are reachable
	// the call returns errors.ErrPartialDelivery; the message is still
	// considered locally accepted.
	Send(ctx context.Context, msg WireMessage) error

	// OnMessage registers the single inbound handler. Must be called
	// before Connect.
	OnMessage(handler MessageHandler)

	// OnPeerEvent registers an observer for connection state transitions.
	OnPeerEvent(handler PeerHandler)

	// Disconnect releases all resources. Idempotent.
	Disconnect() error
}
