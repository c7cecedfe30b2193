// Package domain contains core concepts of the co-watching chat system.
// This file defines Message and its delivery lifecycle.
// Messages are immutable once persisted and always carry sanitized text.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryState tracks how far a locally authored message made it.
type DeliveryState string

const (
	// DeliveryPending is the state between persistence and transport accept.
	// A failed send stays Pending; it never disappears.
	DeliveryPending DeliveryState = "pending"
	// DeliverySent means the transport accepted the message for the room.
	DeliverySent DeliveryState = "sent"
	// DeliveryLocalOnly means the transport reported no reachable recipients.
	// The message is durable locally and nowhere else.
	DeliveryLocalOnly DeliveryState = "local-only"
)

// Message represents one chat message, sent or received.
type Message struct {
	ID          uuid.UUID
	RoomID      string
	SenderID    string
	DisplayName string
	Text        string
	At          time.Time
	State       DeliveryState
}

// AnonymousName is the sentinel label stored when a message arrives
// without a display name.
const AnonymousName = "anonymous"

// DedupKey identifies a message uniquely across both transports, so the
// same wire message arriving twice during a fallback race is stored once.
func (m Message) DedupKey() string {
	return m.RoomID + "/" + m.ID.String()
}
