package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"cowatch/domain"
	"cowatch/errors"
)

// Frame types exchanged over both transports.
const (
	FrameHello    = "hello"     // mesh link handshake
	FrameJoin     = "join-room" // relay membership announcement
	FrameMessage  = "message"
	FramePresence = "presence" // relay membership change notification
)

// Frame is the self-describing envelope for everything on the wire.
type Frame struct {
	Type    string       `json:"type" validate:"required,oneof=hello join-room message presence"`
	RoomID  string       `json:"roomId" validate:"required"`
	PeerID  string       `json:"peerId,omitempty"`
	Event   string       `json:"event,omitempty"` // presence: joined/left
	Message *WireMessage `json:"message,omitempty"`
}

// WireMessage carries one chat message. It is sufficient for the receiver to
// deduplicate and persist without additional round-trips.
type WireMessage struct {
	ID          string `json:"id" validate:"required,uuid"`
	RoomID      string `json:"roomId" validate:"required"`
	SenderID    string `json:"senderId" validate:"required"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text" validate:"required"`
	At          int64  `json:"timestamp" validate:"required"` // unix nanoseconds
}

var validate = validator.New()

// EncodeFrame marshals a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame unmarshals and validates a frame. Anything malformed is
// rejected here, before it can reach a handler or the store.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errors.ErrMalformedFrame, err)
	}
	if err := validate.Struct(f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errors.ErrMalformedFrame, err)
	}
	if f.Type == FrameMessage {
		if f.Message == nil {
			return Frame{}, fmt.Errorf("%w: message frame without payload", errors.ErrMalformedFrame)
		}
		if err := validate.Struct(f.Message); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", errors.ErrMalformedFrame, err)
		}
	}
	return f, nil
}

// FromMessage converts a domain message into its wire form.
func FromMessage(m domain.Message) WireMessage {
	return WireMessage{
		ID:          m.ID.String(),
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		DisplayName: m.DisplayName,
		Text:        m.Text,
		At:          m.At.UnixNano(),
	}
}

// ToMessage converts a received wire message back into the domain shape.
// Text is NOT sanitized here; the session sanitizes before persisting.
func (w WireMessage) ToMessage() (domain.Message, error) {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", errors.ErrMalformedFrame, err)
	}
	return domain.Message{
		ID:          id,
		RoomID:      w.RoomID,
		SenderID:    w.SenderID,
		DisplayName: w.DisplayName,
		Text:        w.Text,
		At:          time.Unix(0, w.At).UTC(),
	}, nil
}
