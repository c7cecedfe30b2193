package relayserver

import (
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"

	"cowatch/transport"
)

// ConnLike is the slice of the websocket connection the client needs.
// Tests substitute an in-memory pipe here.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one websocket connection bound to one room.
type Client struct {
	RoomID string
	PeerID string

	conn ConnLike
	log  *slog.Logger
	send chan []byte
	once sync.Once
}

func NewClient(roomID, peerID string, conn ConnLike, log *slog.Logger) *Client {
	return &Client{
		RoomID: roomID,
		PeerID: peerID,
		conn:   conn,
		log:    log,
		send:   make(chan []byte, 16),
	}
}

// TrySend queues data without blocking. A client that cannot keep up loses
// frames rather than stalling the whole room.
func (c *Client) TrySend(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Warn("Dropping frame for slow client", "room", c.RoomID, "peer", c.PeerID)
	}
}

// CloseSend ends the write pump. Idempotent.
func (c *Client) CloseSend() {
	c.once.Do(func() { close(c.send) })
}

// ReadPump reads frames until the connection drops and forwards valid ones
// to the hub. It returns once the client has been unregistered.
func (c *Client) ReadPump(hub *Hub) {
	defer func() {
		hub.UnregisterChan <- c
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := transport.DecodeFrame(data)
		if err != nil {
			c.log.Warn("Dropping malformed frame", "room", c.RoomID, "peer", c.PeerID, "error", err)
			continue
		}
		hub.FrameChan <- inboundFrame{from: c, frame: frame}
	}
}

// WritePump drains the send queue onto the socket until CloseSend.
func (c *Client) WritePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
