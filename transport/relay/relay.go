// Package relay implements the fallback transport: a single websocket
// channel to an intermediary that fans messages out to the other room
// members.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cowatch/domain"
	"cowatch/errors"
	"cowatch/transport"
)

// Options configure the relay endpoint and timeouts.
type Options struct {
	URL          string // ws:// or wss:// endpoint of the intermediary
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Relay is the intermediary-backed transport. One Relay serves one session.
type Relay struct {
	log  *slog.Logger
	opts Options

	handler     transport.MessageHandler
	peerHandler transport.PeerHandler

	mu     sync.Mutex
	room   transport.RoomDescriptor
	conn   *websocket.Conn
	closed bool
	seen   *transport.SeenSet
	wg     sync.WaitGroup
}

func New(log *slog.Logger, opts Options) *Relay {
	return &Relay{log: log, opts: opts.withDefaults(), seen: transport.NewSeenSet(4096)}
}

func (r *Relay) Kind() domain.TransportKind { return domain.TransportRelay }

func (r *Relay) OnMessage(handler transport.MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

func (r *Relay) OnPeerEvent(handler transport.PeerHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerHandler = handler
}

// Connect opens the single logical channel to the intermediary and announces
// room membership with an explicit join frame. Membership change
// notifications arrive as presence frames on the same channel.
func (r *Relay) Connect(ctx context.Context, room transport.RoomDescriptor) error {
	dialCtx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, r.opts.URL, nil)
	if err != nil {
		return &errors.TransportError{Kind: string(domain.TransportRelay), Err: err}
	}

	join := transport.Frame{Type: transport.FrameJoin, RoomID: room.RoomID, PeerID: room.SelfID}
	data, err := transport.EncodeFrame(join)
	if err != nil {
		_ = conn.Close()
		return &errors.TransportError{Kind: string(domain.TransportRelay), Err: err}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return &errors.TransportError{Kind: string(domain.TransportRelay), Err: err}
	}
	if err := ctx.Err(); err != nil {
		_ = conn.Close()
		return &errors.TransportError{Kind: string(domain.TransportRelay), Err: err}
	}

	r.mu.Lock()
	r.room = room
	r.conn = conn
	r.mu.Unlock()

	r.emitPeer(domain.Connection{PeerID: "relay", Kind: domain.TransportRelay, State: domain.ConnOpen})
	r.wg.Add(1)
	go r.readLoop(conn)
	return nil
}

// Send is one round-trip to the intermediary, which owns the fan-out.
func (r *Relay) Send(_ context.Context, msg transport.WireMessage) error {
	r.mu.Lock()
	conn := r.conn
	closed := r.closed
	r.seen.Add(msg.RoomID + "/" + msg.ID)
	r.mu.Unlock()

	if closed || conn == nil {
		return &errors.TransportError{Kind: string(domain.TransportRelay), Err: errors.ErrTransportClosed}
	}

	frame := transport.Frame{Type: transport.FrameMessage, RoomID: msg.RoomID, PeerID: msg.SenderID, Message: &msg}
	data, err := transport.EncodeFrame(frame)
	if err != nil {
		return &errors.TransportError{Kind: string(domain.TransportRelay), Err: err}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &errors.TransportError{Kind: string(domain.TransportRelay), Err: err}
	}
	return nil
}

// Disconnect closes the channel. Idempotent.
func (r *Relay) Disconnect() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
		r.emitPeer(domain.Connection{PeerID: "relay", Kind: domain.TransportRelay, State: domain.ConnClosed})
	}
	r.wg.Wait()
	return nil
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	defer r.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				r.log.Warn("Relay channel lost", "error", err)
				r.emitPeer(domain.Connection{PeerID: "relay", Kind: domain.TransportRelay, State: domain.ConnErrored})
			}
			return
		}
		frame, err := transport.DecodeFrame(data)
		if err != nil {
			r.log.Warn("Dropping malformed relay frame", "error", err)
			continue
		}
		switch frame.Type {
		case transport.FrameMessage:
			msg := *frame.Message
			r.mu.Lock()
			first := r.seen.Add(msg.RoomID + "/" + msg.ID)
			handler := r.handler
			r.mu.Unlock()
			if first && handler != nil {
				handler(msg)
			}
		case transport.FramePresence:
			state := domain.ConnOpen
			if frame.Event == "left" {
				state = domain.ConnClosed
			}
			r.emitPeer(domain.Connection{PeerID: frame.PeerID, Kind: domain.TransportRelay, State: state})
		}
	}
}

func (r *Relay) emitPeer(conn domain.Connection) {
	r.mu.Lock()
	handler := r.peerHandler
	r.mu.Unlock()
	if handler != nil {
		handler(conn)
	}
}

var _ transport.Transport = (*Relay)(nil)
