// Package mesh implements the direct-connection transport: one link per
// other participant, discovered through a signaling oracle, with no
// intermediary relaying message payloads.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cowatch/domain"
	"cowatch/errors"
	"cowatch/transport"
)

// Options bound the dial retry behavior.
type Options struct {
	ListenAddr     string
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxRetries     int
}

func (o Options) withDefaults() Options {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 8 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 4
	}
	return o
}

// Mesh is the direct transport. One Mesh serves one session; Connect is
// called at most once per instance.
type Mesh struct {
	log       *slog.Logger
	network   Network
	discovery Discovery
	opts      Options

	handler     transport.MessageHandler
	peerHandler transport.PeerHandler

	mu       sync.Mutex
	room     transport.RoomDescriptor
	links    map[string]Link
	accepter Accepter
	cancel   context.CancelFunc
	closed   bool
	seen     *transport.SeenSet
	wg       sync.WaitGroup
}

func New(log *slog.Logger, network Network, discovery Discovery, opts Options) *Mesh {
	return &Mesh{
		log:       log,
		network:   network,
		discovery: discovery,
		opts:      opts.withDefaults(),
		links:     make(map[string]Link),
		seen:      transport.NewSeenSet(4096),
	}
}

func (m *Mesh) Kind() domain.TransportKind { return domain.TransportMesh }

func (m *Mesh) OnMessage(handler transport.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *Mesh) OnPeerEvent(handler transport.PeerHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerHandler = handler
}

// Connect registers with the discovery oracle and becomes ready to accept or
// initiate direct connections to other participants in the room. Individual
// peers failing later is non-fatal; only failure to listen or to join
// discovery fails the connect itself.
func (m *Mesh) Connect(ctx context.Context, room transport.RoomDescriptor) error {
	accepter, err := m.network.Listen(m.opts.ListenAddr)
	if err != nil {
		return &errors.TransportError{Kind: string(domain.TransportMesh), Err: err}
	}

	self := PeerInfo{ID: room.SelfID, Addr: accepter.Addr()}
	peerCh, err := m.discovery.Join(ctx, room.RoomID, self)
	if err != nil {
		_ = accepter.Close()
		return &errors.TransportError{Kind: string(domain.TransportMesh), Err: err}
	}
	if err := ctx.Err(); err != nil {
		_ = accepter.Close()
		m.discovery.Leave(room.RoomID)
		return &errors.TransportError{Kind: string(domain.TransportMesh), Err: err}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.room = room
	m.accepter = accepter
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go m.acceptLoop(runCtx, accepter)
	go m.discoveryLoop(runCtx, peerCh)
	return nil
}

// Send fans the message out to every open link. It succeeds locally even
// when nobody is reachable, signalling that case with ErrPartialDelivery.
func (m *Mesh) Send(_ context.Context, msg transport.WireMessage) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &errors.TransportError{Kind: string(domain.TransportMesh), Err: errors.ErrTransportClosed}
	}
	room := m.room.RoomID
	snapshot := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		snapshot = append(snapshot, l)
	}
	// Our own id goes into the seen set so a looped-back copy is ignored.
	m.seen.Add(msg.RoomID + "/" + msg.ID)
	m.mu.Unlock()

	if len(snapshot) == 0 {
		return errors.ErrPartialDelivery
	}

	frame := transport.Frame{Type: transport.FrameMessage, RoomID: room, PeerID: msg.SenderID, Message: &msg}
	delivered := 0
	for _, l := range snapshot {
		if err := l.Send(frame); err != nil {
			m.log.Warn("Send to peer failed", "addr", l.RemoteAddr(), "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.ErrPartialDelivery
	}
	return nil
}

// Disconnect tears down every link, the listener and the discovery
// registration. Safe to call multiple times.
func (m *Mesh) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	accepter := m.accepter
	room := m.room.RoomID
	links := m.links
	m.links = make(map[string]Link)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if accepter != nil {
		_ = accepter.Close()
	}
	for peerID, l := range links {
		_ = l.Close()
		m.emitPeer(domain.Connection{PeerID: peerID, Kind: domain.TransportMesh, State: domain.ConnClosed})
	}
	if room != "" {
		m.discovery.Leave(room)
	}
	m.wg.Wait()
	return nil
}

// discoveryLoop reacts to announcements from the oracle. The participant
// with the lexicographically smaller id initiates, so two peers learning of
// each other simultaneously cannot produce duplicate links.
func (m *Mesh) discoveryLoop(ctx context.Context, peerCh <-chan PeerInfo) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case peer, ok := <-peerCh:
			if !ok {
				return
			}
			m.mu.Lock()
			self := m.room.SelfID
			_, known := m.links[peer.ID]
			m.mu.Unlock()

			if peer.ID == self || known {
				continue
			}
			if self < peer.ID {
				m.wg.Add(1)
				go m.dialPeer(ctx, peer)
			}
			// Otherwise the peer initiates and acceptLoop picks it up.
		}
	}
}

// dialPeer attempts a connection with bounded exponential backoff. After the
// retry ceiling the peer is reported unreachable; other peers stay usable.
func (m *Mesh) dialPeer(ctx context.Context, peer PeerInfo) {
	defer m.wg.Done()
	m.emitPeer(domain.Connection{PeerID: peer.ID, Kind: domain.TransportMesh, State: domain.ConnConnecting})

	backoff := m.opts.BackoffInitial
	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		link, err := m.network.Dial(ctx, peer.Addr)
		if err == nil {
			hello := transport.Frame{Type: transport.FrameHello, RoomID: m.roomID(), PeerID: m.selfID()}
			if err := link.Send(hello); err != nil {
				_ = link.Close()
			} else if m.register(ctx, peer.ID, link) {
				return
			} else {
				_ = link.Close()
				return
			}
		} else {
			m.log.Warn("Dial failed", "peer", peer.ID, "addr", peer.Addr, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < m.opts.BackoffMax {
			backoff *= 2
			if backoff > m.opts.BackoffMax {
				backoff = m.opts.BackoffMax
			}
		}
	}
	m.log.Warn("Peer unreachable after retries",
		"peer", peer.ID, "retries", m.opts.MaxRetries, "error", errors.ErrPeerUnreachable)
	m.emitPeer(domain.Connection{PeerID: peer.ID, Kind: domain.TransportMesh, State: domain.ConnErrored})
}

// acceptLoop handles inbound connections from peers with smaller ids, the
// ones the dial rule makes initiators. The first frame on an inbound link
// must be a hello naming the peer.
func (m *Mesh) acceptLoop(ctx context.Context, accepter Accepter) {
	defer m.wg.Done()
	for {
		link, err := accepter.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("Accept failed", "error", err)
			return
		}
		m.wg.Add(1)
		go func(link Link) {
			defer m.wg.Done()
			hello, err := link.Recv()
			if err != nil || hello.Type != transport.FrameHello || hello.PeerID == "" {
				m.log.Warn("Inbound link without hello", "error", err)
				_ = link.Close()
				return
			}
			if hello.RoomID != m.roomID() {
				_ = link.Close()
				return
			}
			if !m.register(ctx, hello.PeerID, link) {
				_ = link.Close()
			}
		}(link)
	}
}

// register installs a link for a peer and starts its read loop. It refuses
// duplicates: whoever registered first wins, the loser's link is closed by
// the caller.
func (m *Mesh) register(ctx context.Context, peerID string, link Link) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if _, dup := m.links[peerID]; dup {
		m.mu.Unlock()
		return false
	}
	m.links[peerID] = link
	m.mu.Unlock()

	m.emitPeer(domain.Connection{PeerID: peerID, Kind: domain.TransportMesh, State: domain.ConnOpen})
	m.wg.Add(1)
	go m.readLoop(ctx, peerID, link)
	return true
}

func (m *Mesh) readLoop(ctx context.Context, peerID string, link Link) {
	defer m.wg.Done()
	for {
		frame, err := link.Recv()
		if err != nil {
			m.drop(ctx, peerID)
			return
		}
		if frame.Type != transport.FrameMessage || frame.Message == nil {
			continue
		}
		msg := *frame.Message
		m.mu.Lock()
		first := m.seen.Add(msg.RoomID + "/" + msg.ID)
		handler := m.handler
		m.mu.Unlock()
		// The same message can arrive over several peer links; the
		// handler sees it once.
		if first && handler != nil {
			handler(msg)
		}
	}
}

func (m *Mesh) drop(ctx context.Context, peerID string) {
	m.mu.Lock()
	link, ok := m.links[peerID]
	if ok {
		delete(m.links, peerID)
	}
	closed := m.closed
	m.mu.Unlock()

	if !ok || closed || ctx.Err() != nil {
		return
	}
	_ = link.Close()
	m.emitPeer(domain.Connection{PeerID: peerID, Kind: domain.TransportMesh, State: domain.ConnClosed})
}

func (m *Mesh) emitPeer(conn domain.Connection) {
	m.mu.Lock()
	handler := m.peerHandler
	m.mu.Unlock()
	if handler != nil {
		handler(conn)
	}
}

func (m *Mesh) roomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room.RoomID
}

func (m *Mesh) selfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room.SelfID
}

var _ transport.Transport = (*Mesh)(nil)

// String implements fmt.Stringer for log lines.
func (m *Mesh) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("mesh(%s, %d links)", m.room.RoomID, len(m.links))
}
