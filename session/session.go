//go:generate go run go.uber.org/mock/mockgen -source=session.go -destination=../mocks/mock_session.go -package=mocks
// Package session owns the lifecycle of a co-watching room: joining it over
// one of the available transports, exchanging messages, and tearing down.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cowatch/contract"
	"cowatch/domain"
	"cowatch/domain/event"
	"cowatch/domain/sanitize"
	"cowatch/errors"
	"cowatch/repositories"
	"cowatch/transport"
)

// State models the session lifecycle. Transitions only move forward except
// for a failed connect, which returns to StateIdle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const createRoomAttempts = 3

type IManager interface {
	CreateRoom(ctx context.Context, contextID string) (domain.Room, error)
	JoinRoom(ctx context.Context, roomID string) ([]domain.Message, error)
	SendMessage(ctx context.Context, text string) (domain.Message, error)
	Subscribe(sink contract.EventSink) *Subscription
	State() State
	CurrentRoom() (string, bool)
	ActiveTransport() (domain.TransportKind, bool)
	Leave() error
}

// Options carries the session-level timeouts.
type Options struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	return o
}

// Manager drives one session at a time. Transports are tried in the order
// given at construction; the first one that connects is used for the whole
// session, there is no mid-session switch.
type Manager struct {
	identity   IIdentityProvider
	store      repositories.ILocalStore
	transports []transport.Transport
	registry   *Registry
	opts       Options
	log        *slog.Logger

	mu            sync.Mutex
	state         State
	roomID        string
	self          domain.Identity
	active        transport.Transport
	connectCancel context.CancelFunc
}

// IIdentityProvider is the slice of the identity manager the session needs.
type IIdentityProvider interface {
	GetOrCreate() (domain.Identity, error)
}

func NewManager(
	ident IIdentityProvider,
	store repositories.ILocalStore,
	transports []transport.Transport,
	opts Options,
	log *slog.Logger,
) *Manager {
	return &Manager{
		identity:   ident,
		store:      store,
		transports: transports,
		registry:   NewRegistry(),
		opts:       opts.withDefaults(),
		log:        log,
	}
}

// Subscribe attaches a sink for session events. Events emitted before the
// subscription are not replayed; use the store for history.
func (m *Manager) Subscribe(sink contract.EventSink) *Subscription {
	return m.registry.Subscribe(sink)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentRoom reports the room of the running session, if any.
func (m *Manager) CurrentRoom() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive && m.state != StateConnecting {
		return "", false
	}
	return m.roomID, true
}

// ActiveTransport reports which transport carries the session, if any.
func (m *Manager) ActiveTransport() (domain.TransportKind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.Kind(), true
}

// CreateRoom mints a new room bound to the given viewing context and joins
// it. The generated id is re-rolled when it already exists locally.
func (m *Manager) CreateRoom(ctx context.Context, contextID string) (domain.Room, error) {
	contextID = sanitize.DisplayName(contextID)
	if contextID == "" {
		return domain.Room{}, errors.ErrRoomRequired
	}

	var room domain.Room
	for attempt := 0; attempt < createRoomAttempts; attempt++ {
		candidate := domain.NewRoomID(contextID)
		if !domain.ValidRoomID(candidate) {
			return domain.Room{}, fmt.Errorf("%w: %q", errors.ErrInvalidRoomID, candidate)
		}
		_, exists, err := m.store.GetRoom(candidate)
		if err != nil {
			return domain.Room{}, fmt.Errorf("create room: %w", err)
		}
		if exists {
			continue
		}
		now := time.Now().UTC()
		room = domain.Room{ID: candidate, ContextID: contextID, CreatedAt: now, LastActiveAt: now}
		break
	}
	if room.ID == "" {
		return domain.Room{}, errors.ErrRoomIDCollision
	}

	if err := m.store.UpsertRoom(room); err != nil {
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	if _, err := m.JoinRoom(ctx, room.ID); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

// JoinRoom connects to the room, trying each transport in order and keeping
// the first that succeeds. Each attempt is reported to subscribers as a
// ConnectionStateChanged. On success the prior persisted messages of the
// room are returned, oldest first, loaded before the session turns active.
// On failure of every transport the session drops back to idle and the
// caller may retry.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) ([]domain.Message, error) {
	if !domain.ValidRoomID(roomID) {
		return nil, fmt.Errorf("%w: %q", errors.ErrInvalidRoomID, roomID)
	}

	self, err := m.identity.GetOrCreate()
	if err != nil {
		// Ephemeral identity still carries the session.
		m.log.Warn("Joining with ephemeral identity", "error", err)
	}

	connectCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		cancel()
		return nil, errors.ErrSessionClosed
	case StateConnecting, StateActive:
		m.mu.Unlock()
		cancel()
		return nil, errors.ErrSessionActive
	}
	m.state = StateConnecting
	m.roomID = roomID
	m.self = self
	m.connectCancel = cancel
	m.mu.Unlock()

	desc := transport.RoomDescriptor{RoomID: roomID, SelfID: self.ID, DisplayName: self.DisplayName}

	var lastErr error
	for _, tr := range m.transports {
		tr.OnMessage(m.onIncoming)
		tr.OnPeerEvent(m.onPeerEvent)

		attemptCtx, attemptCancel := context.WithTimeout(connectCtx, m.opts.ConnectTimeout)
		err := tr.Connect(attemptCtx, desc)
		attemptCancel()
		if err == nil {
			// Loaded before the session turns active so the caller holds
			// the backlog the moment it may send.
			history, histErr := m.store.GetMessages(roomID, 0)
			if histErr != nil {
				m.log.Warn("History unavailable", "room", roomID, "error", histErr)
			}

			m.mu.Lock()
			if m.state != StateConnecting {
				// Torn down while we were connecting.
				m.mu.Unlock()
				_ = tr.Disconnect()
				return nil, errors.ErrSessionClosed
			}
			m.active = tr
			m.state = StateActive
			m.connectCancel = nil
			m.mu.Unlock()

			m.ensureRoomRecord(roomID)
			m.publish(event.ConnectionStateChanged{RoomID: roomID, Connection: domain.Connection{
				Kind:  tr.Kind(),
				State: domain.ConnOpen,
			}})
			m.log.Info("Session active", "room", roomID, "transport", tr.Kind())
			return history, nil
		}

		lastErr = err
		m.log.Warn("Transport unavailable", "transport", tr.Kind(), "room", roomID, "error", err)
		m.publish(event.ConnectionStateChanged{RoomID: roomID, Connection: domain.Connection{
			Kind:  tr.Kind(),
			State: domain.ConnErrored,
		}})
		if connectCtx.Err() != nil {
			break
		}
	}

	m.mu.Lock()
	closedMeanwhile := m.state == StateClosed
	if !closedMeanwhile {
		m.state = StateIdle
		m.connectCancel = nil
		m.roomID = ""
	}
	m.mu.Unlock()

	if closedMeanwhile || connectCtx.Err() != nil {
		return nil, errors.ErrSessionClosed
	}
	return nil, fmt.Errorf("%w: %v", errors.ErrTransportsExhausted, lastErr)
}

// ensureRoomRecord makes sure a joined room exists in the local room table.
// Rooms created on another installation are first seen here, so activity
// tracking and listRooms work for them too.
func (m *Manager) ensureRoomRecord(roomID string) {
	now := time.Now().UTC()
	_, exists, err := m.store.GetRoom(roomID)
	switch {
	case err != nil:
		m.log.Warn("Room lookup failed", "room", roomID, "error", err)
	case exists:
		if err := m.store.TouchRoom(roomID, now); err != nil {
			m.log.Warn("Room activity not recorded", "room", roomID, "error", err)
		}
	default:
		room := domain.Room{ID: roomID, ContextID: domain.ContextOf(roomID), CreatedAt: now, LastActiveAt: now}
		if err := m.store.UpsertRoom(room); err != nil {
			m.log.Warn("Room not recorded", "room", roomID, "error", err)
		}
	}
}

// SendMessage sanitizes, persists, and delivers text to the room. The
// message is durable before any network activity; a delivery failure keeps
// it with its honest state rather than dropping it.
func (m *Manager) SendMessage(ctx context.Context, text string) (domain.Message, error) {
	text = sanitize.Text(text)
	if text == "" {
		return domain.Message{}, errors.ErrEmptyMessage
	}

	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return domain.Message{}, errors.ErrSessionClosed
	}
	tr := m.active
	roomID := m.roomID
	self := m.self
	m.mu.Unlock()

	msg := domain.Message{
		ID:          uuid.New(),
		RoomID:      roomID,
		SenderID:    self.ID,
		DisplayName: self.DisplayName,
		Text:        text,
		At:          time.Now().UTC(),
		State:       domain.DeliveryPending,
	}

	key, err := m.store.SaveMessage(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	sendErr := tr.Send(sendCtx, transport.FromMessage(msg))
	cancel()

	switch {
	case sendErr == nil:
		msg.State = domain.DeliverySent
	case stderrors.Is(sendErr, errors.ErrPartialDelivery):
		msg.State = domain.DeliveryLocalOnly
		m.log.Info("Message kept local, no reachable participants", "room", roomID, "message", msg.ID)
	default:
		// Delivery state stays pending; surface the failure to subscribers.
		m.publish(event.ErrorEvent{RoomID: roomID, Err: sendErr})
	}

	if msg.State != domain.DeliveryPending {
		if stateErr := m.store.UpdateDeliveryState(key, msg.State); stateErr != nil {
			m.log.Warn("Delivery state not recorded", "key", key, "error", stateErr)
		}
	}

	m.publish(event.MessageSent{Message: msg})
	return msg, nil
}

// Leave tears the session down. Safe to call in any state, including while a
// connect is still in flight; subscribers receive no events afterwards.
func (m *Manager) Leave() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	cancel := m.connectCancel
	m.connectCancel = nil
	tr := m.active
	m.active = nil
	roomID := m.roomID
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		if err := tr.Disconnect(); err != nil {
			m.log.Warn("Transport teardown failed", "room", roomID, "error", err)
		}
	}
	m.log.Info("Session closed", "room", roomID)
	return nil
}

// onIncoming handles one distinct wire message from the transport. Replays
// can still arrive here after reconnects, so the store check is the final
// dedup gate before subscribers are notified.
func (m *Manager) onIncoming(wire transport.WireMessage) {
	msg, err := wire.ToMessage()
	if err != nil {
		m.log.Warn("Dropping malformed inbound message", "error", err)
		return
	}
	msg.Text = sanitize.Text(msg.Text)
	msg.DisplayName = sanitize.DisplayName(msg.DisplayName)
	if msg.Text == "" {
		return
	}
	if msg.DisplayName == "" {
		msg.DisplayName = domain.AnonymousName
	}

	m.mu.Lock()
	closed := m.state == StateClosed
	roomID := m.roomID
	m.mu.Unlock()
	if closed || msg.RoomID != roomID {
		return
	}

	exists, err := m.store.HasMessage(msg.RoomID, msg.ID)
	if err != nil {
		m.publish(event.ErrorEvent{RoomID: msg.RoomID, Err: err})
		return
	}
	if exists {
		m.publish(event.MessageDeduped{RoomID: msg.RoomID, MessageID: msg.ID})
		return
	}

	msg.State = domain.DeliverySent
	if _, err := m.store.SaveMessage(msg); err != nil {
		m.publish(event.ErrorEvent{RoomID: msg.RoomID, Err: err})
		return
	}
	m.publish(event.MessageReceived{Message: msg})
}

func (m *Manager) onPeerEvent(conn domain.Connection) {
	m.mu.Lock()
	roomID := m.roomID
	m.mu.Unlock()
	m.publish(event.ConnectionStateChanged{RoomID: roomID, Connection: conn})
}

// publish drops events once the session is closed so a late transport
// callback cannot reach subscribers after Leave returned.
func (m *Manager) publish(ev event.SessionEvent) {
	m.mu.Lock()
	closed := m.state == StateClosed
	m.mu.Unlock()
	if closed {
		return
	}
	m.registry.Publish(ev)
}
