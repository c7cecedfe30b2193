package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cowatch/domain"
	"cowatch/domain/event"
	"cowatch/errors"
	"cowatch/transport"
)

type fakeIdentity struct {
	identity domain.Identity
	err      error
}

func (f *fakeIdentity) GetOrCreate() (domain.Identity, error) {
	return f.identity, f.err
}

// fakeStore is an in-memory ILocalStore that records every mutation.
type fakeStore struct {
	mu           sync.Mutex
	rooms        map[string]domain.Room
	messages     map[string]domain.Message
	stateUpdates map[string]domain.DeliveryState
	history      []domain.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:        map[string]domain.Room{},
		messages:     map[string]domain.Message{},
		stateUpdates: map[string]domain.DeliveryState{},
	}
}

func (f *fakeStore) SaveMessage(msg domain.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := msg.DedupKey()
	f.messages[key] = msg
	return key, nil
}

func (f *fakeStore) UpdateDeliveryState(key string, state domain.DeliveryState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[key]
	if !ok {
		return errors.ErrMessageNotFound
	}
	msg.State = state
	f.messages[key] = msg
	f.stateUpdates[key] = state
	return nil
}

func (f *fakeStore) HasMessage(roomID string, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.messages[domain.Message{ID: id, RoomID: roomID}.DedupKey()]
	return ok, nil
}

func (f *fakeStore) GetMessages(roomID string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeStore) SearchMessages(_ context.Context, roomID, query string) ([]domain.Message, error) {
	return nil, nil
}

func (f *fakeStore) UpsertRoom(room domain.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.ID] = room
	return nil
}

func (f *fakeStore) GetRoom(roomID string) (domain.Room, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	return room, ok, nil
}

func (f *fakeStore) TouchRoom(roomID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil
	}
	room.LastActiveAt = at
	f.rooms[roomID] = room
	return nil
}

func (f *fakeStore) ListRooms() ([]domain.Room, error)         { return nil, nil }
func (f *fakeStore) PurgeOlderThan(time.Duration) (int, error) { return 0, nil }

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// fakeTransport records sends and exposes the registered handlers so a test
// can inject inbound traffic.
type fakeTransport struct {
	kind       domain.TransportKind
	connectErr error
	sendErr    error
	// blockConnect makes Connect wait for ctx cancellation.
	blockConnect bool

	mu          sync.Mutex
	connects    int
	disconnects int
	sent        []transport.WireMessage
	onMessage   transport.MessageHandler
	onPeer      transport.PeerHandler
}

func (f *fakeTransport) Kind() domain.TransportKind { return f.kind }

func (f *fakeTransport) OnMessage(h transport.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = h
}

func (f *fakeTransport) OnPeerEvent(h transport.PeerHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPeer = h
}

func (f *fakeTransport) Connect(ctx context.Context, _ transport.RoomDescriptor) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	if f.blockConnect {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.connectErr
}

func (f *fakeTransport) Send(_ context.Context, msg transport.WireMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) inject(msg transport.WireMessage) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	h(msg)
}

func (f *fakeTransport) injectPeer(conn domain.Connection) {
	f.mu.Lock()
	h := f.onPeer
	f.mu.Unlock()
	h(conn)
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []event.SessionEvent
}

func (s *sinkRecorder) Consume(e event.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sinkRecorder) all() []event.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.SessionEvent, len(s.events))
	copy(out, s.events)
	return out
}

const testRoom = "movienight-ab12cd34"

func testManager(store *fakeStore, transports ...transport.Transport) *Manager {
	ident := &fakeIdentity{identity: domain.Identity{ID: "viewer-1", DisplayName: "Alice"}}
	return NewManager(ident, store, transports, Options{}, slog.Default())
}

func joinedManager(t *testing.T, store *fakeStore, transports ...transport.Transport) *Manager {
	t.Helper()
	manager := testManager(store, transports...)
	require.NoError(t, store.UpsertRoom(domain.Room{ID: testRoom, ContextID: "movienight"}))
	_, err := manager.JoinRoom(context.Background(), testRoom)
	require.NoError(t, err)
	return manager
}

func inboundWire(room string) transport.WireMessage {
	return transport.WireMessage{
		ID:          uuid.NewString(),
		RoomID:      room,
		SenderID:    "viewer-2",
		DisplayName: "Bob",
		Text:        "rewind a bit",
		At:          time.Now().UnixNano(),
	}
}

func Test_JoinRoom_Falls_Back_To_Next_Transport(t *testing.T) {
	req := require.New(t)
	mesh := &fakeTransport{kind: domain.TransportMesh, connectErr: errors.ErrPeerUnreachable}
	relay := &fakeTransport{kind: domain.TransportRelay}
	manager := testManager(newFakeStore(), mesh, relay)

	sink := &sinkRecorder{}
	manager.Subscribe(sink)

	_, err := manager.JoinRoom(context.Background(), testRoom)
	req.NoError(err)

	req.Equal(StateActive, manager.State())
	kind, ok := manager.ActiveTransport()
	req.True(ok)
	req.Equal(domain.TransportRelay, kind)

	room, ok := manager.CurrentRoom()
	req.True(ok)
	req.Equal(testRoom, room)
	req.Equal(1, mesh.connects)
	req.Equal(1, relay.connects)

	// One connection event per attempt: the failed one and the kept one.
	events := sink.all()
	req.Len(events, 2)
	failed, ok := events[0].(event.ConnectionStateChanged)
	req.True(ok)
	req.Equal(domain.TransportMesh, failed.Connection.Kind)
	req.Equal(domain.ConnErrored, failed.Connection.State)
	opened, ok := events[1].(event.ConnectionStateChanged)
	req.True(ok)
	req.Equal(domain.TransportRelay, opened.Connection.Kind)
	req.Equal(domain.ConnOpen, opened.Connection.State)
}

func Test_JoinRoom_All_Transports_Fail(t *testing.T) {
	req := require.New(t)
	mesh := &fakeTransport{kind: domain.TransportMesh, connectErr: errors.ErrPeerUnreachable}
	relay := &fakeTransport{kind: domain.TransportRelay, connectErr: fmt.Errorf("dial refused")}
	manager := testManager(newFakeStore(), mesh, relay)

	sink := &sinkRecorder{}
	manager.Subscribe(sink)

	_, err := manager.JoinRoom(context.Background(), testRoom)
	req.ErrorIs(err, errors.ErrTransportsExhausted)
	req.Equal(StateIdle, manager.State())

	_, ok := manager.CurrentRoom()
	req.False(ok)
	_, ok = manager.ActiveTransport()
	req.False(ok)

	events := sink.all()
	req.Len(events, 2)
	for _, e := range events {
		changed, ok := e.(event.ConnectionStateChanged)
		req.True(ok)
		req.Equal(domain.ConnErrored, changed.Connection.State)
	}
}

func Test_JoinRoom_Rejects_Malformed_Id(t *testing.T) {
	manager := testManager(newFakeStore(), &fakeTransport{kind: domain.TransportRelay})
	_, err := manager.JoinRoom(context.Background(), "no spaces allowed")
	require.ErrorIs(t, err, errors.ErrInvalidRoomID)
}

func Test_JoinRoom_Rejects_Second_Join(t *testing.T) {
	manager := joinedManager(t, newFakeStore(), &fakeTransport{kind: domain.TransportRelay})
	_, err := manager.JoinRoom(context.Background(), testRoom)
	require.ErrorIs(t, err, errors.ErrSessionActive)
}

func Test_JoinRoom_Survives_Identity_Failure(t *testing.T) {
	req := require.New(t)
	ident := &fakeIdentity{identity: domain.Identity{ID: "ephemeral-1"}, err: fmt.Errorf("disk gone")}
	manager := NewManager(ident, newFakeStore(), []transport.Transport{&fakeTransport{kind: domain.TransportRelay}}, Options{}, slog.Default())

	_, err := manager.JoinRoom(context.Background(), testRoom)
	req.NoError(err)
	req.Equal(StateActive, manager.State())
}

func Test_JoinRoom_Records_Unknown_Room(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()
	manager := testManager(store, &fakeTransport{kind: domain.TransportRelay})

	// The room was created on another installation; only its id is known.
	_, err := manager.JoinRoom(context.Background(), testRoom)
	req.NoError(err)

	room, ok, err := store.GetRoom(testRoom)
	req.NoError(err)
	req.True(ok)
	req.Equal("movienight", room.ContextID)
	req.False(room.LastActiveAt.IsZero())
}

func Test_JoinRoom_Returns_Prior_Messages(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()
	store.history = []domain.Message{
		{ID: uuid.New(), RoomID: testRoom, DisplayName: "Bob", Text: "saved yesterday", At: time.Now().UTC()},
	}
	manager := testManager(store, &fakeTransport{kind: domain.TransportRelay})

	history, err := manager.JoinRoom(context.Background(), testRoom)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal("saved yesterday", history[0].Text)
}

func Test_JoinRoom_Touches_Room_Activity(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()
	joinedManager(t, store, &fakeTransport{kind: domain.TransportRelay})

	room, ok, err := store.GetRoom(testRoom)
	req.NoError(err)
	req.True(ok)
	req.False(room.LastActiveAt.IsZero())
}

func Test_CreateRoom_Requires_Context(t *testing.T) {
	manager := testManager(newFakeStore(), &fakeTransport{kind: domain.TransportRelay})
	_, err := manager.CreateRoom(context.Background(), "   ")
	require.ErrorIs(t, err, errors.ErrRoomRequired)
}

func Test_CreateRoom_Persists_And_Joins(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()
	manager := testManager(store, &fakeTransport{kind: domain.TransportRelay})

	room, err := manager.CreateRoom(context.Background(), "movienight")
	req.NoError(err)
	req.Equal("movienight", room.ContextID)
	req.True(domain.ValidRoomID(room.ID))

	_, ok, err := store.GetRoom(room.ID)
	req.NoError(err)
	req.True(ok)
	req.Equal(StateActive, manager.State())

	current, ok := manager.CurrentRoom()
	req.True(ok)
	req.Equal(room.ID, current)
}

func Test_SendMessage_Rejects_Empty_Text(t *testing.T) {
	manager := joinedManager(t, newFakeStore(), &fakeTransport{kind: domain.TransportRelay})
	_, err := manager.SendMessage(context.Background(), "  \n ")
	require.ErrorIs(t, err, errors.ErrEmptyMessage)
}

func Test_SendMessage_Requires_Active_Session(t *testing.T) {
	manager := testManager(newFakeStore(), &fakeTransport{kind: domain.TransportRelay})
	_, err := manager.SendMessage(context.Background(), "anyone here?")
	require.ErrorIs(t, err, errors.ErrSessionClosed)
}

func Test_SendMessage_Persists_Then_Delivers(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()
	relay := &fakeTransport{kind: domain.TransportRelay}
	manager := joinedManager(t, store, relay)

	sink := &sinkRecorder{}
	manager.Subscribe(sink)

	msg, err := manager.SendMessage(context.Background(), "great scene")
	req.NoError(err)
	req.Equal(domain.DeliverySent, msg.State)
	req.Equal("viewer-1", msg.SenderID)

	req.Len(relay.sent, 1)
	req.Equal(msg.ID.String(), relay.sent[0].ID)
	req.Equal(1, store.messageCount())
	req.Equal(domain.DeliverySent, store.stateUpdates[msg.DedupKey()])

	events := sink.all()
	req.Len(events, 1)
	sent, ok := events[0].(event.MessageSent)
	req.True(ok)
	req.Equal(domain.DeliverySent, sent.Message.State)
}

func Test_SendMessage_Keeps_Local_Copy_Without_Recipients(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()
	mesh := &fakeTransport{kind: domain.TransportMesh, sendErr: errors.ErrPartialDelivery}
	manager := joinedManager(t, store, mesh)

	msg, err := manager.SendMessage(context.Background(), "hello?")
	req.NoError(err)
	req.Equal(domain.DeliveryLocalOnly, msg.State)
	req.Equal(domain.DeliveryLocalOnly, store.stateUpdates[msg.DedupKey()])
}

func Test_SendMessage_Reports_Delivery_Failure(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()
	relay := &fakeTransport{kind: domain.TransportRelay, sendErr: fmt.Errorf("broken pipe")}
	manager := joinedManager(t, store, relay)

	sink := &sinkRecorder{}
	manager.Subscribe(sink)

	msg, err := manager.SendMessage(context.Background(), "still there?")
	req.NoError(err)
	req.Equal(domain.DeliveryPending, msg.State)
	// The honest pending state stays on disk untouched.
	req.NotContains(store.stateUpdates, msg.DedupKey())

	events := sink.all()
	req.Len(events, 2)
	_, ok := events[0].(event.ErrorEvent)
	req.True(ok)
	_, ok = events[1].(event.MessageSent)
	req.True(ok)
}

func Test_Incoming_Message_Stored_And_Published_Once(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()
	relay := &fakeTransport{kind: domain.TransportRelay}
	manager := joinedManager(t, store, relay)

	sink := &sinkRecorder{}
	manager.Subscribe(sink)

	wire := inboundWire(testRoom)
	relay.inject(wire)
	relay.inject(wire)

	req.Equal(1, store.messageCount())
	events := sink.all()
	req.Len(events, 2)
	received, ok := events[0].(event.MessageReceived)
	req.True(ok)
	req.Equal("rewind a bit", received.Message.Text)
	req.Equal(domain.DeliverySent, received.Message.State)
	deduped, ok := events[1].(event.MessageDeduped)
	req.True(ok)
	req.Equal(received.Message.ID, deduped.MessageID)
}

func Test_Incoming_Message_For_Other_Room_Dropped(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()
	relay := &fakeTransport{kind: domain.TransportRelay}
	manager := joinedManager(t, store, relay)

	sink := &sinkRecorder{}
	manager.Subscribe(sink)

	relay.inject(inboundWire("othernight-99aa88bb"))

	req.Equal(0, store.messageCount())
	req.Empty(sink.all())
}

func Test_Incoming_Anonymous_Sender_Gets_Default_Name(t *testing.T) {
	req := require.New(t)
	store := newFakeStore()
	relay := &fakeTransport{kind: domain.TransportRelay}
	manager := joinedManager(t, store, relay)

	sink := &sinkRecorder{}
	manager.Subscribe(sink)

	wire := inboundWire(testRoom)
	wire.DisplayName = "  "
	relay.inject(wire)

	events := sink.all()
	req.Len(events, 1)
	received := events[0].(event.MessageReceived)
	req.Equal(domain.AnonymousName, received.Message.DisplayName)
}

func Test_Leave_Disconnects_And_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	relay := &fakeTransport{kind: domain.TransportRelay}
	manager := joinedManager(t, newFakeStore(), relay)

	req.NoError(manager.Leave())
	req.NoError(manager.Leave())
	req.Equal(StateClosed, manager.State())
	req.Equal(1, relay.disconnects)
}

func Test_Leave_Silences_Subscribers(t *testing.T) {
	req := require.New(t)
	relay := &fakeTransport{kind: domain.TransportRelay}
	manager := joinedManager(t, newFakeStore(), relay)

	sink := &sinkRecorder{}
	manager.Subscribe(sink)
	req.NoError(manager.Leave())

	// Late transport callbacks must not reach subscribers.
	relay.injectPeer(domain.Connection{PeerID: "peer-x", Kind: domain.TransportRelay, State: domain.ConnClosed})
	relay.inject(inboundWire(testRoom))

	req.Empty(sink.all())
}

func Test_Leave_Aborts_Inflight_Connect(t *testing.T) {
	req := require.New(t)
	blocked := &fakeTransport{kind: domain.TransportMesh, blockConnect: true}
	manager := testManager(newFakeStore(), blocked)

	joinErr := make(chan error, 1)
	go func() {
		_, err := manager.JoinRoom(context.Background(), testRoom)
		joinErr <- err
	}()

	req.Eventually(func() bool {
		return manager.State() == StateConnecting
	}, 2*time.Second, 5*time.Millisecond)

	req.NoError(manager.Leave())

	select {
	case err := <-joinErr:
		req.ErrorIs(err, errors.ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("join did not unblock")
	}
	req.Equal(StateClosed, manager.State())
}
