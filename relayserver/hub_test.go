package relayserver

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cowatch/transport"
)

func runningHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func registeredClient(t *testing.T, hub *Hub, roomID, peerID string) *Client {
	t.Helper()
	client := NewClient(roomID, peerID, nil, slog.Default())
	hub.RegisterChan <- client
	require.Eventually(t, func() bool {
		for _, member := range hub.members(roomID) {
			if member == client {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return client
}

func recvFrame(t *testing.T, client *Client) transport.Frame {
	t.Helper()
	select {
	case data := <-client.send:
		frame, err := transport.DecodeFrame(data)
		require.NoError(t, err)
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for peer %s", client.PeerID)
		return transport.Frame{}
	}
}

func requireSilent(t *testing.T, client *Client) {
	t.Helper()
	select {
	case data := <-client.send:
		t.Fatalf("unexpected frame for peer %s: %s", client.PeerID, data)
	case <-time.After(100 * time.Millisecond):
	}
}

func messageFrame(roomID string) transport.Frame {
	return transport.Frame{
		Type:   transport.FrameMessage,
		RoomID: roomID,
		Message: &transport.WireMessage{
			ID:       uuid.NewString(),
			RoomID:   roomID,
			SenderID: "viewer-1",
			Text:     "is it starting?",
			At:       time.Now().UnixNano(),
		},
	}
}

func Test_Hub_Announces_New_Member(t *testing.T) {
	req := require.New(t)
	hub := runningHub(t)

	first := registeredClient(t, hub, "movienight-aa11bb22", "peer-a")
	registeredClient(t, hub, "movienight-aa11bb22", "peer-b")

	frame := recvFrame(t, first)
	req.Equal(transport.FramePresence, frame.Type)
	req.Equal("peer-b", frame.PeerID)
	req.Equal("joined", frame.Event)

	req.Equal(1, hub.RoomCount())
	req.Equal(2, hub.MemberCount("movienight-aa11bb22"))
}

func Test_Hub_Routes_To_Other_Members_Only(t *testing.T) {
	req := require.New(t)
	hub := runningHub(t)
	room := "movienight-aa11bb22"

	sender := registeredClient(t, hub, room, "peer-a")
	receiver := registeredClient(t, hub, room, "peer-b")
	recvFrame(t, sender) // peer-b joined

	frame := messageFrame(room)
	hub.FrameChan <- inboundFrame{from: sender, frame: frame}

	got := recvFrame(t, receiver)
	req.Equal(transport.FrameMessage, got.Type)
	req.Equal(frame.Message.ID, got.Message.ID)
	requireSilent(t, sender)
}

func Test_Hub_Drops_Cross_Room_Frame(t *testing.T) {
	hub := runningHub(t)

	sender := registeredClient(t, hub, "movienight-aa11bb22", "peer-a")
	bystander := registeredClient(t, hub, "othernight-cc33dd44", "peer-b")

	// The sender claims a room it is not a member of.
	hub.FrameChan <- inboundFrame{from: sender, frame: messageFrame("othernight-cc33dd44")}

	requireSilent(t, bystander)
}

func Test_Hub_Ignores_Non_Message_Frames(t *testing.T) {
	hub := runningHub(t)
	room := "movienight-aa11bb22"

	sender := registeredClient(t, hub, room, "peer-a")
	receiver := registeredClient(t, hub, room, "peer-b")
	recvFrame(t, sender)

	hub.FrameChan <- inboundFrame{from: sender, frame: transport.Frame{
		Type:   transport.FrameJoin,
		RoomID: room,
		PeerID: "peer-a",
	}}

	requireSilent(t, receiver)
}

func Test_Hub_Announces_Departure_And_Forgets_Empty_Room(t *testing.T) {
	req := require.New(t)
	hub := runningHub(t)
	room := "movienight-aa11bb22"

	leaver := registeredClient(t, hub, room, "peer-a")
	stayer := registeredClient(t, hub, room, "peer-b")
	recvFrame(t, leaver)

	hub.UnregisterChan <- leaver

	frame := recvFrame(t, stayer)
	req.Equal(transport.FramePresence, frame.Type)
	req.Equal("peer-a", frame.PeerID)
	req.Equal("left", frame.Event)
	req.Equal(1, hub.MemberCount(room))

	hub.UnregisterChan <- stayer
	req.Eventually(func() bool { return hub.RoomCount() == 0 }, 2*time.Second, time.Millisecond)
}

func Test_Hub_Unregister_Is_Idempotent(t *testing.T) {
	hub := runningHub(t)
	room := "movienight-aa11bb22"

	leaver := registeredClient(t, hub, room, "peer-a")
	stayer := registeredClient(t, hub, room, "peer-b")
	recvFrame(t, leaver)

	hub.UnregisterChan <- leaver
	hub.UnregisterChan <- leaver

	recvFrame(t, stayer) // single departure announcement
	requireSilent(t, stayer)
}

func Test_Hub_Shutdown_Closes_Members(t *testing.T) {
	req := require.New(t)
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	member := registeredClient(t, hub, "movienight-aa11bb22", "peer-a")

	cancel()
	select {
	case err := <-done:
		req.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	_, open := <-member.send
	req.False(open)
	req.Equal(0, hub.RoomCount())
}

func Test_Client_TrySend_Drops_When_Backlogged(t *testing.T) {
	req := require.New(t)
	client := NewClient("movienight-aa11bb22", "peer-a", nil, slog.Default())

	for i := 0; i < cap(client.send)+5; i++ {
		client.TrySend([]byte("frame"))
	}
	req.Len(client.send, cap(client.send))
}
