// Package relayserver implements the intermediary endpoint used when direct
// mesh connectivity is unavailable. It holds no message history: frames are
// fanned out to the other members of the room and forgotten.
package relayserver

import (
	"context"
	"log/slog"
	"sync"

	"cowatch/transport"
)

type roomSet map[*Client]struct{}

// Hub routes frames between the clients of each room. All membership
// mutations go through the channels so the Run loop is the single writer.
type Hub struct {
	log *slog.Logger

	RegisterChan   chan *Client
	UnregisterChan chan *Client
	FrameChan      chan inboundFrame

	mu    sync.RWMutex
	rooms map[string]roomSet
}

type inboundFrame struct {
	from  *Client
	frame transport.Frame
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:            log,
		RegisterChan:   make(chan *Client),
		UnregisterChan: make(chan *Client),
		FrameChan:      make(chan inboundFrame, 16),
		rooms:          make(map[string]roomSet),
	}
}

// Run drives the hub until ctx is canceled. It satisfies the worker contract
// so the relay daemon can supervise it.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()

		case client := <-h.RegisterChan:
			h.register(client)

		case client := <-h.UnregisterChan:
			h.unregister(client)

		case in := <-h.FrameChan:
			h.route(in)
		}
	}
}

// RoomCount reports how many rooms currently have at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// MemberCount reports the current size of one room.
func (h *Hub) MemberCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	if _, ok := h.rooms[client.RoomID]; !ok {
		h.rooms[client.RoomID] = make(roomSet)
	}
	h.rooms[client.RoomID][client] = struct{}{}
	h.mu.Unlock()

	h.log.Info("Client joined", "room", client.RoomID, "peer", client.PeerID)
	h.broadcastPresence(client, "joined")
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	members, ok := h.rooms[client.RoomID]
	if ok {
		if _, present := members[client]; !present {
			ok = false
		}
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, client.RoomID)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	client.CloseSend()
	h.log.Info("Client left", "room", client.RoomID, "peer", client.PeerID)
	h.broadcastPresence(client, "left")
}

// route fans a message frame out to every other member of the sender's room.
// The sender's own copy is suppressed; the origin already has the message.
func (h *Hub) route(in inboundFrame) {
	if in.frame.Type != transport.FrameMessage {
		return
	}
	if in.frame.RoomID != in.from.RoomID {
		h.log.Warn("Dropping cross-room frame", "claimed", in.frame.RoomID, "actual", in.from.RoomID)
		return
	}

	data, err := transport.EncodeFrame(in.frame)
	if err != nil {
		h.log.Error("Frame re-encode failed", "error", err)
		return
	}

	for _, member := range h.members(in.from.RoomID) {
		if member == in.from {
			continue
		}
		member.TrySend(data)
	}
}

func (h *Hub) broadcastPresence(about *Client, event string) {
	frame := transport.Frame{
		Type:   transport.FramePresence,
		RoomID: about.RoomID,
		PeerID: about.PeerID,
		Event:  event,
	}
	data, err := transport.EncodeFrame(frame)
	if err != nil {
		h.log.Error("Presence encode failed", "error", err)
		return
	}
	for _, member := range h.members(about.RoomID) {
		if member == about {
			continue
		}
		member.TrySend(data)
	}
}

func (h *Hub) members(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.rooms[roomID]))
	for member := range h.rooms[roomID] {
		out = append(out, member)
	}
	return out
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, members := range h.rooms {
		for member := range members {
			member.CloseSend()
		}
	}
	h.rooms = make(map[string]roomSet)
}
