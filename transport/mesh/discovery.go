//go:generate go run go.uber.org/mock/mockgen -source=discovery.go -destination=../../mocks/mock_discovery.go -package=mocks
package mesh

import (
	"context"
	"fmt"
	"strings"
)

// PeerInfo is what the discovery side-channel knows about a participant.
type PeerInfo struct {
	ID   string
	Addr string
}

// Discovery is the signaling oracle that announces this participant and
// streams the addresses of other participants in the room. The mechanism
// itself is external to the messaging core.
type Discovery interface {
	Join(ctx context.Context, roomID string, self PeerInfo) (<-chan PeerInfo, error)
	Leave(roomID string)
}

// StaticDiscovery serves a fixed peer list, typically read from the
// environment. It is the minimal oracle: every configured peer is announced
// once for any room.
type StaticDiscovery struct {
	peers []PeerInfo
}

func NewStaticDiscovery(peers []PeerInfo) *StaticDiscovery {
	return &StaticDiscovery{peers: peers}
}

func (d *StaticDiscovery) Join(ctx context.Context, roomID string, self PeerInfo) (<-chan PeerInfo, error) {
	ch := make(chan PeerInfo, len(d.peers))
	for _, p := range d.peers {
		if p.ID == self.ID {
			continue
		}
		ch <- p
	}
	// The channel stays open: a static oracle simply has nothing further
	// to announce.
	return ch, nil
}

func (d *StaticDiscovery) Leave(string) {}

// ParsePeerList parses "id=addr,id=addr" pairs from configuration.
func ParsePeerList(raw string) ([]PeerInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var peers []PeerInfo
	for _, pair := range strings.Split(raw, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("malformed peer entry %q, want id=addr", pair)
		}
		peers = append(peers, PeerInfo{ID: id, Addr: addr})
	}
	return peers, nil
}
