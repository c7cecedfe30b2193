package domain

// TransportKind names the two delivery topologies.
type TransportKind string

const (
	TransportMesh  TransportKind = "mesh"
	TransportRelay TransportKind = "relay"
)

// ConnectionState follows the strict lifecycle
// Connecting -> Open -> Closed, or Connecting -> Errored.
type ConnectionState string

const (
	ConnConnecting ConnectionState = "connecting"
	ConnOpen       ConnectionState = "open"
	ConnClosed     ConnectionState = "closed"
	ConnErrored    ConnectionState = "errored"
)

// Connection describes one peer link (Mesh) or the single relay channel.
type Connection struct {
	PeerID string
	Kind   TransportKind
	State  ConnectionState
}
