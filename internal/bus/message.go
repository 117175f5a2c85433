package bus

import "encoding/json"

// Bus operations. Every message carries the origin process id in the
// pubsub.Event envelope.
const (
	OpConnect    = "connect"
	OpDisconnect = "disconnect" // implies leave on every group
	OpJoin       = "join"
	OpLeave      = "leave"
	OpMulticast  = "multicast"
	OpHeartbeat  = "heartbeat"
	OpSync       = "sync"     // asks peers for a snapshot
	OpSnapshot   = "snapshot" // full local state of the origin
	OpGoodbye    = "goodbye"  // origin is shutting down
)

// Delta is the payload of connect, disconnect, join and leave.
type Delta struct {
	Namespace string `json:"namespace"`
	ConnID    string `json:"conn_id"`
	Group     string `json:"group,omitempty"`
}

// Multicast is the payload of a multicast. Frame is the already encoded
// client frame so that peers deliver exactly what the origin delivered.
type Multicast struct {
	Namespace string          `json:"namespace"`
	Group     string          `json:"group"`
	Exclude   string          `json:"exclude,omitempty"`
	Frame     json.RawMessage `json:"frame"`
}

// SyncRequest asks Target (or every peer when empty) for a snapshot.
type SyncRequest struct {
	Target string `json:"target,omitempty"`
}

// NamespaceState is the local state of one namespace in a snapshot.
type NamespaceState struct {
	Connections []string            `json:"connections"`
	Groups      map[string][]string `json:"groups"`
}

// Snapshot is the payload of a snapshot: namespace → state.
type Snapshot struct {
	Namespaces map[string]NamespaceState `json:"namespaces"`
}
