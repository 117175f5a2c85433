package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/registry"
)

// Transport delivers an encoded frame to one local connection. It returns
// false when the connection is gone; the frame is then dropped.
type Transport interface {
	Send(connID string, frame []byte) bool
}

// Namespace is one logical channel (playback, channel) of the adapter.
// Mutations apply locally first, then are published.
type Namespace struct {
	name      string
	adapter   *Adapter
	transport Transport
	registry  *registry.Registry

	mu    sync.RWMutex
	conns map[string]struct{}
}

func newNamespace(name string, a *Adapter, t Transport) *Namespace {
	return &Namespace{
		name:      name,
		adapter:   a,
		transport: t,
		registry:  registry.New(),
		conns:     make(map[string]struct{}),
	}
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

// Connect records a new local connection.
func (n *Namespace) Connect(ctx context.Context, connID string) {
	n.adapter.mutate(ctx, OpConnect, Delta{Namespace: n.name, ConnID: connID}, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.conns[connID] = struct{}{}
		return true
	})
}

// Disconnect removes connID from every group and forgets it. It returns
// the groups the connection was in.
func (n *Namespace) Disconnect(ctx context.Context, connID string) []string {
	var groups []string
	n.adapter.mutate(ctx, OpDisconnect, Delta{Namespace: n.name, ConnID: connID}, func() bool {
		n.mu.Lock()
		delete(n.conns, connID)
		n.mu.Unlock()
		groups = n.registry.LeaveAll(connID)
		return true
	})
	return groups
}

// Join adds connID to group.
func (n *Namespace) Join(ctx context.Context, connID, group string) error {
	if group == "" {
		return domain.ErrEmptyChannel
	}
	n.adapter.mutate(ctx, OpJoin, Delta{Namespace: n.name, ConnID: connID, Group: group}, func() bool {
		return n.registry.Join(connID, group)
	})
	return nil
}

// Leave removes connID from group.
func (n *Namespace) Leave(ctx context.Context, connID, group string) error {
	if group == "" {
		return domain.ErrEmptyChannel
	}
	n.adapter.mutate(ctx, OpLeave, Delta{Namespace: n.name, ConnID: connID, Group: group}, func() bool {
		return n.registry.Leave(connID, group)
	})
	return nil
}

// GroupsOf returns the local groups of connID.
func (n *Namespace) GroupsOf(connID string) []string {
	return n.registry.GroupsOf(connID)
}

// LocalMembers returns the members of group on this process only.
func (n *Namespace) LocalMembers(group string) []string {
	return n.registry.Members(group)
}

// EmitTo sends one message to a local connection.
func (n *Namespace) EmitTo(connID, msgType string, data interface{}) error {
	frame, err := encode(msgType, data)
	if err != nil {
		return err
	}
	n.transport.Send(connID, frame)
	return nil
}

// Emit sends one message to every member of group on every process,
// except exclude. The bus message is published once per call.
func (n *Namespace) Emit(ctx context.Context, group, msgType string, data interface{}, exclude string) error {
	if group == "" {
		return domain.ErrEmptyChannel
	}
	frame, err := encode(msgType, data)
	if err != nil {
		return err
	}

	n.deliverLocal(group, frame, exclude)

	return n.adapter.publish(ctx, OpMulticast, Multicast{
		Namespace: n.name,
		Group:     group,
		Exclude:   exclude,
		Frame:     frame,
	})
}

func (n *Namespace) deliverLocal(group string, frame []byte, exclude string) {
	for _, connID := range n.registry.Members(group) {
		if connID == exclude {
			continue
		}
		n.transport.Send(connID, frame)
	}
}

// Count returns the aggregate number of members of group: local members
// plus what every live peer announced. The value may lag remote changes by
// one bus round-trip.
func (n *Namespace) Count(group string) int {
	if group == "" {
		return 0
	}
	members := make(map[string]struct{})
	for _, connID := range n.registry.Members(group) {
		members[connID] = struct{}{}
	}
	n.adapter.shadow.members(n.name, group, members)
	return len(members)
}

// Rooms returns the aggregate membership of every non-empty group.
func (n *Namespace) Rooms() map[string][]string {
	rooms := make(map[string]map[string]struct{})
	for group, members := range n.registry.Groups() {
		rooms[group] = make(map[string]struct{}, len(members))
		for _, connID := range members {
			rooms[group][connID] = struct{}{}
		}
	}
	n.adapter.shadow.rooms(n.name, rooms)

	return lo.MapValues(rooms, func(members map[string]struct{}, _ string) []string {
		return lo.Keys(members)
	})
}

// Connections returns the aggregate number of connected sessions.
func (n *Namespace) Connections() int {
	conns := make(map[string]struct{})
	n.mu.RLock()
	for connID := range n.conns {
		conns[connID] = struct{}{}
	}
	n.mu.RUnlock()

	n.adapter.shadow.connections(n.name, conns)
	return len(conns)
}

func (n *Namespace) state() NamespaceState {
	n.mu.RLock()
	conns := lo.Keys(n.conns)
	n.mu.RUnlock()

	return NamespaceState{
		Connections: conns,
		Groups:      n.registry.Groups(),
	}
}

func encode(msgType string, data interface{}) ([]byte, error) {
	env, err := domain.NewEnvelope(msgType, data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return json.Marshal(env)
}
