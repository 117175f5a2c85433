// Package bus keeps group membership and multicast delivery consistent
// across every process connected to the same pub/sub channel.
//
// Each process owns its local membership (one registry per namespace) and
// mirrors what its peers announce into a shadow used only for counting.
// Multicasts are delivered locally by the origin and published once; peers
// deliver them to their own local members and never republish.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	pkglog "github.com/weiawesome/wes-io-live/viewer-service/pkg/log"
	"github.com/weiawesome/wes-io-live/viewer-service/pkg/pubsub"
)

// Config holds adapter configuration.
type Config struct {
	InstanceID        string
	Channel           string
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration // peers silent for longer are forgotten
}

func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = pubsub.DefaultChannel
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 3 * c.HeartbeatInterval
	}
	return c
}

// Adapter is the per-process bus integration. Create one per process and
// pass it to every component that needs membership.
type Adapter struct {
	ps     pubsub.PubSub
	cfg    Config
	shadow *shadow

	mu         sync.RWMutex
	namespaces map[string]*Namespace

	// order serializes local mutations with their publish, and snapshots
	// with theirs, so peers never see a snapshot older than a delta they
	// already applied.
	order sync.Mutex

	// pubMu keeps seq and the bus order of this process' events equal.
	pubMu   sync.Mutex
	seq     uint64
	stopped bool

	events <-chan *pubsub.Event
	doneCh chan struct{}
	err    error // set before doneCh is closed
}

var (
	// ErrStopped is returned by publishing operations after Stop.
	ErrStopped = errors.New("bus adapter stopped")

	// ErrSubscriptionClosed means the driver ended the subscription while
	// the adapter was running. Membership no longer converges.
	ErrSubscriptionClosed = errors.New("bus subscription closed")
)

// NewAdapter creates an adapter over an already connected PubSub.
func NewAdapter(ps pubsub.PubSub, cfg Config) *Adapter {
	return &Adapter{
		ps:         ps,
		cfg:        cfg.withDefaults(),
		shadow:     newShadow(),
		namespaces: make(map[string]*Namespace),
		doneCh:     make(chan struct{}),
	}
}

// InstanceID returns the id this process publishes under.
func (a *Adapter) InstanceID() string { return a.cfg.InstanceID }

// Namespace returns the namespace called name, creating it on first use.
// t delivers frames to local connections of that namespace.
func (a *Adapter) Namespace(name string, t Transport) *Namespace {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ns, ok := a.namespaces[name]; ok {
		return ns
	}
	ns := newNamespace(name, a, t)
	a.namespaces[name] = ns
	return ns
}

func (a *Adapter) namespace(name string) (*Namespace, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ns, ok := a.namespaces[name]
	return ns, ok
}

// Start subscribes to the bus, asks the peers for their state and runs the
// receive loop until ctx is done. An error means the process must not serve.
func (a *Adapter) Start(ctx context.Context) error {
	events, err := a.ps.Subscribe(ctx, a.cfg.Channel)
	if err != nil {
		return fmt.Errorf("bus subscribe: %w", err)
	}
	a.events = events

	if err := a.publish(ctx, OpSync, SyncRequest{}); err != nil {
		return fmt.Errorf("bus sync: %w", err)
	}

	go a.run(ctx)
	return nil
}

// Peers returns the ids of the processes currently mirrored, sorted.
func (a *Adapter) Peers() []string {
	peers := a.shadow.origins()
	slices.Sort(peers)
	return peers
}

// Done returns a channel that is closed when the receive loop exits.
func (a *Adapter) Done() <-chan struct{} { return a.doneCh }

// Err returns why the receive loop exited: nil when its context ended,
// ErrSubscriptionClosed when the bus went away. Valid after Done.
func (a *Adapter) Err() error {
	select {
	case <-a.doneCh:
		return a.err
	default:
		return nil
	}
}

// Stop announces the departure of this process so peers drop its members
// immediately instead of waiting for the peer timeout. Nothing is
// published afterwards, so late disconnects cannot resurrect this process
// on its peers.
func (a *Adapter) Stop(ctx context.Context) error {
	ev, err := pubsub.NewEvent(OpGoodbye, a.cfg.InstanceID, nil)
	if err != nil {
		return err
	}

	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	return a.send(ctx, ev)
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.doneCh)
	l := pkglog.L()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.events:
			if !ok {
				if ctx.Err() == nil {
					a.err = ErrSubscriptionClosed
					l.Error().Msg("bus subscription closed")
				}
				return
			}
			a.handle(ctx, ev)
		case <-ticker.C:
			a.publish(ctx, OpHeartbeat, nil)
			for _, origin := range a.shadow.expire(a.cfg.PeerTimeout) {
				l.Warn().Str(pkglog.FieldOrigin, origin).Msg("bus peer timed out, dropping its members")
			}
		}
	}
}

func (a *Adapter) handle(ctx context.Context, ev *pubsub.Event) {
	if ev.Origin == "" || ev.Origin == a.cfg.InstanceID {
		return
	}
	l := pkglog.L().With().Str(pkglog.FieldOrigin, ev.Origin).Str(pkglog.FieldOp, ev.Type).Logger()

	if ev.Type == OpGoodbye {
		if a.shadow.drop(ev.Origin) {
			l.Info().Msg("bus peer left")
		}
		return
	}

	known, gap := a.shadow.observe(ev.Origin, ev.Seq)

	switch ev.Type {
	case OpConnect, OpDisconnect, OpJoin, OpLeave:
		var d Delta
		if err := ev.UnmarshalPayload(&d); err != nil || d.Namespace == "" || d.ConnID == "" {
			l.Warn().Err(err).Msg("bus: invalid delta")
			return
		}
		if (ev.Type == OpJoin || ev.Type == OpLeave) && d.Group == "" {
			l.Warn().Msg("bus: delta without group")
			return
		}
		a.shadow.apply(ev.Origin, ev.Type, d)

	case OpMulticast:
		var m Multicast
		if err := ev.UnmarshalPayload(&m); err != nil || m.Group == "" {
			l.Warn().Err(err).Msg("bus: invalid multicast")
			return
		}
		if ns, ok := a.namespace(m.Namespace); ok {
			ns.deliverLocal(m.Group, m.Frame, m.Exclude)
		}

	case OpSync:
		var req SyncRequest
		if len(ev.Payload) > 0 {
			if err := ev.UnmarshalPayload(&req); err != nil {
				l.Warn().Err(err).Msg("bus: invalid sync request")
				return
			}
		}
		if req.Target == "" || req.Target == a.cfg.InstanceID {
			a.order.Lock()
			a.publish(ctx, OpSnapshot, a.snapshot())
			a.order.Unlock()
		}

	case OpSnapshot:
		var snap Snapshot
		if err := ev.UnmarshalPayload(&snap); err != nil {
			l.Warn().Err(err).Msg("bus: invalid snapshot")
			return
		}
		a.shadow.replace(ev.Origin, snap, ev.Seq)
		l.Debug().Int("namespaces", len(snap.Namespaces)).Msg("bus: peer snapshot applied")
		return

	case OpHeartbeat:
	default:
		l.Warn().Msg("bus: unknown op")
		return
	}

	switch {
	case !known && ev.Seq != 1:
		// We missed this peer's earlier state (we started later, or it was
		// expired and came back). Seq 1 is a peer's first event.
		l.Info().Msg("bus: unknown peer, requesting snapshot")
		a.publish(ctx, OpSync, SyncRequest{Target: ev.Origin})
	case gap:
		l.Warn().Uint64("seq", ev.Seq).Msg("bus: events lost, requesting snapshot")
		a.publish(ctx, OpSync, SyncRequest{Target: ev.Origin})
	}
}

func (a *Adapter) snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{Namespaces: make(map[string]NamespaceState, len(a.namespaces))}
	for name, ns := range a.namespaces {
		snap.Namespaces[name] = ns.state()
	}
	return snap
}

// mutate applies a local change and, if it changed anything, publishes op.
func (a *Adapter) mutate(ctx context.Context, op string, d Delta, apply func() bool) {
	a.order.Lock()
	defer a.order.Unlock()

	if apply() {
		a.publish(ctx, op, d)
	}
}

// publish sends one bus message. Failures are logged: local state is already
// applied, and the skipped seq makes peers ask for a snapshot.
func (a *Adapter) publish(ctx context.Context, op string, payload interface{}) error {
	ev, err := pubsub.NewEvent(op, a.cfg.InstanceID, payload)
	if err != nil {
		return err
	}

	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	if a.stopped {
		return ErrStopped
	}
	return a.send(ctx, ev)
}

// send numbers ev and publishes it. pubMu must be held.
func (a *Adapter) send(ctx context.Context, ev *pubsub.Event) error {
	a.seq++
	ev.Seq = a.seq
	if err := a.ps.Publish(ctx, a.cfg.Channel, ev); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str(pkglog.FieldOp, ev.Type).Msg("bus publish failed")
		return err
	}
	return nil
}
