package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/bus"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/bus/bustest"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
	"github.com/weiawesome/wes-io-live/viewer-service/pkg/pubsub"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type process struct {
	adapter   *bus.Adapter
	transport *bustest.Transport
	ns        *bus.Namespace
}

func startProcess(t *testing.T, broker *pubsub.MemoryBroker, id string) *process {
	t.Helper()
	a := bustest.StartAdapter(t, broker, id)
	tr := bustest.NewTransport()
	return &process{adapter: a, transport: tr, ns: a.Namespace(domain.NamespacePlayback, tr)}
}

func (p *process) joinN(t *testing.T, group string, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.NewString()
		p.ns.Connect(ctx, id)
		require.NoError(t, p.ns.Join(ctx, id, group))
		ids = append(ids, id)
	}
	return ids
}

func TestAdapter_AggregateCount_Sums_Processes(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	a := startProcess(t, broker, "process-a")
	b := startProcess(t, broker, "process-b")

	// Given process A has 2 local joins to "foo" and process B has 3
	a.joinN(t, "foo", 2)
	b.joinN(t, "foo", 3)

	// Then both processes count 5
	require.Equal(t, 2, len(a.ns.LocalMembers("foo")))
	require.Eventually(t, func() bool { return a.ns.Count("foo") == 5 }, waitFor, tick)
	require.Eventually(t, func() bool { return b.ns.Count("foo") == 5 }, waitFor, tick)
	require.Eventually(t, func() bool { return a.ns.Connections() == 5 }, waitFor, tick)
}

func TestAdapter_Namespaces_Are_Counted_Separately(t *testing.T) {
	req := require.New(t)
	broker := pubsub.NewMemoryBroker()
	a := startProcess(t, broker, "process-a")
	b := startProcess(t, broker, "process-b")
	control := b.adapter.Namespace(domain.NamespaceChannel, b.transport)

	ctx := context.Background()
	req.NoError(control.Join(ctx, "broadcaster", "foo"))
	a.joinN(t, "foo", 1)

	require.Eventually(t, func() bool { return b.ns.Count("foo") == 1 }, waitFor, tick)
	req.Equal(1, control.Count("foo"))
	req.Equal(1, a.ns.Count("foo"))
}

func TestAdapter_Disconnect_Removes_Remote_Membership(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	a := startProcess(t, broker, "process-a")
	b := startProcess(t, broker, "process-b")

	ids := b.joinN(t, "foo", 2)
	require.NoError(t, b.ns.Join(context.Background(), ids[0], "bar"))
	require.Eventually(t, func() bool { return a.ns.Count("foo") == 2 && a.ns.Count("bar") == 1 }, waitFor, tick)

	// When a connection on B disconnects
	groups := b.ns.Disconnect(context.Background(), ids[0])

	// Then it is gone from every group everywhere
	require.Equal(t, []string{"bar", "foo"}, groups)
	require.Eventually(t, func() bool { return a.ns.Count("foo") == 1 && a.ns.Count("bar") == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return a.ns.Connections() == 1 }, waitFor, tick)
	require.Equal(t, 1, b.ns.Count("foo"))
}

func TestAdapter_Multicast_Reaches_Every_Process_Once(t *testing.T) {
	req := require.New(t)
	broker := pubsub.NewMemoryBroker()
	a := startProcess(t, broker, "process-a")
	b := startProcess(t, broker, "process-b")

	localIDs := a.joinN(t, "foo", 2)
	remoteIDs := b.joinN(t, "foo", 1)
	otherIDs := b.joinN(t, "bar", 1)

	// When A multicasts to foo excluding its first member
	req.NoError(a.ns.Emit(context.Background(), "foo", domain.MsgTypeReload, nil, localIDs[0]))

	// Then the remote member receives it once
	require.Eventually(t, func() bool {
		return len(b.transport.FramesOfType(remoteIDs[0], domain.MsgTypeReload)) == 1
	}, waitFor, tick)

	// And the local member received it exactly once despite the bus echo
	time.Sleep(50 * time.Millisecond)
	req.Len(a.transport.FramesOfType(localIDs[1], domain.MsgTypeReload), 1)
	req.Len(b.transport.FramesOfType(remoteIDs[0], domain.MsgTypeReload), 1)

	// And neither the excluded member nor another group got anything
	req.Empty(a.transport.Frames(localIDs[0]))
	req.Empty(b.transport.Frames(otherIDs[0]))
}

func TestAdapter_Late_Process_Receives_Snapshot(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	a := startProcess(t, broker, "process-a")
	a.joinN(t, "foo", 4)

	// When B starts after A already has members
	b := startProcess(t, broker, "process-b")

	// Then B learns them from A's snapshot
	require.Eventually(t, func() bool { return b.ns.Count("foo") == 4 }, waitFor, tick)
	require.Eventually(t, func() bool { return b.ns.Connections() == 4 }, waitFor, tick)
	require.ElementsMatch(t, []string{"foo"}, keys(b.ns.Rooms()))
}

func TestAdapter_Goodbye_Drops_Peer(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	a := startProcess(t, broker, "process-a")
	b := startProcess(t, broker, "process-b")

	b.joinN(t, "foo", 3)
	require.Eventually(t, func() bool { return a.ns.Count("foo") == 3 }, waitFor, tick)
	require.Equal(t, []string{"process-b"}, a.adapter.Peers())

	// When B shuts down gracefully
	require.NoError(t, b.adapter.Stop(context.Background()))

	// Then A forgets its members at once
	require.Eventually(t, func() bool { return a.ns.Count("foo") == 0 }, waitFor, tick)
	require.Empty(t, a.adapter.Peers())
}

func TestAdapter_Silent_Peer_Expires(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	a := bustest.StartAdapterWithConfig(t, broker, bus.Config{
		InstanceID:        "process-a",
		HeartbeatInterval: 20 * time.Millisecond,
		PeerTimeout:       100 * time.Millisecond,
	})
	nsA := a.Namespace(domain.NamespacePlayback, bustest.NewTransport())
	b := startProcess(t, broker, "process-b")

	// Given B announced a member and then stays silent
	b.joinN(t, "foo", 1)
	require.Eventually(t, func() bool { return nsA.Count("foo") == 1 }, waitFor, tick)

	// Then A drops B's members once the peer timeout elapses
	require.Eventually(t, func() bool { return nsA.Count("foo") == 0 }, waitFor, tick)
}

func TestNamespace_Rejects_Empty_Group(t *testing.T) {
	req := require.New(t)
	p := startProcess(t, pubsub.NewMemoryBroker(), "process-a")
	ctx := context.Background()

	req.ErrorIs(p.ns.Join(ctx, "conn", ""), domain.ErrEmptyChannel)
	req.ErrorIs(p.ns.Leave(ctx, "conn", ""), domain.ErrEmptyChannel)
	req.ErrorIs(p.ns.Emit(ctx, "", domain.MsgTypeReload, nil, ""), domain.ErrEmptyChannel)
	req.Empty(p.ns.Rooms())
	req.Equal(0, p.ns.Count(""))
}

func TestAdapter_Expired_Peer_Is_Resynced_On_Its_Next_Sync(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	a := bustest.StartAdapterWithConfig(t, broker, bus.Config{
		InstanceID:        "process-a",
		HeartbeatInterval: 20 * time.Millisecond,
		PeerTimeout:       100 * time.Millisecond,
	})
	nsA := a.Namespace(domain.NamespacePlayback, bustest.NewTransport())
	c := newRemote(t, broker, "process-c")

	// Given C announced 2 members and then went silent long enough to expire
	c.join(t, "c1", "foo")
	c.join(t, "c2", "foo")
	require.Eventually(t, func() bool { return nsA.Count("foo") == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return nsA.Count("foo") == 0 }, waitFor, tick)

	// When C comes back and its first message is a sync request
	c.publish(t, bus.OpSync, bus.SyncRequest{Target: "process-a"})

	// Then A asks C for its state
	c.awaitSync(t)

	// And counts C's members again once C answers
	c.publish(t, bus.OpSnapshot, c.snapshot("foo", "c1", "c2"))
	require.Eventually(t, func() bool { return nsA.Count("foo") == 2 }, waitFor, tick)
}

func TestAdapter_Lost_Events_Trigger_Targeted_Sync(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	a := startProcess(t, broker, "process-a")
	c := newRemote(t, broker, "process-c")

	// Given A mirrors one member of C
	c.join(t, "c1", "foo")
	require.Eventually(t, func() bool { return a.ns.Count("foo") == 1 }, waitFor, tick)

	// When the bus drops C's join of c2 and A only sees the join of c3
	c.seq++
	c.join(t, "c3", "foo")
	require.Eventually(t, func() bool { return a.ns.Count("foo") == 2 }, waitFor, tick)

	// Then A asks C for its state
	c.awaitSync(t)

	// And converges on C's snapshot
	c.publish(t, bus.OpSnapshot, c.snapshot("foo", "c1", "c2", "c3"))
	require.Eventually(t, func() bool { return a.ns.Count("foo") == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return a.ns.Connections() == 3 }, waitFor, tick)
}

func TestAdapter_Closed_Subscription_Ends_Loop_With_Error(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	client := broker.Client()
	defer client.Close()
	a := bus.NewAdapter(client, bus.Config{InstanceID: "process-a", HeartbeatInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Err())

	// When the driver ends the subscription while the context is alive
	require.NoError(t, client.Unsubscribe(ctx, pubsub.DefaultChannel))

	// Then the loop exits and reports why
	select {
	case <-a.Done():
	case <-time.After(waitFor):
		t.Fatal("adapter loop still running")
	}
	require.ErrorIs(t, a.Err(), bus.ErrSubscriptionClosed)
}

func TestAdapter_Cancelled_Context_Ends_Loop_Without_Error(t *testing.T) {
	client := pubsub.NewMemoryBroker().Client()
	defer client.Close()
	a := bus.NewAdapter(client, bus.Config{InstanceID: "process-a", HeartbeatInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))

	cancel()

	select {
	case <-a.Done():
	case <-time.After(waitFor):
		t.Fatal("adapter loop still running")
	}
	require.NoError(t, a.Err())
}

func TestAdapter_Nothing_Is_Published_After_Goodbye(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	a := startProcess(t, broker, "process-a")
	b := startProcess(t, broker, "process-b")
	ctx := context.Background()

	ids := b.joinN(t, "foo", 2)
	require.Eventually(t, func() bool { return a.ns.Count("foo") == 2 }, waitFor, tick)

	// Given B said goodbye
	require.NoError(t, b.adapter.Stop(ctx))
	require.NoError(t, b.adapter.Stop(ctx))
	require.Eventually(t, func() bool { return a.ns.Count("foo") == 0 }, waitFor, tick)

	// When B keeps changing local state while shutting down
	b.ns.Disconnect(ctx, ids[0])
	b.joinN(t, "foo", 1)
	require.ErrorIs(t, b.ns.Emit(ctx, "foo", domain.MsgTypeReload, nil, ""), bus.ErrStopped)

	// Then B stays gone for A
	require.Never(t, func() bool { return a.ns.Count("foo") != 0 || len(a.adapter.Peers()) != 0 },
		200*time.Millisecond, tick)

	// And B still serves its own members
	require.Equal(t, 2, len(b.ns.LocalMembers("foo")))
}

// remote is a peer process driven by hand over a raw bus client.
type remote struct {
	id     string
	client *pubsub.MemoryPubSub
	events <-chan *pubsub.Event
	seq    uint64
}

func newRemote(t *testing.T, broker *pubsub.MemoryBroker, id string) *remote {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	client := broker.Client()
	events, err := client.Subscribe(ctx, pubsub.DefaultChannel)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	return &remote{id: id, client: client, events: events}
}

func (r *remote) publish(t *testing.T, op string, payload interface{}) {
	t.Helper()
	ev, err := pubsub.NewEvent(op, r.id, payload)
	require.NoError(t, err)
	r.seq++
	ev.Seq = r.seq
	require.NoError(t, r.client.Publish(context.Background(), pubsub.DefaultChannel, ev))
}

func (r *remote) join(t *testing.T, connID, group string) {
	t.Helper()
	r.publish(t, bus.OpJoin, bus.Delta{Namespace: domain.NamespacePlayback, ConnID: connID, Group: group})
}

func (r *remote) snapshot(group string, connIDs ...string) bus.Snapshot {
	return bus.Snapshot{Namespaces: map[string]bus.NamespaceState{
		domain.NamespacePlayback: {Connections: connIDs, Groups: map[string][]string{group: connIDs}},
	}}
}

// awaitSync waits for a sync request addressed to r.
func (r *remote) awaitSync(t *testing.T) {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-r.events:
			require.True(t, ok, "bus subscription closed")
			if ev.Type != bus.OpSync {
				continue
			}
			var req bus.SyncRequest
			require.NoError(t, ev.UnmarshalPayload(&req))
			if req.Target == r.id {
				return
			}
		case <-timeout:
			t.Fatalf("no sync request for %s", r.id)
		}
	}
}

func keys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
