package control_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/bus"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/bus/bustest"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/control"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/kafka"
	"github.com/weiawesome/wes-io-live/viewer-service/pkg/pubsub"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type node struct {
	transport *bustest.Transport
	channel   *control.Channel
}

func newNode(t *testing.T, broker *pubsub.MemoryBroker, id string, cfg control.Config) *node {
	t.Helper()
	a := bustest.StartAdapter(t, broker, id)
	tr := bustest.NewTransport()
	ch := control.NewChannel(a.Namespace(domain.NamespaceChannel, tr), tr, cfg)
	t.Cleanup(ch.Stop)
	return &node{transport: tr, channel: ch}
}

func (n *node) member(t *testing.T, group string) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	n.channel.HandleConnect(ctx, id)
	require.NoError(t, n.channel.HandleMessage(ctx, id, envelope(t, domain.MsgTypeJoin, domain.ChannelRef{Name: group})))
	return id
}

func envelope(t *testing.T, msgType string, data interface{}) []byte {
	t.Helper()
	env, err := domain.NewEnvelope(msgType, data)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func boolPtr(b bool) *bool { return &b }

func TestRelay_Redirect_Reaches_Every_Process(t *testing.T) {
	ctx := context.Background()
	broker := pubsub.NewMemoryBroker()
	a := newNode(t, broker, "process-a", control.Config{})
	b := newNode(t, broker, "process-b", control.Config{})

	// Given broadcasters of "foo" on both processes and one of "bar"
	onA := a.member(t, "foo")
	onB := b.member(t, "foo")
	other := b.member(t, "bar")

	// When the admin redirects "foo" through process A
	err := a.channel.Relay(ctx, &domain.AdminRequest{Name: "foo", Action: domain.ActionRedirect, URL: "https://example.com/next"})
	require.NoError(t, err)

	// Then both members receive exactly one redirect with the url
	for _, m := range []struct {
		tr *bustest.Transport
		id string
	}{{a.transport, onA}, {b.transport, onB}} {
		require.Eventually(t, func() bool { return len(m.tr.FramesOfType(m.id, domain.MsgTypeRedirect)) == 1 }, waitFor, tick)
		var url string
		require.NoError(t, json.Unmarshal(m.tr.FramesOfType(m.id, domain.MsgTypeRedirect)[0].Data, &url))
		require.Equal(t, "https://example.com/next", url)
	}

	time.Sleep(50 * time.Millisecond)
	require.Len(t, a.transport.FramesOfType(onA, domain.MsgTypeRedirect), 1)
	require.Len(t, b.transport.FramesOfType(onB, domain.MsgTypeRedirect), 1)
	require.Empty(t, b.transport.Frames(other))
}

func TestRelay_Live_Defaults_To_False(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, pubsub.NewMemoryBroker(), "process-a", control.Config{})
	m := n.member(t, "foo")

	require.NoError(t, n.channel.Relay(ctx, &domain.AdminRequest{Name: "foo", Action: domain.ActionLive}))
	require.NoError(t, n.channel.Relay(ctx, &domain.AdminRequest{Name: "foo", Action: domain.ActionLive, Live: boolPtr(true)}))

	frames := n.transport.FramesOfType(m, domain.MsgTypeLive)
	require.Len(t, frames, 2)
	require.JSONEq(t, `false`, string(frames[0].Data))
	require.JSONEq(t, `true`, string(frames[1].Data))
}

func TestRelay_Event_And_Reload(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, pubsub.NewMemoryBroker(), "process-a", control.Config{})
	m := n.member(t, "foo")

	err := n.channel.Relay(ctx, &domain.AdminRequest{
		Name:   "foo",
		Action: domain.ActionEvent,
		Event:  json.RawMessage(`{"message":"hello","level":"info"}`),
	})
	require.NoError(t, err)
	require.NoError(t, n.channel.Relay(ctx, &domain.AdminRequest{Name: "foo", Action: domain.ActionReload}))

	events := n.transport.FramesOfType(m, domain.MsgTypeEvent)
	require.Len(t, events, 1)
	require.JSONEq(t, `{"channel":{"name":"foo"},"event":{"message":"hello","level":"info"}}`, string(events[0].Data))

	reloads := n.transport.FramesOfType(m, domain.MsgTypeReload)
	require.Len(t, reloads, 1)
	require.Nil(t, reloads[0].Data)
}

func TestRelay_Rejects_Invalid_Commands(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, pubsub.NewMemoryBroker(), "process-a", control.Config{})
	m := n.member(t, "foo")

	cases := []struct {
		name string
		req  *domain.AdminRequest
		want error
	}{
		{"missing name", &domain.AdminRequest{Action: domain.ActionReload}, domain.ErrMissingName},
		{"event without message", &domain.AdminRequest{Name: "foo", Action: domain.ActionEvent, Event: json.RawMessage(`{"level":"info"}`)}, domain.ErrMissingEventMessage},
		{"event with empty message", &domain.AdminRequest{Name: "foo", Action: domain.ActionEvent, Event: json.RawMessage(`{"message":""}`)}, domain.ErrMissingEventMessage},
		{"event without body", &domain.AdminRequest{Name: "foo", Action: domain.ActionEvent}, domain.ErrMissingEventMessage},
		{"redirect without url", &domain.AdminRequest{Name: "foo", Action: domain.ActionRedirect}, domain.ErrMissingURL},
		{"unknown action", &domain.AdminRequest{Name: "foo", Action: "explode"}, domain.ErrUnknownAction},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, n.channel.Relay(ctx, tc.req), tc.want)
		})
	}

	// No command produced an emission
	require.Empty(t, n.transport.Frames(m))
}

func TestRelay_Publish_Failure_After_Local_Delivery(t *testing.T) {
	ctx := context.Background()
	broker := pubsub.NewMemoryBroker()
	remote := newNode(t, broker, "process-b", control.Config{})
	onB := remote.member(t, "foo")

	client := broker.Client()
	a := bus.NewAdapter(client, bus.Config{InstanceID: "process-a", HeartbeatInterval: time.Hour})
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, a.Start(actx))
	tr := bustest.NewTransport()
	local := &node{transport: tr, channel: control.NewChannel(a.Namespace(domain.NamespaceChannel, tr), tr, control.Config{})}
	defer local.channel.Stop()
	onA := local.member(t, "foo")

	// Given process A lost its bus connection
	require.NoError(t, client.Close())

	// When the admin reloads "foo" through A
	err := local.channel.Relay(ctx, &domain.AdminRequest{Name: "foo", Action: domain.ActionReload})

	// Then the error is reported but A's own member was served
	require.Error(t, err)
	require.Len(t, tr.FramesOfType(onA, domain.MsgTypeReload), 1)

	// And B's member never hears of it
	require.Never(t, func() bool { return len(remote.transport.FramesOfType(onB, domain.MsgTypeReload)) > 0 },
		100*time.Millisecond, tick)
}

func TestChannel_Event_Relay_Excludes_Sender(t *testing.T) {
	ctx := context.Background()
	broker := pubsub.NewMemoryBroker()
	a := newNode(t, broker, "process-a", control.Config{})
	b := newNode(t, broker, "process-b", control.Config{})

	sender := a.member(t, "foo")
	local := a.member(t, "foo")
	remote := b.member(t, "foo")

	// When a member sends an event naming the channel
	raw := envelope(t, domain.MsgTypeEvent, map[string]string{"name": "foo", "message": "hi"})
	require.NoError(t, a.channel.HandleMessage(ctx, sender, raw))

	// Then every other member receives it with the channel attached
	require.Len(t, a.transport.FramesOfType(local, domain.MsgTypeEvent), 1)
	require.Eventually(t, func() bool { return len(b.transport.FramesOfType(remote, domain.MsgTypeEvent)) == 1 }, waitFor, tick)
	require.JSONEq(t, `{"name":"foo","message":"hi","channel":"foo"}`, string(b.transport.FramesOfType(remote, domain.MsgTypeEvent)[0].Data))
	require.Empty(t, a.transport.FramesOfType(sender, domain.MsgTypeEvent))
}

func TestChannel_Event_Accepts_Channel_Object(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, pubsub.NewMemoryBroker(), "process-a", control.Config{})
	sender := n.member(t, "foo")
	peer := n.member(t, "foo")

	raw := envelope(t, domain.MsgTypeEvent, map[string]interface{}{"channel": map[string]string{"name": "foo"}, "message": "hi"})
	require.NoError(t, n.channel.HandleMessage(ctx, sender, raw))

	frames := n.transport.FramesOfType(peer, domain.MsgTypeEvent)
	require.Len(t, frames, 1)
	require.JSONEq(t, `{"channel":"foo","message":"hi"}`, string(frames[0].Data))
}

func TestChannel_Event_Without_Channel_Disconnects(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, pubsub.NewMemoryBroker(), "process-a", control.Config{})
	sender := n.member(t, "foo")
	peer := n.member(t, "foo")

	err := n.channel.HandleMessage(ctx, sender, envelope(t, domain.MsgTypeEvent, map[string]string{"message": "hi"}))
	require.ErrorIs(t, err, domain.ErrEmptyChannel)
	require.True(t, n.transport.Disconnected(sender))
	require.Empty(t, n.transport.Frames(peer))
}

func TestChannel_Join_Requires_Name(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, pubsub.NewMemoryBroker(), "process-a", control.Config{})
	id := uuid.NewString()
	n.channel.HandleConnect(ctx, id)

	err := n.channel.HandleMessage(ctx, id, envelope(t, domain.MsgTypeJoin, domain.ChannelRef{}))
	require.ErrorIs(t, err, domain.ErrEmptyChannel)
	require.True(t, n.transport.Disconnected(id))

	err = n.channel.HandleMessage(ctx, id, envelope(t, domain.MsgTypeViewerCount, nil))
	require.ErrorIs(t, err, domain.ErrUnknownMessage)
}

func TestChannel_Leave_Stops_Delivery(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, pubsub.NewMemoryBroker(), "process-a", control.Config{})
	m := n.member(t, "foo")

	require.NoError(t, n.channel.HandleMessage(ctx, m, envelope(t, domain.MsgTypeLeave, domain.ChannelRef{Name: "foo"})))
	require.NoError(t, n.channel.Relay(ctx, &domain.AdminRequest{Name: "foo", Action: domain.ActionReload}))

	require.Empty(t, n.transport.Frames(m))
	n.channel.HandleDisconnect(ctx, m)
}

func TestHandleBroadcastEvent_Drives_Live(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, pubsub.NewMemoryBroker(), "process-a", control.Config{GracePeriod: 30 * time.Millisecond})
	m := n.member(t, "foo")

	liveValues := func() []string {
		var out []string
		for _, env := range n.transport.FramesOfType(m, domain.MsgTypeLive) {
			out = append(out, string(env.Data))
		}
		return out
	}

	// Started goes live immediately
	require.NoError(t, n.channel.HandleBroadcastEvent(ctx, &kafka.BroadcastEvent{Type: kafka.EventBroadcastStarted, RoomID: "foo"}))
	require.Equal(t, []string{"true"}, liveValues())

	// A disconnect waits for the grace period
	require.NoError(t, n.channel.HandleBroadcastEvent(ctx, &kafka.BroadcastEvent{Type: kafka.EventBroadcastStopped, RoomID: "foo", Reason: kafka.ReasonDisconnect}))
	require.Equal(t, []string{"true"}, liveValues())
	require.Eventually(t, func() bool { return len(liveValues()) == 2 }, waitFor, tick)
	require.Equal(t, []string{"true", "false"}, liveValues())

	// An explicit stop is immediate
	require.NoError(t, n.channel.HandleBroadcastEvent(ctx, &kafka.BroadcastEvent{Type: kafka.EventBroadcastStopped, RoomID: "foo", Reason: kafka.ReasonExplicit}))
	require.Equal(t, []string{"true", "false", "false"}, liveValues())
}

func TestHandleBroadcastEvent_Restart_Cancels_Grace(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, pubsub.NewMemoryBroker(), "process-a", control.Config{GracePeriod: 50 * time.Millisecond})
	m := n.member(t, "foo")

	require.NoError(t, n.channel.HandleBroadcastEvent(ctx, &kafka.BroadcastEvent{Type: kafka.EventBroadcastStopped, RoomID: "foo", Reason: kafka.ReasonDisconnect}))
	require.NoError(t, n.channel.HandleBroadcastEvent(ctx, &kafka.BroadcastEvent{Type: kafka.EventBroadcastStarted, RoomID: "foo"}))

	time.Sleep(150 * time.Millisecond)
	frames := n.transport.FramesOfType(m, domain.MsgTypeLive)
	require.Len(t, frames, 1)
	require.JSONEq(t, `true`, string(frames[0].Data))
}
