package viewers_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/bus/bustest"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/viewers"
	"github.com/weiawesome/wes-io-live/viewer-service/pkg/pubsub"
)

type fakeMembership struct {
	rooms map[string][]string
	conns int
}

func (f fakeMembership) Count(group string) int     { return len(f.rooms[group]) }
func (f fakeMembership) Rooms() map[string][]string { return f.rooms }
func (f fakeMembership) Connections() int           { return f.conns }

func TestService_CountOf(t *testing.T) {
	svc := viewers.NewService(fakeMembership{rooms: map[string][]string{"foo": {"a", "b"}}})

	require.Equal(t, 2, svc.CountOf("foo"))
	require.Equal(t, 0, svc.CountOf("bar"))
	require.Equal(t, 0, svc.CountOf(""))
}

func TestService_ListPublicRooms_Filters_And_Sorts(t *testing.T) {
	svc := viewers.NewService(fakeMembership{
		rooms: map[string][]string{
			"alice": {"c1", "c2"},
			"bob":   {"c3", "c4", "c5"},
			"carol": {"c6", "c7"},
			"c8":    {"c8"},       // a connection's own room
			"dave":  {"dave-fan"}, // single member, different id
			"empty": {},
		},
		conns: 8,
	})

	require.Equal(t, []domain.RoomViewers{
		{Username: "bob", Viewers: 3},
		{Username: "alice", Viewers: 2},
		{Username: "carol", Viewers: 2},
		{Username: "dave", Viewers: 1},
	}, svc.ListPublicRooms())
	require.Equal(t, 8, svc.TotalConnections())
}

func TestService_Aggregates_Across_Processes(t *testing.T) {
	ctx := context.Background()
	broker := pubsub.NewMemoryBroker()
	a := bustest.StartAdapter(t, broker, "process-a")
	b := bustest.StartAdapter(t, broker, "process-b")
	nsA := a.Namespace(domain.NamespacePlayback, bustest.NewTransport())
	nsB := b.Namespace(domain.NamespacePlayback, bustest.NewTransport())

	join := func(join func(context.Context, string, string) error, connect func(context.Context, string), group string) {
		id := uuid.NewString()
		connect(ctx, id)
		require.NoError(t, join(ctx, id, group))
	}
	join(nsA.Join, nsA.Connect, "foo")
	join(nsA.Join, nsA.Connect, "bar")
	join(nsB.Join, nsB.Connect, "foo")

	idle := uuid.NewString()
	nsB.Connect(ctx, idle)

	svc := viewers.NewService(nsA)
	require.Eventually(t, func() bool { return svc.TotalConnections() == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, svc.CountOf("foo"))
	require.Equal(t, []domain.RoomViewers{
		{Username: "foo", Viewers: 2},
		{Username: "bar", Viewers: 1},
	}, svc.ListPublicRooms())
}
