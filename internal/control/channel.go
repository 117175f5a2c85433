// Package control implements the channel namespace used by broadcasters
// and the admin relay that pushes live, event, reload and redirect
// commands to every member of a channel.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/viewer-service/internal/bus"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/viewer-service/pkg/log"
)

// Disconnecter drops a connection from the server side.
type Disconnecter interface {
	Disconnect(connID string)
}

// Config holds control channel configuration.
type Config struct {
	// GracePeriod delays `live false` after a broadcaster disconnect.
	GracePeriod time.Duration
}

// Channel dispatches control frames and admin commands.
type Channel struct {
	ns        *bus.Namespace
	transport Disconnecter
	config    Config

	// Grace period timers for disconnect events
	graceTimers map[string]*time.Timer // channel -> timer
	timersMu    sync.Mutex
}

// NewChannel creates a control channel on ns.
func NewChannel(ns *bus.Namespace, t Disconnecter, cfg Config) *Channel {
	return &Channel{
		ns:          ns,
		transport:   t,
		config:      cfg,
		graceTimers: make(map[string]*time.Timer),
	}
}

// HandleConnect records a new broadcaster connection.
func (c *Channel) HandleConnect(ctx context.Context, connID string) {
	c.ns.Connect(ctx, connID)
}

// HandleMessage dispatches one client frame. Frames that name no channel
// drop the connection and return domain.ErrEmptyChannel.
func (c *Channel) HandleMessage(ctx context.Context, connID string, raw []byte) error {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case domain.MsgTypeJoin, domain.MsgTypeLeave:
		var ref domain.ChannelRef
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ref); err != nil {
				return fmt.Errorf("decode %s: %w", env.Type, err)
			}
		}
		if err := domain.ValidateChannelRef(ref); err != nil {
			c.transport.Disconnect(connID)
			return fmt.Errorf("%s: %w", env.Type, err)
		}
		if env.Type == domain.MsgTypeJoin {
			return c.ns.Join(ctx, connID, ref.Name)
		}
		return c.ns.Leave(ctx, connID, ref.Name)

	case domain.MsgTypeEvent:
		return c.relayEvent(ctx, connID, env.Data)

	default:
		return fmt.Errorf("%q: %w", env.Type, domain.ErrUnknownMessage)
	}
}

// HandleDisconnect removes the connection from every group.
func (c *Channel) HandleDisconnect(ctx context.Context, connID string) {
	groups := c.ns.Disconnect(ctx, connID)
	l := pkglog.Ctx(ctx)
	l.Debug().Str(pkglog.FieldConnID, connID).Strs("groups", groups).Msg("control client disconnected")
}

// relayEvent forwards a peer event to every other member of its channel,
// with the channel name attached.
func (c *Channel) relayEvent(ctx context.Context, connID string, data json.RawMessage) error {
	fields := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
	}

	name := eventChannel(fields)
	if name == "" {
		c.transport.Disconnect(connID)
		return fmt.Errorf("event: %w", domain.ErrEmptyChannel)
	}

	ref, err := json.Marshal(name)
	if err != nil {
		return err
	}
	fields["channel"] = ref

	return c.ns.Emit(ctx, name, domain.MsgTypeEvent, fields, connID)
}

// eventChannel reads the target channel from `channel` (a name or a
// {name} object) or from `name`.
func eventChannel(fields map[string]json.RawMessage) string {
	if raw, ok := fields["channel"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil && name != "" {
			return name
		}
		var ref domain.ChannelRef
		if err := json.Unmarshal(raw, &ref); err == nil && ref.Name != "" {
			return ref.Name
		}
	}
	if raw, ok := fields["name"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			return name
		}
	}
	return ""
}
