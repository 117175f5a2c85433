package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/kafka"
	pkglog "github.com/weiawesome/wes-io-live/viewer-service/pkg/log"
)

// Relay validates an admin command and multicasts it into the named
// channel on every process. Invalid commands emit nothing. A bus publish
// error is returned after local members were already served, so only
// other processes missed the command.
func (c *Channel) Relay(ctx context.Context, req *domain.AdminRequest) error {
	if err := domain.ValidateAdminRequest(req); err != nil {
		return err
	}

	var (
		msgType string
		payload interface{}
	)
	switch req.Action {
	case domain.ActionLive:
		live := false
		if req.Live != nil {
			live = *req.Live
		}
		msgType, payload = domain.MsgTypeLive, live

	case domain.ActionEvent:
		if !hasMessage(req.Event) {
			return domain.ErrMissingEventMessage
		}
		msgType = domain.MsgTypeEvent
		payload = domain.ChannelEvent{
			Channel: domain.ChannelRef{Name: req.Name},
			Event:   req.Event,
		}

	case domain.ActionReload:
		msgType = domain.MsgTypeReload

	case domain.ActionRedirect:
		if req.URL == "" {
			return domain.ErrMissingURL
		}
		msgType, payload = domain.MsgTypeRedirect, req.URL

	default:
		return fmt.Errorf("%q: %w", req.Action, domain.ErrUnknownAction)
	}

	l := pkglog.Ctx(ctx)
	l.Info().
		Str(pkglog.FieldLogType, pkglog.LogTypeAudit).
		Str(pkglog.FieldAction, req.Action).
		Str(pkglog.FieldChannel, req.Name).
		Msg("admin command relayed")

	return c.ns.Emit(ctx, req.Name, msgType, payload, "")
}

// hasMessage reports whether an admin event carries a non-empty message.
func hasMessage(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var event struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return false
	}
	switch string(event.Message) {
	case "", "null", `""`:
		return false
	}
	return true
}

// HandleBroadcastEvent turns a broadcast state change into a live command
// for the broadcaster's channel.
func (c *Channel) HandleBroadcastEvent(ctx context.Context, event *kafka.BroadcastEvent) error {
	switch event.Type {
	case kafka.EventBroadcastStarted:
		c.cancelGracePeriod(event.RoomID)
		return c.setLive(ctx, event.RoomID, true)

	case kafka.EventBroadcastStopped:
		if event.Reason == kafka.ReasonDisconnect && c.config.GracePeriod > 0 {
			c.startGracePeriod(event.RoomID)
			return nil
		}
		c.cancelGracePeriod(event.RoomID)
		return c.setLive(ctx, event.RoomID, false)

	default:
		l := pkglog.L()
		l.Warn().Str(pkglog.FieldEvent, event.Type).Msg("unknown broadcast event type")
		return nil
	}
}

func (c *Channel) setLive(ctx context.Context, name string, live bool) error {
	return c.Relay(ctx, &domain.AdminRequest{
		Name:   name,
		Action: domain.ActionLive,
		Live:   &live,
	})
}

func (c *Channel) startGracePeriod(name string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if timer, ok := c.graceTimers[name]; ok {
		timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(c.config.GracePeriod, func() {
		c.timersMu.Lock()
		if c.graceTimers[name] != timer {
			c.timersMu.Unlock()
			return
		}
		delete(c.graceTimers, name)
		c.timersMu.Unlock()

		if err := c.setLive(context.Background(), name, false); err != nil {
			l := pkglog.L()
			l.Warn().Err(err).Str(pkglog.FieldChannel, name).Msg("failed to mark channel offline after grace period")
		}
	})
	c.graceTimers[name] = timer
}

func (c *Channel) cancelGracePeriod(name string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if timer, ok := c.graceTimers[name]; ok {
		timer.Stop()
		delete(c.graceTimers, name)
	}
}

// Stop cancels pending grace period timers.
func (c *Channel) Stop() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	for name, timer := range c.graceTimers {
		timer.Stop()
		delete(c.graceTimers, name)
	}
}
