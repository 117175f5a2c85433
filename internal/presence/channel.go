// Package presence implements the playback namespace: viewers join a
// channel and receive its aggregate viewer count on join and on a
// per-connection timer.
package presence

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

// Config holds presence channel configuration.
type Config struct {
	ReannounceInterval time.Duration
}

const defaultReannounceInterval = 30 * time.Second

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Channel dispatches playback frames for every local connection.
type Channel struct {
	ns        *bus.Namespace
	transport Disconnecter
	config    Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// NewChannel creates a presence channel on ns.
func NewChannel(ns *bus.Namespace, t Disconnecter, cfg Config) *Channel {
	if cfg.ReannounceInterval <= 0 {
		cfg.ReannounceInterval = defaultReannounceInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		ns:        ns,
		transport: t,
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}
}

// HandleConnect registers the session and starts its re-announce timer.
func (c *Channel) HandleConnect(ctx context.Context, connID string) {
	c.mu.Lock()
	if _, ok := c.sessions[connID]; ok {
		c.mu.Unlock()
		return
	}
	sctx, cancel := context.WithCancel(c.ctx)
	s := &session{cancel: cancel, done: make(chan struct{})}
	c.sessions[connID] = s
	c.wg.Add(1)
	c.mu.Unlock()

	c.ns.Connect(ctx, connID)
	go c.reannounce(sctx, connID, s.done)
}

// HandleMessage dispatches one client frame. A frame without a channel
// name drops the connection and returns domain.ErrEmptyChannel.
func (c *Channel) HandleMessage(ctx context.Context, connID string, raw []byte) error {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case domain.MsgTypeJoin, domain.MsgTypeLeave, domain.MsgTypeSetChannel:
	default:
		return fmt.Errorf("%q: %w", env.Type, domain.ErrUnknownMessage)
	}

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

	switch env.Type {
	case domain.MsgTypeJoin:
		return c.join(ctx, connID, ref.Name)
	case domain.MsgTypeLeave:
		return c.ns.Leave(ctx, connID, ref.Name)
	default:
		for _, group := range c.ns.GroupsOf(connID) {
			if group == ref.Name {
				continue
			}
			if err := c.ns.Leave(ctx, connID, group); err != nil {
				return err
			}
		}
		return c.join(ctx, connID, ref.Name)
	}
}

func (c *Channel) join(ctx context.Context, connID, name string) error {
	if err := c.ns.Join(ctx, connID, name); err != nil {
		return err
	}
	return c.ns.EmitTo(connID, domain.MsgTypeViewerCount, domain.ViewerCount{
		Channel: name,
		Viewers: c.ns.Count(name),
	})
}

// HandleDisconnect cancels the session timer and removes the connection
// from every group.
func (c *Channel) HandleDisconnect(ctx context.Context, connID string) {
	c.mu.Lock()
	s, ok := c.sessions[connID]
	delete(c.sessions, connID)
	c.mu.Unlock()

	if ok {
		s.cancel()
		<-s.done
	}

	groups := c.ns.Disconnect(ctx, connID)
	l := pkglog.Ctx(ctx)
	l.Debug().Str(pkglog.FieldConnID, connID).Strs("groups", groups).Msg("playback client disconnected")
}

// Sessions returns the number of live sessions.
func (c *Channel) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Stop cancels every session timer and waits for them to exit.
func (c *Channel) Stop() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.sessions = make(map[string]*session)
	c.mu.Unlock()
}

func (c *Channel) reannounce(ctx context.Context, connID string, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	ticker := time.NewTicker(c.config.ReannounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.announce(connID)
		}
	}
}

// announce sends the current count of every public group of connID.
func (c *Channel) announce(connID string) {
	for _, group := range c.ns.GroupsOf(connID) {
		viewers := c.ns.Count(group)
		if group == connID && viewers == 1 {
			continue
		}
		err := c.ns.EmitTo(connID, domain.MsgTypeViewerCount, domain.ViewerCount{
			Channel: group,
			Viewers: viewers,
		})
		if err != nil {
			l := pkglog.L()
			l.Warn().Err(err).Str(pkglog.FieldConnID, connID).Str(pkglog.FieldChannel, group).Msg("failed to announce viewer count")
		}
	}
}
