// Package bustest provides an in-memory transport and adapter helpers for
// tests that drive namespaces without a live WebSocket.
package bustest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/weiawesome/wes-io-live/viewer-service/internal/bus"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
	"github.com/weiawesome/wes-io-live/viewer-service/pkg/pubsub"
)

// Transport records every frame sent to every connection and every
// disconnect request.
type Transport struct {
	mu           sync.Mutex
	frames       map[string][]domain.Envelope
	disconnected map[string]bool
}

// NewTransport creates an empty recording transport.
func NewTransport() *Transport {
	return &Transport{
		frames:       make(map[string][]domain.Envelope),
		disconnected: make(map[string]bool),
	}
}

// Send implements bus.Transport.
func (t *Transport) Send(connID string, frame []byte) bool {
	var env domain.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disconnected[connID] {
		return false
	}
	t.frames[connID] = append(t.frames[connID], env)
	return true
}

// Disconnect marks connID as dropped by the server.
func (t *Transport) Disconnect(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected[connID] = true
}

// Disconnected reports whether Disconnect was called for connID.
func (t *Transport) Disconnected(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnected[connID]
}

// Frames returns a copy of the frames delivered to connID.
func (t *Transport) Frames(connID string) []domain.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Envelope(nil), t.frames[connID]...)
}

// FramesOfType returns the frames of one type delivered to connID.
func (t *Transport) FramesOfType(connID, msgType string) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range t.Frames(connID) {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// Reset forgets every recorded frame.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = make(map[string][]domain.Envelope)
}

// StartAdapter starts an adapter named instanceID on broker and stops it
// when the test ends.
func StartAdapter(t *testing.T, broker *pubsub.MemoryBroker, instanceID string) *bus.Adapter {
	t.Helper()
	return StartAdapterWithConfig(t, broker, bus.Config{
		InstanceID:        instanceID,
		HeartbeatInterval: time.Hour,
	})
}

// StartAdapterWithConfig is StartAdapter with explicit configuration.
func StartAdapterWithConfig(t *testing.T, broker *pubsub.MemoryBroker, cfg bus.Config) *bus.Adapter {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	client := broker.Client()
	a := bus.NewAdapter(client, cfg)
	if err := a.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start adapter %s: %v", cfg.InstanceID, err)
	}
	t.Cleanup(func() {
		cancel()
		<-a.Done()
		client.Close()
	})
	return a
}
