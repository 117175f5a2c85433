package bus

import (
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/registry"
)

// peer is the mirrored state of one remote process.
type peer struct {
	lastSeen    time.Time
	lastSeq     uint64
	groups      map[string]*registry.Registry  // namespace → membership
	connections map[string]map[string]struct{} // namespace → conn ids
}

func newPeer(now time.Time) *peer {
	return &peer{
		lastSeen:    now,
		groups:      make(map[string]*registry.Registry),
		connections: make(map[string]map[string]struct{}),
	}
}

func (p *peer) registry(namespace string) *registry.Registry {
	r, ok := p.groups[namespace]
	if !ok {
		r = registry.New()
		p.groups[namespace] = r
	}
	return r
}

func (p *peer) conns(namespace string) map[string]struct{} {
	c, ok := p.connections[namespace]
	if !ok {
		c = make(map[string]struct{})
		p.connections[namespace] = c
	}
	return c
}

// shadow holds what this process knows about every other process. It is
// only read for aggregate counting, never for delivery.
type shadow struct {
	mu    sync.RWMutex
	peers map[string]*peer // origin → state
	now   func() time.Time
}

func newShadow() *shadow {
	return &shadow{
		peers: make(map[string]*peer),
		now:   time.Now,
	}
}

// observe records event seq from origin. It reports whether origin was
// already known and whether events were lost since the previous one.
func (s *shadow) observe(origin string, seq uint64) (known, gap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[origin]
	if !ok {
		p = newPeer(s.now())
		p.lastSeq = seq
		s.peers[origin] = p
		return false, false
	}
	p.lastSeen = s.now()
	if seq == 0 {
		return true, false
	}
	gap = p.lastSeq != 0 && seq != p.lastSeq+1
	p.lastSeq = seq
	return true, gap
}

func (s *shadow) peer(origin string) *peer {
	p, ok := s.peers[origin]
	if !ok {
		p = newPeer(s.now())
		s.peers[origin] = p
	}
	return p
}

func (s *shadow) apply(origin, op string, d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.peer(origin)
	switch op {
	case OpConnect:
		p.conns(d.Namespace)[d.ConnID] = struct{}{}
	case OpDisconnect:
		p.registry(d.Namespace).LeaveAll(d.ConnID)
		delete(p.conns(d.Namespace), d.ConnID)
	case OpJoin:
		p.conns(d.Namespace)[d.ConnID] = struct{}{}
		p.registry(d.Namespace).Join(d.ConnID, d.Group)
	case OpLeave:
		p.registry(d.Namespace).Leave(d.ConnID, d.Group)
	}
}

// replace swaps the state of origin for snap, published as event seq.
func (s *shadow) replace(origin string, snap Snapshot, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := newPeer(s.now())
	p.lastSeq = seq
	for namespace, state := range snap.Namespaces {
		p.registry(namespace).Replace(state.Groups)
		conns := p.conns(namespace)
		for _, connID := range state.Connections {
			conns[connID] = struct{}{}
		}
	}
	s.peers[origin] = p
}

func (s *shadow) drop(origin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.peers[origin]
	delete(s.peers, origin)
	return ok
}

// expire drops every peer silent for longer than timeout and returns them.
func (s *shadow) expire(timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-timeout)
	var expired []string
	for origin, p := range s.peers {
		if p.lastSeen.Before(cutoff) {
			expired = append(expired, origin)
			delete(s.peers, origin)
		}
	}
	return expired
}

func (s *shadow) origins() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Keys(s.peers)
}

// members collects the remote members of group into into.
func (s *shadow) members(namespace, group string, into map[string]struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.peers {
		r, ok := p.groups[namespace]
		if !ok {
			continue
		}
		for _, connID := range r.Members(group) {
			into[connID] = struct{}{}
		}
	}
}

// rooms merges every remote group of namespace into into.
func (s *shadow) rooms(namespace string, into map[string]map[string]struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.peers {
		r, ok := p.groups[namespace]
		if !ok {
			continue
		}
		for group, members := range r.Groups() {
			if _, ok := into[group]; !ok {
				into[group] = make(map[string]struct{}, len(members))
			}
			for _, connID := range members {
				into[group][connID] = struct{}{}
			}
		}
	}
}

// connections merges every remote connection of namespace into into.
func (s *shadow) connections(namespace string, into map[string]struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.peers {
		for connID := range p.connections[namespace] {
			into[connID] = struct{}{}
		}
	}
}
