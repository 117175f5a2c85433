// Package registry keeps the local group membership of one process:
// group name → connection ids and the inverse connection id → groups.
package registry

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

type set map[string]struct{}

// Registry is safe for concurrent use. Callers validate group names.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]set // group → conn ids
	conns  map[string]set // conn id → groups
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		groups: make(map[string]set),
		conns:  make(map[string]set),
	}
}

// Join adds connID to group. It reports whether membership changed.
func (r *Registry) Join(connID, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[group][connID]; ok {
		return false
	}
	if _, ok := r.groups[group]; !ok {
		r.groups[group] = make(set)
	}
	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = make(set)
	}
	r.groups[group][connID] = struct{}{}
	r.conns[connID][group] = struct{}{}
	return true
}

// Leave removes connID from group. It reports whether membership changed.
func (r *Registry) Leave(connID, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(connID, group)
}

// LeaveAll removes connID from every group and returns those groups.
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := sortedKeys(r.conns[connID])
	for _, group := range groups {
		r.leaveLocked(connID, group)
	}
	return groups
}

func (r *Registry) leaveLocked(connID, group string) bool {
	members, ok := r.groups[group]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
	delete(r.conns[connID], group)
	if len(r.conns[connID]) == 0 {
		delete(r.conns, connID)
	}
	return true
}

// Members returns the connection ids joined to group, sorted.
func (r *Registry) Members(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedKeys(r.groups[group])
}

// Count returns the number of connections joined to group.
func (r *Registry) Count(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.groups[group])
}

// GroupsOf returns the groups connID is joined to, sorted.
func (r *Registry) GroupsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedKeys(r.conns[connID])
}

// Has reports whether connID is joined to group.
func (r *Registry) Has(connID, group string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.groups[group][connID]
	return ok
}

// Groups returns a copy of the whole membership table.
func (r *Registry) Groups() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapValues(r.groups, func(members set, _ string) []string {
		return sortedKeys(members)
	})
}

// Replace swaps the whole table for groups. Used to load a peer snapshot.
func (r *Registry) Replace(groups map[string][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.groups = make(map[string]set, len(groups))
	r.conns = make(map[string]set)
	for group, members := range groups {
		if group == "" || len(members) == 0 {
			continue
		}
		r.groups[group] = make(set, len(members))
		for _, connID := range members {
			r.groups[group][connID] = struct{}{}
			if _, ok := r.conns[connID]; !ok {
				r.conns[connID] = make(set)
			}
			r.conns[connID][group] = struct{}{}
		}
	}
}

func sortedKeys(s set) []string {
	keys := lo.Keys(s)
	slices.Sort(keys)
	return keys
}
