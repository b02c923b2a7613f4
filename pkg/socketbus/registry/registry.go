// Package registry tracks live connections partitioned by transport kind.
package registry

import (
	"sync"
)

// Registry holds one ordered list of members per kind. Members are compared
// by identity (==), so pointer-backed values are expected.
//
// A member is added once, when its connection is accepted; Add does not
// check for duplicates.
type Registry[K comparable, C comparable] struct {
	mu      sync.RWMutex
	members map[K][]C
}

func New[K comparable, C comparable]() *Registry[K, C] {
	return &Registry[K, C]{
		members: make(map[K][]C),
	}
}

// Add appends c to the list for kind.
func (r *Registry[K, C]) Add(kind K, c C) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[kind] = append(r.members[kind], c)
}

// Remove deletes c from the list for kind and reports whether it was there.
// Removing an absent member is a no-op.
func (r *Registry[K, C]) Remove(kind K, c C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.members[kind]
	for i, m := range list {
		if m == c {
			// Preserve order for the remaining members.
			r.members[kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether c is registered under kind.
func (r *Registry[K, C]) Contains(kind K, c C) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members[kind] {
		if m == c {
			return true
		}
	}
	return false
}

func (r *Registry[K, C]) Len(kind K) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[kind])
}

// Snapshot returns a copy of the members registered under kind, in
// registration order.
func (r *Registry[K, C]) Snapshot(kind K) []C {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]C, len(r.members[kind]))
	copy(out, r.members[kind])
	return out
}
