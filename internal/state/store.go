// Package state owns the live config objects of the logged-in account: the
// Config Store and the State Manager that loads, mutates and persists them.
package state

import (
	"slices"
	"sync"

	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
)

// Key addresses one config object.
type Key struct {
	Namespace namespace.Namespace
	Identity  string
}

// ConfigStore maps (namespace, identity) to the one live object for it.
// Its own lock only guards the map; mutating an object requires the
// Manager's identity lock.
type ConfigStore struct {
	mu       sync.RWMutex
	objects  map[Key]mergeable.Config
	pushable map[Key]bool
}

// NewConfigStore creates an empty store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		objects:  make(map[Key]mergeable.Config),
		pushable: make(map[Key]bool),
	}
}

// Get returns the object for (ns, identity). It never creates one.
func (s *ConfigStore) Get(ns namespace.Namespace, identity string) (mergeable.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.objects[Key{ns, identity}]
	return c, ok
}

// Set replaces the object for (ns, identity).
func (s *ConfigStore) Set(ns namespace.Namespace, identity string, c mergeable.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[Key{ns, identity}] = c
	s.pushable[Key{ns, identity}] = c.NeedsPush()
}

// Remove drops every object owned by identity.
func (s *ConfigStore) Remove(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.objects {
		if k.Identity == identity {
			delete(s.objects, k)
			delete(s.pushable, k)
		}
	}
}

// Identities returns the identities with at least one object, sorted.
func (s *ConfigStore) Identities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.objects {
		if !slices.Contains(out, k.Identity) {
			out = append(out, k.Identity)
		}
	}
	slices.Sort(out)
	return out
}

// NeedsSync reports whether any object has changes to push. It reads the
// summary recorded at the end of each locked update, so it is safe without
// the identity locks.
func (s *ConfigStore) NeedsSync() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pushable {
		if p {
			return true
		}
	}
	return false
}

// refresh records the push summary of identity's objects. Callers hold the
// identity lock.
func (s *ConfigStore) refresh(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.objects {
		if k.Identity == identity {
			s.pushable[k] = c.NeedsPush()
		}
	}
}

// Len returns the number of live objects.
func (s *ConfigStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
