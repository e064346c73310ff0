package parser

import (
	"sync"

	"github.com/pkg/errors"
)

// Registry maps numeric protocol IDs to dissector factories. Grounded on
// gnet/http/parser_factory.go + factory.go's tcpStreamFactory pattern from
// the teacher, generalized from "one factory per hardcoded protocol" to a
// process-wide map any dissector can self-register into via init().
type Registry struct {
	mu        sync.RWMutex
	factories map[uint32]Factory
	names     map[uint32]string
}

// NewRegistry creates an empty Registry. Most callers use the process-wide
// Default registry instead; NewRegistry exists for tests that want
// isolation from dissectors registered by other packages' init functions.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[uint32]Factory),
		names:     make(map[uint32]string),
	}
}

// Default is the process-wide registry that dissector packages register
// themselves into from init(), mirroring the teacher's package-level
// factory singletons.
var Default = NewRegistry()

// ErrAlreadyRegistered is the error Register panics with (wrapped) when id
// already has a factory, guarding against two dissectors silently
// shadowing each other.
var ErrAlreadyRegistered = errors.New("parser: protocol id already registered")

// Register associates id with factory under name. It panics if id is
// already registered, since double-registration only happens as a result
// of a programming error at package-init time (the same failure mode the
// teacher's factory singletons would hit if instantiated twice).
func (r *Registry) Register(id uint32, name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		panic(errors.Wrapf(ErrAlreadyRegistered, "id=%d name=%s", id, name))
	}
	r.factories[id] = factory
	r.names[id] = name
}

// Lookup returns a fresh Contract instance for id, or ok=false if nothing
// is registered under it.
func (r *Registry) Lookup(id uint32) (Contract, bool) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Name returns the human-readable protocol name registered under id, or ""
// if none.
func (r *Registry) Name(id uint32) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[id]
}

// IDs returns all registered protocol IDs, for diagnostics.
func (r *Registry) IDs() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint32, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}
