// Package names defines the name-resolution collaborator contract: mapping
// human-readable names (for example ENS-style "alice.eth") to chain
// addresses. Resolution internals are out of scope; peermail only consumes
// the lookup.
package names

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNameNotFound is returned when a name has no linked address.
var ErrNameNotFound = errors.New("name not found")

// Resolver maps a human-readable name to a chain address.
type Resolver interface {
	// ResolveName returns the address a name points at, or ErrNameNotFound.
	ResolveName(ctx context.Context, name string) (string, error)
}

// StaticResolver is a fixed-table Resolver for tests and local development.
// Lookups are case-insensitive.
type StaticResolver struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewStaticResolver creates a StaticResolver seeded from entries.
func NewStaticResolver(entries map[string]string) *StaticResolver {
	r := &StaticResolver{entries: make(map[string]string, len(entries))}
	for name, addr := range entries {
		r.entries[normalizeName(name)] = addr
	}
	return r
}

// Register adds or replaces a name mapping.
func (r *StaticResolver) Register(name, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeName(name)] = address
}

// ResolveName implements Resolver.
func (r *StaticResolver) ResolveName(_ context.Context, name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.entries[normalizeName(name)]
	if !ok {
		return "", ErrNameNotFound
	}
	return addr, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
