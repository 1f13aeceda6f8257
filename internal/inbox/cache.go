package inbox

import (
	"sync"
	"time"
)

// identityCache remembers inbox-id to chain-address resolutions. A positive
// entry short-circuits forever; a miss is remembered only for negativeTTL so
// a peer that links an address later is picked up on the next lookup.
type identityCache struct {
	mu          sync.Mutex
	now         func() time.Time
	negativeTTL time.Duration
	entries     map[string]identityEntry
}

type identityEntry struct {
	address   string
	resolved  bool
	checkedAt time.Time
}

func newIdentityCache(now func() time.Time, negativeTTL time.Duration) *identityCache {
	return &identityCache{
		now:         now,
		negativeTTL: negativeTTL,
		entries:     make(map[string]identityEntry),
	}
}

// lookup returns the cached address and whether the caller should query the
// network. stale negative entries are treated as absent.
func (c *identityCache) lookup(inboxID string) (address string, resolved bool, shouldQuery bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[inboxID]
	if !ok {
		return "", false, true
	}
	if entry.resolved {
		return entry.address, true, false
	}
	if c.now().Sub(entry.checkedAt) >= c.negativeTTL {
		delete(c.entries, inboxID)
		return "", false, true
	}
	return "", false, false
}

func (c *identityCache) storePositive(inboxID, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[inboxID] = identityEntry{address: address, resolved: true}
}

func (c *identityCache) storeNegative(inboxID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[inboxID] = identityEntry{checkedAt: c.now()}
}

func (c *identityCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]identityEntry)
}
