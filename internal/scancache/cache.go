// Package scancache holds the most recent wireless scan for the portal.
//
// The scan-complete handler is the only writer; portal requests read
// copies. Both take the same mutex, so a reader sees either the previous
// scan or the new one in full.
package scancache

import (
	"sync"

	"github.com/strct-org/strct-provision/internal/wifi"
)

// Capacity is the number of networks kept from one scan. Extra records
// are dropped.
const Capacity = 20

type Cache struct {
	mu      sync.Mutex
	entries [Capacity]wifi.Network
	count   int
}

func New() *Cache {
	return &Cache{}
}

// Update replaces the cached scan with up to Capacity records, keeping the
// order the driver reported.
func (c *Cache) Update(records []wifi.Network) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count = copy(c.entries[:], records)
}

// Reset empties the cache. It is called when a new scan is started.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.count = 0
	c.mu.Unlock()
}

// Snapshot returns a copy of the cached networks. The returned slice is
// never nil.
func (c *Cache) Snapshot() []wifi.Network {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]wifi.Network, c.count)
	copy(out, c.entries[:c.count])
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
