// Package respcache memoizes model replies so repeating a request does
// not pay for another completion call. Entries are keyed by a
// fingerprint of the full prompt plus the schema version, so a schema
// change invalidates everything the old schema produced.
package respcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/prompt"
)

const defaultCapacity = 128

type entry struct {
	fingerprint string
	reply       string
	hits        uint64
	createdAt   time.Time
}

// Cache is a fixed-capacity LRU of prompt fingerprints to model replies.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
	hits     uint64
	misses   uint64
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Lookup returns the cached reply for a prompt, if present.
func (c *Cache) Lookup(p prompt.Prompt, schemaVersion string) (string, bool) {
	key := Fingerprint(p, schemaVersion)

	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.index[key]
	if !ok {
		c.misses++
		return "", false
	}
	c.order.MoveToFront(elem)
	c.hits++
	cached := elem.Value.(*entry)
	cached.hits++
	return cached.reply, true
}

// Inspect reports an entry's per-entry hit count and creation time.
func (c *Cache) Inspect(p prompt.Prompt, schemaVersion string) (hits uint64, createdAt time.Time, ok bool) {
	key := Fingerprint(p, schemaVersion)

	c.mu.Lock()
	defer c.mu.Unlock()
	elem, found := c.index[key]
	if !found {
		return 0, time.Time{}, false
	}
	cached := elem.Value.(*entry)
	return cached.hits, cached.createdAt, true
}

// Store records a reply for a prompt, evicting the least recently used
// entry when the cache is full.
func (c *Cache) Store(p prompt.Prompt, schemaVersion, reply string) {
	key := Fingerprint(p, schemaVersion)

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[key]; ok {
		elem.Value.(*entry).reply = reply
		c.order.MoveToFront(elem)
		return
	}
	c.index[key] = c.order.PushFront(&entry{fingerprint: key, reply: reply, createdAt: time.Now().UTC()})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).fingerprint)
	}
}

// Stats reports lifetime hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len reports the number of cached replies.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Fingerprint hashes everything that determines a model reply. Field
// delimiters keep adjacent fields from colliding.
func Fingerprint(p prompt.Prompt, schemaVersion string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", p.Task, schemaVersion, p.System, p.User)
	return hex.EncodeToString(h.Sum(nil))
}
