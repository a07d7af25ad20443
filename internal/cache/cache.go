// Package cache implements the dispatcher-owned, owner-name-keyed
// answer cache.
package cache

import (
	"strings"
	"time"

	"github.com/poyrazK/dnsproxy/internal/wire"
)

// entry is the cache's per-name slot: an ordered list of records and
// the monotonic time the entry was created.
type entry struct {
	records     []wire.ResourceRecord
	committedAt time.Time
}

// Cache maps an owner name to its accumulated resource records. It is
// not thread-safe and must only be touched from the dispatcher's
// single thread.
type Cache struct {
	entries map[string]*entry
	now     func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// Get returns the live (non-expired) records for name, applying lazy
// TTL eviction: any record whose committedAt+ttl has passed is dropped
// before the result is returned. If every record in the entry expired,
// the entry itself is removed.
func (c *Cache) Get(name string) []wire.ResourceRecord {
	key := canonical(name)
	e, ok := c.entries[key]
	if !ok {
		return nil
	}

	now := c.now()
	live := e.records[:0:0]
	for _, r := range e.records {
		if !expired(r, e.committedAt, now) {
			live = append(live, r)
		}
	}

	if len(live) == 0 {
		delete(c.entries, key)
		return nil
	}
	if len(live) != len(e.records) {
		e.records = live
	}
	return e.records
}

func expired(r wire.ResourceRecord, committedAt, now time.Time) bool {
	ttl := r.TTL
	if ttl < 0 {
		ttl = 0
	}
	return committedAt.Add(time.Duration(ttl) * time.Second).Before(now)
}

// Add appends record to name's entry, creating the entry (timestamped
// with the current monotonic time) if this is the first insert for
// that name.
func (c *Cache) Add(name string, record wire.ResourceRecord) {
	key := canonical(name)
	e, ok := c.entries[key]
	if !ok {
		e = &entry{committedAt: c.now()}
		c.entries[key] = e
	}
	e.records = append(e.records, record)
}

// Hit reports whether q has at least one matching cached record,
// under the strict per-type precision rule: the record's type must
// equal q's type, or q's type must be ALL.
func (c *Cache) Hit(q wire.Question) bool {
	for _, r := range c.Get(q.Name) {
		if r.Type == q.Type || q.Type == wire.TypeALL {
			return true
		}
	}
	return false
}

// Answers returns the cached records matching q, in cache order, for
// use by the response builder's cache-hit path.
func (c *Cache) Answers(q wire.Question) []wire.ResourceRecord {
	var out []wire.ResourceRecord
	for _, r := range c.Get(q.Name) {
		if r.Type == q.Type || q.Type == wire.TypeALL {
			out = append(out, r)
		}
	}
	return out
}
