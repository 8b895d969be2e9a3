package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/PeerPigeon/PigeonNS/pkg/list"
)

// DefaultCapacity is used when a Cache is created with a non-positive size.
const DefaultCapacity = 1000

// Entry is a cached address record. An entry is usable iff
// time.Now() is before ExpiresAt. Expired entries stay in the cache
// until they are overwritten or evicted.
type Entry struct {
	Address   string
	ExpiresAt time.Time
}

// SnapshotEntry is a diagnostic view of an Entry with the remaining
// TTL in whole seconds.
type SnapshotEntry struct {
	Address string `json:"address"`
	TTL     uint32 `json:"ttl"`
}

type kv struct {
	key string
	e   Entry
}

// Cache is a bounded key -> Entry map with FIFO eviction.
//
// When an insertion of a new key would exceed the capacity, the
// oldest inserted key still present is evicted, no matter its
// remaining TTL. Overwriting an existing key refreshes its value but
// keeps its original position in the eviction order.
type Cache struct {
	capacity int
	onEvict  func(key string)

	mu sync.Mutex
	l  *list.List[kv]
	m  map[string]*list.Elem[kv]
}

// New creates a Cache holding at most capacity entries. onEvict, if
// not nil, is called with the evicted key whenever capacity pressure
// removes an entry.
func New(capacity int, onEvict func(key string)) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		onEvict:  onEvict,
		l:        list.New[kv](),
		m:        make(map[string]*list.Elem[kv], capacity),
	}
}

// Get returns the entry stored under key. It has no side effects and
// returns expired entries as-is; the caller checks freshness.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[key]
	if !ok {
		return Entry{}, false
	}
	return e.Value.e, true
}

// Put stores address under key for ttl. An existing key is
// overwritten in place.
func (c *Cache) Put(key, address string, ttl time.Duration) {
	ent := Entry{
		Address:   address,
		ExpiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.m[key]; ok {
		e.Value.e = ent
		return
	}

	// Reuse the oldest element if full (zero allocation path).
	if c.l.Len() >= c.capacity {
		e := c.l.Front()
		delete(c.m, e.Value.key)
		if c.onEvict != nil {
			c.onEvict(e.Value.key)
		}

		c.l.PopElem(e)
		e.Value.key = key
		e.Value.e = ent
		c.m[key] = e
		c.l.PushBack(e)
		return
	}

	e := list.NewElem(kv{key: key, e: ent})
	c.m[key] = e
	c.l.PushBack(e)
}

// Del removes key if present.
func (c *Cache) Del(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.m[key]; ok {
		delete(c.m, key)
		c.l.PopElem(e)
	}
}

// Clear removes all entries unconditionally.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.l = list.New[kv]()
	c.m = make(map[string]*list.Elem[kv], c.capacity)
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l.Len()
}

// Snapshot returns a copy of the cache content for diagnostics. The
// TTL of entries that already expired is clamped to 0.
func (c *Cache) Snapshot() map[string]SnapshotEntry {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := make(map[string]SnapshotEntry, c.l.Len())
	for e := c.l.Front(); e != nil; e = e.Next() {
		var ttl uint32
		if d := e.Value.e.ExpiresAt.Sub(now); d > 0 {
			ttl = uint32(d / time.Second)
		}
		s[e.Value.key] = SnapshotEntry{
			Address: e.Value.e.Address,
			TTL:     ttl,
		}
	}
	return s
}

func (c *Cache) String() string {
	return fmt.Sprintf("cache: %d/%d entries", c.Len(), c.capacity)
}
