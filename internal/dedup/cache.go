// Package dedup remembers which gossip fingerprints a node has already seen,
// so a message is forwarded at most once per retention window.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"gossipnet/internal/wire"
)

type entry struct {
	fp     wire.Fingerprint
	seenAt time.Time
}

// Cache is a set of seen fingerprints with optional TTL and capacity bounds.
// With both bounds at zero it grows without limit. When bounded, the least
// recently observed fingerprint is evicted first; an evicted fingerprint that
// shows up again counts as new, which costs one duplicate rebroadcast.
type Cache struct {
	mu       sync.Mutex
	seen     map[wire.Fingerprint]*list.Element
	ll       *list.List // front = most recent
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// New creates a cache. ttl <= 0 disables expiry; capacity <= 0 disables the size bound.
func New(ttl time.Duration, capacity int) *Cache {
	return &Cache{
		seen:     make(map[wire.Fingerprint]*list.Element),
		ll:       list.New(),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// Observe records fp and reports whether this is its first sighting.
// Check and insert happen under one lock, so among concurrent callers with
// the same fingerprint exactly one sees true.
func (c *Cache) Observe(fp wire.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)

	if el, ok := c.seen[fp]; ok {
		el.Value.(*entry).seenAt = now
		c.ll.MoveToFront(el)
		return false
	}

	el := c.ll.PushFront(&entry{fp: fp, seenAt: now})
	c.seen[fp] = el
	c.evictIfNeeded()
	return true
}

// Seen reports whether fp is currently remembered, without recording it.
func (c *Cache) Seen(fp wire.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expire(c.now())
	_, ok := c.seen[fp]
	return ok
}

// Len returns the number of remembered fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// expire drops entries older than ttl, oldest first (must be called with lock held).
func (c *Cache) expire(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for el := c.ll.Back(); el != nil; el = c.ll.Back() {
		if now.Sub(el.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeElement(el)
	}
}

func (c *Cache) evictIfNeeded() {
	if c.capacity <= 0 {
		return
	}
	for len(c.seen) > c.capacity && c.ll.Back() != nil {
		c.removeElement(c.ll.Back())
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.seen, e.fp)
	c.ll.Remove(el)
}
