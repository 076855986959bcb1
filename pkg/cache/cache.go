package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	defaultNumBuckets = 256
)

type entry[V any] struct {
	value V
	// when the entry was written. Used for expiry only
	writtenAt time.Time
}

type bucket[V any] struct {
	data map[string]entry[V]
	mu   sync.RWMutex
}

// TTLCache maps a string key to a value of type V. Every entry lives for the
// same ttl, counted from the last Set on its key. Expiry is lazy: a stale
// entry is dropped by the first Get that sees it, there is no sweeper.
//
// The key space is spread over buckets (xxhash of the key) each one
// with its own lock, so the cache is safe for concurrent use.
type TTLCache[V any] struct {
	buckets []*bucket[V]
	ttl     time.Duration

	now      func() time.Time
	observer Observer
}

// New builds a cache whose entries live for ttl
func New[V any](ttl time.Duration, opts ...Option) *TTLCache[V] {
	o := &options{
		numBuckets: defaultNumBuckets,
		now:        time.Now,
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}

	c := &TTLCache[V]{
		buckets:  make([]*bucket[V], o.numBuckets),
		ttl:      ttl,
		now:      o.now,
		observer: o.observer,
	}
	for i := range c.buckets {
		c.buckets[i] = &bucket[V]{
			data: make(map[string]entry[V]),
		}
	}
	return c
}

func (c *TTLCache[V]) getBucket(key string) *bucket[V] {
	h := xxhash.Sum64String(key)
	return c.buckets[h%uint64(len(c.buckets))]
}

func (c *TTLCache[V]) expired(e entry[V]) bool {
	return c.now().Sub(e.writtenAt) > c.ttl
}

// TTL returns the time to live shared by all the entries
func (c *TTLCache[V]) TTL() time.Duration {
	return c.ttl
}

// Set inserts or replaces the value for key, resetting its write time.
func (c *TTLCache[V]) Set(key string, value V) {
	b := c.getBucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[key] = entry[V]{
		value:     value,
		writtenAt: c.now(),
	}
}

// Get returns the value stored for key if it was written no more than ttl
// ago. An expired entry is removed from the cache and reported as absent.
// The value is returned as stored, no copy is made.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	b := c.getBucket(key)

	b.mu.RLock()
	e, ok := b.data[key]
	b.mu.RUnlock()

	if !ok {
		c.observer.Miss()
		return zero, false
	}
	if !c.expired(e) {
		c.observer.Hit()
		return e.value, true
	}

	// the entry could have been replaced between the two locks, so look
	// again before deleting
	b.mu.Lock()
	e, ok = b.data[key]
	if ok && c.expired(e) {
		delete(b.data, key)
		b.mu.Unlock()

		log.Debug().Msgf("[cache] expired %s", key)
		c.observer.Expire()
		c.observer.Miss()
		return zero, false
	}
	b.mu.Unlock()

	if !ok {
		c.observer.Miss()
		return zero, false
	}
	c.observer.Hit()
	return e.value, true
}

// Invalidate drops the entry for key. It is a no-op if key is not there.
func (c *TTLCache[V]) Invalidate(key string) {
	b := c.getBucket(key)

	b.mu.Lock()
	_, ok := b.data[key]
	delete(b.data, key)
	b.mu.Unlock()

	if ok {
		log.Debug().Msgf("[cache] invalidated %s", key)
		c.observer.Invalidate()
	}
}

// Clear drops every entry
func (c *TTLCache[V]) Clear() {
	total := 0
	for _, b := range c.buckets {
		b.mu.Lock()
		total += len(b.data)
		b.data = make(map[string]entry[V])
		b.mu.Unlock()
	}
	log.Debug().Msgf("[cache] cleared %d items", total)
	c.observer.Clear()
}

// Len returns the number of stored entries. Expired entries that nobody
// read yet are still counted.
func (c *TTLCache[V]) Len() int {
	total := 0
	for _, b := range c.buckets {
		b.mu.RLock()
		total += len(b.data)
		b.mu.RUnlock()
	}
	return total
}

// Keys returns a sorted snapshot of the stored keys
func (c *TTLCache[V]) Keys() []string {
	keys := make([]string, 0)
	for _, b := range c.buckets {
		b.mu.RLock()
		keys = append(keys, maps.Keys(b.data)...)
		b.mu.RUnlock()
	}
	slices.Sort(keys)
	return keys
}
