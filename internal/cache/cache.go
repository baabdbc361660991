// Package cache holds decoded timestep geometry in memory so that revisiting
// a step does not reload it from the store.
package cache

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kilupskalvis/stepstore/internal/models"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepstore_cache_hits_total",
		Help: "Timestep restores served from the cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepstore_cache_misses_total",
		Help: "Timestep restores that had to load from the store",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepstore_cache_evictions_total",
		Help: "Timesteps dropped from the cache to make room",
	})
	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stepstore_cache_entries",
		Help: "Timesteps currently resident in the cache",
	})
)

// State is the residency of one timestep
type State int

const (
	Unloaded State = iota // never cached, or explicitly cleared
	Cached
	Evicted // was cached, dropped to make room
)

func (s State) String() string {
	switch s {
	case Cached:
		return "cached"
	case Evicted:
		return "evicted"
	}
	return "unloaded"
}

type entry struct {
	geom  models.GeometrySet
	bytes int64
}

// Cache is a bounded map from timestep index to decoded geometry.
// When full it evicts the least recently used step that is not adjacent to
// the current step, falling back to the least recently used step.
type Cache struct {
	mu       sync.Mutex
	capacity int
	maxBytes int64
	bytes    int64
	lru      *lru.Cache[int, *entry]
	evicted  map[int]bool
	logger   *slog.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithMaxBytes bounds the total raw payload size held. Zero means no bound.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) { c.maxBytes = n }
}

// WithLogger sets the logger used for eviction messages
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a cache holding up to capacity timesteps. A capacity of zero
// or less disables caching.
func New(capacity int, opts ...Option) *Cache {
	c := &Cache{capacity: capacity, evicted: make(map[int]bool), logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "cache"))
	if capacity > 0 {
		// Sized one above capacity so the library never evicts on its own
		c.lru, _ = lru.New[int, *entry](capacity + 1)
	}
	return c
}

// Enabled reports whether the cache holds anything at all
func (c *Cache) Enabled() bool { return c != nil && c.lru != nil }

// Capacity returns the maximum number of cached timesteps
func (c *Cache) Capacity() int { return c.capacity }

// Store caches the geometry of timestep idx. now is the current timestep
// index, used to protect its neighbours from eviction. The cache takes
// ownership of geom.
func (c *Cache) Store(idx, now int, geom models.GeometrySet) {
	if !c.Enabled() || geom == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{geom: geom, bytes: int64(geom.SizeBytes())}
	if old, ok := c.lru.Peek(idx); ok {
		c.bytes -= old.bytes
		c.lru.Remove(idx)
	}
	for c.lru.Len() > 0 && (c.lru.Len() >= c.capacity || c.overBudget(e.bytes)) {
		c.evictOne(now)
	}

	c.lru.Add(idx, e)
	c.bytes += e.bytes
	delete(c.evicted, idx)
	cacheEntries.Set(float64(c.lru.Len()))
	c.logger.Debug("cached timestep", "index", idx, "bytes", e.bytes, "entries", c.lru.Len())
}

func (c *Cache) overBudget(incoming int64) bool {
	return c.maxBytes > 0 && c.bytes+incoming > c.maxBytes
}

// evictOne drops the least recently used step not adjacent to now
func (c *Cache) evictOne(now int) {
	keys := c.lru.Keys() // oldest first
	victim := keys[0]
	for _, k := range keys {
		if k < now-1 || k > now+1 {
			victim = k
			break
		}
	}
	if e, ok := c.lru.Peek(victim); ok {
		c.bytes -= e.bytes
	}
	c.lru.Remove(victim)
	c.evicted[victim] = true
	cacheEvictions.Inc()
	c.logger.Debug("evicted timestep", "index", victim, "now", now)
}

// Restore returns the cached geometry of timestep idx. The entry stays
// cached and becomes the most recently used.
func (c *Cache) Restore(idx int) (models.GeometrySet, bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(idx)
	if !ok {
		cacheMisses.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return e.geom, true
}

// Clear drops timestep idx, returning it to the unloaded state
func (c *Cache) Clear(idx int) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Peek(idx); ok {
		c.bytes -= e.bytes
		c.lru.Remove(idx)
	}
	delete(c.evicted, idx)
	cacheEntries.Set(float64(c.lru.Len()))
}

// Purge drops every cached timestep
func (c *Cache) Purge() {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.bytes = 0
	c.evicted = make(map[int]bool)
	cacheEntries.Set(0)
}

// State reports the residency of timestep idx
func (c *Cache) State(idx int) State {
	if !c.Enabled() {
		return Unloaded
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Contains(idx) {
		return Cached
	}
	if c.evicted[idx] {
		return Evicted
	}
	return Unloaded
}

// Len returns the number of cached timesteps
func (c *Cache) Len() int {
	if !c.Enabled() {
		return 0
	}
	return c.lru.Len()
}

// Bytes returns the raw payload size of all cached geometry
func (c *Cache) Bytes() int64 {
	if !c.Enabled() {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Indices returns the cached timestep indices, least recently used first
func (c *Cache) Indices() []int {
	if !c.Enabled() {
		return nil
	}
	return c.lru.Keys()
}
