// Package cache provides a bounded TTL cache for agent answers.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Stats reports cache effectiveness.
type Stats struct {
	Enabled       bool    `json:"enabled"`
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	HitRate       float64 `json:"hit_rate"`
	TotalRequests int64   `json:"total_requests"`
	TTLSeconds    int64   `json:"ttl_seconds"`
}

type entry struct {
	value     string
	createdAt time.Time
	expiresAt time.Time
}

// ResultCache stores answers keyed by query. When full, the oldest entry is evicted.
type ResultCache struct {
	mu        sync.Mutex
	entries   map[string]entry
	ttl       time.Duration
	maxSize   int
	enabled   bool
	hits      int64
	misses    int64
	evictions int64
	now       func() time.Time
}

// New creates a cache. A disabled cache never stores anything but still reports stats.
func New(enabled bool, ttl time.Duration, maxSize int) *ResultCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResultCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		maxSize: maxSize,
		enabled: enabled,
		now:     time.Now,
	}
}

// Key builds a stable cache key from a namespace and a query.
// Queries are compared case-insensitively with collapsed whitespace.
func Key(namespace, query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha256.Sum256([]byte(namespace + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached value for key if it is present and not expired.
func (c *ResultCache) Get(key string) (string, bool) {
	if !c.enabled {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return "", false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key.
func (c *ResultCache) Set(key, value string) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = entry{value: value, createdAt: now, expiresAt: now.Add(c.ttl)}
}

func (c *ResultCache) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, e := range c.entries {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Clear drops every entry. Counters are kept.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Stats returns a snapshot of cache counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Enabled:       c.enabled,
		Size:          len(c.entries),
		MaxSize:       c.maxSize,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		HitRate:       rate,
		TotalRequests: total,
		TTLSeconds:    int64(c.ttl.Seconds()),
	}
}
