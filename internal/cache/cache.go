// Package cache implements the TTL result cache shared by all sources, with
// hit/miss accounting and snapshot persistence through a Snapshotter.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/hash/sha256"
	"github.com/JakeFAU/venue-enrichment/internal/metrics"
)

const snapshotVersion = 1

var (
	// ErrNoSnapshot is returned by a Snapshotter when nothing was saved yet.
	ErrNoSnapshot = errors.New("cache snapshot not found")
	// ErrPersistence wraps snapshot save and backend read failures.
	ErrPersistence = errors.New("cache persistence failed")
)

// Snapshotter stores the serialized cache.
type Snapshotter interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Entry is one cached payload.
type Entry struct {
	Key       string         `json:"key"`
	Value     enrich.Payload `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
	TTL       time.Duration  `json:"ttl"`
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

type snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Entries []Entry   `json:"entries"`
}

// Stats summarizes cache usage since the last Clear.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Expired int64   `json:"expired"`
	Saves   int64   `json:"saves"`
	Loads   int64   `json:"loads"`
	HitRate float64 `json:"hit_rate"`
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHasher overrides the key hasher.
func WithHasher(h enrich.Hasher) Option {
	return func(c *Cache) {
		if h != nil {
			c.hasher = h
		}
	}
}

// WithSnapshotter enables Save and Load.
func WithSnapshotter(s Snapshotter) Option {
	return func(c *Cache) {
		c.snap = s
	}
}

// Cache maps keys to payloads with a per-entry TTL. Stored payloads are
// treated as immutable once set.
type Cache struct {
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
	hasher enrich.Hasher
	snap   Snapshotter

	mu      sync.Mutex
	entries map[string]Entry
	hits    int64
	misses  int64
	expired int64
	saves   int64
	loads   int64
}

// New creates a Cache whose entries default to ttl.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		logger:  zap.NewNop(),
		hasher:  sha256.New(),
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the cache key for source and item.
func (c *Cache) Key(source string, item enrich.WorkItem) (string, error) {
	key, err := c.hasher.Hash([]byte(source + "|" + item.NaturalKey()))
	if err != nil {
		return "", fmt.Errorf("hash cache key: %w", err)
	}
	return key, nil
}

// Get returns the payload for key when present and not expired. A lapsed
// entry is evicted and counted as expired once.
func (c *Cache) Get(key string) (enrich.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (enrich.Payload, bool) {
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		metrics.ObserveCache("miss")
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		c.expired++
		c.misses++
		metrics.ObserveCache("expired")
		return nil, false
	}
	c.hits++
	metrics.ObserveCache("hit")
	return e.Value, true
}

// Set stores value under key; ttl <= 0 uses the cache default.
func (c *Cache) Set(key string, value enrich.Payload, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *Cache) setLocked(key string, value enrich.Payload, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.entries[key] = Entry{Key: key, Value: value, CreatedAt: c.now(), TTL: ttl}
}

// BatchGet returns the live entries among keys.
func (c *Cache) BatchGet(keys []string) map[string]enrich.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]enrich.Payload, len(keys))
	for _, k := range keys {
		if v, ok := c.getLocked(k); ok {
			out[k] = v
		}
	}
	return out
}

// BatchSet stores every value with the same ttl.
func (c *Cache) BatchSet(values map[string]enrich.Payload, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.setLocked(k, v, ttl)
	}
}

// CleanupExpired evicts lapsed entries and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Clear drops all entries and resets the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	c.hits, c.misses, c.expired, c.saves, c.loads = 0, 0, 0, 0, 0
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:    len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
		Expired: c.expired,
		Saves:   c.saves,
		Loads:   c.loads,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Save writes a snapshot. The copy is taken under the lock; encoding and I/O
// happen outside it.
func (c *Cache) Save(ctx context.Context) error {
	if c.snap == nil {
		return nil
	}
	c.mu.Lock()
	snap := snapshot{Version: snapshotVersion, SavedAt: c.now(), Entries: make([]Entry, 0, len(c.entries))}
	for _, e := range c.entries {
		snap.Entries = append(snap.Entries, e)
	}
	c.mu.Unlock()
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Key < snap.Entries[j].Key })

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %w", ErrPersistence, err)
	}
	if err := c.snap.Save(ctx, data); err != nil {
		c.logger.Error("cache snapshot save failed", zap.Int("entries", len(snap.Entries)), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	c.logger.Debug("cache snapshot saved", zap.Int("entries", len(snap.Entries)))
	return nil
}

// Load merges a snapshot into the cache and returns the number of live
// entries restored. A missing or corrupt snapshot leaves the cache empty and
// is not an error; a backend read failure is returned wrapped in
// ErrPersistence with the cache still usable.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.snap == nil {
		return 0, nil
	}
	data, err := c.snap.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		c.logger.Info("no cache snapshot found, starting empty")
		return 0, nil
	}
	if err != nil {
		c.logger.Warn("cache snapshot unreadable, starting empty", zap.Error(err))
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn("cache snapshot corrupt, starting empty", zap.Error(err))
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	restored := 0
	for _, e := range snap.Entries {
		if e.Key == "" || e.expired(now) {
			continue
		}
		if _, exists := c.entries[e.Key]; exists {
			continue
		}
		c.entries[e.Key] = e
		restored++
	}
	c.loads++
	c.logger.Info("cache snapshot loaded", zap.Int("entries", restored), zap.Time("saved_at", snap.SavedAt))
	return restored, nil
}

// Close performs a final save.
func (c *Cache) Close(ctx context.Context) error {
	return c.Save(ctx)
}

// RunJanitor evicts expired entries and saves a snapshot every interval
// until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.CleanupExpired(); removed > 0 {
				c.logger.Debug("evicted expired cache entries", zap.Int("removed", removed))
			}
			if err := c.Save(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("periodic cache save failed", zap.Error(err))
			}
		}
	}
}
