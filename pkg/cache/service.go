package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"queuetrack/pkg/logger"
)

// Record is one cached value. A record with TTL 0 never expires on its own
// and only leaves the cache through explicit invalidation.
type Record struct {
	Key       string
	Value     json.RawMessage
	FetchedAt time.Time
	TTL       time.Duration

	// restored records came from the durable store and stay stale until rewritten
	restored bool
}

// Stale reports whether the record must be revalidated before it is trusted
func (r Record) Stale(now time.Time) bool {
	if r.restored {
		return true
	}
	if r.TTL <= 0 {
		return false
	}
	return now.Sub(r.FetchedAt) >= r.TTL
}

// StatusCache is a key/value cache with per-entry TTL, prefix invalidation and
// write-through persistence. One lock guards the whole cache.
type StatusCache struct {
	mu      sync.RWMutex
	records map[string]Record

	// serializes persistence so the store sees mutations in memory order
	persistMu sync.Mutex

	store          Store
	now            func() time.Time
	log            *logger.Logger
	persistTimeout time.Duration
}

// Option configures a StatusCache
type Option func(*StatusCache)

// WithStore sets the durable backend
func WithStore(store Store) Option {
	return func(c *StatusCache) { c.store = store }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *StatusCache) { c.now = now }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(c *StatusCache) { c.log = l }
}

// WithPersistTimeout bounds every store call
func WithPersistTimeout(d time.Duration) Option {
	return func(c *StatusCache) { c.persistTimeout = d }
}

// New creates a StatusCache. Without WithStore records are kept in memory only.
func New(opts ...Option) *StatusCache {
	c := &StatusCache{
		records:        make(map[string]Record),
		now:            time.Now,
		persistTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.log == nil {
		c.log = logger.GetDefault()
	}
	return c
}

// Get decodes the value stored under key into dest. A stale record is reported
// as found and stale but is only decoded when allowStale is set.
func (c *StatusCache) Get(key string, dest interface{}, allowStale bool) (found, stale bool, err error) {
	c.mu.RLock()
	rec, ok := c.records[key]
	now := c.now()
	c.mu.RUnlock()

	if !ok {
		return false, false, nil
	}

	stale = rec.Stale(now)
	if stale && !allowStale {
		return true, true, nil
	}

	if dest != nil {
		if err := json.Unmarshal(rec.Value, dest); err != nil {
			return true, stale, fmt.Errorf("cache unmarshal error: %w", err)
		}
	}
	return true, stale, nil
}

// Set stores value under key. ttl 0 means manual invalidation only.
func (c *StatusCache) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	rec := Record{
		Key:       key,
		Value:     data,
		FetchedAt: c.now(),
		TTL:       ttl,
	}
	c.records[key] = rec
	c.mu.Unlock()

	ctx, cancel := c.persistContext()
	defer cancel()

	if err := c.store.Save(ctx, PersistedRecord{Key: key, Value: data, FetchedAt: rec.FetchedAt}); err != nil {
		return fmt.Errorf("cache persist %s: %w", key, err)
	}
	return nil
}

// Invalidate removes a single key
func (c *StatusCache) Invalidate(key string) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	_, ok := c.records[key]
	delete(c.records, key)
	c.mu.Unlock()

	if !ok {
		return nil
	}

	ctx, cancel := c.persistContext()
	defer cancel()

	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache persist delete %s: %w", key, err)
	}
	return nil
}

// InvalidatePrefix removes every key that starts with prefix and leaves
// everything else in place
func (c *StatusCache) InvalidatePrefix(prefix string) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	var keys []string
	for k := range c.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		delete(c.records, k)
	}
	c.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := c.persistContext()
	defer cancel()

	if err := c.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("cache persist delete prefix %s: %w", prefix, err)
	}
	return nil
}

// ClearAll drops every record, in memory and in the store
func (c *StatusCache) ClearAll() error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	c.records = make(map[string]Record)
	c.mu.Unlock()

	ctx, cancel := c.persistContext()
	defer cancel()

	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("cache persist clear: %w", err)
	}
	return nil
}

// Restore loads persisted records into memory. Restored records are stale
// until written again; keys already present in memory are kept.
func (c *StatusCache) Restore(ctx context.Context) (int, error) {
	persisted, err := c.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache restore: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	restored := 0
	for _, p := range persisted {
		if _, exists := c.records[p.Key]; exists {
			continue
		}
		c.records[p.Key] = Record{
			Key:       p.Key,
			Value:     p.Value,
			FetchedAt: p.FetchedAt,
			restored:  true,
		}
		restored++
	}

	c.log.Info("Status cache restored", "records", restored)
	return restored, nil
}

// Keys returns the cached keys in sorted order
func (c *StatusCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *StatusCache) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.persistTimeout)
}
