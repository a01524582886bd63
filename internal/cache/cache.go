// Package cache stores formatted responses keyed by descriptor hash.
// Entries expire after a TTL, and when the cache is full the oldest entry
// by creation time is evicted. State survives restarts through a JSON
// snapshot that is always rewritten in full.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"metricsmith/internal/logging"
)

// Record is one cached response.
type Record struct {
	Hash      string    `json:"hash"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"` // Synthesis attempts that produced the response
}

// Cache is a bounded TTL cache, safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	records map[string]*Record
	ttl     time.Duration
	maxSize int

	// path, when set, enables write-through snapshots.
	path string

	// now is swappable for tests.
	now func() time.Time
}

// New creates a cache. maxSize <= 0 means unbounded.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		records: make(map[string]*Record),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached response for a hash. Expired entries are removed
// and reported as misses.
func (c *Cache) Get(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[hash]
	if !ok {
		return "", false
	}
	if c.now().After(rec.ExpiresAt) {
		delete(c.records, hash)
		logging.CacheDebug("Expired entry %s", hash)
		return "", false
	}
	logging.CacheDebug("Hit for %s", hash)
	return rec.Response, true
}

// Persist enables write-through snapshots: every mutation rewrites the full
// snapshot at path. Set once at startup, before the cache is shared.
func (c *Cache) Persist(path string) {
	c.path = path
}

// Put stores a response along with the number of synthesis attempts that
// produced it. Storing into a full cache evicts the entry with the earliest
// creation time first.
func (c *Cache) Put(hash, response string, attempts int) {
	c.mu.Lock()
	now := c.now()
	if c.maxSize > 0 {
		if _, replacing := c.records[hash]; !replacing && len(c.records) >= c.maxSize {
			c.evictOldestLocked()
		}
	}
	c.records[hash] = &Record{
		Hash:      hash,
		Response:  response,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
		Attempts:  attempts,
	}
	logging.CacheDebug("Stored %s (ttl %s, %d attempts)", hash, c.ttl, attempts)
	c.mu.Unlock()

	c.persist()
}

// Invalidate drops a single entry.
func (c *Cache) Invalidate(hash string) {
	c.mu.Lock()
	delete(c.records, hash)
	c.mu.Unlock()

	c.persist()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.records = make(map[string]*Record)
	c.mu.Unlock()

	c.persist()
}

// Len returns the number of live entries, expired ones included until their
// next Get or Prune.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Prune removes every expired entry and returns how many were dropped.
func (c *Cache) Prune() int {
	c.mu.Lock()
	now := c.now()
	dropped := 0
	for hash, rec := range c.records {
		if now.After(rec.ExpiresAt) {
			delete(c.records, hash)
			dropped++
		}
	}
	if dropped > 0 {
		logging.Cache("Pruned %d expired entries", dropped)
	}
	c.mu.Unlock()

	if dropped > 0 {
		c.persist()
	}
	return dropped
}

func (c *Cache) persist() {
	if c.path == "" {
		return
	}
	if err := c.Save(c.path); err != nil {
		logging.Cache("Failed to persist snapshot: %v", err)
	}
}

func (c *Cache) evictOldestLocked() {
	var oldest *Record
	for _, rec := range c.records {
		if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
			oldest = rec
		}
	}
	if oldest != nil {
		delete(c.records, oldest.Hash)
		logging.CacheDebug("Evicted oldest entry %s", oldest.Hash)
	}
}

type snapshot struct {
	SavedAt time.Time `json:"saved_at"`
	Records []*Record `json:"records"`
}

// Save rewrites the cache snapshot in full, via temp file and rename.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	records := make([]*Record, 0, len(c.records))
	for _, rec := range c.records {
		records = append(records, rec)
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot{SavedAt: time.Now(), Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace cache snapshot: %w", err)
	}
	return nil
}

// Load restores cache state from a snapshot, discarding entries that have
// expired since it was written. A missing file leaves the cache empty.
func (c *Cache) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse cache snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	restored := 0
	for _, rec := range snap.Records {
		if now.After(rec.ExpiresAt) {
			continue
		}
		c.records[rec.Hash] = rec
		restored++
	}
	logging.Cache("Restored %d cached responses from %s", restored, path)
	return nil
}
