package registry

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	defaultShardCount      = 16
	defaultTTL             = 10 * time.Minute
	defaultCleanupInterval = 1 * time.Minute
)

// Cache stores file contents by fingerprint with a sliding expiration.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	// Touch extends the expiration of a live entry and reports whether one existed.
	Touch(key string) bool
}

type cacheItem struct {
	value     []byte
	expiresAt time.Time
}

type cacheShard struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
}

// ContentCache is a sharded in-memory Cache. Loss of an entry only costs a
// re-download, so nothing here is persisted.
type ContentCache struct {
	shards          []*cacheShard
	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	cleanupWorkerRunning bool
	cleanupWorkerMu      sync.Mutex
	cleanupWorkerStop    chan struct{}
	cleanupWorkerWg      sync.WaitGroup
}

// NewContentCache creates a cache with shardCount shards and the given TTL.
// Non-positive arguments fall back to the defaults.
func NewContentCache(shardCount int, ttl time.Duration) *ContentCache {
	if shardCount < 1 {
		shardCount = defaultShardCount
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	shards := make([]*cacheShard, shardCount)
	for i := range shards {
		shards[i] = &cacheShard{items: make(map[string]*cacheItem)}
	}

	return &ContentCache{
		shards:            shards,
		ttl:               ttl,
		cleanupInterval:   defaultCleanupInterval,
		now:               time.Now,
		cleanupWorkerStop: make(chan struct{}),
	}
}

func (c *ContentCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the live entry for key. It does not extend the expiration.
func (c *ContentCache) Get(key string) ([]byte, bool) {
	s := c.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key]
	if !ok || !c.now().Before(item.expiresAt) {
		return nil, false
	}
	return item.value, true
}

// Set stores value under key for one TTL window.
func (c *ContentCache) Set(key string, value []byte) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = &cacheItem{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Touch restarts the TTL window of a live entry.
func (c *ContentCache) Touch(key string) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	now := c.now()
	if !ok || !now.Before(item.expiresAt) {
		return false
	}
	item.expiresAt = now.Add(c.ttl)
	return true
}

func (c *ContentCache) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
}

// Len counts stored entries, expired ones included until they are cleaned.
func (c *ContentCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// CleanExpired removes all expired entries.
func (c *ContentCache) CleanExpired(ctx context.Context) error {
	for _, s := range c.shards {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := c.now()
		s.mu.Lock()
		for key, item := range s.items {
			if !now.Before(item.expiresAt) {
				delete(s.items, key)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// StartCleanupWorker starts a goroutine that periodically drops expired entries.
func (c *ContentCache) StartCleanupWorker() {
	c.cleanupWorkerMu.Lock()
	defer c.cleanupWorkerMu.Unlock()

	if c.cleanupWorkerRunning {
		return
	}
	c.cleanupWorkerRunning = true
	c.cleanupWorkerStop = make(chan struct{})

	c.cleanupWorkerWg.Add(1)
	go c.cleanupWorker()
}

// StopCleanupWorker stops the cleanup goroutine and waits for it to exit.
func (c *ContentCache) StopCleanupWorker() {
	c.cleanupWorkerMu.Lock()
	defer c.cleanupWorkerMu.Unlock()

	if !c.cleanupWorkerRunning {
		return
	}
	close(c.cleanupWorkerStop)
	c.cleanupWorkerWg.Wait()
	c.cleanupWorkerRunning = false
}

func (c *ContentCache) cleanupWorker() {
	defer c.cleanupWorkerWg.Done()

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.cleanupWorkerStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = c.CleanExpired(ctx)
			cancel()
		}
	}
}

var _ Cache = (*ContentCache)(nil)
