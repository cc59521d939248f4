// Package usage implements the router's per-session token-usage cache
// (spec §4.C), a bounded last-write-wins map keyed by session id.
package usage

import (
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCapacity matches spec §4.C's default bound.
	DefaultCapacity = 4096
	shardCount      = 16
)

// Record is the spec's UsageRecord.
type Record struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Cache is a sharded, bounded, thread-safe sessionId -> Record map. Grounded
// on schardosin-astonish's use of hashicorp/golang-lru/v2 for a bounded
// cache; sharded here (16-ways by fnv hash of the session id) so the
// per-shard lock a concurrent streaming workload contends on stays cheap.
type Cache struct {
	shards [shardCount]*shard
}

type shard struct {
	mu sync.Mutex
	lr *lru.Cache[string, Record]
}

// New builds a Cache whose total capacity is capacity, split evenly across
// shards (at least 1 entry per shard).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}

	c := &Cache{}
	for i := range c.shards {
		lr, _ := lru.New[string, Record](perShard)
		c.shards[i] = &shard{lr: lr}
	}

	return c
}

func (c *Cache) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))

	return c.shards[h.Sum32()%shardCount]
}

// Put records usage for sessionID, last-write-wins.
func (c *Cache) Put(sessionID string, rec Record) {
	if sessionID == "" {
		return
	}

	s := c.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lr.Add(sessionID, rec)
}

// Get returns the last-recorded usage for sessionID, ok=false if absent.
func (c *Cache) Get(sessionID string) (Record, bool) {
	if sessionID == "" {
		return Record{}, false
	}

	s := c.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lr.Get(sessionID)
}

// Len returns the total number of cached sessions across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.lr.Len()
		s.mu.Unlock()
	}

	return total
}
