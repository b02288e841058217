// Package cache stores idempotent chat responses keyed by model and conversation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"chatbridge/internal/models"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/pricing"
)

const (
	DefaultTTL      = 30 * time.Minute
	DefaultCapacity = 500
)

// Entry is one cached response.
type Entry struct {
	Response    models.ChatResponse
	Model       string
	StoredAt    time.Time
	HitCount    int
	TokensSaved int
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Entries     int
	Hits        int64
	Misses      int64
	HitRate     float64
	TokensSaved int64
	CostSaved   float64
}

func (s Stats) String() string {
	return fmt.Sprintf("entries=%s hits=%s misses=%s hit_rate=%.1f%% tokens_saved=%s cost_saved=$%s",
		humanize.Comma(int64(s.Entries)), humanize.Comma(s.Hits), humanize.Comma(s.Misses),
		s.HitRate*100, humanize.Comma(s.TokensSaved), humanize.FormatFloat("#,###.####", s.CostSaved))
}

// Cache is an LRU cache with a per-entry TTL. It is safe for concurrent use and
// never returns errors.
type Cache struct {
	mu  sync.Mutex
	ttl time.Duration
	lru *simplelru.LRU[string, *Entry]
	now func() time.Time

	hits, misses int64
	tokensSaved  int64
	costSaved    float64

	group singleflight.Group
}

// New creates a cache. Zero values select DefaultCapacity and DefaultTTL.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	lru, _ := simplelru.NewLRU[string, *Entry](capacity, nil)
	return &Cache{ttl: ttl, lru: lru, now: time.Now}
}

type keyMessage struct {
	Role       string            `json:"r"`
	Content    string            `json:"c"`
	ToolCallID string            `json:"i,omitempty"`
	ToolCalls  []models.ToolCall `json:"t,omitempty"`
}

// Key derives the cache key for msgs sent to model. System messages are left out so
// per-session prompts do not defeat caching; tool call ids and payloads are included
// so different tool branches of a conversation never collide.
func Key(model string, msgs []models.Message) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}
		// encoding these plain fields cannot fail
		_ = enc.Encode(keyMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, ToolCalls: m.ToolCalls})
	}
	return model + "::" + hex.EncodeToString(h.Sum(nil))
}

// Get returns the live entry for key. An expired entry is removed and reported as a miss.
func (c *Cache) Get(key string) (models.ChatResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return models.ChatResponse{}, false
	}
	if c.now().Sub(e.StoredAt) >= c.ttl {
		c.lru.Remove(key)
		c.misses++
		logger.Debug("cache entry expired", "key", key)
		return models.ChatResponse{}, false
	}

	tokens := e.Response.Usage.Total()
	e.HitCount++
	e.TokensSaved += tokens
	c.hits++
	c.tokensSaved += int64(tokens)
	c.costSaved += pricing.Estimate(e.Model, e.Response.Usage)
	return e.Response, true
}

// Set stores resp under key. Responses carrying tool calls are never stored: replaying
// them would repeat side effects. A full cache drops its least recently used entry.
func (c *Cache) Set(key string, resp models.ChatResponse, model string) {
	if resp.HasToolCalls() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if evicted := c.lru.Add(key, &Entry{Response: resp, Model: model, StoredAt: c.now()}); evicted {
		logger.Debug("cache full, evicted oldest entry")
	}
}

// GetOrLoad returns the cached response for key, or runs load once for all concurrent
// callers of the same key and stores the result. cached reports a cache hit.
// Followers share the leader's outcome, including a cancellation of the leader's ctx.
// An empty model prices savings by the response's own model.
func (c *Cache) GetOrLoad(ctx context.Context, key, model string, load func(ctx context.Context) (models.ChatResponse, error)) (resp models.ChatResponse, cached bool, err error) {
	if resp, ok := c.Get(key); ok {
		return resp, true, nil
	}
	v, err, shared := c.group.Do(key, func() (any, error) {
		resp, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if model == "" {
			model = resp.Model
		}
		c.Set(key, resp, model)
		return resp, nil
	})
	if err != nil {
		return models.ChatResponse{}, false, err
	}
	if shared {
		logger.Debug("cache load coalesced", "key", key)
	}
	return v.(models.ChatResponse), false, nil
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Clear drops every entry and resets the statistics.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.hits, c.misses, c.tokensSaved, c.costSaved = 0, 0, 0, 0
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:     c.lru.Len(),
		Hits:        c.hits,
		Misses:      c.misses,
		TokensSaved: c.tokensSaved,
		CostSaved:   c.costSaved,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
