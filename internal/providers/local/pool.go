package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"chatbridge/internal/models"
	"chatbridge/pkg/logger"
)

const (
	DefaultPoolSize    = 3
	DefaultIdleTimeout = 10 * time.Minute
)

// Session is one conversation context held open in the local runtime.
// Close may be called while another goroutine is still using the session.
type Session interface {
	Chat(ctx context.Context, msgs []models.Message, opts models.CallOptions) (models.ChatResponse, error)
	ChatStream(ctx context.Context, msgs []models.Message, opts models.CallOptions) (<-chan models.StreamChunk, error)
	Close() error
}

// OpenFunc creates a session primed with a system prompt.
type OpenFunc func(ctx context.Context, systemPrompt string) (Session, error)

type pooled struct {
	session  Session
	lastUsed time.Time
}

// Pool keeps at most size sessions keyed by system prompt. Sessions idle longer than
// the idle timeout are replaced on next use; when the pool is full the least recently
// used session is closed before a new one is opened.
type Pool struct {
	mu   sync.Mutex
	size int
	idle time.Duration
	open OpenFunc
	now  func() time.Time
	lru  *simplelru.LRU[string, *pooled]
}

func NewPool(size int, idle time.Duration, open OpenFunc) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	lru, _ := simplelru.NewLRU[string, *pooled](size, func(key string, e *pooled) {
		if err := e.session.Close(); err != nil {
			logger.Debug("closing local session failed", "key", key[:12], "error", err)
		}
	})
	return &Pool{size: size, idle: idle, open: open, now: time.Now, lru: lru}
}

// SessionKey is the pool key for a system prompt.
func SessionKey(systemPrompt string) string {
	sum := sha256.Sum256([]byte(systemPrompt))
	return hex.EncodeToString(sum[:])
}

// Acquire returns the live session for systemPrompt, opening one if needed.
// Lookup, eviction and creation happen under one lock.
func (p *Pool) Acquire(ctx context.Context, systemPrompt string) (Session, error) {
	key := SessionKey(systemPrompt)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if e, ok := p.lru.Get(key); ok {
		if now.Sub(e.lastUsed) < p.idle {
			e.lastUsed = now
			return e.session, nil
		}
		logger.Debug("local session idle, replacing", "key", key[:12])
		p.lru.Remove(key)
	}
	if p.lru.Len() >= p.size {
		p.lru.RemoveOldest()
	}

	s, err := p.open(ctx, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("open local session: %w", err)
	}
	p.lru.Add(key, &pooled{session: s, lastUsed: now})
	return s, nil
}

// Sweep closes every session idle longer than the timeout and returns how many it closed.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	closed := 0
	for _, key := range p.lru.Keys() {
		if e, ok := p.lru.Peek(key); ok && now.Sub(e.lastUsed) >= p.idle {
			p.lru.Remove(key)
			closed++
		}
	}
	return closed
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// Close closes all pooled sessions.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lru.Purge()
}
