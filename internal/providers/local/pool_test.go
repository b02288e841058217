package local

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/models"
)

type fakeSession struct {
	system string
	closed bool
}

func (f *fakeSession) Chat(ctx context.Context, msgs []models.Message, opts models.CallOptions) (models.ChatResponse, error) {
	return models.ChatResponse{Content: f.system}, nil
}

func (f *fakeSession) ChatStream(ctx context.Context, msgs []models.Message, opts models.CallOptions) (<-chan models.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type recorder struct {
	mu     sync.Mutex
	opened []*fakeSession
}

func (r *recorder) open(ctx context.Context, system string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeSession{system: system}
	r.opened = append(r.opened, s)
	return s, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPool(size int, idle time.Duration) (*Pool, *recorder, *clock) {
	rec := &recorder{}
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	p := NewPool(size, idle, rec.open)
	p.now = clk.now
	return p, rec, clk
}

func TestPool_ReusesSessionForSamePrompt(t *testing.T) {
	p, rec, _ := newTestPool(3, time.Minute)
	a, _ := p.Acquire(context.Background(), "sys")
	b, _ := p.Acquire(context.Background(), "sys")
	if a != b || len(rec.opened) != 1 {
		t.Errorf("expected one reused session, opened %d", len(rec.opened))
	}
}

func TestPool_EvictsLeastRecentlyUsedWhenFull(t *testing.T) {
	p, rec, clk := newTestPool(2, time.Hour)
	ctx := context.Background()
	p.Acquire(ctx, "a")
	clk.advance(time.Second)
	p.Acquire(ctx, "b")
	clk.advance(time.Second)
	p.Acquire(ctx, "a") // a is now the most recent
	clk.advance(time.Second)
	p.Acquire(ctx, "c")

	if p.Len() != 2 {
		t.Fatalf("expected 2 pooled sessions, got %d", p.Len())
	}
	if !rec.opened[1].closed {
		t.Error("expected session b to be evicted")
	}
	if rec.opened[0].closed {
		t.Error("session a was used recently and should survive")
	}
}

func TestPool_ReplacesIdleSession(t *testing.T) {
	p, rec, clk := newTestPool(3, time.Minute)
	first, _ := p.Acquire(context.Background(), "sys")
	clk.advance(2 * time.Minute)
	second, _ := p.Acquire(context.Background(), "sys")
	if first == second {
		t.Fatal("expected a fresh session after idle timeout")
	}
	if !rec.opened[0].closed {
		t.Error("expected the idle session to be closed")
	}
}

func TestPool_SweepAndClose(t *testing.T) {
	p, rec, clk := newTestPool(3, time.Minute)
	ctx := context.Background()
	p.Acquire(ctx, "old")
	clk.advance(90 * time.Second)
	p.Acquire(ctx, "new")

	if n := p.Sweep(); n != 1 {
		t.Errorf("expected 1 swept session, got %d", n)
	}
	if !rec.opened[0].closed || rec.opened[1].closed {
		t.Error("sweep closed the wrong session")
	}
	p.Close()
	if p.Len() != 0 || !rec.opened[1].closed {
		t.Error("expected Close to release everything")
	}
}

func TestPool_OpenFailure(t *testing.T) {
	boom := errors.New("runtime busy")
	p := NewPool(1, time.Minute, func(ctx context.Context, system string) (Session, error) { return nil, boom })
	if _, err := p.Acquire(context.Background(), "x"); !errors.Is(err, boom) {
		t.Errorf("expected wrapped open error, got %v", err)
	}
	if p.Len() != 0 {
		t.Error("failed open must not be pooled")
	}
}

func TestPool_ConcurrentAcquireNeverExceedsSize(t *testing.T) {
	p, _, _ := newTestPool(3, time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Acquire(context.Background(), string(rune('a'+i%7)))
		}(i)
	}
	wg.Wait()
	if p.Len() > 3 {
		t.Errorf("pool grew to %d", p.Len())
	}
}

func TestSessionKey(t *testing.T) {
	if SessionKey("a") == SessionKey("b") || SessionKey("a") != SessionKey("a") || len(SessionKey("")) != 64 {
		t.Error("unexpected session key behaviour")
	}
}
