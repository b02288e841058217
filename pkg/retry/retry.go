// Package retry re-runs failed operations whose errors classify as transient.
package retry

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"chatbridge/pkg/errclass"
	"chatbridge/pkg/logger"
)

const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = time.Second
)

// Executor runs an operation up to MaxRetries+1 times, sleeping
// BaseDelay * 2^attempt * U(0.5, 1.0) between attempts.
type Executor struct {
	MaxRetries int
	BaseDelay  time.Duration

	// Classify decides whether an error is worth another attempt.
	// Defaults to errclass.Classify.
	Classify func(error) errclass.Result

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New returns an Executor with the default policy: 2 retries, 1s base delay.
func New() *Executor {
	return &Executor{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

var (
	jitterMu  sync.Mutex
	jitterRng = rand.New(rand.NewPCG(seed64(), seed64()))
)

func seed64() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err == nil {
		return binary.LittleEndian.Uint64(b[:])
	}
	return uint64(time.Now().UnixNano())
}

func jitterFloat64() float64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterRng.Float64()
}

// Backoff returns the delay before retry number attempt (0-based), in
// [0.5, 1.0) * BaseDelay * 2^attempt.
func (e *Executor) Backoff(attempt int) time.Duration {
	base := e.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	attempt = max(attempt, 0)
	j := jitterFloat64
	if e.jitter != nil {
		j = e.jitter
	}
	factor := 0.5 + j()*0.5
	return time.Duration(float64(base) * float64(uint64(1)<<uint(attempt)) * factor)
}

// Do runs fn until it succeeds, returns a non-retryable error, or retries are exhausted.
// The last error is returned unchanged. Context cancellation is never retried.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	classify := e.Classify
	if classify == nil {
		classify = errclass.Classify
	}
	sleep := e.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		class := classify(err)
		if !class.Retryable || attempt >= e.MaxRetries {
			return err
		}
		delay := e.Backoff(attempt)
		logger.Warn("retrying after transient failure",
			"category", class.Category, "attempt", attempt+1, "delay", delay, "error", err)
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
