// internal/freshness/gate.go
package freshness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mbakes1/unl-bb/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrBusy is returned by Exclusive when another holder has the key.
var ErrBusy = errors.New("already running")

type Options struct {
	Workers int           // concurrent background tasks, default 2
	Timeout time.Duration // per task, default 5m
	LockTTL time.Duration // default 10m
	Locker  Locker        // optional; nil keeps exclusion in-process
	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

// Gate runs background refreshes on a bounded pool, at most one per key. Tasks run on
// the gate's own context and outlive the request that triggered them.
type Gate struct {
	log     zerolog.Logger
	m       *metrics.Metrics
	locker  Locker
	timeout time.Duration
	lockTTL time.Duration
	slots   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sf     singleflight.Group

	mu       sync.Mutex
	inflight map[string]bool
	closed   bool
}

func NewGate(opts Options) *Gate {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		log:      opts.Log.With().Str("component", "freshness").Logger(),
		m:        opts.Metrics,
		locker:   opts.Locker,
		timeout:  opts.Timeout,
		lockTTL:  opts.LockTTL,
		slots:    make(chan struct{}, opts.Workers),
		ctx:      ctx,
		cancel:   cancel,
		inflight: map[string]bool{},
	}
}

// MaybeTriggerBackground starts fn in the background and returns immediately. It
// returns false without running fn when key is already running, the pool is full or
// the gate is closed. fn's error is logged, never returned.
func (g *Gate) MaybeTriggerBackground(key string, fn func(ctx context.Context) error) bool {
	kind := kindOf(key)

	g.mu.Lock()
	if g.closed || g.inflight[key] {
		g.mu.Unlock()
		g.m.IncBackground(kind, metrics.OutcomeSkipped)
		return false
	}
	select {
	case g.slots <- struct{}{}:
	default:
		g.mu.Unlock()
		g.log.Debug().Str("key", key).Msg("background pool full, skipping")
		g.m.IncBackground(kind, metrics.OutcomeSkipped)
		return false
	}
	g.inflight[key] = true
	g.wg.Add(1)
	g.mu.Unlock()

	g.m.IncBackground(kind, metrics.OutcomeStarted)
	go g.run(key, kind, fn)
	return true
}

func (g *Gate) run(key, kind string, fn func(ctx context.Context) error) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
		<-g.slots
	}()
	defer func() {
		if p := recover(); p != nil {
			g.log.Error().Str("key", key).Interface("panic", p).Msg("background task panicked")
			g.m.IncBackground(kind, metrics.OutcomeError)
		}
	}()

	ctx, cancel := context.WithTimeout(g.ctx, g.timeout)
	defer cancel()

	release, ok := g.lock(ctx, key)
	if !ok {
		g.m.IncBackground(kind, metrics.OutcomeSkipped)
		return
	}
	defer release()

	start := time.Now()
	if err := fn(ctx); err != nil {
		g.log.Warn().Err(err).Str("key", key).Dur("took", time.Since(start)).Msg("background refresh failed")
		g.m.IncBackground(kind, metrics.OutcomeError)
		return
	}
	g.log.Debug().Str("key", key).Dur("took", time.Since(start)).Msg("background refresh done")
	g.m.IncBackground(kind, metrics.OutcomeOK)
}

// Exclusive runs fn in the caller's goroutine while holding key, or returns ErrBusy.
func (g *Gate) Exclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	if g.inflight[key] {
		g.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrBusy)
	}
	g.inflight[key] = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
	}()

	release, ok := g.lock(ctx, key)
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrBusy)
	}
	defer release()
	return fn(ctx)
}

// lock takes the distributed lock when one is configured.
func (g *Gate) lock(ctx context.Context, key string) (release func(), ok bool) {
	if g.locker == nil {
		return func() {}, true
	}
	token, ok, err := g.locker.TryLock(ctx, key, g.lockTTL)
	if err != nil {
		g.log.Warn().Err(err).Str("key", key).Msg("lock unavailable, running without it")
		return func() {}, true
	}
	if !ok {
		g.log.Debug().Str("key", key).Msg("held by another instance")
		return nil, false
	}
	return func() {
		// the task context may be gone by now
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.locker.Release(rctx, key, token); err != nil {
			g.log.Warn().Err(err).Str("key", key).Msg("lock release failed")
		}
	}, true
}

// EnsurePopulated runs populate synchronously when the cache is empty. Concurrent
// callers share one run, bounded by the task timeout and detached from any caller's
// cancellation. A cancelled caller stops waiting with its context error. It reports
// whether populate ran.
func (g *Gate) EnsurePopulated(ctx context.Context, count int64, populate func(ctx context.Context) error) (bool, error) {
	if count > 0 {
		return false, nil
	}
	ch := g.sf.DoChan("populate", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		return nil, populate(pctx)
	})
	var err error
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case r := <-ch:
		err = r.Err
	}
	if err != nil {
		g.m.IncBackground("populate", metrics.OutcomeError)
		return true, fmt.Errorf("populate empty cache: %w", err)
	}
	g.m.IncBackground("populate", metrics.OutcomeOK)
	return true, nil
}

// Wait blocks until no background task is running.
func (g *Gate) Wait() { g.wg.Wait() }

// Close stops accepting tasks, cancels running ones and waits for them.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
}

func kindOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
