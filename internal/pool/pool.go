// Package pool implements the Worker Pool: a bounded, FIFO pool of
// Page Resources with acquire/create/destroy timeouts, idle reaping,
// and work-limit recycling.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chartrender/internal/assets"
	"chartrender/internal/browser"
	"chartrender/internal/page"
	"chartrender/internal/rendererr"
)

// Config is the "pool" section of the configuration schema.
type Config struct {
	MinWorkers int
	MaxWorkers int
	WorkLimit  int
	// AcquireTimeout bounds how long Acquire waits for a free worker.
	// nil means "unset" and falls back to the default below; an
	// explicit zero (Duration(0)) means Acquire must fail immediately
	// whenever no worker is free, rather than being clamped to the
	// default like every other timeout in this Config.
	AcquireTimeout      *time.Duration
	CreateTimeout       time.Duration
	DestroyTimeout      time.Duration
	IdleTimeout         time.Duration
	CreateRetryInterval time.Duration
	ReaperInterval      time.Duration
	Benchmarking        bool
}

// Duration returns a pointer to d, for building a Config literal with
// an explicit AcquireTimeout (including an explicit zero).
func Duration(d time.Duration) *time.Duration { return &d }

// defaults fills in MaxWorkers and every zero-valued timeout/interval
// except AcquireTimeout, clamps MinWorkers to MaxWorkers, and returns the
// resolved acquire timeout (defaulted only when c.AcquireTimeout is nil).
// MinWorkers and WorkLimit are left as given.
func (c *Config) defaults() time.Duration {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	acquireTimeout := 10 * time.Second
	if c.AcquireTimeout != nil {
		acquireTimeout = *c.AcquireTimeout
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 15 * time.Second
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.CreateRetryInterval <= 0 {
		c.CreateRetryInterval = 500 * time.Millisecond
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 30 * time.Second
	}
	return acquireTimeout
}

type waiter struct {
	ch chan *page.Resource
}

// Pool owns every Page Resource it has ever created, whether idle,
// leased, or queued-for.
type Pool struct {
	cfg            Config
	acquireTimeout time.Duration
	supervisor     *browser.Supervisor
	assetCache     *assets.Cache
	log            zerolog.Logger

	mu      sync.Mutex
	idle    []*page.Resource
	leased  map[string]*page.Resource
	waiters *list.List // of *waiter, FIFO
	closed  bool

	stopReaper chan struct{}
	reaperWG   sync.WaitGroup
}

// New constructs a Pool. Call Init to create the minWorkers floor.
func New(cfg Config, sup *browser.Supervisor, ac *assets.Cache, log zerolog.Logger) *Pool {
	acquireTimeout := cfg.defaults()
	return &Pool{
		cfg:            cfg,
		acquireTimeout: acquireTimeout,
		supervisor:     sup,
		assetCache:     ac,
		log:            log.With().Str("component", "pool").Logger(),
		leased:         make(map[string]*page.Resource),
		waiters:        list.New(),
		stopReaper:     make(chan struct{}),
	}
}

// Init creates minWorkers pages concurrently. Failed creations are
// logged and skipped — they do not abort Init.
func (p *Pool) Init(ctx context.Context) error {
	var mu sync.Mutex
	var created []*page.Resource

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MinWorkers; i++ {
		g.Go(func() error {
			res, err := p.createResource(gctx)
			if err != nil {
				p.log.Warn().Err(err).Msg("pool: init: failed to create worker, skipping")
				return nil
			}
			mu.Lock()
			created = append(created, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // errors are already logged and swallowed above

	p.mu.Lock()
	p.idle = append(p.idle, created...)
	p.mu.Unlock()

	p.reaperWG.Add(1)
	go p.reaperLoop()

	return nil
}

// Acquire returns a leased resource within AcquireTimeout or fails with
// rendererr.ErrAcquireTimeout. Waiters are served strictly FIFO.
func (p *Pool) Acquire(ctx context.Context) (*page.Resource, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, rendererr.Wrapf(errClosed, rendererr.ErrAcquireTimeout, "pool: acquire")
	}

	if n := len(p.idle); n > 0 {
		res := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.leased[res.ID] = res
		p.mu.Unlock()
		res.WorkCount++
		return res, nil
	}

	if len(p.leased)+len(p.idle) < p.cfg.MaxWorkers {
		p.mu.Unlock()
		res, err := p.createWithRetry(ctx)
		if err != nil {
			return nil, rendererr.Wrapf(err, rendererr.ErrAcquireTimeout, "pool: create on demand")
		}
		p.mu.Lock()
		p.leased[res.ID] = res
		p.mu.Unlock()
		res.WorkCount++
		return res, nil
	}

	w := &waiter{ch: make(chan *page.Resource, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-w.ch:
		if !ok {
			// Shutdown closed the waiter channel.
			return nil, rendererr.Wrapf(errClosed, rendererr.ErrAcquireTimeout, "pool: acquire")
		}
		res.WorkCount++
		p.mu.Lock()
		p.leased[res.ID] = res
		p.mu.Unlock()
		return res, nil
	case <-timer.C:
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, rendererr.Wrapf(errAcquireTimedOut, rendererr.ErrAcquireTimeout, "pool: acquire")
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns res to the pool: destroyed if its work count exceeds
// workLimit or it is unhealthy, soft-reset and returned to the free set
// otherwise.
func (p *Pool) Release(res *page.Resource) {
	needsDestroy := res.WorkCount > p.cfg.WorkLimit || res.Unhealthy()

	if !needsDestroy {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DestroyTimeout)
		err := res.SoftReset(ctx)
		cancel()
		if err != nil {
			p.log.Warn().Err(err).Str("worker_id", res.ID).Msg("pool: soft reset failed, destroying instead")
			needsDestroy = true
		}
	}

	p.mu.Lock()
	delete(p.leased, res.ID)

	if needsDestroy {
		p.mu.Unlock()
		p.destroyResource(res)
		p.mu.Lock()
		p.backfillForWaitersLocked()
		p.mu.Unlock()
		return
	}

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		w := front.Value.(*waiter)
		p.leased[res.ID] = res
		p.mu.Unlock()
		w.ch <- res
		return
	}

	res.LastUsedAt = time.Now()
	p.idle = append(p.idle, res)
	p.mu.Unlock()
}

// backfillForWaitersLocked is called after a destroy shrinks the pool, so
// a waiter blocked behind a just-destroyed resource isn't stuck waiting
// for an acquire that will never come. Must be called with p.mu held; it
// spawns the actual creation in a goroutine so I/O never happens under
// the lock.
func (p *Pool) backfillForWaitersLocked() {
	if p.waiters.Len() == 0 {
		return
	}
	if len(p.leased)+len(p.idle) >= p.cfg.MaxWorkers {
		return
	}
	front := p.waiters.Front()
	p.waiters.Remove(front)
	w := front.Value.(*waiter)

	go func() {
		res, err := p.createWithRetry(context.Background())
		if err != nil {
			// The waiter's own AcquireTimeout will fire; nothing more to do.
			p.log.Warn().Err(err).Msg("pool: backfill create failed")
			return
		}
		res.WorkCount++
		p.mu.Lock()
		p.leased[res.ID] = res
		p.mu.Unlock()
		w.ch <- res
	}()
}

func (p *Pool) createResource(ctx context.Context) (*page.Resource, error) {
	res, err := page.New(p.supervisor.AllocatorContext())
	if err != nil {
		return nil, err
	}
	bundle := p.assetCache.Current()
	if bundle == nil {
		res.Close()
		return nil, rendererr.Wrapf(errNoBundle, rendererr.ErrAssetFetchFailed, "pool: create")
	}
	if err := res.Setup(ctx, bundle); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

// createWithRetry retries resource creation at CreateRetryInterval,
// bounded by CreateTimeout overall.
func (p *Pool) createWithRetry(ctx context.Context) (*page.Resource, error) {
	deadline := time.Now().Add(p.cfg.CreateTimeout)
	var lastErr error

	for {
		res, err := p.createResource(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			return nil, rendererr.Wrapf(lastErr, rendererr.ErrCreateFailed, "pool: create exhausted retries")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.CreateRetryInterval):
		}
	}
}

func (p *Pool) destroyResource(res *page.Resource) {
	done := make(chan struct{})
	go func() {
		res.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.DestroyTimeout):
		p.log.Warn().Str("worker_id", res.ID).Msg("pool: destroy exceeded timeout, abandoning resource")
	}
}

// reaperLoop destroys idle resources older than IdleTimeout, keeping
// at least MinWorkers alive.
func (p *Pool) reaperLoop() {
	defer p.reaperWG.Done()

	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	now := time.Now()

	p.mu.Lock()
	var keep, reap []*page.Resource
	survivingCount := len(p.leased)
	for _, res := range p.idle {
		if now.Sub(res.LastUsedAt) > p.cfg.IdleTimeout && survivingCount >= p.cfg.MinWorkers {
			reap = append(reap, res)
			continue
		}
		keep = append(keep, res)
		survivingCount++
	}
	p.idle = keep
	p.mu.Unlock()

	for _, res := range reap {
		p.destroyResource(res)
	}
	if len(reap) > 0 {
		p.log.Debug().Int("reaped", len(reap)).Msg("pool: idle reaper destroyed resources")
	}
}

// Shutdown forcibly destroys every resource, idle or leased.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	leased := make([]*page.Resource, 0, len(p.leased))
	for _, res := range p.leased {
		leased = append(leased, res)
	}
	p.leased = make(map[string]*page.Resource)

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ch)
	}
	p.waiters = list.New()
	p.mu.Unlock()

	close(p.stopReaper)
	p.reaperWG.Wait()

	for _, res := range idle {
		p.destroyResource(res)
	}
	for _, res := range leased {
		p.destroyResource(res)
	}
}

// Size reports current (idle, leased) counts, for tests and health checks.
func (p *Pool) Size() (idle, leased int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.leased)
}

var (
	errClosed          = poolError("pool is shutting down")
	errAcquireTimedOut = poolError("no worker available within acquire timeout")
	errNoBundle        = poolError("no asset bundle has been published yet")
)

type poolError string

func (e poolError) Error() string { return string(e) }
