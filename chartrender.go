// Package chartrender is the rendering engine's root object: it wires
// the Asset Cache, Browser Supervisor, and Worker Pool together and
// exposes the single Dispatcher entry point, Render.
package chartrender

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chartrender/internal/assets"
	"chartrender/internal/browser"
	"chartrender/internal/pool"
	"chartrender/internal/protocol"
	"chartrender/internal/stats"
)

// Request and Result are re-exported from internal/protocol so callers
// never need to import it directly.
type Request = protocol.Request
type Result = protocol.Result

// CustomLogicConfig holds the master switches that gate per-request
// AllowCodeExecution/AllowFileResources.
type CustomLogicConfig struct {
	AllowCodeExecution bool
	AllowFileResources bool
}

// Config is the full configuration record consumed by the core.
type Config struct {
	Highcharts  assets.Config
	Pool        pool.Config
	Export      protocol.Defaults
	CustomLogic CustomLogicConfig
	Browser     browser.Config
}

// Root owns every live component and is the thing an HTTP or CLI layer
// constructs once at process start, rather than relying on module-scope
// singletons.
type Root struct {
	cfg        Config
	supervisor *browser.Supervisor
	assetCache *assets.Cache
	workerPool *pool.Pool
	stats      *stats.Stats
	log        zerolog.Logger
}

// New constructs a Root. Call Start before Render.
func New(cfg Config, log zerolog.Logger) *Root {
	sup := browser.New(cfg.Browser, log)
	ac := assets.New(cfg.Highcharts, log)
	wp := pool.New(cfg.Pool, sup, ac, log)

	r := &Root{
		cfg:        cfg,
		supervisor: sup,
		assetCache: ac,
		workerPool: wp,
		stats:      &stats.Stats{},
		log:        log.With().Str("component", "root").Logger(),
	}

	sup.OnDisconnect(func() {
		r.log.Warn().Msg("chartrender: browser disconnected, pool leases in flight will fail their release healthy-check")
	})

	return r
}

// Start launches the browser, publishes the first asset bundle, and
// brings the pool up to minWorkers, in that dependency order.
func (r *Root) Start(ctx context.Context) error {
	if err := r.supervisor.Start(ctx); err != nil {
		return err
	}
	if err := r.assetCache.Start(ctx); err != nil {
		return err
	}
	if err := r.workerPool.Init(ctx); err != nil {
		return err
	}
	r.log.Info().Msg("chartrender: started")
	return nil
}

// dispatchSetupBudget is the extra time, on top of the effective
// rasterization timeout, given to the context Render passes to
// protocol.Run. That deadline starts after the lease is acquired;
// acquiring is bounded by the pool's own timeouts.
const dispatchSetupBudget = 2 * time.Second

// Render is the Dispatcher: the single public render entry point. It
// acquires a lease, runs the render protocol, always releases the
// lease, and updates process-wide statistics.
func (r *Root) Render(ctx context.Context, req Request) (Result, error) {
	req.AllowCodeExecution = req.AllowCodeExecution && r.cfg.CustomLogic.AllowCodeExecution
	req.AllowFileResources = req.AllowFileResources && r.cfg.CustomLogic.AllowFileResources

	fromSVG := req.SVG != nil
	r.stats.IncrementAttempt(fromSVG)
	start := time.Now()

	res, err := r.workerPool.Acquire(ctx)
	if err != nil {
		r.stats.RecordFailure()
		return Result{}, err
	}

	rasterTimeout := req.RasterizationTimeout
	if rasterTimeout <= 0 {
		rasterTimeout = r.cfg.Export.RasterizationTimeout
	}
	renderCtx, cancel := context.WithTimeout(ctx, rasterTimeout+dispatchSetupBudget)
	result, err := protocol.Run(renderCtx, res, req, r.cfg.Export, res.ID, r.log)
	cancel()
	r.workerPool.Release(res)

	if err != nil {
		r.stats.RecordFailure()
		return Result{}, err
	}

	r.stats.RecordSuccess(time.Since(start))
	return result, nil
}

// UpdateVersion re-pins the charting library to newVersion. Admin-token
// authentication happens out-of-band in the caller (the HTTP/CLI layer)
// before this is invoked. Pages already in the pool keep the bundle they
// were set up with; only pages created after the update get the new one.
func (r *Root) UpdateVersion(ctx context.Context, newVersion string) (string, error) {
	bundle, err := r.assetCache.UpdateVersion(ctx, newVersion)
	if err != nil {
		return "", err
	}
	return bundle.Version, nil
}

// Stats returns a point-in-time snapshot of the process-wide counters.
func (r *Root) Stats() stats.Snapshot {
	return r.stats.Snapshot()
}

// Shutdown tears down the pool (forcibly releasing/destroying every
// lease) and then the browser process, in reverse dependency order.
func (r *Root) Shutdown(ctx context.Context) error {
	r.workerPool.Shutdown()
	r.supervisor.Close()
	r.log.Info().Msg("chartrender: shut down")
	return nil
}
