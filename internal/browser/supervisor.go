// Package browser implements the Browser Supervisor: one headless
// browser process, launched once, reconnected or relaunched when
// HandleDisconnect reports IPC loss.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"chartrender/internal/rendererr"
)

// State is the Supervisor's lifecycle state machine: Unstarted →
// Starting → Running → (Disconnected → Reconnecting → Running |
// Relaunching → Running) → Closed.
type State int

const (
	StateUnstarted State = iota
	StateStarting
	StateRunning
	StateDisconnected
	StateReconnecting
	StateRelaunching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateRelaunching:
		return "relaunching"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	reconnectAttempts = 25
	reconnectSpacing  = 4 * time.Second
)

// Config is the "browser" section of the configuration schema.
type Config struct {
	PuppeteerArgs []string // chromedp flags passed to the exec allocator
	HeadlessMode  string   // "true" or "shell"
	DebugPort     int
	SlowMo        time.Duration
}

// DisconnectObserver is notified when the Supervisor detects IPC loss.
type DisconnectObserver func()

// Supervisor owns the single exec allocator that every Page Resource's
// tab is created against.
type Supervisor struct {
	mu         sync.RWMutex
	cfg        Config
	state      State
	allocCtx   context.Context
	allocCancel context.CancelFunc
	wsURL      string
	observers  []DisconnectObserver
	log        zerolog.Logger
}

// New constructs a Supervisor. Call Start before AllocatorContext.
func New(cfg Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		state: StateUnstarted,
		log:   log.With().Str("component", "browser").Logger(),
	}
}

// OnDisconnect registers an observer invoked after a disconnect is
// detected and before reconnect/relaunch begins.
func (s *Supervisor) OnDisconnect(obs DisconnectObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

func (s *Supervisor) execOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("safebrowsing-disable-auto-update", true),
	)
	if s.cfg.HeadlessMode == "shell" {
		opts = append(opts, chromedp.Flag("headless", "shell"))
	} else {
		opts = append(opts, chromedp.Flag("headless", true))
	}
	if s.cfg.DebugPort > 0 {
		opts = append(opts, chromedp.Flag("remote-debugging-port", fmt.Sprintf("%d", s.cfg.DebugPort)))
	}
	for _, a := range s.cfg.PuppeteerArgs {
		opts = append(opts, chromedp.Flag(a, true))
	}
	return opts
}

// Start launches the browser once. Safe to call only from Unstarted. A
// cancelled ctx aborts the in-flight launch and tears down the allocator
// so no Chrome process is left behind.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnstarted {
		s.mu.Unlock()
		return fmt.Errorf("browser: start called in state %s", s.state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	// The allocator itself must outlive ctx — it backs every Page
	// Resource's tab for the life of the Supervisor — but the launch
	// attempt below is bound to ctx so a cancellation during startup
	// doesn't leave an orphaned Chrome process.
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), s.execOptions()...)

	// Spin up one throwaway tab, caching disabled like every other tab,
	// so the allocator actually launches Chrome and we can capture the
	// debugger websocket endpoint used later for reconnect-before-relaunch.
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	launched := make(chan error, 1)
	go func() {
		launched <- chromedp.Run(tabCtx, network.SetCacheDisabled(true))
	}()

	select {
	case <-ctx.Done():
		cancel()
		s.mu.Lock()
		s.state = StateUnstarted
		s.mu.Unlock()
		return ctx.Err()
	case err := <-launched:
		if err != nil {
			cancel()
			s.mu.Lock()
			s.state = StateUnstarted
			s.mu.Unlock()
			return rendererr.Wrapf(err, rendererr.ErrBrowserUnavailable, "browser: launch")
		}
	}

	if c := chromedp.FromContext(tabCtx); c != nil && c.Browser != nil {
		s.wsURL = c.Browser.WSURL
	}

	s.mu.Lock()
	s.allocCtx = allocCtx
	s.allocCancel = cancel
	s.state = StateRunning
	s.mu.Unlock()

	s.log.Info().Str("ws_url", s.wsURL).Msg("browser: started")
	return nil
}

// AllocatorContext returns the single exec-allocator context that every
// Page Resource's tab is created against.
func (s *Supervisor) AllocatorContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allocCtx
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// HandleDisconnect is invoked by a caller that sees an IPC-loss-shaped
// error from a page operation; nothing in this module detects IPC loss
// or calls it on its own. It first tries to reconnect via the saved
// websocket endpoint; on exhaustion it relaunches with the same args.
func (s *Supervisor) HandleDisconnect(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateDisconnected
	observers := append([]DisconnectObserver{}, s.observers...)
	s.mu.Unlock()

	for _, obs := range observers {
		obs()
	}

	if err := s.reconnect(ctx); err == nil {
		return nil
	}

	return s.relaunch(ctx)
}

func (s *Supervisor) reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateReconnecting
	wsURL := s.wsURL
	s.mu.Unlock()

	if wsURL == "" {
		return fmt.Errorf("browser: no saved endpoint to reconnect to")
	}

	ticker := time.NewTicker(reconnectSpacing)
	defer ticker.Stop()

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		allocCtx, cancel := chromedp.NewRemoteAllocator(context.Background(), wsURL)
		tabCtx, tabCancel := chromedp.NewContext(allocCtx)
		err := chromedp.Run(tabCtx)
		tabCancel()

		if err == nil {
			s.mu.Lock()
			s.allocCancel()
			s.allocCtx = allocCtx
			s.allocCancel = cancel
			s.state = StateRunning
			s.mu.Unlock()
			s.log.Info().Int("attempt", attempt).Msg("browser: reconnected")
			return nil
		}
		cancel()

		s.log.Warn().Int("attempt", attempt).Err(err).Msg("browser: reconnect attempt failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return fmt.Errorf("browser: reconnect exhausted after %d attempts", reconnectAttempts)
}

func (s *Supervisor) relaunch(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateRelaunching
	if s.allocCancel != nil {
		s.allocCancel() // best-effort close of the old allocator
	}
	s.state = StateUnstarted
	s.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return rendererr.Wrapf(err, rendererr.ErrBrowserUnavailable, "browser: relaunch")
	}
	return nil
}

// Close is idempotent and shuts down the browser process.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.state = StateClosed
}
