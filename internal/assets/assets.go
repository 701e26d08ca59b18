// Package assets implements the Asset Cache: fetching, concatenating,
// and memoizing the charting runtime's script bundle for a pinned
// version.
package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"chartrender/internal/rendererr"
)

// Bundle is an immutable, fully-assembled asset bundle. Once built, a
// Bundle is never mutated — UpdateVersion builds a new one and swaps
// the active pointer atomically.
type Bundle struct {
	Version    string
	ScriptBlob []byte
	Manifest   []string
	FetchedAt  time.Time
}

// Config is the "highcharts" section of the configuration schema.
type Config struct {
	Version           string
	CDNBaseURL        string
	ForceFetch        bool
	CachePath         string
	CoreScripts       []string
	ModuleScripts     []string
	IndicatorScripts  []string
	CustomScripts     []string // absolute URLs
	FetchTimeout      time.Duration
	RetryMax          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
}

func (c *Config) defaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 6
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = 1 * time.Second
	}
	if c.RetryWaitMax <= 0 {
		// factor-2 backoff over 6 attempts starting at 1s tops out at 32s.
		c.RetryWaitMax = 32 * time.Second
	}
}

var versionBanner = regexp.MustCompile(`Highcharts\s+v?([0-9]+\.[0-9]+\.[0-9]+)`)

// Cache owns the active Bundle and the machinery to rebuild it.
type Cache struct {
	cfg        Config
	httpClient *retryablehttp.Client
	current    atomic.Pointer[Bundle]
	updateSF   singleflight.Group
	log        zerolog.Logger
}

// New constructs a Cache. Call Start (or let Root.Start do it) before
// Current returns anything useful.
func New(cfg Config, log zerolog.Logger) *Cache {
	cfg.defaults()

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.Logger = nil // the zerolog.Logger below is the one source of truth
	rc.HTTPClient.Timeout = cfg.FetchTimeout

	return &Cache{
		cfg:        cfg,
		httpClient: rc,
		log:        log.With().Str("component", "assets").Logger(),
	}
}

// Current returns the active bundle, or nil if neither Start nor
// UpdateVersion has ever succeeded.
func (c *Cache) Current() *Bundle {
	return c.current.Load()
}

// scriptEntry is one element of the ordered load list: core scripts,
// then modules, then indicators, then custom absolute URLs.
type scriptEntry struct {
	name string // basename used for on-disk caching and the manifest
	url  string // absolute URL to fetch when not cached / forced
}

func (c *Cache) orderedEntries(version string) []scriptEntry {
	var entries []scriptEntry
	add := func(names []string) {
		for _, n := range names {
			entries = append(entries, scriptEntry{
				name: n,
				url:  fmt.Sprintf("%s/%s/%s.js", c.cfg.CDNBaseURL, version, n),
			})
		}
	}
	add(c.cfg.CoreScripts)
	add(c.cfg.ModuleScripts)
	add(c.cfg.IndicatorScripts)
	for _, u := range c.cfg.CustomScripts {
		entries = append(entries, scriptEntry{name: filepath.Base(u), url: u})
	}
	return entries
}

// Ensure builds a Bundle for version, reading from cachePath when
// possible and otherwise fetching with retry/backoff. It does not
// publish the result — callers decide when to swap it in (Start and
// UpdateVersion both publish only on success).
func (c *Cache) Ensure(ctx context.Context, version string) (*Bundle, error) {
	entries := c.orderedEntries(version)
	if len(entries) == 0 {
		return nil, rendererr.Wrapf(fmt.Errorf("no scripts configured"), rendererr.ErrAssetFetchFailed, "assets: ensure %s", version)
	}

	var blob []byte
	manifest := make([]string, 0, len(entries))
	var bannerVersion string

	for _, e := range entries {
		content, err := c.obtain(ctx, e)
		if err != nil {
			return nil, rendererr.Wrapf(err, rendererr.ErrAssetFetchFailed, "assets: fetch %s", e.name)
		}
		if bannerVersion == "" {
			if m := versionBanner.FindSubmatch(content); m != nil {
				bannerVersion = string(m[1])
			}
		}
		blob = append(blob, content...)
		blob = append(blob, '\n')
		manifest = append(manifest, e.name)
	}

	effectiveVersion := version
	if bannerVersion != "" {
		effectiveVersion = bannerVersion
	}

	bundle := &Bundle{
		Version:    effectiveVersion,
		ScriptBlob: blob,
		Manifest:   manifest,
		FetchedAt:  time.Now(),
	}

	if err := c.persist(bundle); err != nil {
		// A failed write to cachePath is not fatal to publishing the
		// bundle in memory — only a partial fetch should block
		// publishing, not a persistence failure.
		c.log.Warn().Err(err).Msg("assets: failed to persist bundle to cache path")
	}

	return bundle, nil
}

// obtain reads e from cachePath when allowed, else fetches it over HTTP.
func (c *Cache) obtain(ctx context.Context, e scriptEntry) ([]byte, error) {
	path := filepath.Join(c.cfg.CachePath, e.name+".js")

	if !c.cfg.ForceFetch {
		if content, err := os.ReadFile(path); err == nil {
			return content, nil
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("assets: %s returned status %d", e.url, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

type manifestFile struct {
	Version   string   `json:"version"`
	FetchedAt string   `json:"fetchedAt"`
	Scripts   []string `json:"scripts"`
}

// persist writes the concatenated blob ("sources.js") and a manifest
// under cachePath. Individual scripts are not written, so obtain's
// per-script lookup in cachePath only finds files placed there by
// something else.
func (c *Cache) persist(b *Bundle) error {
	if c.cfg.CachePath == "" {
		return nil
	}
	if err := os.MkdirAll(c.cfg.CachePath, 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(c.cfg.CachePath, "sources.js"), b.ScriptBlob, 0o644); err != nil {
		return err
	}

	mf := manifestFile{
		Version:   b.Version,
		FetchedAt: b.FetchedAt.Format(time.RFC3339),
		Scripts:   b.Manifest,
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.cfg.CachePath, "manifest.json"), data, 0o644)
}

// Start builds and publishes the first bundle. A failure here is fatal
// to init — a partial fetch must never publish a bundle.
func (c *Cache) Start(ctx context.Context) error {
	bundle, err := c.Ensure(ctx, c.cfg.Version)
	if err != nil {
		return err
	}
	c.current.Store(bundle)
	c.log.Info().Str("version", bundle.Version).Int("scripts", len(bundle.Manifest)).Msg("assets: initial bundle published")
	return nil
}

// UpdateVersion re-runs Ensure for newVersion and atomically replaces the
// active bundle on success. Concurrent UpdateVersion calls for the same
// Cache collapse onto a single in-flight Ensure via singleflight, so
// only one update ever runs at a time — structurally, rather than by
// holding a lock across an I/O call.
func (c *Cache) UpdateVersion(ctx context.Context, newVersion string) (*Bundle, error) {
	v, err, _ := c.updateSF.Do("update", func() (interface{}, error) {
		bundle, err := c.Ensure(ctx, newVersion)
		if err != nil {
			// Previous bundle remains active — we never call Store.
			return nil, err
		}
		c.current.Store(bundle)
		c.log.Info().Str("version", bundle.Version).Msg("assets: version updated")
		return bundle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bundle), nil
}
