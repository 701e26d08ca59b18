// Package page implements the Page Resource: a single reusable browser
// tab pre-seeded with the asset bundle and a fixed HTML shell.
package page

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"chartrender/internal/assets"
)

// shellHTML is the fixed page the library is pre-seeded on top of. A
// single container element is all the render protocol ever needs.
const shellHTML = `<!doctype html><html><head><meta charset="utf-8"></head>` +
	`<body><div id="container"></div></body></html>`

const shellBodyJS = `document.body.innerHTML = ` + "`" + `<div id="container"></div>` + "`" + `;`

// animationDisableStub is evaluated once per Setup so the charting
// runtime never animates — animated output would make rasterization
// non-deterministic and defeat the stabilization wait.
const animationDisableStub = `
(function() {
	if (window.Highcharts) {
		window.Highcharts.setOptions({
			chart: { animation: false },
			plotOptions: { series: { animation: false } }
		});
	}
})();`

// Resource is one Page Resource. Every field here is owned by the
// pool's critical section; Resource itself holds no lock — concurrent
// access is prevented by pool ownership, not by locking.
type Resource struct {
	ID         string
	ctx        context.Context
	cancel     context.CancelFunc
	WorkCount  int
	CreatedAt  time.Time
	LastUsedAt time.Time
	unhealthy  bool
}

// ResourceHandle identifies one injected resource (script/style/link tag)
// so it can be disposed without walking the DOM.
type ResourceHandle struct {
	id   string
	kind string // "script" | "style" | "link"
}

// New creates a fresh tab, caching disabled, against allocCtx (the
// Browser Supervisor's single exec-allocator context) and installs
// listeners for frame-detach detection, but does not yet install the
// asset bundle — call Setup for that.
func New(allocCtx context.Context) (*Resource, error) {
	ctx, cancel := chromedp.NewContext(allocCtx)

	r := &Resource{
		ID:         uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
	}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch ev.(type) {
		case *cdp.EventFrameDetached:
			// Main-frame detach means the page is no longer reusable.
			r.unhealthy = true
		}
	})

	if err := chromedp.Run(ctx, network.SetCacheDisabled(true)); err != nil {
		cancel()
		return nil, fmt.Errorf("page: create tab: %w", err)
	}

	return r, nil
}

// Context returns the tab's chromedp context, for use by the render
// protocol.
func (r *Resource) Context() context.Context { return r.ctx }

// Unhealthy reports whether a frame-detach (or other fatal signal) was
// observed since the last Setup/HardReset.
func (r *Resource) Unhealthy() bool { return r.unhealthy }

// MarkUnhealthy flags the resource so the pool destroys it on release.
// The render protocol calls it when stabilization fails (rasterization
// timeout) or when cleanup fails; other render failures, including
// export failures, leave the page to be soft-reset and reused.
func (r *Resource) MarkUnhealthy() { r.unhealthy = true }

// Close tears down the underlying tab. Idempotent.
func (r *Resource) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Setup installs bundle's script blob and the shell DOM on a fresh tab.
// After this call the page is idle and ready for a render.
func (r *Resource) Setup(ctx context.Context, bundle *assets.Bundle) error {
	dataURL := "data:text/html," + shellHTML
	err := chromedp.Run(ctx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("#container", chromedp.ByID),
		chromedp.Evaluate(string(bundle.ScriptBlob), nil),
		chromedp.Evaluate(animationDisableStub, nil),
	)
	if err != nil {
		return fmt.Errorf("page: setup: %w", err)
	}
	r.unhealthy = false
	return nil
}

// SoftReset replaces the body's innerHTML with the shell and destroys any
// charting-runtime instances, leaving the asset bundle (and its globals)
// in place. Idempotent — two consecutive calls leave the same DOM.
func (r *Resource) SoftReset(ctx context.Context) error {
	const destroyCharts = `
(function() {
	if (window.Highcharts && Array.isArray(window.Highcharts.charts)) {
		window.Highcharts.charts.forEach(function(c) { if (c) { c.destroy(); } });
	}
})();`
	err := chromedp.Run(ctx,
		chromedp.Evaluate(destroyCharts, nil),
		chromedp.Evaluate(shellBodyJS, nil),
	)
	if err != nil {
		return fmt.Errorf("page: soft reset: %w", err)
	}
	return nil
}

// HardReset navigates to about:blank and reinstalls the asset bundle, for
// use after an error signals that page JS state may be corrupt.
func (r *Resource) HardReset(ctx context.Context, bundle *assets.Bundle) error {
	if err := chromedp.Run(ctx, chromedp.Navigate("about:blank")); err != nil {
		return fmt.Errorf("page: hard reset navigate: %w", err)
	}
	return r.Setup(ctx, bundle)
}

// InjectedResources is the input to InjectResources: user-declared CSS,
// JS, and file content to append to the page for one render.
type InjectedResources struct {
	JS         []string // inline JS bodies, each set as a <script> tag's text; a URL entry is not fetched
	CSSImports []string // stylesheet URLs to add as <link> tags, including @import targets the caller already expanded
	InlineCSS  string    // remaining CSS (with @import statements resolved) to inject as a single <style> tag
	Files      []FileResource
}

// FileResource is a local-path resource, only honored when
// allowFileResources is set.
type FileResource struct {
	Path     string
	MimeType string
}

// InjectResources appends <script> and <style>/<link> tags for
// user-declared content and returns opaque handles for later disposal.
func (r *Resource) InjectResources(ctx context.Context, res InjectedResources) ([]ResourceHandle, error) {
	var handles []ResourceHandle

	for _, js := range res.JS {
		id := uuid.NewString()
		script := fmt.Sprintf(`
(function() {
	var el = document.createElement('script');
	el.id = %q;
	el.textContent = %q;
	document.head.appendChild(el);
})();`, id, js)
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, nil)); err != nil {
			return handles, fmt.Errorf("page: inject js: %w", err)
		}
		handles = append(handles, ResourceHandle{id: id, kind: "script"})
	}

	for _, url := range res.CSSImports {
		id := uuid.NewString()
		link := fmt.Sprintf(`
(function() {
	var el = document.createElement('link');
	el.id = %q;
	el.rel = 'stylesheet';
	el.href = %q;
	document.head.appendChild(el);
})();`, id, url)
		if err := chromedp.Run(ctx, chromedp.Evaluate(link, nil)); err != nil {
			return handles, fmt.Errorf("page: inject css import: %w", err)
		}
		handles = append(handles, ResourceHandle{id: id, kind: "link"})
	}

	if res.InlineCSS != "" {
		id := uuid.NewString()
		style := fmt.Sprintf(`
(function() {
	var el = document.createElement('style');
	el.id = %q;
	el.textContent = %q;
	document.head.appendChild(el);
})();`, id, res.InlineCSS)
		if err := chromedp.Run(ctx, chromedp.Evaluate(style, nil)); err != nil {
			return handles, fmt.Errorf("page: inject inline css: %w", err)
		}
		handles = append(handles, ResourceHandle{id: id, kind: "style"})
	}

	return handles, nil
}

// DisposeResources removes the tags identified by handles. It does not
// scan the DOM.
func (r *Resource) DisposeResources(ctx context.Context, handles []ResourceHandle) error {
	for _, h := range handles {
		script := fmt.Sprintf(`
(function() {
	var el = document.getElementById(%q);
	if (el && el.parentNode) { el.parentNode.removeChild(el); }
})();`, h.id)
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, nil)); err != nil {
			return fmt.Errorf("page: dispose resource %s: %w", h.id, err)
		}
	}
	return nil
}
