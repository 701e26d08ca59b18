// Package protocol implements the render protocol: the fixed in-page
// sequence that turns one validated request into output bytes on an
// already-leased Page Resource.
package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"chartrender/internal/page"
	"chartrender/internal/rendererr"
)

// Constructor is the charting-library entry point used to build a
// chart. It is a closed enumeration that rejects unknown values
// outright, rather than silently normalizing or defaulting them.
type Constructor string

const (
	ConstructorChart      Constructor = "chart"
	ConstructorStockChart Constructor = "stockChart"
	ConstructorMapChart   Constructor = "mapChart"
	ConstructorGanttChart Constructor = "ganttChart"
)

func ParseConstructor(s string) (Constructor, error) {
	switch Constructor(s) {
	case ConstructorChart, ConstructorStockChart, ConstructorMapChart, ConstructorGanttChart:
		return Constructor(s), nil
	default:
		return "", rendererr.Wrapf(fmt.Errorf("unknown constructor %q", s), rendererr.ErrInvalidRenderInput, "protocol: constructor")
	}
}

// OutputType is the normalized export format.
type OutputType string

const (
	OutputPNG OutputType = "png"
	OutputJPEG OutputType = "jpeg"
	OutputPDF  OutputType = "pdf"
	OutputSVG  OutputType = "svg"
)

func mimeFor(t OutputType) string {
	switch t {
	case OutputJPEG:
		return "image/jpeg"
	case OutputPDF:
		return "application/pdf"
	case OutputSVG:
		return "image/svg+xml"
	default:
		return "image/png"
	}
}

// ResolveType normalizes the requested type and reconciles it against
// outfile's extension: "jpg" becomes "jpeg"; an inconsistent outfile
// extension wins over an inconsistent type; an unsupported effective
// type falls back to png.
func ResolveType(requested, outfile string, fallback OutputType) OutputType {
	norm := func(t string) OutputType {
		switch strings.ToLower(t) {
		case "jpg", "jpeg":
			return OutputJPEG
		case "png":
			return OutputPNG
		case "pdf":
			return OutputPDF
		case "svg":
			return OutputSVG
		default:
			return ""
		}
	}

	effective := norm(requested)

	if outfile != "" {
		ext := strings.TrimPrefix(strings.ToLower(outfileExt(outfile)), ".")
		if fromExt := norm(ext); fromExt != "" && fromExt != effective {
			effective = fromExt
		}
	}

	if effective == "" {
		if fallback != "" {
			return fallback
		}
		return OutputPNG
	}
	return effective
}

func outfileExt(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

// Defaults is the "export" section of the configuration schema.
type Defaults struct {
	Width                int
	Height               int
	Scale                float64
	Constructor          Constructor
	Type                 OutputType
	RasterizationTimeout time.Duration
}

// Request is one render request. Options and GlobalOptions/ThemeOptions
// stay as raw JSON — their semantics are opaque to the core, which only
// merges and forwards them.
type Request struct {
	Options json.RawMessage
	SVG     *string

	Width  int
	Height int
	Scale  float64

	Constructor string
	Type        string
	Outfile     string

	GlobalOptions json.RawMessage
	ThemeOptions  json.RawMessage

	CustomCode string
	Callback   string

	Resources page.InjectedResources

	AllowCodeExecution   bool
	AllowFileResources   bool
	RasterizationTimeout time.Duration
	RequestID            string
}

// Result is the outcome of one render.
type Result struct {
	Bytes      []byte
	MimeType   string
	ProducedBy string
	ElapsedMs  int64
}

type chartOptionsPeek struct {
	Chart struct {
		Width     *int `json:"width"`
		Height    *int `json:"height"`
		Exporting struct {
			SourceWidth  *int `json:"sourceWidth"`
			SourceHeight *int `json:"sourceHeight"`
		} `json:"exporting"`
	} `json:"chart"`
}

// Run executes the nine-step render sequence against an already-leased,
// already-set-up page. workerID identifies the page for
// Result.ProducedBy.
func Run(ctx context.Context, res *page.Resource, req Request, defaults Defaults, workerID string, log zerolog.Logger) (Result, error) {
	start := time.Now()

	if (req.Options == nil) == (req.SVG == nil) {
		return Result{}, rendererr.Wrapf(fmt.Errorf("exactly one of options or svg must be present"), rendererr.ErrInvalidRenderInput, "protocol: validate")
	}

	rasterTimeout := req.RasterizationTimeout
	if rasterTimeout <= 0 {
		rasterTimeout = defaults.RasterizationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, rasterTimeout)
	defer cancel()

	var handles []page.ResourceHandle
	result, err := run(ctx, res, req, defaults, rasterTimeout, &handles, log)

	// Step 9, always: dispose injected resources and soft-reset. A
	// render that produced bytes but whose cleanup failed must not
	// return those bytes.
	cleanupErr := cleanup(res, handles, log)
	if cleanupErr != nil {
		res.MarkUnhealthy()
		return Result{}, rendererr.Wrapf(cleanupErr, rendererr.ErrExportFailed, "protocol: cleanup")
	}

	if err != nil {
		return Result{}, err
	}

	result.ProducedBy = workerID
	result.ElapsedMs = time.Since(start).Milliseconds()
	return result, nil
}

func cleanup(res *page.Resource, handles []page.ResourceHandle, log zerolog.Logger) error {
	// Use a fresh, short-lived context: the render's own deadline may
	// already be exhausted by the time we reach cleanup.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(handles) > 0 {
		if err := res.DisposeResources(ctx, handles); err != nil {
			log.Warn().Err(err).Msg("protocol: dispose resources failed during cleanup")
			return err
		}
	}
	if err := res.SoftReset(ctx); err != nil {
		return err
	}
	return nil
}

func run(ctx context.Context, res *page.Resource, req Request, defaults Defaults, rasterTimeout time.Duration, handles *[]page.ResourceHandle, log zerolog.Logger) (Result, error) {
	// res.Context() is the tab's own long-lived chromedp context; bind it
	// to this render's deadline so a stalled eval can't hang past
	// rasterizationTimeoutMs.
	pageCtx, pageCancel := boundPageContext(ctx, res.Context())
	defer pageCancel()

	var peek chartOptionsPeek
	if req.Options != nil {
		_ = json.Unmarshal(req.Options, &peek) // opaque tree; a parse failure just means no overrides found
	}

	// Step 1: viewport and scale.
	width, height, scale := resolveDimensions(req, peek, defaults)
	if err := chromedp.Run(pageCtx,
		emulation.SetDeviceMetricsOverride(int64(float64(width)*scale), int64(float64(height)*scale), scale, false),
	); err != nil {
		return Result{}, rendererr.Wrapf(err, rendererr.ErrExportFailed, "protocol: set viewport")
	}

	// Step 2: global/theme options.
	if req.GlobalOptions != nil || req.ThemeOptions != nil {
		setOptionsJS := fmt.Sprintf(
			`(function(){ if (window.Highcharts) { window.Highcharts.setOptions(Object.assign({}, %s, %s)); } })();`,
			rawOrEmptyObject(req.GlobalOptions), rawOrEmptyObject(req.ThemeOptions),
		)
		if err := chromedp.Run(pageCtx, chromedp.Evaluate(setOptionsJS, nil)); err != nil {
			return Result{}, rendererr.Wrapf(err, rendererr.ErrExportFailed, "protocol: set global/theme options")
		}
	}

	// Step 3: resource injection.
	injected, injectErrs := buildInjection(req)
	for _, ierr := range injectErrs {
		// A resource injection failure is non-fatal per resource; the
		// render continues without the failed item.
		log.Warn().Err(ierr).Msg("protocol: resource injection failed, continuing without it")
	}
	hs, err := res.InjectResources(pageCtx, injected)
	*handles = hs
	if err != nil {
		log.Warn().Err(err).Msg("protocol: resource injection failed, continuing without it")
	}

	// Step 4: custom code hook (pre-init).
	if req.AllowCodeExecution && req.CustomCode != "" {
		if err := runCustomCode(pageCtx, req.CustomCode, req.AllowFileResources); err != nil {
			return Result{}, rendererr.Wrapf(err, rendererr.ErrExportFailed, "protocol: custom code")
		}
	} else if req.CustomCode != "" {
		log.Info().Str("request_id", req.RequestID).Msg("protocol: custom code present but code execution disabled, skipping")
	}

	effectiveType := ResolveType(req.Type, req.Outfile, defaults.Type)

	// Step 5: SVG path skips construction and stabilization entirely.
	if req.SVG != nil {
		if err := validateSVGOrigins(*req.SVG); err != nil {
			return Result{}, err
		}
		if err := injectSVG(pageCtx, *req.SVG); err != nil {
			return Result{}, rendererr.Wrapf(err, rendererr.ErrExportFailed, "protocol: inject svg")
		}
		return export(ctx, pageCtx, effectiveType, width, height, scale)
	}

	// Step 6: options path — chart construction.
	constr := defaults.Constructor
	if req.Constructor != "" {
		c, err := ParseConstructor(req.Constructor)
		if err != nil {
			return Result{}, err
		}
		constr = c
	}
	if constr == "" {
		constr = ConstructorChart
	}

	if err := constructChart(pageCtx, req, peek, constr, defaults, width, height, effectiveType); err != nil {
		return Result{}, rendererr.Wrapf(err, rendererr.ErrExportFailed, "protocol: construct chart")
	}

	// Step 7: stabilize.
	if err := stabilize(ctx, pageCtx, rasterTimeout); err != nil {
		res.MarkUnhealthy()
		return Result{}, rendererr.Wrapf(err, rendererr.ErrRasterizationTimeout, "protocol: stabilize")
	}

	// Step 8: export.
	return export(ctx, pageCtx, effectiveType, width, height, scale)
}

func resolveDimensions(req Request, peek chartOptionsPeek, defaults Defaults) (width, height int, scale float64) {
	width = req.Width
	if width == 0 {
		switch {
		case peek.Chart.Width != nil:
			width = *peek.Chart.Width
		case peek.Chart.Exporting.SourceWidth != nil:
			width = *peek.Chart.Exporting.SourceWidth
		default:
			width = defaults.Width
		}
	}

	height = req.Height
	if height == 0 {
		switch {
		case peek.Chart.Height != nil:
			height = *peek.Chart.Height
		case peek.Chart.Exporting.SourceHeight != nil:
			height = *peek.Chart.Exporting.SourceHeight
		default:
			height = defaults.Height
		}
	}

	scale = req.Scale
	if scale == 0 {
		scale = defaults.Scale
	}
	if scale < 0.1 {
		scale = 0.1
	}
	if scale > 5.0 {
		scale = 5.0
	}
	return width, height, scale
}

func rawOrEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// cssImportPattern matches an @import url(...) at-rule, with or without
// quotes around the target and with or without a trailing semicolon.
var cssImportPattern = regexp.MustCompile(`@import\s+url\(\s*['"]?([^'")]*)['"]?\s*\)\s*;?`)

// isRemoteCSSURL reports whether target names a remote stylesheet (and so
// must become a <link>) rather than a local file (inlined as <style>).
func isRemoteCSSURL(target string) bool {
	if strings.HasPrefix(target, "//") {
		return true
	}
	u, err := url.Parse(target)
	return err == nil && u.Scheme != ""
}

// expandCSSImports implements the Page Resource's CSS import policy: each
// @import url(...) naming a remote URL becomes a stylesheet link; each
// naming a local file is replaced in place with that file's contents, so
// it ends up inlined into the surrounding <style> block. Local-file
// imports are only honored when allowFileResources is set, matching the
// gate already applied to other file resources.
func expandCSSImports(css string, allowFileResources bool) ([]string, string, []error) {
	var links []string
	var errs []error

	remaining := cssImportPattern.ReplaceAllStringFunc(css, func(match string) string {
		sub := cssImportPattern.FindStringSubmatch(match)
		target := strings.TrimSpace(sub[1])
		if target == "" {
			return ""
		}
		if isRemoteCSSURL(target) {
			links = append(links, target)
			return ""
		}
		if !allowFileResources {
			errs = append(errs, rendererr.Wrapf(fmt.Errorf("css @import %s skipped: allowFileResources is false", target), rendererr.ErrResourceInjectionFailed, "protocol: inject"))
			return ""
		}
		content, err := readFileResource(target)
		if err != nil {
			errs = append(errs, rendererr.Wrapf(err, rendererr.ErrResourceInjectionFailed, "protocol: read css @import %s", target))
			return ""
		}
		return content
	})

	return links, remaining, errs
}

func buildInjection(req Request) (page.InjectedResources, []error) {
	expandedLinks, expandedCSS, importErrs := expandCSSImports(req.Resources.InlineCSS, req.AllowFileResources)

	injected := page.InjectedResources{
		JS:         append([]string{}, req.Resources.JS...),
		CSSImports: append(append([]string{}, req.Resources.CSSImports...), expandedLinks...),
		InlineCSS:  expandedCSS,
	}

	errs := append([]error{}, importErrs...)
	for _, f := range req.Resources.Files {
		if !req.AllowFileResources {
			errs = append(errs, rendererr.Wrapf(fmt.Errorf("file resource %s skipped: allowFileResources is false", f.Path), rendererr.ErrResourceInjectionFailed, "protocol: inject"))
			continue
		}
		content, err := readFileResource(f.Path)
		if err != nil {
			errs = append(errs, rendererr.Wrapf(err, rendererr.ErrResourceInjectionFailed, "protocol: read file resource %s", f.Path))
			continue
		}
		switch f.MimeType {
		case "text/css":
			if injected.InlineCSS != "" {
				injected.InlineCSS += "\n"
			}
			injected.InlineCSS += content
		default:
			injected.JS = append(injected.JS, content)
		}
	}
	return injected, errs
}

func runCustomCode(pageCtx context.Context, code string, allowFileResources bool) error {
	trimmed := strings.TrimSpace(code)

	isFile := strings.HasSuffix(trimmed, ".js") && allowFileResources
	if isFile {
		content, err := readFileResource(trimmed)
		if err != nil {
			return err
		}
		return chromedp.Run(pageCtx, chromedp.Evaluate(content, nil))
	}

	funcLiteral := strings.HasPrefix(trimmed, "function") || strings.HasPrefix(trimmed, "(") ||
		strings.Contains(trimmed, "=>")
	var wrapped string
	if funcLiteral {
		wrapped = fmt.Sprintf("(%s)();", trimmed)
	} else {
		wrapped = fmt.Sprintf("(function(){ %s })();", trimmed)
	}
	return chromedp.Run(pageCtx, chromedp.Evaluate(wrapped, nil))
}

var privateHostPattern = regexp.MustCompile(`(?i)(?:href|src)\s*=\s*["']([^"']+)["']`)

// validateSVGOrigins is a defense-in-depth check: an SVG referencing a
// private-range or loopback host is refused, even though detection is
// primarily the external validator's job.
func validateSVGOrigins(svg string) error {
	for _, m := range privateHostPattern.FindAllStringSubmatch(svg, -1) {
		u, err := url.Parse(m[1])
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := u.Hostname()
		if host == "localhost" {
			return rendererr.Wrapf(fmt.Errorf("svg references localhost: %s", m[1]), rendererr.ErrInvalidRenderInput, "protocol: validate svg")
		}
		if ip := net.ParseIP(host); ip != nil && (ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
			return rendererr.Wrapf(fmt.Errorf("svg references private-range host: %s", m[1]), rendererr.ErrInvalidRenderInput, "protocol: validate svg")
		}
	}
	return nil
}

func injectSVG(pageCtx context.Context, svg string) error {
	js := fmt.Sprintf(`
(function() {
	document.getElementById('container').innerHTML = %q;
})();`, svg)
	return chromedp.Run(pageCtx, chromedp.Evaluate(js, nil))
}

func constructChart(pageCtx context.Context, req Request, peek chartOptionsPeek, constr Constructor, defaults Defaults, width, height int, effectiveType OutputType) error {
	options := req.Options
	if len(options) == 0 {
		options = json.RawMessage("{}")
	}

	w, h := width, height
	if effectiveType == OutputPDF || effectiveType == OutputSVG {
		// Width-overriding must not resize the SVG-producing chart for
		// document targets; scale applies only to raster targets.
		if peek.Chart.Width != nil {
			w = *peek.Chart.Width
		}
		if peek.Chart.Height != nil {
			h = *peek.Chart.Height
		}
	}

	callbackArg := "undefined"
	if req.Callback != "" && req.AllowCodeExecution {
		callbackArg = req.Callback
	}

	js := fmt.Sprintf(`
(function() {
	var opts = %s;
	opts.chart = opts.chart || {};
	opts.chart.width = %d;
	opts.chart.height = %d;
	opts.exporting = opts.exporting || {};
	opts.exporting.enabled = false;
	window.__chartInstance = window.Highcharts.%s('container', opts, %s);
})();`, string(options), w, h, constr, callbackArg)

	return chromedp.Run(pageCtx, chromedp.Evaluate(js, nil))
}

// stabilize polls the chart instance's rendered flag, bounded by
// timeout. There is no animation-frame fallback: a chart that never sets
// the flag times out. It requires a small number of consecutive positive
// polls before declaring victory, to avoid a single spurious frame
// short-circuiting the wait.
func stabilize(ctx context.Context, pageCtx context.Context, timeout time.Duration) error {
	const (
		pollInterval         = 25 * time.Millisecond
		requiredStableChecks = 3
	)

	readyJS := `(function() {
		var c = window.__chartInstance;
		return !!(c && c.renderer && (c.hasRendered || c.rendered));
	})();`

	deadline := time.Now().Add(timeout)
	stableCount := 0

	for {
		var ready bool
		if err := chromedp.Run(pageCtx, chromedp.Evaluate(readyJS, &ready)); err != nil {
			return err
		}
		if ready {
			stableCount++
			if stableCount >= requiredStableChecks {
				return nil
			}
		} else {
			stableCount = 0
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("protocol: chart did not stabilize within %s", timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// downloadCaptureStub monkeypatches Highcharts.downloadURL so
// exportChartLocal's PDF path (which bundles jsPDF/svg2pdf via the
// offline-exporting module) writes its data URL to a global instead of
// triggering a browser download, which headless export has no use for.
const downloadCaptureStub = `
(function() {
	if (window.Highcharts && !window.__downloadCapturePatched) {
		window.Highcharts.downloadURL = function(dataURL) {
			window.__lastExportDataURL = dataURL;
		};
		window.__downloadCapturePatched = true;
	}
})();`

func export(ctx context.Context, pageCtx context.Context, t OutputType, width, height int, scale float64) (Result, error) {
	switch t {
	case OutputSVG:
		return exportSVG(pageCtx)
	case OutputPNG, OutputJPEG:
		return exportRaster(pageCtx, t, width, height, scale)
	case OutputPDF:
		return exportPDF(ctx, pageCtx)
	default:
		return Result{}, rendererr.Wrapf(fmt.Errorf("unsupported export type %q", t), rendererr.ErrExportFailed, "protocol: export")
	}
}

func exportSVG(pageCtx context.Context) (Result, error) {
	var svg string
	js := `(function() {
		var el = document.querySelector('#container svg');
		return el ? el.outerHTML : '';
	})();`
	if err := chromedp.Run(pageCtx, chromedp.Evaluate(js, &svg)); err != nil {
		return Result{}, fmt.Errorf("protocol: serialize svg: %w", err)
	}
	if svg == "" {
		return Result{}, fmt.Errorf("protocol: no svg element found in container")
	}
	return Result{Bytes: []byte(svg), MimeType: mimeFor(OutputSVG)}, nil
}

// exportRaster captures the already-viewport-scaled page via CDP's own
// screenshot call, rather than hand-rolling a canvas/Image round-trip
// in JS.
func exportRaster(pageCtx context.Context, t OutputType, width, height int, scale float64) (Result, error) {
	format := cdppage.CaptureScreenshotFormatPng
	mime := "image/png"
	if t == OutputJPEG {
		format = cdppage.CaptureScreenshotFormatJpeg
		mime = "image/jpeg"
	}

	var buf []byte
	capture := chromedp.ActionFunc(func(ctx context.Context) error {
		data, err := cdppage.CaptureScreenshot().WithFormat(format).Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	})

	if err := chromedp.Run(pageCtx,
		chromedp.WaitVisible("#container svg", chromedp.ByQuery),
		capture,
	); err != nil {
		return Result{}, fmt.Errorf("protocol: rasterize: %w", err)
	}

	return Result{Bytes: buf, MimeType: mime}, nil
}

func exportPDF(ctx context.Context, pageCtx context.Context) (Result, error) {
	if err := chromedp.Run(pageCtx, chromedp.Evaluate(downloadCaptureStub, nil)); err != nil {
		return Result{}, fmt.Errorf("protocol: install download capture: %w", err)
	}

	triggerJS := `(function() {
		window.__lastExportDataURL = null;
		window.__chartInstance.exportChartLocal({ type: 'application/pdf' });
	})();`
	if err := chromedp.Run(pageCtx, chromedp.Evaluate(triggerJS, nil)); err != nil {
		return Result{}, fmt.Errorf("protocol: trigger pdf export: %w", err)
	}

	readJS := `window.__lastExportDataURL;`
	deadline := time.Now().Add(10 * time.Second)
	for {
		var dataURL string
		if err := chromedp.Run(pageCtx, chromedp.Evaluate(readJS, &dataURL)); err != nil {
			return Result{}, fmt.Errorf("protocol: poll pdf export: %w", err)
		}
		if dataURL != "" {
			parts := strings.SplitN(dataURL, ",", 2)
			if len(parts) != 2 {
				return Result{}, fmt.Errorf("protocol: malformed pdf data url")
			}
			decoded, err := base64.StdEncoding.DecodeString(parts[1])
			if err != nil {
				return Result{}, fmt.Errorf("protocol: decode pdf output: %w", err)
			}
			return Result{Bytes: decoded, MimeType: mimeFor(OutputPDF)}, nil
		}
		if time.Now().After(deadline) {
			return Result{}, fmt.Errorf("protocol: pdf export did not complete in time")
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// boundPageContext derives a context carrying pageCtx's chromedp values
// (the attached browser/tab handles) but cancelled as soon as either ctx
// or the returned cancel func fires.
func boundPageContext(ctx context.Context, pageCtx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancel(pageCtx)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return bound, func() {
		close(done)
		cancel()
	}
}

func readFileResource(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}
