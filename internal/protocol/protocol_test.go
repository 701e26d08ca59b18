package protocol

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConstructorAcceptsKnownValues(t *testing.T) {
	for _, s := range []string{"chart", "stockChart", "mapChart", "ganttChart"} {
		c, err := ParseConstructor(s)
		require.NoError(t, err)
		assert.Equal(t, Constructor(s), c)
	}
}

func TestParseConstructorRejectsUnknown(t *testing.T) {
	_, err := ParseConstructor("barChart")
	assert.Error(t, err)
}

func TestResolveTypeNormalizesJpgToJpeg(t *testing.T) {
	assert.Equal(t, OutputJPEG, ResolveType("jpg", "", OutputPNG))
}

func TestResolveTypeOutfileExtensionWinsOverInconsistentType(t *testing.T) {
	// An inconsistent outfile extension overrides the requested type.
	assert.Equal(t, OutputPDF, ResolveType("png", "report.pdf", OutputPNG))
}

func TestResolveTypeFallsBackToPngOnUnsupported(t *testing.T) {
	assert.Equal(t, OutputPNG, ResolveType("tiff", "", ""))
}

func TestResolveTypeUsesFallbackWhenNothingRequested(t *testing.T) {
	assert.Equal(t, OutputSVG, ResolveType("", "", OutputSVG))
}

func TestResolveDimensionsPrefersExplicitRequestValue(t *testing.T) {
	req := Request{Width: 800, Height: 500, Scale: 2}
	defaults := Defaults{Width: 600, Height: 400, Scale: 1}

	w, h, s := resolveDimensions(req, chartOptionsPeek{}, defaults)
	assert.Equal(t, 800, w)
	assert.Equal(t, 500, h)
	assert.Equal(t, 2.0, s)
}

func TestResolveDimensionsFallsBackToChartOptionsThenDefaults(t *testing.T) {
	w300, h200 := 300, 200
	var peek chartOptionsPeek
	peek.Chart.Width = &w300
	peek.Chart.Height = &h200

	defaults := Defaults{Width: 600, Height: 400, Scale: 1}
	w, h, _ := resolveDimensions(Request{}, peek, defaults)
	assert.Equal(t, 300, w)
	assert.Equal(t, 200, h)

	w2, h2, _ := resolveDimensions(Request{}, chartOptionsPeek{}, defaults)
	assert.Equal(t, 600, w2)
	assert.Equal(t, 400, h2)
}

func TestResolveDimensionsClampsScaleToConfiguredRange(t *testing.T) {
	defaults := Defaults{Width: 600, Height: 400, Scale: 1}

	_, _, high := resolveDimensions(Request{Scale: 99}, chartOptionsPeek{}, defaults)
	assert.Equal(t, 5.0, high)

	_, _, low := resolveDimensions(Request{Scale: 0.001}, chartOptionsPeek{}, defaults)
	assert.Equal(t, 0.1, low)
}

func TestValidateSVGOriginsRejectsPrivateRangeHost(t *testing.T) {
	svg := `<svg xmlns="http://www.w3.org/2000/svg"><image xlink:href="http://10.0.0.1/x"/></svg>`
	err := validateSVGOrigins(svg)
	assert.Error(t, err)
}

func TestValidateSVGOriginsRejectsLocalhost(t *testing.T) {
	svg := `<svg><image href="http://localhost:8080/x"/></svg>`
	assert.Error(t, validateSVGOrigins(svg))
}

func TestValidateSVGOriginsAllowsPublicHost(t *testing.T) {
	svg := `<svg xmlns="http://www.w3.org/2000/svg"><image xlink:href="https://cdn.example.com/x.png"/></svg>`
	assert.NoError(t, validateSVGOrigins(svg))
}

func TestValidateSVGOriginsAllowsPlainSVGWithNoReferences(t *testing.T) {
	svg := `<svg xmlns="http://www.w3.org/2000/svg" width="100" height="50"><rect width="100" height="50"/></svg>`
	assert.NoError(t, validateSVGOrigins(svg))
}

func TestExpandCSSImportsRewritesRemoteImportAsLink(t *testing.T) {
	css := `@import url("https://fonts.example.com/a.css"); body { color: red; }`
	links, remaining, errs := expandCSSImports(css, false)
	assert.Empty(t, errs)
	assert.Equal(t, []string{"https://fonts.example.com/a.css"}, links)
	assert.Equal(t, " body { color: red; }", remaining)
}

func TestExpandCSSImportsInlinesLocalFileWhenAllowed(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/base.css"
	require.NoError(t, os.WriteFile(path, []byte(".base{color:blue}"), 0o644))

	css := `@import url(` + path + `); .extra{color:green}`
	links, remaining, errs := expandCSSImports(css, true)
	assert.Empty(t, errs)
	assert.Empty(t, links)
	assert.Equal(t, ".base{color:blue} .extra{color:green}", remaining)
}

func TestExpandCSSImportsRejectsLocalFileWhenNotAllowed(t *testing.T) {
	css := `@import url(/etc/some.css); .extra{color:green}`
	links, remaining, errs := expandCSSImports(css, false)
	assert.Empty(t, links)
	require.Len(t, errs, 1)
	assert.Equal(t, " .extra{color:green}", remaining)
}

func TestExpandCSSImportsHandlesMultipleAndNoImports(t *testing.T) {
	links, remaining, errs := expandCSSImports(".plain{margin:0}", false)
	assert.Empty(t, links)
	assert.Empty(t, errs)
	assert.Equal(t, ".plain{margin:0}", remaining)

	css := `@import url(//cdn.example.com/reset.css);@import url('https://fonts.example.com/b.css');`
	links2, _, errs2 := expandCSSImports(css, false)
	assert.Empty(t, errs2)
	assert.Equal(t, []string{"//cdn.example.com/reset.css", "https://fonts.example.com/b.css"}, links2)
}
