//go:build integration

package page

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartrender/internal/assets"
)

func newTestBundle() *assets.Bundle {
	return &assets.Bundle{
		Version:    "test",
		ScriptBlob: []byte(`window.Highcharts = { setOptions: function(){}, charts: [] };`),
	}
}

func newAllocator(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", "shell"))
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return allocCtx, cancel
}

func TestSetupInstallsBundleExactlyOnce(t *testing.T) {
	allocCtx, cancel := newAllocator(t)
	defer cancel()

	res, err := New(allocCtx)
	require.NoError(t, err)
	defer res.Close()

	ctx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	require.NoError(t, res.Setup(ctx, newTestBundle()))

	var hasHighcharts bool
	require.NoError(t, chromedp.Run(res.Context(), chromedp.Evaluate(`!!window.Highcharts`, &hasHighcharts)))
	assert.True(t, hasHighcharts)
	assert.False(t, res.Unhealthy())
}

func TestSoftResetIsIdempotentAndPreservesBundle(t *testing.T) {
	allocCtx, cancel := newAllocator(t)
	defer cancel()

	res, err := New(allocCtx)
	require.NoError(t, err)
	defer res.Close()

	ctx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	require.NoError(t, res.Setup(ctx, newTestBundle()))

	// Simulate a chart existing, then reset twice.
	require.NoError(t, chromedp.Run(res.Context(), chromedp.Evaluate(`window.Highcharts.charts.push({destroy: function(){}})`, nil)))

	require.NoError(t, res.SoftReset(ctx))
	var firstHTML string
	require.NoError(t, chromedp.Run(res.Context(), chromedp.Evaluate(`document.body.innerHTML`, &firstHTML)))

	require.NoError(t, res.SoftReset(ctx))
	var secondHTML string
	require.NoError(t, chromedp.Run(res.Context(), chromedp.Evaluate(`document.body.innerHTML`, &secondHTML)))

	assert.Equal(t, firstHTML, secondHTML)

	var hasHighcharts bool
	require.NoError(t, chromedp.Run(res.Context(), chromedp.Evaluate(`!!window.Highcharts`, &hasHighcharts)))
	assert.True(t, hasHighcharts, "soft reset must not remove the installed bundle")
}

func TestInjectAndDisposeResourcesRoundTrip(t *testing.T) {
	allocCtx, cancel := newAllocator(t)
	defer cancel()

	res, err := New(allocCtx)
	require.NoError(t, err)
	defer res.Close()

	ctx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	require.NoError(t, res.Setup(ctx, newTestBundle()))

	handles, err := res.InjectResources(ctx, InjectedResources{
		JS:        []string{`window.__injected = true;`},
		InlineCSS: `body { margin: 0; }`,
	})
	require.NoError(t, err)
	require.Len(t, handles, 2)

	var injected bool
	require.NoError(t, chromedp.Run(res.Context(), chromedp.Evaluate(`!!window.__injected`, &injected)))
	assert.True(t, injected)

	require.NoError(t, res.DisposeResources(ctx, handles))

	var scriptStillPresent bool
	require.NoError(t, chromedp.Run(res.Context(),
		chromedp.Evaluate(`document.getElementById(`+`"`+handles[0].id+`"`+`) !== null`, &scriptStillPresent)))
	assert.False(t, scriptStillPresent)
}
