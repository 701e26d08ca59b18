//go:build integration

package chartrender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartrender/internal/assets"
	"chartrender/internal/browser"
	"chartrender/internal/pool"
	"chartrender/internal/protocol"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("/* Highcharts v11.4.8 */\nwindow.Highcharts = { setOptions: function(){}, charts: [], " +
			"chart: function(id, opts) { " +
			"document.getElementById(id).innerHTML = '<svg xmlns=\"http://www.w3.org/2000/svg\" width=\"' + opts.chart.width + '\" height=\"' + opts.chart.height + '\"><rect width=\"100%\" height=\"100%\"/></svg>'; " +
			"var c = { renderer: {}, hasRendered: true, destroy: function(){} }; this.charts.push(c); return c; } };"))
	}))
	t.Cleanup(srv.Close)

	cfg := Config{
		Highcharts: assets.Config{
			Version:      "11.4.8",
			CDNBaseURL:   srv.URL,
			CachePath:    t.TempDir(),
			CoreScripts:  []string{"highcharts"},
			RetryMax:     1,
			RetryWaitMin: time.Millisecond,
			RetryWaitMax: 2 * time.Millisecond,
		},
		Pool: pool.Config{
			MinWorkers:     1,
			MaxWorkers:     2,
			WorkLimit:      50,
			AcquireTimeout: pool.Duration(10 * time.Second),
		},
		Export: protocol.Defaults{
			Width:                600,
			Height:               400,
			Scale:                1,
			Constructor:          protocol.ConstructorChart,
			Type:                 protocol.OutputPNG,
			RasterizationTimeout: 5 * time.Second,
		},
		Browser: browser.Config{HeadlessMode: "shell"},
	}

	root := New(cfg, zerolog.Nop())
	require.NoError(t, root.Start(context.Background()))
	t.Cleanup(func() { _ = root.Shutdown(context.Background()) })
	return root
}

func minimalChartOptions(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"series": []map[string]interface{}{
			{"type": "line", "data": []int{1, 2, 3}},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestRenderProducesPNGAndUpdatesStats(t *testing.T) {
	root := newTestRoot(t)

	result, err := root.Render(context.Background(), Request{
		Options: minimalChartOptions(t),
		Width:   300,
		Height:  200,
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", result.MimeType)
	assert.NotEmpty(t, result.Bytes)

	snap := root.Stats()
	assert.Equal(t, int64(1), snap.ExportAttempts)
	assert.Equal(t, int64(1), snap.PerformedExports)
	assert.Equal(t, int64(0), snap.DroppedExports)
}

func TestRenderAfterVersionUpdateUsesNewBundle(t *testing.T) {
	root := newTestRoot(t)

	// The single-script test CDN always serves the same content regardless
	// of the requested version segment, but UpdateVersion must still
	// publish a new Bundle (with its own Version field) and a subsequent
	// render must succeed. Pages already in the pool are not set up again,
	// so this render may run on a page holding the earlier bundle.
	newVersion, err := root.UpdateVersion(context.Background(), "11.4.8")
	require.NoError(t, err)
	assert.Equal(t, "11.4.8", newVersion)

	result, err := root.Render(context.Background(), Request{
		Options: minimalChartOptions(t),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Bytes)
}

func TestRenderFailureIsRecordedAsDropped(t *testing.T) {
	root := newTestRoot(t)

	malformed := json.RawMessage(`{not valid json`)
	_, err := root.Render(context.Background(), Request{Options: malformed})
	assert.Error(t, err)

	snap := root.Stats()
	assert.Equal(t, int64(1), snap.DroppedExports)
}
