package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cdnBaseURL string) *Cache {
	t.Helper()
	cachePath := t.TempDir()
	cfg := Config{
		Version:       "11.4.8",
		CDNBaseURL:    cdnBaseURL,
		CachePath:     cachePath,
		CoreScripts:   []string{"highcharts"},
		ModuleScripts: []string{"modules/exporting"},
		RetryMax:      1,
		RetryWaitMin:  time.Millisecond,
		RetryWaitMax:  2 * time.Millisecond,
	}
	return New(cfg, zerolog.Nop())
}

func TestOrderedEntriesPreservesCoreModuleIndicatorCustomOrder(t *testing.T) {
	cache := newTestCache(t, "https://example.test")
	cache.cfg.IndicatorScripts = []string{"indicators/indicators-all"}
	cache.cfg.CustomScripts = []string{"https://cdn.example.test/my-plugin.js"}

	entries := cache.orderedEntries("11.4.8")
	require.Len(t, entries, 4)
	assert.Equal(t, "highcharts", entries[0].name)
	assert.Equal(t, "modules/exporting", entries[1].name)
	assert.Equal(t, "indicators/indicators-all", entries[2].name)
	assert.Equal(t, "my-plugin.js", entries[3].name)
	assert.Equal(t, "https://cdn.example.test/my-plugin.js", entries[3].url)
}

func TestEnsureFetchesAndConcatenatesInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/11.4.8/highcharts.js":
			_, _ = w.Write([]byte("/* Highcharts v11.4.8 */\nfunction Highcharts(){}"))
		case "/11.4.8/modules/exporting.js":
			_, _ = w.Write([]byte("function exporting(){}"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cache := newTestCache(t, srv.URL)
	bundle, err := cache.Ensure(context.Background(), "11.4.8")
	require.NoError(t, err)

	assert.Equal(t, "11.4.8", bundle.Version)
	assert.Contains(t, string(bundle.ScriptBlob), "function Highcharts")
	assert.Contains(t, string(bundle.ScriptBlob), "function exporting")
	assert.Less(t,
		indexOf(string(bundle.ScriptBlob), "function Highcharts"),
		indexOf(string(bundle.ScriptBlob), "function exporting"),
	)
	assert.Equal(t, []string{"highcharts", "modules/exporting"}, bundle.Manifest)
}

func TestEnsureExtractsVersionBannerOverConfiguredLiteral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("/* Highcharts v11.5.0 */\n"))
	}))
	defer srv.Close()

	cache := newTestCache(t, srv.URL)
	cache.cfg.ModuleScripts = nil

	bundle, err := cache.Ensure(context.Background(), "11.4.8")
	require.NoError(t, err)
	assert.Equal(t, "11.5.0", bundle.Version)
}

func TestEnsurePersistsSourcesAndManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("content"))
	}))
	defer srv.Close()

	cache := newTestCache(t, srv.URL)
	cache.cfg.ModuleScripts = nil

	_, err := cache.Ensure(context.Background(), "11.4.8")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(cache.cfg.CachePath, "sources.js"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cache.cfg.CachePath, "manifest.json"))
	assert.NoError(t, err)
}

func TestObtainPrefersCacheOverNetworkUnlessForced(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, _ = w.Write([]byte("from network"))
	}))
	defer srv.Close()

	cache := newTestCache(t, srv.URL)
	cache.cfg.ModuleScripts = nil
	require.NoError(t, os.WriteFile(filepath.Join(cache.cfg.CachePath, "highcharts.js"), []byte("from cache"), 0o644))

	content, err := cache.obtain(context.Background(), scriptEntry{name: "highcharts", url: srv.URL + "/11.4.8/highcharts.js"})
	require.NoError(t, err)
	assert.Equal(t, "from cache", string(content))
	assert.False(t, called)
}

func TestUpdateVersionLeavesPreviousBundleOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/11.4.8/highcharts.js" {
			_, _ = w.Write([]byte("v1"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := newTestCache(t, srv.URL)
	cache.cfg.ModuleScripts = nil

	require.NoError(t, cache.Start(context.Background()))
	before := cache.Current()

	_, err := cache.UpdateVersion(context.Background(), "99.0.0")
	assert.Error(t, err)
	assert.Same(t, before, cache.Current())
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
