// Command chartrenderd is a minimal demonstration binary wiring a
// chartrender.Root to an HTTP surface. Routing, CORS, rate limiting, and
// multipart parsing are deliberately out of scope for the core; this
// binary exists only to show the Root's entry points in use.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chartrender"
	"chartrender/internal/rendererr"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg := defaultConfig()
	root := chartrender.New(cfg, log)

	startCtx, startCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := root.Start(startCtx); err != nil {
		startCancel()
		log.Fatal().Err(err).Msg("chartrenderd: failed to start")
	}
	startCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("chartrenderd: received shutdown signal, cleaning up")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = root.Shutdown(ctx)
		os.Exit(0)
	}()

	adminToken := os.Getenv("CHARTRENDERD_ADMIN_TOKEN")

	mux := http.NewServeMux()
	mux.HandleFunc("/render", handleRender(root, log))
	mux.HandleFunc("/admin/version", handleUpdateVersion(root, adminToken, log))
	mux.HandleFunc("/health", handleHealth(root))

	log.Info().Msg("chartrenderd: listening on :8080")
	log.Fatal().Err(http.ListenAndServe(":8080", mux)).Msg("chartrenderd: server exited")
}

// renderPayload is the illustrative wire shape for POST /render. A real
// HTTP layer would validate user-supplied option shapes before this
// ever reaches chartrender.Root; that validation is an external
// collaborator's job, not the core's.
type renderPayload struct {
	Options json.RawMessage `json:"options"`
	SVG     *string         `json:"svg"`

	Width  int     `json:"width"`
	Height int     `json:"height"`
	Scale  float64 `json:"scale"`

	Constructor string `json:"constructor"`
	Type        string `json:"type"`
	Outfile     string `json:"outfile"`

	GlobalOptions json.RawMessage `json:"globalOptions"`
	ThemeOptions  json.RawMessage `json:"themeOptions"`

	CustomCode string `json:"customCode"`
	Callback   string `json:"callback"`

	AllowCodeExecution     bool   `json:"allowCodeExecution"`
	AllowFileResources     bool   `json:"allowFileResources"`
	RasterizationTimeoutMs int64  `json:"rasterizationTimeoutMs"`
	RequestID              string `json:"requestId"`
}

func handleRender(root *chartrender.Root, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var p renderPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		req := chartrender.Request{
			Options:              p.Options,
			SVG:                  p.SVG,
			Width:                p.Width,
			Height:               p.Height,
			Scale:                p.Scale,
			Constructor:          p.Constructor,
			Type:                 p.Type,
			Outfile:              p.Outfile,
			GlobalOptions:        p.GlobalOptions,
			ThemeOptions:         p.ThemeOptions,
			CustomCode:           p.CustomCode,
			Callback:             p.Callback,
			AllowCodeExecution:   p.AllowCodeExecution,
			AllowFileResources:   p.AllowFileResources,
			RasterizationTimeout: time.Duration(p.RasterizationTimeoutMs) * time.Millisecond,
			RequestID:            p.RequestID,
		}

		result, err := root.Render(r.Context(), req)
		if err != nil {
			writeRenderError(w, log, err)
			return
		}

		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("X-Produced-By", result.ProducedBy)
		_, _ = w.Write(result.Bytes)
	}
}

// writeRenderError maps the core's error taxonomy onto HTTP status
// codes. A real HTTP layer would do this; it is folded in here only so
// this demo binary is actually runnable end to end.
func writeRenderError(w http.ResponseWriter, log zerolog.Logger, err error) {
	log.Warn().Err(err).Msg("chartrenderd: render failed")
	status := http.StatusBadRequest
	switch {
	case rendererr.Is(err, rendererr.ErrAcquireTimeout):
		status = http.StatusServiceUnavailable
	case rendererr.Is(err, rendererr.ErrBrowserUnavailable), rendererr.Is(err, rendererr.ErrAssetFetchFailed):
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}

type updateVersionPayload struct {
	NewVersion string `json:"newVersion"`
	AdminToken string `json:"adminToken"`
}

func handleUpdateVersion(root *chartrender.Root, adminToken string, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var p updateVersionPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		if adminToken == "" || subtle.ConstantTimeCompare([]byte(p.AdminToken), []byte(adminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		version, err := root.UpdateVersion(r.Context(), p.NewVersion)
		if err != nil {
			log.Warn().Err(err).Msg("chartrenderd: update version failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]string{"version": version})
	}
}

func handleHealth(root *chartrender.Root) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := root.Stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}
