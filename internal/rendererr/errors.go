// Package rendererr defines the rendering engine's error taxonomy.
//
// These are kinds, not concrete types: callers classify an error with
// errors.Is(err, rendererr.ErrX) against the sentinels below, while the
// wrapped error itself carries the human-readable detail and stack.
package rendererr

import "github.com/cockroachdb/errors"

var (
	// ErrAssetFetchFailed: network/IO fetching or reading a script in the
	// asset cache. Fatal to init if no bundle has ever been published yet.
	ErrAssetFetchFailed = errors.New("rendererr: asset fetch failed")

	// ErrBrowserUnavailable: launch or reconnect exhausted its attempts.
	// Fatal to the process until restart.
	ErrBrowserUnavailable = errors.New("rendererr: browser unavailable")

	// ErrAcquireTimeout: the pool had no free worker within acquireTimeoutMs.
	ErrAcquireTimeout = errors.New("rendererr: acquire timeout")

	// ErrCreateFailed: page creation exceeded createTimeoutMs through
	// repeated retries. Surfaces to the dispatcher as ErrAcquireTimeout.
	ErrCreateFailed = errors.New("rendererr: worker create failed")

	// ErrRasterizationTimeout: the charting runtime did not reach a stable
	// state within the deadline. The page is marked unhealthy.
	ErrRasterizationTimeout = errors.New("rendererr: rasterization timeout")

	// ErrInvalidRenderInput: the request is internally inconsistent (e.g.
	// neither options nor svg present) even though shape validation is an
	// external collaborator's job.
	ErrInvalidRenderInput = errors.New("rendererr: invalid render input")

	// ErrExportFailed: the charting runtime's own export call failed
	// in-page; wraps the serialized in-page stack as detail.
	ErrExportFailed = errors.New("rendererr: export failed")

	// ErrResourceInjectionFailed: a single user resource (js/css/file)
	// could not be injected. Non-fatal — the render continues without it.
	ErrResourceInjectionFailed = errors.New("rendererr: resource injection failed")
)

// Is reports whether err is classified as kind, unwrapping through any
// cockroachdb/errors marks or wraps.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// Mark attaches kind to err so errors.Is(result, kind) succeeds, while
// preserving err's own message and stack for logs.
func Mark(err, kind error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, kind)
}

// Wrapf wraps err with a formatted message and marks it with kind.
func Wrapf(err, kind error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Mark(errors.Wrapf(err, format, args...), kind)
}
