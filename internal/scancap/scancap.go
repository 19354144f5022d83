// Package scancap defines the Scanner capability the orchestration core
// treats as an external collaborator: the actual TLS-scanning engine is
// wrapped behind an interface that produces an opaque result document
// given a target and config. A Factory builds one Scanner per bulk
// scan.
package scancap

import (
	"context"

	"github.com/tlsfleet/crawlercore/internal/model"
)

// ProgressFunc receives partial result documents a Scanner may emit
// while a scan is still in flight.
type ProgressFunc func(partial map[string]any)

// Scanner performs one scan against a single target and returns the
// opaque result document, or nil if the scan produced no result.
type Scanner interface {
	// Scan runs the scan. progress may be called zero or more times
	// before Scan returns; it must never be called after return.
	Scan(ctx context.Context, job model.ScanJobDescription, progress ProgressFunc) (map[string]any, error)

	// Init performs one-time, idempotent resource acquisition (opening
	// connections, warming caches). It is called at most once per
	// Scanner lifetime, lazily, on first use.
	Init(ctx context.Context) error

	// Cleanup releases resources acquired by Init. Called at most once,
	// when the owning holder determines no more jobs are inflight.
	Cleanup(ctx context.Context) error
}

// Factory builds a Scanner for one bulk scan, sized to the requested
// connection/scan thread counts. The worker binary injects its Factory
// into the Worker Manager; the Controller never calls one.
type Factory interface {
	CreateScanner(bulkScanID string, parallelConnectionThreads, parallelScanThreads int) (Scanner, error)
}
