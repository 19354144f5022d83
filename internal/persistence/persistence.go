// Package persistence defines the document-store capability used by the
// Controller, Worker, and Progress Monitor: insert/update bulk scan
// metadata and insert per-job results.
package persistence

import (
	"context"

	"github.com/tlsfleet/crawlercore/internal/model"
)

// Store is the capability the orchestration core depends on. The
// mongostore package provides the concrete MongoDB-backed adapter.
//
// Every method takes the owning bulk scan's name explicitly rather than
// looking it up by ID: the document-store adapter keys the database
// itself by scan name, and the core always has the name on
// hand (BulkScan.Name, or BulkScanInfo carried on a job).
type Store interface {
	// InsertBulkScan inserts a new BulkScan document and assigns its ID.
	InsertBulkScan(ctx context.Context, scan *model.BulkScan) error

	// UpdateBulkScanPublishCounts persists targetsGiven and the final
	// publish counters once the Controller's target iteration completes.
	UpdateBulkScanPublishCounts(ctx context.Context, scanName, bulkScanID string, targetsGiven, published, resolutionErrors, denylisted int) error

	// FinalizeBulkScan persists the terminal state written by the
	// Progress Monitor: counters, finished, endTime, successfulScans.
	FinalizeBulkScan(ctx context.Context, scanName, bulkScanID string, counters map[model.JobStatus]int, successfulScans int) error

	// InsertScanResult writes a per-job result into the (dbName,
	// collectionName) named by job, creating secondary indexes on first
	// use. It must verify result.JobStatus == job.Status and reject
	// otherwise.
	//
	// It returns the status actually persisted, which can differ from
	// job.Status: an encoding failure on the result document falls back
	// to a SERIALIZATION_ERROR record instead of failing outright. The
	// caller must treat the returned status, not
	// job.Status, as authoritative for anything downstream (the done
	// notification, metrics, job.Status itself).
	InsertScanResult(ctx context.Context, result model.ScanResult, job model.ScanJobDescription) (model.JobStatus, error)

	// Close releases any held connections.
	Close(ctx context.Context) error
}
