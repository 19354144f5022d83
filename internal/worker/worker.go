// Package worker implements the Worker component: consume scan jobs off
// the broker, dispatch them to the Bulk Scan Worker Manager, classify
// the outcome, persist the result, acknowledge, and notify done.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tlsfleet/crawlercore/internal/metrics"
	"github.com/tlsfleet/crawlercore/internal/model"
	"github.com/tlsfleet/crawlercore/internal/orchestration"
	"github.com/tlsfleet/crawlercore/internal/persistence"
	"github.com/tlsfleet/crawlercore/internal/scancap"
	"github.com/tlsfleet/crawlercore/internal/scanmanager"
)

// Manager is the subset of scanmanager.Manager the Worker depends on.
type Manager interface {
	Handle(ctx context.Context, job model.ScanJobDescription, factory scancap.Factory, parallelConnectionThreads, parallelScanThreads int) (*scanmanager.Future, error)
}

// Config carries the per-process parameters the Worker needs, mirroring
// the worker binary's CLI flags.
type Config struct {
	ParallelConnectionThreads int
	ParallelScanThreads       int
	ScanTimeout               time.Duration
	// CancelGraceTimeout bounds the second timed wait attempted after a
	// scan times out, giving the scanner a chance to release resources
	// cooperatively before the job is finalized as CANCELLED.
	CancelGraceTimeout time.Duration
}

// Worker consumes scan jobs from the broker with a bounded concurrency
// equal to ParallelScanThreads, the same bound given to the broker as
// the consumer's prefetch.
type Worker struct {
	broker  orchestration.Broker
	manager Manager
	factory scancap.Factory
	store   persistence.Store
	cfg     Config
	log     zerolog.Logger

	sem chan struct{}
}

// New builds a Worker.
func New(broker orchestration.Broker, manager Manager, factory scancap.Factory, store persistence.Store, cfg Config, log zerolog.Logger) *Worker {
	if cfg.ParallelScanThreads < 1 {
		cfg.ParallelScanThreads = 1
	}
	if cfg.CancelGraceTimeout <= 0 {
		cfg.CancelGraceTimeout = 5 * time.Second
	}
	return &Worker{
		broker:  broker,
		manager: manager,
		factory: factory,
		store:   store,
		cfg:     cfg,
		log:     log,
		sem:     make(chan struct{}, cfg.ParallelScanThreads),
	}
}

// Start registers the Worker's scan-job consumer with the broker, with
// prefetch equal to the configured parallel-scan thread count. Each
// delivery is dispatched onto the Worker's own bounded executor so at
// most ParallelScanThreads jobs run concurrently regardless of how many
// unacknowledged deliveries the broker has handed out.
func (w *Worker) Start(ctx context.Context) error {
	return w.broker.RegisterScanJobConsumer(ctx, w.cfg.ParallelScanThreads, func(d orchestration.Delivery) {
		w.sem <- struct{}{}
		go func() {
			defer func() { <-w.sem }()
			defer func() {
				if r := recover(); r != nil {
					w.recoverJob(ctx, d, r)
				}
			}()
			w.handleScanJob(ctx, d)
		}()
	})
}

// recoverJob is the backstop for a panic escaping handleScanJob (a
// persistence or broker adapter fault, not a scan failure — those are
// already caught under the future): the job is finalized as
// CRAWLER_ERROR so one bad delivery never takes down the other
// in-flight jobs or leaks its consumer slot. Persistence is not
// attempted here since the panic may have originated inside it; the
// delivery is acked best-effort and the done notification carries the
// terminal status.
func (w *Worker) recoverJob(ctx context.Context, d orchestration.Delivery, r any) {
	job := d.Job
	job.Status = model.CrawlerError
	log := w.log.With().Str("bulkScanId", job.BulkScanInfo.BulkScanID).Logger()
	log.Error().Interface("panic", r).Msg("worker: job handler panicked, finalizing as crawler error")

	if err := d.Ack(); err != nil {
		log.Error().Err(err).Msg("worker: failed to ack delivery after panic")
	}

	target := job.ScanTarget
	target.ResultStatus = model.CrawlerError
	notif := orchestration.DoneNotification{
		BulkScanID: job.BulkScanInfo.BulkScanID,
		JobStatus:  model.CrawlerError,
		ScanTarget: target,
	}
	if err := w.broker.PublishDoneNotification(ctx, notif); err != nil {
		log.Error().Err(err).Msg("worker: failed to publish done notification after panic")
	}

	metrics.JobsCompleted.WithLabelValues(job.BulkScanInfo.BulkScanID, string(model.CrawlerError)).Inc()
}

// handleScanJob runs one delivery end to end: dispatch, wait, classify,
// persist, ack, notify.
func (w *Worker) handleScanJob(ctx context.Context, d orchestration.Delivery) {
	job := d.Job
	start := time.Now()

	fut, err := w.manager.Handle(ctx, job, w.factory, w.cfg.ParallelConnectionThreads, w.cfg.ParallelScanThreads)
	if err != nil {
		w.finish(ctx, d, job, model.CrawlerError, nil, err, time.Since(start))
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.ScanTimeout)
	doc, waitErr := fut.Wait(waitCtx)
	cancel()

	status := classify(doc, waitErr)
	cause := waitErr

	if status == model.Cancelled {
		fut.Cancel()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), w.cfg.CancelGraceTimeout)
		doc2, err2 := fut.Wait(graceCtx)
		graceCancel()
		if err2 == nil {
			doc = doc2
		} else {
			doc = map[string]any{}
		}
		cause = errors.New("worker: scan timed out")
	}

	w.finish(ctx, d, job, status, doc, cause, time.Since(start))
}

// classify maps a scan outcome to its terminal status, covering
// everything except the CANCELLED second-wait grace period, which the
// caller handles.
func classify(doc map[string]any, err error) model.JobStatus {
	switch {
	case err == nil:
		if len(doc) == 0 {
			return model.Empty
		}
		return model.Success
	case errors.Is(err, context.DeadlineExceeded):
		return model.Cancelled
	case errors.Is(err, context.Canceled):
		return model.InternalError
	default:
		return model.Error
	}
}

// finish persists the result (unless status is INTERNAL_ERROR, which is
// never persisted), acknowledges the broker message, and emits a done
// notification. It never returns an error: every failure past this
// point is logged, persistence is never retried, and the job still gets
// its ack and done notification. The status carried on the notification
// and recorded in metrics always reflects what InsertScanResult actually persisted,
// since an encoding failure can downgrade it to SERIALIZATION_ERROR
// without the store returning an error.
func (w *Worker) finish(ctx context.Context, d orchestration.Delivery, job model.ScanJobDescription, status model.JobStatus, doc map[string]any, cause error, dur time.Duration) {
	job.Status = status
	log := w.log.With().Str("bulkScanId", job.BulkScanInfo.BulkScanID).Str("status", string(status)).Logger()

	if status != model.InternalError {
		result, err := buildResult(job, doc, cause, dur)
		if err != nil {
			log.Error().Err(err).Msg("worker: failed to build result document")
			job.Status = model.InternalError
			status = model.InternalError
		} else if persistedStatus, err := w.store.InsertScanResult(ctx, result, job); err != nil {
			log.Error().Err(err).Msg("worker: failed to persist result, marking internal error")
			job.Status = model.InternalError
			status = model.InternalError
		} else if persistedStatus != status {
			log.Warn().Str("persistedStatus", string(persistedStatus)).Msg("worker: result persisted under a different status than the scan outcome")
			job.Status = persistedStatus
			status = persistedStatus
		}
	}

	if err := d.Ack(); err != nil {
		log.Error().Err(err).Msg("worker: failed to ack delivery")
	}

	target := job.ScanTarget
	target.ResultStatus = status
	notif := orchestration.DoneNotification{
		BulkScanID: job.BulkScanInfo.BulkScanID,
		JobStatus:  status,
		ScanTarget: target,
	}
	if err := w.broker.PublishDoneNotification(ctx, notif); err != nil {
		log.Error().Err(err).Msg("worker: failed to publish done notification")
	}

	metrics.JobsCompleted.WithLabelValues(job.BulkScanInfo.BulkScanID, string(status)).Inc()
}

func buildResult(job model.ScanJobDescription, doc map[string]any, cause error, dur time.Duration) (model.ScanResult, error) {
	switch job.Status {
	case model.Success:
		return model.NewSuccessResult(job, doc, dur), nil
	case model.Empty:
		return model.NewEmptyResult(job, dur), nil
	default:
		return model.FromException(job, cause, dur)
	}
}
