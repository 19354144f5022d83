// Package controller implements the Controller component: run a bulk
// scan from configuration to fully-published. It parses
// and resolves raw targets, publishes scan jobs to the broker or
// synthesizes terminal done-notifications for pre-publish failures, and
// records final publish counts in persistence.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tlsfleet/crawlercore/internal/metrics"
	"github.com/tlsfleet/crawlercore/internal/model"
	"github.com/tlsfleet/crawlercore/internal/orchestration"
	"github.com/tlsfleet/crawlercore/internal/persistence"
	"github.com/tlsfleet/crawlercore/internal/targetparser"
	"github.com/tlsfleet/crawlercore/internal/targetsource"
)

// ProgressMonitor is the subset of the Progress Monitor the Controller
// depends on: hand off a freshly inserted, monitored BulkScan so the
// monitor can begin counting its done-notifications.
type ProgressMonitor interface {
	StartMonitoring(ctx context.Context, scan *model.BulkScan) error

	// SetPublishCounts hands the Progress Monitor the final publish
	// tallies once the Controller's target iteration completes. The
	// monitor keeps its own copy behind its own lock rather than reading
	// these fields off the shared BulkScan pointer, since done
	// notifications may already be arriving concurrently with
	// iteration, and the quorum computation must stay race-free.
	SetPublishCounts(bulkScanID string, targetsGiven, published, resolutionErrors, denylisted int)
}

// Config carries the per-run parameters the Controller needs beyond the
// capabilities injected into New. These mirror the controller binary's
// CLI flags one-to-one.
type Config struct {
	ScanName        string
	PortToBeScanned int
	ScanDetail      string
	Timeout         time.Duration
	Reexecutions    int
	Monitored       bool
	NotifyURL       string
	ScannerVersion  string
	CrawlerVersion  string
	ScanConfigExtra map[string]any
}

// Controller runs bulk scans. One Controller instance is shared across
// every cron firing and the single-run case alike; Run is safe to call
// repeatedly and concurrently (each call operates on its own BulkScan).
type Controller struct {
	store    persistence.Store
	broker   orchestration.Broker
	resolver targetparser.Resolver
	denylist targetparser.Denylist
	progress ProgressMonitor
	log      zerolog.Logger

	publishLimiter     *rate.Limiter
	publishMaxAttempts int
}

// New builds a Controller. publishRetryRate and publishMaxAttempts bound
// the broker-publish retry loop: a publish failure is retried with
// bounded backoff, and on exhaustion the run fails without ever being
// marked finished.
func New(
	store persistence.Store,
	broker orchestration.Broker,
	resolver targetparser.Resolver,
	denylist targetparser.Denylist,
	progress ProgressMonitor,
	publishRetryRate rate.Limit,
	publishMaxAttempts int,
	log zerolog.Logger,
) *Controller {
	if publishMaxAttempts <= 0 {
		publishMaxAttempts = 1
	}
	return &Controller{
		store:              store,
		broker:              broker,
		resolver:            resolver,
		denylist:            denylist,
		progress:            progress,
		log:                 log,
		publishLimiter:      rate.NewLimiter(publishRetryRate, 1),
		publishMaxAttempts:  publishMaxAttempts,
	}
}

// Run executes one bulk scan instance to completion: insert the BulkScan
// record, optionally register it with the Progress Monitor, iterate
// source for raw targets, and publish or synthesize a terminal
// notification for each. Every cron firing, and the single-run case,
// calls Run exactly once with a fresh source.
func (c *Controller) Run(ctx context.Context, cfg Config, source targetsource.Source) (*model.BulkScan, error) {
	now := time.Now().UTC()
	scan := &model.BulkScan{
		Name:           cfg.ScanName,
		CollectionName: model.DeriveCollectionName(cfg.ScanName, now),
		ScanConfig: model.ScanConfig{
			Timeout:        cfg.Timeout,
			Reexecutions:   cfg.Reexecutions,
			ScannerDetail:  cfg.ScanDetail,
			ScannerVersion: cfg.ScannerVersion,
			Extra:          cfg.ScanConfigExtra,
		},
		Monitored:         cfg.Monitored,
		StartTime:         now,
		JobStatusCounters: model.NewJobStatusCounters(),
		NotifyURL:         cfg.NotifyURL,
		ScannerVersion:    cfg.ScannerVersion,
		CrawlerVersion:    cfg.CrawlerVersion,
	}

	if err := c.store.InsertBulkScan(ctx, scan); err != nil {
		return nil, fmt.Errorf("controller: insert bulk scan %s: %w", scan.Name, err)
	}
	log := c.log.With().Str("bulkScanId", scan.ID).Str("scanName", scan.Name).Logger()

	if scan.Monitored {
		if err := c.broker.OpenDoneChannel(ctx, scan.ID); err != nil {
			return nil, fmt.Errorf("controller: open done channel for %s: %w", scan.ID, err)
		}
		if err := c.progress.StartMonitoring(ctx, scan); err != nil {
			return nil, fmt.Errorf("controller: start monitoring %s: %w", scan.ID, err)
		}
	}

	info := scan.Info()
	var targetsGiven, published, resolutionErrors, denylisted int

	for {
		raw, err := source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("controller: read target source: %w", err)
		}

		target, status, ok := targetparser.Parse(ctx, raw, cfg.PortToBeScanned, c.resolver, c.denylist)
		if !ok {
			continue
		}
		targetsGiven++
		metrics.TargetsGiven.WithLabelValues(scan.Name).Inc()

		if status == model.ToBeExecuted {
			job := model.NewPendingJob(target, info, scan.Name, scan.CollectionName)
			if err := c.publishWithRetry(ctx, job); err != nil {
				return nil, fmt.Errorf("controller: publish job for bulk scan %s: %w", scan.ID, err)
			}
			published++
			metrics.ScanJobsPublished.WithLabelValues(scan.Name).Inc()
			continue
		}

		// Pre-publish terminal outcome: counted only via the done
		// channel, never published to the job queue.
		switch status {
		case model.Denylisted:
			denylisted++
			metrics.ScanJobsDenylisted.WithLabelValues(scan.Name).Inc()
		default:
			resolutionErrors++
			metrics.ScanJobsResolutionErrors.WithLabelValues(scan.Name).Inc()
		}

		if scan.Monitored {
			syn, err := model.NewTerminalNotification(target, info, status)
			if err != nil {
				log.Warn().Err(err).Msg("controller: could not synthesize terminal notification")
				continue
			}
			n := orchestration.DoneNotification{
				BulkScanID: syn.BulkScanInfo.BulkScanID,
				JobStatus:  syn.Status,
				ScanTarget: syn.ScanTarget,
			}
			if err := c.broker.PublishDoneNotification(ctx, n); err != nil {
				log.Warn().Err(err).Str("status", string(status)).Msg("controller: failed to publish synthesized done notification")
			}
		}
	}

	scan.TargetsGiven = targetsGiven
	scan.ScanJobsPublished = published
	scan.ScanJobsResolutionErrors = resolutionErrors
	scan.ScanJobsDenylisted = denylisted

	if err := c.store.UpdateBulkScanPublishCounts(ctx, scan.Name, scan.ID, targetsGiven, published, resolutionErrors, denylisted); err != nil {
		return nil, fmt.Errorf("controller: update publish counts for %s: %w", scan.ID, err)
	}
	if scan.Monitored {
		c.progress.SetPublishCounts(scan.ID, targetsGiven, published, resolutionErrors, denylisted)
	}

	log.Info().
		Int("targetsGiven", targetsGiven).
		Int("published", published).
		Int("resolutionErrors", resolutionErrors).
		Int("denylisted", denylisted).
		Msg("controller: bulk scan fully published")
	return scan, nil
}

// publishWithRetry publishes job, making at most publishMaxAttempts
// attempts in total, with bounded backoff via the token-bucket limiter
// between them. Exhaustion returns
// the last error, leaving the run unmarked as finished.
func (c *Controller) publishWithRetry(ctx context.Context, job model.ScanJobDescription) error {
	var lastErr error
	for attempt := 0; attempt < c.publishMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.publishLimiter.Wait(ctx); err != nil {
				return fmt.Errorf("controller: publish backoff: %w", err)
			}
		}
		if err := c.broker.PublishScanJob(ctx, job); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("controller: exhausted %d publish attempts: %w", c.publishMaxAttempts, lastErr)
}
