// Package progress implements the Progress Monitor component: aggregate
// per-job outcomes and finalize a bulk scan once the expected total of
// terminal jobs is reached.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tlsfleet/crawlercore/internal/metrics"
	"github.com/tlsfleet/crawlercore/internal/model"
	"github.com/tlsfleet/crawlercore/internal/notify"
	"github.com/tlsfleet/crawlercore/internal/orchestration"
	"github.com/tlsfleet/crawlercore/internal/persistence"
)

// throughputLogInterval is how often a monitored bulk scan's instant
// throughput and ETA are logged and exported to Prometheus while it is
// still in flight.
const throughputLogInterval = 30 * time.Second

type entry struct {
	scan      *model.BulkScan
	counters  *model.BulkScanJobCounters
	startTime time.Time

	mu                sync.Mutex
	targetsGiven      int
	published         int
	resolutionErrors  int
	denylisted        int
	publishCountsDone bool

	stopThroughputLog func()
}

// expectedTotal mirrors model.BulkScan.ExpectedTotal but reads the
// monitor's own denormalized counts instead of the shared BulkScan
// pointer's fields, so it never races with the Controller's concurrent
// writes during target iteration (see controller.ProgressMonitor).
func (e *entry) expectedTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	published := e.published + e.resolutionErrors + e.denylisted
	if e.targetsGiven > published {
		return e.targetsGiven
	}
	return published
}

func (e *entry) quorumReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.publishCountsDone
}

// Monitor is the per-process Progress Monitor. One Monitor instance
// tracks every currently-monitored bulk scan.
type Monitor struct {
	store    persistence.Store
	broker   orchestration.Broker
	notifier *notify.Sink
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	onFinalize func()
}

// NewMonitor builds a Monitor.
func NewMonitor(store persistence.Store, broker orchestration.Broker, notifier *notify.Sink, log zerolog.Logger) *Monitor {
	return &Monitor{
		store:    store,
		broker:   broker,
		notifier: notifier,
		log:      log,
		entries:  make(map[string]*entry),
	}
}

// SetOnFinalize registers a hook invoked after every bulk scan finalize,
// once the entry is no longer tracked. The controller binary wires this
// to crongate.Gate.Reevaluate: a cron trigger's own reevaluate can have
// already run and found a scan still active (the common case, since
// RunOnce returns as soon as publishing finishes, well before the
// monitored scan's jobs are all done), and nothing else would ever
// recheck the shutdown condition afterward.
func (m *Monitor) SetOnFinalize(fn func()) {
	m.onFinalize = fn
}

// StartMonitoring implements controller.ProgressMonitor: register a
// done-notification consumer for this bulk scan id and begin periodic
// throughput logging.
func (m *Monitor) StartMonitoring(ctx context.Context, scan *model.BulkScan) error {
	e := &entry{
		scan:      scan,
		counters:  model.NewBulkScanJobCounters(),
		startTime: scan.StartTime,
	}

	m.mu.Lock()
	m.entries[scan.ID] = e
	m.mu.Unlock()
	metrics.ActiveBulkScans.Inc()

	stopCh := make(chan struct{})
	e.stopThroughputLog = sync.OnceFunc(func() { close(stopCh) })
	go m.logThroughputPeriodically(scan.ID, e, stopCh)

	if err := m.broker.RegisterDoneNotificationConsumer(ctx, scan.ID, func(n orchestration.DoneNotification) {
		m.onDoneNotification(ctx, scan.ID, n)
	}); err != nil {
		return fmt.Errorf("progress: register done consumer for %s: %w", scan.ID, err)
	}
	return nil
}

// SetPublishCounts implements controller.ProgressMonitor.
func (m *Monitor) SetPublishCounts(bulkScanID string, targetsGiven, published, resolutionErrors, denylisted int) {
	m.mu.Lock()
	e, ok := m.entries[bulkScanID]
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.targetsGiven = targetsGiven
	e.published = published
	e.resolutionErrors = resolutionErrors
	e.denylisted = denylisted
	e.publishCountsDone = true
	e.mu.Unlock()

	m.checkQuorum(context.Background(), bulkScanID, e)
}

// onDoneNotification increments counters and finalizes once the expected
// total is reached.
// Ordering is irrelevant; only the counter invariant gates finalize.
func (m *Monitor) onDoneNotification(ctx context.Context, bulkScanID string, n orchestration.DoneNotification) {
	m.mu.Lock()
	e, ok := m.entries[bulkScanID]
	m.mu.Unlock()
	if !ok {
		// Already finalized (or never monitored); a stray or duplicate
		// notification under at-least-once delivery is simply ignored.
		return
	}

	e.counters.Increment(n.JobStatus)
	m.checkQuorum(ctx, bulkScanID, e)
}

func (m *Monitor) checkQuorum(ctx context.Context, bulkScanID string, e *entry) {
	if !e.quorumReady() {
		return
	}
	if e.counters.TotalDone() != e.expectedTotal() {
		return
	}
	m.finalize(ctx, bulkScanID, e)
}

// finalize seals the bulk scan record, persists it, fires the HTTP
// notification, and stops tracking it.
func (m *Monitor) finalize(ctx context.Context, bulkScanID string, e *entry) {
	m.mu.Lock()
	if _, ok := m.entries[bulkScanID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.entries, bulkScanID)
	m.mu.Unlock()

	if e.stopThroughputLog != nil {
		e.stopThroughputLog()
	}

	now := time.Now().UTC()
	snapshot := e.counters.Snapshot()
	e.scan.Finished = true
	e.scan.EndTime = &now
	e.scan.SuccessfulScans = e.counters.Get(model.Success)
	e.scan.JobStatusCounters = snapshot

	log := m.log.With().Str("bulkScanId", bulkScanID).Logger()

	if err := m.store.FinalizeBulkScan(ctx, e.scan.Name, bulkScanID, snapshot, e.scan.SuccessfulScans); err != nil {
		log.Error().Err(err).Msg("progress: failed to persist finalized bulk scan")
	}

	if err := m.broker.CloseDoneChannel(ctx, bulkScanID); err != nil {
		log.Error().Err(err).Msg("progress: failed to close done channel")
	}

	if e.scan.NotifyURL != "" {
		if err := m.notifier.Notify(ctx, e.scan); err != nil {
			log.Warn().Err(err).Msg("progress: notification POST failed, not retried")
		}
	}

	metrics.ActiveBulkScans.Dec()
	log.Info().
		Int("successfulScans", e.scan.SuccessfulScans).
		Dur("duration", now.Sub(e.startTime)).
		Msg("progress: bulk scan finalized")

	if m.onFinalize != nil {
		m.onFinalize()
	}
}

// StopMonitoringAndFinalize is the external cancellation path: it
// behaves as if quorum were reached, e.g. when a
// scheduler-driven shutdown needs every in-flight bulk scan wrapped up.
func (m *Monitor) StopMonitoringAndFinalize(ctx context.Context, bulkScanID string) {
	m.mu.Lock()
	e, ok := m.entries[bulkScanID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.finalize(ctx, bulkScanID, e)
}

// ActiveCount reports how many bulk scans are currently being monitored.
// Wired into crongate.Gate as its ActiveScansProbe.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Monitor) logThroughputPeriodically(bulkScanID string, e *entry, stop <-chan struct{}) {
	ticker := time.NewTicker(throughputLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.reportThroughput(bulkScanID, e)
		}
	}
}

func (m *Monitor) reportThroughput(bulkScanID string, e *entry) {
	elapsed := time.Since(e.startTime)
	if elapsed <= 0 {
		return
	}
	totalDone := e.counters.TotalDone()
	rate := float64(totalDone) / elapsed.Seconds()

	log := m.log.With().Str("bulkScanId", bulkScanID).Logger()
	if rate <= 0 {
		log.Info().Msg("progress: no throughput yet")
		return
	}

	expected := e.expectedTotal()
	remaining := expected - totalDone
	if remaining < 0 {
		remaining = 0
	}
	etaSeconds := float64(remaining) / rate

	metrics.ThroughputJobsPerSec.WithLabelValues(bulkScanID).Set(rate)
	metrics.ETASeconds.WithLabelValues(bulkScanID).Set(etaSeconds)

	log.Info().
		Int("totalDone", totalDone).
		Int("expected", expected).
		Str("throughput", fmt.Sprintf("%.2f jobs/s", rate)).
		Str("eta", formatDuration(time.Duration(etaSeconds*float64(time.Second)))).
		Msg("progress: throughput update")
}

// formatDuration picks a unit by magnitude: ms below a second, s below
// a minute, "min sec" below an hour, "h m" below a day, otherwise d.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dmin %dsec", m, s)
	case d < 24*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", h, m)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
