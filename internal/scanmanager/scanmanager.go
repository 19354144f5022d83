// Package scanmanager implements the Bulk Scan Worker Manager: a
// per-process singleton that, keyed by bulk-scan id,
// lazily constructs and caches a BulkScanWorker holding scanner
// resources and a fixed-size scan executor.
package scanmanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tlsfleet/crawlercore/internal/model"
	"github.com/tlsfleet/crawlercore/internal/scancap"
)

// defaultIdleReap is how long a holder sits idle (zero inflight jobs,
// no new submission) before the Manager evicts and cleans it up. The
// worker process has no cross-process signal for "this bulk scan's
// jobs are all done" — that bookkeeping lives in the Progress Monitor,
// which runs in the controller process — so reaping is debounced
// instead of tied to a single inflight-to-zero crossing. Real broker
// delivery leaves gaps of seconds between jobs of the same bulk scan;
// defaultIdleReap must comfortably outlast those so a bulk scan's
// scanner resources survive for its whole run, not just one job.
const defaultIdleReap = 2 * time.Minute

// Future is a progressable handle to an in-flight scan. Wait blocks
// until the scan completes or ctx is done.
type Future struct {
	done   chan struct{}
	doc    map[string]any
	err    error
	cancel context.CancelFunc
}

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

func (f *Future) complete(doc map[string]any, err error) {
	f.doc, f.err = doc, err
	close(f.done)
}

// Wait blocks for completion or ctx cancellation; the Worker drives its
// wall-clock timeout through the ctx deadline.
func (f *Future) Wait(ctx context.Context) (map[string]any, error) {
	select {
	case <-f.done:
		return f.doc, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels the scan's context, asking the scanner to stop
// cooperatively. The Worker calls this after its wall-clock timeout
// fires, before attempting one more bounded wait so resources have a
// chance to release.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Done reports whether the future has already completed, without
// blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Manager is the process-wide Bulk Scan Worker Manager singleton.
type Manager struct {
	mu       sync.Mutex
	holders  map[string]*BulkScanWorker
	idleReap time.Duration
}

// NewManager constructs an empty Manager with the default idle-reap
// grace period.
func NewManager() *Manager {
	return NewManagerWithIdleReap(defaultIdleReap)
}

// NewManagerWithIdleReap constructs an empty Manager whose holders are
// evicted and cleaned up after idleReap of inactivity. idleReap <= 0
// disables automatic reaping; callers become responsible for calling
// Remove themselves.
func NewManagerWithIdleReap(idleReap time.Duration) *Manager {
	return &Manager{holders: make(map[string]*BulkScanWorker), idleReap: idleReap}
}

// Handle looks up the holder for job's bulk scan and submits the job to
// it, returning a Future the caller awaits. Lookup is by
// job.BulkScanInfo.BulkScanID; if absent, the holder is constructed via
// factory.CreateScanner and cached until Remove evicts it, either
// explicitly or from the holder's idle-reap timer (at most one cached
// holder per bulk-scan id at a time).
func (m *Manager) Handle(ctx context.Context, job model.ScanJobDescription, factory scancap.Factory, parallelConnectionThreads, parallelScanThreads int) (*Future, error) {
	holder, err := m.getOrCreate(job.BulkScanInfo.BulkScanID, factory, parallelConnectionThreads, parallelScanThreads)
	if err != nil {
		return nil, err
	}
	return holder.submit(ctx, job)
}

func (m *Manager) getOrCreate(bulkScanID string, factory scancap.Factory, parallelConnectionThreads, parallelScanThreads int) (*BulkScanWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.holders[bulkScanID]; ok {
		return h, nil
	}

	scanner, err := factory.CreateScanner(bulkScanID, parallelConnectionThreads, parallelScanThreads)
	if err != nil {
		return nil, fmt.Errorf("scanmanager: create scanner for %s: %w", bulkScanID, err)
	}
	h := newBulkScanWorker(bulkScanID, scanner, parallelScanThreads, m.idleReap, m.Remove)
	m.holders[bulkScanID] = h
	return h, nil
}

// Remove evicts the holder for bulkScanID and runs its cleanup exactly
// once: callable explicitly at bulk-scan teardown, and also the target
// of each holder's own idle-reap timer. This is the one place a
// holder's scanner resources are torn down; init and cleanup each run
// exactly once across a holder's lifetime, not once per
// idle period between jobs. Remove does not wait for inflight jobs to
// drain; callers must ensure no more jobs are submitted first.
func (m *Manager) Remove(bulkScanID string) {
	m.mu.Lock()
	h, ok := m.holders[bulkScanID]
	delete(m.holders, bulkScanID)
	m.mu.Unlock()

	if ok {
		h.cleanup()
	}
}

// BulkScanWorker is the scanner-resources holder for one bulk scan: its
// own fixed-size scan executor (a buffered semaphore), a lazily and
// idempotently initialized Scanner, and the inflight-job bookkeeping
// GetCurrentJobDescription relies on. Init and cleanup each run exactly
// once across the holder's life; the Manager owns when cleanup fires.
type BulkScanWorker struct {
	bulkScanID string
	scanner    scancap.Scanner
	sem        chan struct{}

	initMu   sync.Mutex
	initDone bool
	initErr  error

	inflight atomic.Int64

	idleReap  time.Duration
	onIdleOut func(bulkScanID string)
	idleMu    sync.Mutex
	idleTimer *time.Timer

	tokenMu sync.Mutex
	current map[jobToken]*model.ScanJobDescription
}

type jobToken string

func newBulkScanWorker(bulkScanID string, scanner scancap.Scanner, parallelScanThreads int, idleReap time.Duration, onIdleOut func(string)) *BulkScanWorker {
	if parallelScanThreads < 1 {
		parallelScanThreads = 1
	}
	return &BulkScanWorker{
		bulkScanID: bulkScanID,
		scanner:    scanner,
		sem:        make(chan struct{}, parallelScanThreads),
		idleReap:   idleReap,
		onIdleOut:  onIdleOut,
		current:    make(map[jobToken]*model.ScanJobDescription),
	}
}

// ensureInit runs Init exactly once per holder, idempotently and
// thread-safely. It never re-arms: the holder lives for
// the full bulk scan, and resources are reused across every idle gap
// between jobs rather than torn down and rebuilt.
func (w *BulkScanWorker) ensureInit(ctx context.Context) error {
	w.initMu.Lock()
	defer w.initMu.Unlock()
	if w.initDone {
		return w.initErr
	}
	w.initErr = w.scanner.Init(ctx)
	w.initDone = true
	return w.initErr
}

func (w *BulkScanWorker) submit(ctx context.Context, job model.ScanJobDescription) (*Future, error) {
	if err := w.ensureInit(ctx); err != nil {
		return nil, fmt.Errorf("scanmanager: init scanner for %s: %w", w.bulkScanID, err)
	}

	w.disarmIdleTimer()
	w.inflight.Add(1)

	scanCtx, cancelScan := context.WithCancel(ctx)
	fut := newFuture(cancelScan)

	w.sem <- struct{}{}
	go func() {
		defer func() {
			cancelScan()
			<-w.sem
			w.finishJob()
		}()

		jobCtx, token := withJobToken(scanCtx)
		w.setCurrent(token, &job)
		defer w.clearCurrent(token)

		// A panicking Scanner implementation must never take down the
		// process; the panic becomes the future's error, which the
		// caller classifies like any other scan failure.
		defer func() {
			if r := recover(); r != nil {
				fut.complete(nil, fmt.Errorf("scanmanager: scan panicked: %v", r))
			}
		}()

		doc, err := w.scanner.Scan(jobCtx, job, nil)
		fut.complete(doc, err)
	}()

	return fut, nil
}

func (w *BulkScanWorker) finishJob() {
	if w.inflight.Add(-1) == 0 {
		w.armIdleTimer()
	}
}

// armIdleTimer schedules the holder's eviction after idleReap of no new
// submissions. It is the debounce that keeps a single gap between
// deliveries from tearing down and rebuilding scanner resources mid
// bulk scan; disarmIdleTimer cancels it the moment another job arrives.
func (w *BulkScanWorker) armIdleTimer() {
	if w.idleReap <= 0 || w.onIdleOut == nil {
		return
	}
	w.idleMu.Lock()
	defer w.idleMu.Unlock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.idleTimer = time.AfterFunc(w.idleReap, func() { w.onIdleOut(w.bulkScanID) })
}

func (w *BulkScanWorker) disarmIdleTimer() {
	w.idleMu.Lock()
	defer w.idleMu.Unlock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
}

// cleanup tears down the scanner. It is called exactly once, by
// Manager.Remove at bulk-scan teardown, never on an inflight-count dip
// to zero: the holder's scanner resources are meant to be reused
// across the whole bulk scan, not reconnected between deliveries.
// Cleanup is best-effort with a background context since the request
// that drove the scan may already be gone by the time this runs.
func (w *BulkScanWorker) cleanup() {
	w.initMu.Lock()
	defer w.initMu.Unlock()
	if !w.initDone {
		return
	}
	_ = w.scanner.Cleanup(context.Background())
	w.initDone = false
	w.initErr = nil
}

func withJobToken(ctx context.Context) (context.Context, jobToken) {
	token := jobToken(uuid.NewString())
	return context.WithValue(ctx, jobTokenKey{}, token), token
}

type jobTokenKey struct{}

func (w *BulkScanWorker) setCurrent(token jobToken, job *model.ScanJobDescription) {
	w.tokenMu.Lock()
	w.current[token] = job
	w.tokenMu.Unlock()
}

func (w *BulkScanWorker) clearCurrent(token jobToken) {
	w.tokenMu.Lock()
	delete(w.current, token)
	w.tokenMu.Unlock()
}

// GetCurrentJobDescription recovers the job associated with the given
// context, as set by the holder around the enclosing scan() call. It is
// the Go substitute for a thread-local: callers (scanner callbacks) that
// receive jobCtx from Scanner.Scan can call this to recover the job they
// are running under. Returns nil if ctx carries no active job token, or
// if called outside a scan() call.
func (w *BulkScanWorker) GetCurrentJobDescription(ctx context.Context) *model.ScanJobDescription {
	token, ok := ctx.Value(jobTokenKey{}).(jobToken)
	if !ok {
		return nil
	}
	w.tokenMu.Lock()
	defer w.tokenMu.Unlock()
	return w.current[token]
}
