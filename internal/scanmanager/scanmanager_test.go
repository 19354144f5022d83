package scanmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlsfleet/crawlercore/internal/model"
	"github.com/tlsfleet/crawlercore/internal/scancap"
)

type fakeScanner struct {
	initCalls    atomic.Int64
	cleanupCalls atomic.Int64
	current      *model.ScanJobDescription
	mu           sync.Mutex
}

func (s *fakeScanner) Init(ctx context.Context) error {
	s.initCalls.Add(1)
	return nil
}

func (s *fakeScanner) Cleanup(ctx context.Context) error {
	s.cleanupCalls.Add(1)
	return nil
}

func (s *fakeScanner) Scan(ctx context.Context, job model.ScanJobDescription, progress scancap.ProgressFunc) (map[string]any, error) {
	time.Sleep(5 * time.Millisecond)
	return map[string]any{"target": job.ScanTarget.IP}, nil
}

type fakeFactory struct {
	scanner *fakeScanner
}

func (f fakeFactory) CreateScanner(bulkScanID string, pcT, psT int) (scancap.Scanner, error) {
	return f.scanner, nil
}

func newJob(bulkScanID, ip string) model.ScanJobDescription {
	return model.NewPendingJob(model.ScanTarget{IP: ip, Port: 443}, model.BulkScanInfo{BulkScanID: bulkScanID}, "db", "coll")
}

func TestHandleReusesHolderAcrossJobs(t *testing.T) {
	m := NewManager()
	scanner := &fakeScanner{}
	factory := fakeFactory{scanner: scanner}

	fut1, err := m.Handle(context.Background(), newJob("bulk-1", "1.2.3.4"), factory, 2, 2)
	require.NoError(t, err)
	doc1, err := fut1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", doc1["target"])

	fut2, err := m.Handle(context.Background(), newJob("bulk-1", "5.6.7.8"), factory, 2, 2)
	require.NoError(t, err)
	_, err = fut2.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), scanner.initCalls.Load(), "init must run exactly once per holder for the life of the bulk scan")
}

func TestFutureWaitRespectsContextDeadline(t *testing.T) {
	m := NewManager()
	scanner := &fakeScanner{}
	factory := fakeFactory{scanner: scanner}

	fut, err := m.Handle(context.Background(), newJob("bulk-2", "1.2.3.4"), factory, 1, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Microsecond)
	defer cancel()
	_, err = fut.Wait(ctx)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCleanupDoesNotFireOnIdleDipBetweenJobs(t *testing.T) {
	m := NewManager()
	scanner := &fakeScanner{}
	factory := fakeFactory{scanner: scanner}

	fut, err := m.Handle(context.Background(), newJob("bulk-3", "1.2.3.4"), factory, 1, 1)
	require.NoError(t, err)
	_, err = fut.Wait(context.Background())
	require.NoError(t, err)

	// inflight has drained to zero, but nothing should tear the holder
	// down until it is idle long enough to reap or Remove is called
	// explicitly; a bulk scan's later jobs must reuse the same scanner.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), scanner.cleanupCalls.Load(), "cleanup must not fire on every inflight-to-zero dip")

	fut2, err := m.Handle(context.Background(), newJob("bulk-3", "5.6.7.8"), factory, 1, 1)
	require.NoError(t, err)
	_, err = fut2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), scanner.initCalls.Load(), "the holder must be reused, not reinitialized, across the idle gap")
}

func TestRemoveRunsCleanupExactlyOnce(t *testing.T) {
	m := NewManager()
	scanner := &fakeScanner{}
	factory := fakeFactory{scanner: scanner}

	fut, err := m.Handle(context.Background(), newJob("bulk-3b", "1.2.3.4"), factory, 1, 1)
	require.NoError(t, err)
	_, err = fut.Wait(context.Background())
	require.NoError(t, err)

	m.Remove("bulk-3b")
	m.Remove("bulk-3b")
	assert.Equal(t, int64(1), scanner.cleanupCalls.Load(), "cleanup must run exactly once even if Remove is called more than once")
}

func TestIdleReapEvictsAndCleansUpAfterGracePeriod(t *testing.T) {
	m := NewManagerWithIdleReap(10 * time.Millisecond)
	scanner := &fakeScanner{}
	factory := fakeFactory{scanner: scanner}

	fut, err := m.Handle(context.Background(), newJob("bulk-3c", "1.2.3.4"), factory, 1, 1)
	require.NoError(t, err)
	_, err = fut.Wait(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return scanner.cleanupCalls.Load() == 1
	}, time.Second, time.Millisecond, "idle holder must eventually be reaped")
}

type recordingScanner struct {
	holder *BulkScanWorker

	mu       sync.Mutex
	observed []string
}

func (s *recordingScanner) Init(context.Context) error    { return nil }
func (s *recordingScanner) Cleanup(context.Context) error { return nil }
func (s *recordingScanner) Scan(ctx context.Context, job model.ScanJobDescription, _ scancap.ProgressFunc) (map[string]any, error) {
	current := s.holder.GetCurrentJobDescription(ctx)
	s.mu.Lock()
	if current != nil {
		s.observed = append(s.observed, current.ScanTarget.IP)
	}
	s.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	return map[string]any{"target": job.ScanTarget.IP}, nil
}

func TestConcurrentJobsObserveOwnJobDescription(t *testing.T) {
	scanner := &recordingScanner{}
	holder := newBulkScanWorker("bulk-6", scanner, 2, 0, nil)
	scanner.holder = holder

	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	futs := make([]*Future, 0, len(ips))
	for _, ip := range ips {
		fut, err := holder.submit(context.Background(), newJob("bulk-6", ip))
		require.NoError(t, err)
		futs = append(futs, fut)
	}
	for _, fut := range futs {
		_, err := fut.Wait(context.Background())
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, ips, scanner.observed, "each scan must observe exactly its own job")
	assert.Nil(t, holder.GetCurrentJobDescription(context.Background()), "no job may remain visible after completion")
}

type panickingScanner struct{}

func (panickingScanner) Init(context.Context) error    { return nil }
func (panickingScanner) Cleanup(context.Context) error { return nil }
func (panickingScanner) Scan(context.Context, model.ScanJobDescription, scancap.ProgressFunc) (map[string]any, error) {
	panic("slice index out of range")
}

type panickingFactory struct{}

func (panickingFactory) CreateScanner(string, int, int) (scancap.Scanner, error) {
	return panickingScanner{}, nil
}

func TestScanPanicBecomesFutureError(t *testing.T) {
	m := NewManager()

	fut, err := m.Handle(context.Background(), newJob("bulk-7", "1.2.3.4"), panickingFactory{}, 1, 1)
	require.NoError(t, err)

	_, err = fut.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The holder must survive the panic: its executor slot and inflight
	// count drain normally, so the next job of the same bulk scan still
	// runs.
	fut2, err := m.Handle(context.Background(), newJob("bulk-7", "5.6.7.8"), panickingFactory{}, 1, 1)
	require.NoError(t, err)
	_, err = fut2.Wait(context.Background())
	assert.Error(t, err)
}

type blockingScanner struct {
	started chan struct{}
}

func (s *blockingScanner) Init(context.Context) error    { return nil }
func (s *blockingScanner) Cleanup(context.Context) error { return nil }
func (s *blockingScanner) Scan(ctx context.Context, _ model.ScanJobDescription, _ scancap.ProgressFunc) (map[string]any, error) {
	close(s.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

type blockingFactory struct{ scanner *blockingScanner }

func (f blockingFactory) CreateScanner(string, int, int) (scancap.Scanner, error) {
	return f.scanner, nil
}

func TestFutureCancelPropagatesToScannerContext(t *testing.T) {
	m := NewManager()
	scanner := &blockingScanner{started: make(chan struct{})}

	fut, err := m.Handle(context.Background(), newJob("bulk-5", "1.2.3.4"), blockingFactory{scanner: scanner}, 1, 1)
	require.NoError(t, err)
	<-scanner.started

	fut.Cancel()
	_, err = fut.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetCurrentJobDescriptionScopedToActiveScan(t *testing.T) {
	job := newJob("bulk-4", "9.9.9.9")
	holder := newBulkScanWorker("bulk-4", &fakeScanner{}, 1, 0, nil)

	ctx, token := withJobToken(context.Background())
	holder.setCurrent(token, &job)

	got := holder.GetCurrentJobDescription(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "9.9.9.9", got.ScanTarget.IP)

	holder.clearCurrent(token)
	assert.Nil(t, holder.GetCurrentJobDescription(ctx), "job must not leak after clearCurrent")

	assert.Nil(t, holder.GetCurrentJobDescription(context.Background()), "a context with no token never resolves a job")
}
