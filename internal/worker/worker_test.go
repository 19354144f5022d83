package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlsfleet/crawlercore/internal/model"
	"github.com/tlsfleet/crawlercore/internal/orchestration"
	"github.com/tlsfleet/crawlercore/internal/scancap"
	"github.com/tlsfleet/crawlercore/internal/scanmanager"
)

type scriptedScanner struct {
	delay time.Duration
	doc   map[string]any
	err   error
}

func (s *scriptedScanner) Init(context.Context) error    { return nil }
func (s *scriptedScanner) Cleanup(context.Context) error { return nil }
func (s *scriptedScanner) Scan(ctx context.Context, _ model.ScanJobDescription, _ scancap.ProgressFunc) (map[string]any, error) {
	select {
	case <-time.After(s.delay):
		return s.doc, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type scriptedFactory struct{ scanner *scriptedScanner }

func (f *scriptedFactory) CreateScanner(string, int, int) (scancap.Scanner, error) {
	return f.scanner, nil
}

type fakeStore struct {
	mu      sync.Mutex
	results []model.ScanResult

	// persistAs, when non-empty, simulates the store's encoding-failure
	// fallback: the insert succeeds but under a different status than
	// the one requested (e.g. SERIALIZATION_ERROR instead of SUCCESS).
	persistAs model.JobStatus
}

func (f *fakeStore) InsertBulkScan(context.Context, *model.BulkScan) error { return nil }
func (f *fakeStore) UpdateBulkScanPublishCounts(context.Context, string, string, int, int, int, int) error {
	return nil
}
func (f *fakeStore) FinalizeBulkScan(context.Context, string, string, map[model.JobStatus]int, int) error {
	return nil
}
func (f *fakeStore) InsertScanResult(_ context.Context, result model.ScanResult, job model.ScanJobDescription) (model.JobStatus, error) {
	if result.JobStatus != job.Status {
		return "", errors.New("status mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	persisted := result.JobStatus
	if f.persistAs != "" {
		persisted = f.persistAs
		result.JobStatus = persisted
	}
	f.results = append(f.results, result)
	return persisted, nil
}
func (f *fakeStore) Close(context.Context) error { return nil }

type fakeBroker struct {
	mu       sync.Mutex
	notifs   []orchestration.DoneNotification
	consumer func(orchestration.Delivery)
}

func (f *fakeBroker) PublishScanJob(context.Context, model.ScanJobDescription) error { return nil }
func (f *fakeBroker) RegisterScanJobConsumer(_ context.Context, _ int, handler func(orchestration.Delivery)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumer = handler
	return nil
}
func (f *fakeBroker) OpenDoneChannel(context.Context, string) error  { return nil }
func (f *fakeBroker) CloseDoneChannel(context.Context, string) error { return nil }
func (f *fakeBroker) PublishDoneNotification(_ context.Context, n orchestration.DoneNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifs = append(f.notifs, n)
	return nil
}
func (f *fakeBroker) RegisterDoneNotificationConsumer(context.Context, string, func(orchestration.DoneNotification)) error {
	return nil
}
func (f *fakeBroker) Close() error { return nil }

func newJob(bulkScanID string) model.ScanJobDescription {
	job := model.NewPendingJob(model.ScanTarget{IP: "10.0.0.1", Port: 443}, model.BulkScanInfo{BulkScanID: bulkScanID}, "db", "coll")
	job.SetDeliveryTag(1)
	return job
}

func ackedDelivery(job model.ScanJobDescription) (orchestration.Delivery, *int) {
	acks := 0
	return orchestration.Delivery{
		Job:  job,
		Ack:  func() error { acks++; return nil },
		Nack: func(bool) error { return nil },
	}, &acks
}

func TestHandleScanJobClassifiesSuccess(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{}
	scanner := &scriptedScanner{doc: map[string]any{"tlsVersion": "1.3"}}
	manager := scanmanager.NewManager()
	w := New(broker, manager, &scriptedFactory{scanner: scanner}, store, Config{
		ParallelScanThreads: 2,
		ScanTimeout:         time.Second,
	}, zerolog.Nop())

	job := newJob("bulk-1")
	d, acks := ackedDelivery(job)
	w.handleScanJob(context.Background(), d)

	require.Len(t, store.results, 1)
	assert.Equal(t, model.Success, store.results[0].JobStatus)
	assert.Equal(t, 1, *acks)
	require.Len(t, broker.notifs, 1)
	assert.Equal(t, model.Success, broker.notifs[0].JobStatus)
}

func TestHandleScanJobClassifiesEmpty(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{}
	scanner := &scriptedScanner{doc: map[string]any{}}
	manager := scanmanager.NewManager()
	w := New(broker, manager, &scriptedFactory{scanner: scanner}, store, Config{
		ParallelScanThreads: 1,
		ScanTimeout:         time.Second,
	}, zerolog.Nop())

	job := newJob("bulk-2")
	d, _ := ackedDelivery(job)
	w.handleScanJob(context.Background(), d)

	require.Len(t, store.results, 1)
	assert.Equal(t, model.Empty, store.results[0].JobStatus)
}

func TestHandleScanJobClassifiesError(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{}
	scanner := &scriptedScanner{err: errors.New("handshake failed")}
	manager := scanmanager.NewManager()
	w := New(broker, manager, &scriptedFactory{scanner: scanner}, store, Config{
		ParallelScanThreads: 1,
		ScanTimeout:         time.Second,
	}, zerolog.Nop())

	job := newJob("bulk-3")
	d, _ := ackedDelivery(job)
	w.handleScanJob(context.Background(), d)

	require.Len(t, store.results, 1)
	assert.Equal(t, model.Error, store.results[0].JobStatus)
	assert.Equal(t, "handshake failed", store.results[0].Result["exception"].(map[string]any)["message"])
}

func TestHandleScanJobClassifiesCancelledOnTimeout(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{}
	scanner := &scriptedScanner{delay: 200 * time.Millisecond, doc: map[string]any{"late": true}}
	manager := scanmanager.NewManager()
	w := New(broker, manager, &scriptedFactory{scanner: scanner}, store, Config{
		ParallelScanThreads: 1,
		ScanTimeout:         10 * time.Millisecond,
		CancelGraceTimeout:  500 * time.Millisecond,
	}, zerolog.Nop())

	job := newJob("bulk-4")
	d, acks := ackedDelivery(job)
	w.handleScanJob(context.Background(), d)

	require.Len(t, store.results, 1)
	assert.Equal(t, model.Cancelled, store.results[0].JobStatus)
	assert.Equal(t, 1, *acks, "a cancelled job must still be acked")
}

func TestHandleScanJobAdoptsPersistedSerializationError(t *testing.T) {
	store := &fakeStore{persistAs: model.SerializationError}
	broker := &fakeBroker{}
	scanner := &scriptedScanner{doc: map[string]any{"tlsVersion": "1.3"}}
	manager := scanmanager.NewManager()
	w := New(broker, manager, &scriptedFactory{scanner: scanner}, store, Config{
		ParallelScanThreads: 1,
		ScanTimeout:         time.Second,
	}, zerolog.Nop())

	job := newJob("bulk-6")
	d, acks := ackedDelivery(job)
	w.handleScanJob(context.Background(), d)

	require.Len(t, store.results, 1, "the fallback record must still be persisted")
	assert.Equal(t, 1, *acks, "a result persisted under a fallback status must still be acked")
	require.Len(t, broker.notifs, 1)
	assert.Equal(t, model.SerializationError, broker.notifs[0].JobStatus, "notification must carry the status actually persisted, not the scan's outcome")
	assert.Equal(t, model.SerializationError, broker.notifs[0].ScanTarget.ResultStatus)
}

type panickingScanner struct{}

func (panickingScanner) Init(context.Context) error    { return nil }
func (panickingScanner) Cleanup(context.Context) error { return nil }
func (panickingScanner) Scan(context.Context, model.ScanJobDescription, scancap.ProgressFunc) (map[string]any, error) {
	panic("certificate parser out of range")
}

type panickingScannerFactory struct{}

func (panickingScannerFactory) CreateScanner(string, int, int) (scancap.Scanner, error) {
	return panickingScanner{}, nil
}

func TestHandleScanJobRecoversScannerPanic(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{}
	manager := scanmanager.NewManager()
	w := New(broker, manager, panickingScannerFactory{}, store, Config{
		ParallelScanThreads: 1,
		ScanTimeout:         time.Second,
	}, zerolog.Nop())

	job := newJob("bulk-7")
	d, acks := ackedDelivery(job)
	w.handleScanJob(context.Background(), d)

	require.Len(t, store.results, 1, "a scanner panic must still yield a persisted error result")
	assert.Equal(t, model.Error, store.results[0].JobStatus)
	assert.Contains(t, store.results[0].Result["exception"].(map[string]any)["message"], "panicked")
	assert.Equal(t, 1, *acks)
	require.Len(t, broker.notifs, 1)
	assert.Equal(t, model.Error, broker.notifs[0].JobStatus)
}

type panickyStore struct {
	fakeStore
}

func (p *panickyStore) InsertScanResult(context.Context, model.ScanResult, model.ScanJobDescription) (model.JobStatus, error) {
	panic("store connection state corrupted")
}

func TestDispatchRecoversHandlerPanicAsCrawlerError(t *testing.T) {
	store := &panickyStore{}
	broker := &fakeBroker{}
	scanner := &scriptedScanner{doc: map[string]any{"tlsVersion": "1.3"}}
	manager := scanmanager.NewManager()
	w := New(broker, manager, &scriptedFactory{scanner: scanner}, store, Config{
		ParallelScanThreads: 1,
		ScanTimeout:         time.Second,
	}, zerolog.Nop())

	require.NoError(t, w.Start(context.Background()))

	job := newJob("bulk-8")
	d, acks := ackedDelivery(job)
	broker.consumer(d)

	assert.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return len(broker.notifs) == 1
	}, time.Second, time.Millisecond, "a panicking handler must still finalize the job")
	assert.Equal(t, model.CrawlerError, broker.notifs[0].JobStatus)
	assert.Equal(t, 1, *acks)
}

func TestHandleScanJobClassifiesCancelledContextAsInternalError(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{}
	scanner := &scriptedScanner{delay: time.Second}
	manager := scanmanager.NewManager()
	w := New(broker, manager, &scriptedFactory{scanner: scanner}, store, Config{
		ParallelScanThreads: 1,
		ScanTimeout:         time.Second,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := newJob("bulk-5")
	d, acks := ackedDelivery(job)
	w.handleScanJob(ctx, d)

	assert.Empty(t, store.results, "internal error must never be persisted")
	assert.Equal(t, 1, *acks)
	require.Len(t, broker.notifs, 1)
	assert.Equal(t, model.InternalError, broker.notifs[0].JobStatus)
}
