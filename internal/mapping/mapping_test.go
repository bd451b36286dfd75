package mapping

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evsnow/ingest/internal/consumer"
	"github.com/evsnow/ingest/internal/model"
	"github.com/evsnow/ingest/internal/sink"
	"github.com/evsnow/ingest/internal/source"
)

type fakeSource struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	callbacks map[string]source.EventCallback
}

func newFakeSource() *fakeSource {
	return &fakeSource{callbacks: make(map[string]source.EventCallback)}
}

func (f *fakeSource) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeSource) Assign(ctx context.Context, partitionID string, resumeAfterSequence int64, cb source.EventCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[partitionID] = cb
	return nil
}

func (f *fakeSource) Acknowledge(ctx context.Context, partitionID string, upTo int64) error { return nil }

func (f *fakeSource) PartitionIDs(ctx context.Context) ([]string, error) { return []string{"0"}, nil }

func (f *fakeSource) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	ensured bool
	started bool
	closed  bool
	batches int
}

func (f *fakeSink) EnsureReady(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = true
	return nil
}

func (f *fakeSink) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeSink) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.closed = true
	return nil
}

func (f *fakeSink) IsStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeSink) Stats() sink.Stats { return sink.Stats{} }

func (f *fakeSink) IngestBatch(ctx context.Context, rows []model.Row) (sink.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	return sink.IngestResult{RowsInserted: len(rows)}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	ensured bool
}

func (f *fakeStore) EnsureReady(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = true
	return nil
}
func (f *fakeStore) Upsert(ctx context.Context, cp model.Checkpoint) error { return nil }
func (f *fakeStore) LoadAllPartitions(ctx context.Context, key model.CheckpointKey) (map[string]model.Checkpoint, error) {
	return map[string]model.Checkpoint{}, nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

type panickingStore struct {
	fakeStore
}

func (p *panickingStore) LoadAllPartitions(ctx context.Context, key model.CheckpointKey) (map[string]model.Checkpoint, error) {
	panic("simulated checkpoint store corruption")
}

func testConfig(src *fakeSource, snk *fakeSink, store *fakeStore) Config {
	return Config{
		Name: "orders",
		Consumer: consumer.Config{
			Key: model.CheckpointKey{
				SourceNamespace: "eventhubs", SourceName: "orders-hub",
				TargetDB: "ANALYTICS", TargetSchema: "RAW", TargetTable: "ORDERS",
			},
			MaxBatchSize: 10,
			MaxBatchWait: time.Hour,
		},
		Source: src,
		Sink:   snk,
		Store:  store,
	}
}

func TestMapping_StartEnsuresSinkAndStoreReady(t *testing.T) {
	src := newFakeSource()
	snk := &fakeSink{}
	store := &fakeStore{}
	m := New(testConfig(src, snk, store))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !snk.ensured || !store.ensured {
		t.Fatalf("expected sink and store to be readied, got sink=%v store=%v", snk.ensured, store.ensured)
	}
}

func TestMapping_StartIsIdempotent(t *testing.T) {
	src := newFakeSource()
	snk := &fakeSink{}
	store := &fakeStore{}
	m := New(testConfig(src, snk, store))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("first Start error: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start error: %v", err)
	}
}

func TestMapping_RunThenStop_ClosesSinkAndStopsCleanly(t *testing.T) {
	src := newFakeSource()
	snk := &fakeSink{}
	store := &fakeStore{}
	m := New(testConfig(src, snk, store))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- m.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if !m.Health().Running {
		t.Fatalf("expected mapping to be running after Run started")
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := <-runErrCh; err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	if !snk.closed {
		t.Fatalf("expected sink to be closed after Stop")
	}
	if m.Health().Running {
		t.Fatalf("expected mapping to report not running after Stop")
	}
}

func TestMapping_Run_RecoversPanicInsteadOfCrashing(t *testing.T) {
	src := newFakeSource()
	snk := &fakeSink{}
	store := &panickingStore{}
	cfg := testConfig(src, snk, &store.fakeStore)
	cfg.Store = store
	m := New(cfg)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	err := m.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to return an error after a panicking consumer")
	}
	if !strings.Contains(err.Error(), "simulated checkpoint store corruption") {
		t.Fatalf("expected panic message to surface in the returned error, got: %v", err)
	}
	if m.Health().Running {
		t.Fatal("expected mapping to report not running after a recovered panic")
	}
	if m.Health().LastError == nil {
		t.Fatal("expected panic to be recorded as the mapping's last error")
	}
}

func TestMapping_StopIsIdempotent(t *testing.T) {
	src := newFakeSource()
	snk := &fakeSink{}
	store := &fakeStore{}
	m := New(testConfig(src, snk, store))

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on never-started mapping should be a no-op, got: %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	go m.Run(context.Background())
	time.Sleep(10 * time.Millisecond)

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop error: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop error: %v", err)
	}
}
