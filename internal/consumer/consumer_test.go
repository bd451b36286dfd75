package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evsnow/ingest/internal/checkpoint"
	"github.com/evsnow/ingest/internal/deadletter"
	"github.com/evsnow/ingest/internal/model"
	"github.com/evsnow/ingest/internal/sink"
	"github.com/evsnow/ingest/internal/source"
)

type fakeArchiver struct {
	mu     sync.Mutex
	calls  int
	rows   []model.Row
}

func (f *fakeArchiver) ArchiveBatch(ctx context.Context, mappingName string, rows []model.Row) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.rows = rows
	return "s3://bucket/deadletter/orders/1.json", nil
}

var _ deadletter.Archiver = (*fakeArchiver)(nil)

// fakeSource is a PartitionEventSource double that hands its assigned
// callback back to the test so events can be injected directly, mirroring
// the fakeOracle/fakeProducer pattern used elsewhere in this codebase.
type fakeSource struct {
	mu        sync.Mutex
	ids       []string
	callbacks map[string]source.EventCallback
	acked     map[string]int64
	startErr  error
}

func newFakeSource(ids ...string) *fakeSource {
	return &fakeSource{ids: ids, callbacks: make(map[string]source.EventCallback), acked: make(map[string]int64)}
}

func (f *fakeSource) Start(ctx context.Context) error { return f.startErr }

func (f *fakeSource) Assign(ctx context.Context, partitionID string, resumeAfterSequence int64, cb source.EventCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[partitionID] = cb
	return nil
}

func (f *fakeSource) Acknowledge(ctx context.Context, partitionID string, upTo int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[partitionID] = upTo
	return nil
}

func (f *fakeSource) PartitionIDs(ctx context.Context) ([]string, error) { return f.ids, nil }

func (f *fakeSource) Stop(ctx context.Context) error { return nil }

func (f *fakeSource) deliver(t *testing.T, partitionID string, ev model.Event) {
	t.Helper()
	f.mu.Lock()
	cb := f.callbacks[partitionID]
	f.mu.Unlock()
	if cb == nil {
		t.Fatalf("no callback assigned for partition %s", partitionID)
	}
	if err := cb(context.Background(), ev); err != nil {
		t.Fatalf("callback returned error: %v", err)
	}
}

type fakeSink struct {
	mu        sync.Mutex
	batches   [][]model.Row
	returnErr error
}

func (f *fakeSink) EnsureReady(ctx context.Context) error { return nil }
func (f *fakeSink) Start(ctx context.Context) error        { return nil }
func (f *fakeSink) Stop(ctx context.Context) error         { return nil }
func (f *fakeSink) IsStarted() bool                        { return true }
func (f *fakeSink) Stats() sink.Stats                       { return sink.Stats{} }

func (f *fakeSink) IngestBatch(ctx context.Context, rows []model.Row) (sink.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.returnErr != nil {
		return sink.IngestResult{}, f.returnErr
	}
	f.batches = append(f.batches, rows)
	return sink.IngestResult{RowsInserted: len(rows)}, nil
}

// blockingSink lets a test hold an IngestBatch call open so it can cancel
// the consumer's run context while the call is still in flight, then check
// whether the held call observed that cancellation.
type blockingSink struct {
	started     chan struct{}
	release     chan struct{}
	observedErr chan error
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		started:     make(chan struct{}),
		release:     make(chan struct{}),
		observedErr: make(chan error, 1),
	}
}

func (f *blockingSink) EnsureReady(ctx context.Context) error { return nil }
func (f *blockingSink) Start(ctx context.Context) error        { return nil }
func (f *blockingSink) Stop(ctx context.Context) error         { return nil }
func (f *blockingSink) IsStarted() bool                        { return true }
func (f *blockingSink) Stats() sink.Stats                       { return sink.Stats{} }

func (f *blockingSink) IngestBatch(ctx context.Context, rows []model.Row) (sink.IngestResult, error) {
	close(f.started)
	<-f.release
	f.observedErr <- ctx.Err()
	return sink.IngestResult{RowsInserted: len(rows)}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	loaded   map[string]model.Checkpoint
	upserted []model.Checkpoint
}

func newFakeStore() *fakeStore {
	return &fakeStore{loaded: make(map[string]model.Checkpoint)}
}

func (f *fakeStore) EnsureReady(ctx context.Context) error { return nil }

func (f *fakeStore) Upsert(ctx context.Context, cp model.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, cp)
	return nil
}

func (f *fakeStore) LoadAllPartitions(ctx context.Context, key model.CheckpointKey) (map[string]model.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

var (
	_ checkpoint.Store           = (*fakeStore)(nil)
	_ source.PartitionEventSource = (*fakeSource)(nil)
	_ sink.Sink                  = (*fakeSink)(nil)
)

func testKey() model.CheckpointKey {
	return model.CheckpointKey{
		SourceNamespace: "eventhubs",
		SourceName:      "orders-hub",
		TargetDB:        "ANALYTICS",
		TargetSchema:    "RAW",
		TargetTable:     "ORDERS",
	}
}

func TestConsumer_FlushOnSizeSeal_CheckspointsAndAcknowledges(t *testing.T) {
	src := newFakeSource("0")
	snk := &fakeSink{}
	store := newFakeStore()

	c := New(Config{Key: testKey(), MaxBatchSize: 2, MaxBatchWait: time.Hour}, src, snk, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Give Run a moment to assign partitions.
	time.Sleep(20 * time.Millisecond)

	src.deliver(t, "0", model.Event{PartitionID: "0", SequenceNumber: 1, Body: []byte("a")})
	src.deliver(t, "0", model.Event{PartitionID: "0", SequenceNumber: 2, Body: []byte("b")})

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	snk.mu.Lock()
	nBatches := len(snk.batches)
	snk.mu.Unlock()
	if nBatches != 1 {
		t.Fatalf("expected 1 ingested batch, got %d", nBatches)
	}

	store.mu.Lock()
	nUpserts := len(store.upserted)
	store.mu.Unlock()
	if nUpserts != 1 || store.upserted[0].Waterlevel != 2 {
		t.Fatalf("expected one checkpoint upsert at waterlevel 2, got %+v", store.upserted)
	}

	src.mu.Lock()
	acked := src.acked["0"]
	src.mu.Unlock()
	if acked != 2 {
		t.Fatalf("expected partition 0 acknowledged up to 2, got %d", acked)
	}

	stats := c.Stats()
	if stats.MessagesProcessed != 2 || stats.BatchesProcessed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestConsumer_ResumesFromStoredCheckpoint(t *testing.T) {
	src := newFakeSource("0")
	snk := &fakeSink{}
	store := newFakeStore()
	store.loaded["0"] = model.Checkpoint{Waterlevel: 41}

	c := New(Config{Key: testKey(), MaxBatchSize: 10, MaxBatchWait: time.Hour}, src, snk, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	// No direct assertion possible on resumeAfterSequence without a richer
	// fake, but Run must have completed without error even with a
	// pre-populated checkpoint map.
}

func TestConsumer_FailedIngestDoesNotCheckpointOrAcknowledge(t *testing.T) {
	src := newFakeSource("0")
	snk := &fakeSink{returnErr: errors.New("sink unavailable")}
	store := newFakeStore()

	c := New(Config{Key: testKey(), MaxBatchSize: 1, MaxBatchWait: time.Hour}, src, snk, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	src.deliver(t, "0", model.Event{PartitionID: "0", SequenceNumber: 1, Body: []byte("a")})
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	store.mu.Lock()
	nUpserts := len(store.upserted)
	store.mu.Unlock()
	if nUpserts != 0 {
		t.Fatalf("expected no checkpoint upserts after failed ingest, got %d", nUpserts)
	}

	src.mu.Lock()
	_, acked := src.acked["0"]
	src.mu.Unlock()
	if acked {
		t.Fatalf("expected no acknowledgement after failed ingest")
	}

	stats := c.Stats()
	if stats.Errors != 1 {
		t.Fatalf("expected 1 recorded error, got %d", stats.Errors)
	}
}

func TestConsumer_FinalDrainFlushesPendingBatchOnShutdown(t *testing.T) {
	src := newFakeSource("0")
	snk := &fakeSink{}
	store := newFakeStore()

	// MaxBatchSize large enough that the single event never seals by size;
	// only the shutdown drain should flush it.
	c := New(Config{Key: testKey(), MaxBatchSize: 100, MaxBatchWait: time.Hour}, src, snk, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	src.deliver(t, "0", model.Event{PartitionID: "0", SequenceNumber: 7, Body: []byte("a")})
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	snk.mu.Lock()
	nBatches := len(snk.batches)
	snk.mu.Unlock()
	if nBatches != 1 {
		t.Fatalf("expected shutdown drain to flush the pending batch, got %d batches", nBatches)
	}
}

func TestConsumer_SizeTriggeredFlushIgnoresRunContextCancellation(t *testing.T) {
	src := newFakeSource("0")
	snk := newBlockingSink()
	store := newFakeStore()

	c := New(Config{Key: testKey(), MaxBatchSize: 1, MaxBatchWait: time.Hour}, src, snk, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	// Deliver from a separate goroutine: with MaxBatchSize 1 the callback
	// runs the size-triggered flush inline, so it stays blocked inside
	// IngestBatch until release is closed below.
	delivered := make(chan error, 1)
	go func() {
		src.mu.Lock()
		cb := src.callbacks["0"]
		src.mu.Unlock()
		if cb == nil {
			delivered <- errors.New("no callback assigned for partition 0")
			return
		}
		delivered <- cb(context.Background(), model.Event{PartitionID: "0", SequenceNumber: 1, Body: []byte("a")})
	}()

	select {
	case <-snk.started:
	case <-time.After(time.Second):
		t.Fatal("ingest batch never started")
	}

	// Cancel the run context while the size-triggered flush's IngestBatch
	// call is still in flight.
	cancel()

	close(snk.release)
	select {
	case ctxErr := <-snk.observedErr:
		if ctxErr != nil {
			t.Fatalf("expected the in-flight ingest call's context to stay uncancelled, got: %v", ctxErr)
		}
	case <-time.After(time.Second):
		t.Fatal("ingest batch never observed completion")
	}
	if err := <-delivered; err != nil {
		t.Fatalf("callback returned error: %v", err)
	}

	<-done
}

func TestConsumer_DeadLettersBatchOnIngestExhaustion(t *testing.T) {
	src := newFakeSource("0")
	snk := &fakeSink{returnErr: errors.New("sink unavailable")}
	store := newFakeStore()
	archiver := &fakeArchiver{}

	c := New(Config{Key: testKey(), MaxBatchSize: 1, MaxBatchWait: time.Hour}, src, snk, store, nil).
		WithDeadLetterArchiver(archiver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	src.deliver(t, "0", model.Event{PartitionID: "0", SequenceNumber: 1, Body: []byte("a")})
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	archiver.mu.Lock()
	calls := archiver.calls
	rows := archiver.rows
	archiver.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected 1 dead-letter archive call, got %d", calls)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row archived, got %d", len(rows))
	}
}
