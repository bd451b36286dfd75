// Package consumer implements the Partition Consumer (spec C5): drives one
// source subscription for one mapping, accumulates events into batches, and
// flushes them to the sink and checkpoint store following the exact
// seal->ingest->upsert->acknowledge protocol spec.md §4.5 requires.
//
// Grounded on the teacher's kernel/internal/audit.Streamer.Run/processEvent:
// same claim/process/mark-result loop shape, generalized from a DB-poll loop
// (FetchPendingEventsForStreaming) to a push-callback loop driven by the
// event source's Assign, and from per-event produce+archive to per-batch
// ingest+upsert.
package consumer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/evsnow/ingest/internal/batch"
	"github.com/evsnow/ingest/internal/checkpoint"
	"github.com/evsnow/ingest/internal/deadletter"
	"github.com/evsnow/ingest/internal/model"
	"github.com/evsnow/ingest/internal/retry"
	"github.com/evsnow/ingest/internal/sink"
	"github.com/evsnow/ingest/internal/source"
)

// Config binds a consumer to one mapping's fixed checkpoint identity (every
// field of Key except PartitionID, which varies per flushed checkpoint) and
// its batching parameters.
type Config struct {
	Key          model.CheckpointKey
	MaxBatchSize int
	MaxBatchWait time.Duration
	TickInterval time.Duration // how often IsSealedByTime is polled
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = 10 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 1 * time.Second
	}
	return c
}

// Stats is a point-in-time snapshot of consumer activity, aggregated by the
// owning mapping and, in turn, the orchestrator.
type Stats struct {
	MessagesProcessed int64
	BatchesProcessed  int64
	Errors            int64
}

// Consumer owns one Accumulator shared across every partition the source
// assigns to it, per spec.md §4.5's singular "the accumulator". Concurrent
// partition callbacks serialize through accMu; flushMu ensures only one
// flush is ever in flight, so a size-triggered flush from one partition's
// callback never races a time-triggered flush from the ticker.
type Consumer struct {
	cfg      Config
	src      source.PartitionEventSource
	snk      sink.Sink
	store    checkpoint.Store
	retryer  retry.Retryer
	deadLtr  deadletter.Archiver // optional; nil disables dead-lettering

	accMu sync.Mutex
	acc   *batch.Accumulator

	flushMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Consumer. Call Run to start it; Run blocks until ctx is
// cancelled, performing a final drain before returning.
func New(cfg Config, src source.PartitionEventSource, snk sink.Sink, store checkpoint.Store, retryer retry.Retryer) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		cfg:     cfg,
		src:     src,
		snk:     snk,
		store:   store,
		retryer: retryer,
		acc:     batch.New(cfg.MaxBatchSize, cfg.MaxBatchWait),
		stopCh:  make(chan struct{}),
	}
}

// WithDeadLetterArchiver attaches an archiver that persists a batch's rows
// when ingest exhausts retries, rather than leaving them purely to logs.
// Optional: a Consumer with no archiver attached just logs the failure, per
// spec.md §4.5 step 2.
func (c *Consumer) WithDeadLetterArchiver(a deadletter.Archiver) *Consumer {
	c.deadLtr = a
	return c
}

// Run resumes every partition the source reports from its last stored
// checkpoint, then blocks serving the ticker loop until ctx is cancelled. On
// return, it performs one final flush attempt over whatever remains in the
// accumulator, matching spec.md §4.5's "pending unsealed batch at shutdown"
// clause.
func (c *Consumer) Run(ctx context.Context) error {
	checkpoints, err := c.store.LoadAllPartitions(ctx, c.cfg.Key)
	if err != nil {
		return err
	}

	partitionIDs, err := c.src.PartitionIDs(ctx)
	if err != nil {
		return err
	}

	if err := c.src.Start(ctx); err != nil {
		return err
	}

	for _, pid := range partitionIDs {
		resume := int64(-1)
		if cp, ok := checkpoints[pid]; ok {
			resume = cp.Waterlevel
		}
		if err := c.src.Assign(ctx, pid, resume, c.handleEvent); err != nil {
			log.Printf("[consumer] assign partition %s: %v", pid, err)
		}
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.finalDrain()
			_ = c.src.Stop(context.Background())
			return ctx.Err()
		case <-ticker.C:
			c.accMu.Lock()
			sealed := c.acc.IsSealedByTime(time.Now())
			c.accMu.Unlock()
			if sealed {
				c.flush()
			}
		}
	}
}

// handleEvent is the EventCallback handed to the source for every assigned
// partition. It never returns an error for a flush failure: per spec.md
// §4.5 step 2, a failed flush is recorded and left for source re-delivery,
// it must not tear down the partition's receive loop.
func (c *Consumer) handleEvent(ctx context.Context, ev model.Event) error {
	c.accMu.Lock()
	sealed := c.acc.Add(ev)
	c.accMu.Unlock()

	c.statsMu.Lock()
	c.stats.MessagesProcessed++
	c.statsMu.Unlock()

	if sealed {
		c.flush()
	}
	return nil
}

// flush implements spec.md §4.5's four-step protocol exactly. It holds
// flushMu for its whole duration so a size-triggered flush and a
// time-triggered flush never interleave against the same drained snapshot.
// It always runs against context.Background() rather than whatever ctx
// triggered it (the source's receive-loop context, cancelled on Stop, or
// the ticker loop's own run context): spec.md §5 requires an in-flight sink
// call to run to completion on cancel rather than abort mid-batch, so flush
// can never be the thing a shutdown signal races against.
func (c *Consumer) flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	ctx := context.Background()

	c.accMu.Lock()
	drained, err := c.acc.Drain(time.Now())
	c.accMu.Unlock()
	if err != nil {
		log.Printf("[consumer] drain batch: %v", err)
		c.recordError()
		return
	}
	if len(drained.Rows) == 0 {
		return
	}

	// Step 2: ingest. A failing ingest means no checkpoint, no
	// acknowledgement; the source re-delivers on its own timer or next
	// assignment.
	ingest := func(ctx context.Context) error {
		_, err := c.snk.IngestBatch(ctx, drained.Rows)
		return err
	}
	if c.retryer != nil {
		ingest = c.retryer.Wrap(ingest)
	}
	if err := ingest(ctx); err != nil {
		log.Printf("[consumer] ingest batch: %v", err)
		c.recordError()
		if c.deadLtr != nil {
			if key, archErr := c.deadLtr.ArchiveBatch(ctx, c.cfg.Key.TargetTable, drained.Rows); archErr != nil {
				log.Printf("[consumer] dead-letter archive failed: %v", archErr)
			} else {
				log.Printf("[consumer] batch dead-lettered at %s after retry exhaustion", key)
			}
		}
		return
	}

	// Step 3: checkpoint every partition present in this batch. A failure
	// here is retried by the retry engine; on final failure we log and move
	// on rather than block the pipeline, since the sink write already
	// happened and at-least-once holds on the write side.
	for partitionID, waterlevel := range drained.Checkpoints {
		key := c.cfg.Key
		key.PartitionID = partitionID
		cp := model.Checkpoint{Key: key, Waterlevel: waterlevel, InsertedAt: time.Now().UTC()}

		upsert := func(ctx context.Context) error {
			return c.store.Upsert(ctx, cp)
		}
		if c.retryer != nil {
			upsert = c.retryer.Wrap(upsert)
		}
		if err := upsert(ctx); err != nil {
			log.Printf("[consumer] upsert checkpoint partition %s: %v", partitionID, err)
			c.recordError()
			continue
		}

		// Step 4: acknowledge the source transport for this partition.
		if err := c.src.Acknowledge(ctx, partitionID, waterlevel); err != nil {
			log.Printf("[consumer] acknowledge partition %s: %v", partitionID, err)
		}
	}

	c.statsMu.Lock()
	c.stats.BatchesProcessed++
	c.statsMu.Unlock()
}

// finalDrain performs one last flush attempt over whatever the accumulator
// still holds at shutdown, per spec.md §4.5's shutdown clause.
func (c *Consumer) finalDrain() {
	c.accMu.Lock()
	empty := c.acc.Len() == 0
	c.accMu.Unlock()
	if empty {
		return
	}
	c.flush()
}

func (c *Consumer) recordError() {
	c.statsMu.Lock()
	c.stats.Errors++
	c.statsMu.Unlock()
}

// Stats returns a snapshot of this consumer's activity counters.
func (c *Consumer) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}
