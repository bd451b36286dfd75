// Package mapping implements the Mapping composite (spec.md §4.6): a thin
// binding of one source, one sink, one checkpoint store, and one retry
// engine into a single consumer lifecycle. Grounded on the teacher's
// kernel/cmd/kernel/main.go AppContext wiring: a dependency struct
// assembled once at startup, started, run in the background, and torn down
// in reverse order on shutdown.
package mapping

import (
	"context"
	"fmt"
	"sync"

	"github.com/evsnow/ingest/internal/checkpoint"
	"github.com/evsnow/ingest/internal/consumer"
	"github.com/evsnow/ingest/internal/deadletter"
	"github.com/evsnow/ingest/internal/retry"
	"github.com/evsnow/ingest/internal/sink"
	"github.com/evsnow/ingest/internal/source"
)

// Config binds the four collaborators a Mapping composes, plus the fixed
// consumer parameters for this mapping.
type Config struct {
	Name     string
	Consumer consumer.Config
	Source   source.PartitionEventSource
	Sink     sink.Sink
	Store    checkpoint.Store
	Retryer  retry.Retryer
	DeadLtr  deadletter.Archiver // optional
}

// Stats aggregates one mapping's activity for the orchestrator's snapshot.
type Stats struct {
	Name              string
	MessagesProcessed int64
	BatchesProcessed  int64
	Errors            int64
}

// Health reports one mapping's liveness for the orchestrator's snapshot.
type Health struct {
	Name          string
	Running       bool
	SourcePresent bool
	SinkPresent   bool
	StorePresent  bool
	LastError     error
}

// Mapping owns one consumer and the collaborators it was constructed from.
// Start is synchronous and idempotent; Run is asynchronous and blocks until
// its context is cancelled; Stop is asynchronous and idempotent, matching
// spec.md §4.6's invariant that calling Stop on a not-yet-started or
// already-stopped mapping is a no-op.
type Mapping struct {
	cfg Config

	mu       sync.Mutex
	started  bool
	stopped  bool
	running  bool
	consumer *consumer.Consumer
	cancel   context.CancelFunc
	runDone  chan struct{}
	lastErr  error
}

// New constructs a Mapping. Call Start before Run.
func New(cfg Config) *Mapping {
	return &Mapping{cfg: cfg}
}

// Start builds the sink's destination table, the checkpoint store's control
// table, and the consumer that will drive them. It is synchronous: by the
// time it returns, every collaborator is ready to accept traffic.
func (m *Mapping) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	if err := m.cfg.Store.EnsureReady(ctx); err != nil {
		return fmt.Errorf("mapping %s: ensure checkpoint store ready: %w", m.cfg.Name, err)
	}
	if err := m.cfg.Sink.EnsureReady(ctx); err != nil {
		return fmt.Errorf("mapping %s: ensure sink ready: %w", m.cfg.Name, err)
	}
	if err := m.cfg.Sink.Start(ctx); err != nil {
		return fmt.Errorf("mapping %s: start sink: %w", m.cfg.Name, err)
	}

	cons := consumer.New(m.cfg.Consumer, m.cfg.Source, m.cfg.Sink, m.cfg.Store, m.cfg.Retryer)
	if m.cfg.DeadLtr != nil {
		cons = cons.WithDeadLetterArchiver(m.cfg.DeadLtr)
	}
	m.consumer = cons
	m.started = true
	return nil
}

// Run drives the mapping's consumer until ctx is cancelled or Stop is
// called. It is safe to run in its own goroutine; the orchestrator launches
// one per mapping and waits on all of them together. A panic inside the
// consumer is recovered here rather than left to cross the mapping boundary
// and crash the process (spec.md §7: "crash the offending mapping; let the
// orchestrator report; do not take down peers") and surfaced the same way an
// ordinary error would be, through Health().LastError.
func (m *Mapping) Run(ctx context.Context) (runErr error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("mapping %s: Run called before Start", m.cfg.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.runDone = make(chan struct{})
	m.running = true
	done := m.runDone
	cons := m.consumer
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("mapping %s: panic: %v", m.cfg.Name, r)
		}

		m.mu.Lock()
		m.running = false
		if runErr != nil && runErr != context.Canceled {
			m.lastErr = runErr
		}
		m.mu.Unlock()
		close(done)
	}()

	err := cons.Run(runCtx)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Stop cancels the running consumer (letting it perform its final drain),
// waits for Run to return, then closes the sink. Idempotent: a Stop call on
// a mapping that was never started, or already stopped, is a no-op.
func (m *Mapping) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || !m.started {
		m.stopped = true
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel := m.cancel
	done := m.runDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if err := m.cfg.Sink.Stop(ctx); err != nil {
		return fmt.Errorf("mapping %s: stop sink: %w", m.cfg.Name, err)
	}
	return nil
}

// Stats returns a snapshot of this mapping's consumer activity.
func (m *Mapping) Stats() Stats {
	m.mu.Lock()
	cons := m.consumer
	m.mu.Unlock()
	if cons == nil {
		return Stats{Name: m.cfg.Name}
	}
	cs := cons.Stats()
	return Stats{
		Name:              m.cfg.Name,
		MessagesProcessed: cs.MessagesProcessed,
		BatchesProcessed:  cs.BatchesProcessed,
		Errors:            cs.Errors,
	}
}

// Health returns a snapshot of this mapping's liveness.
func (m *Mapping) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		Name:          m.cfg.Name,
		Running:       m.running,
		SourcePresent: m.cfg.Source != nil,
		SinkPresent:   m.cfg.Sink != nil,
		StorePresent:  m.cfg.Store != nil,
		LastError:     m.lastErr,
	}
}
