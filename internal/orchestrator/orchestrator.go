// Package orchestrator implements the process-level lifecycle for N
// mappings (spec.md §4.7): Init constructs and starts every mapping,
// rolling back on any failure; Run drives them concurrently until
// cancelled; Shutdown tears them down in reverse init order and closes the
// shared checkpoint connection pool. Signal handling follows the teacher's
// kernel/cmd/kernel/main.go shutdown stanza, generalized from one
// component to N mappings and from a single signal wait to a
// forced-exit-on-second-signal escape hatch.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/evsnow/ingest/internal/checkpoint"
	"github.com/evsnow/ingest/internal/mapping"
)

// Config tunes orchestrator-level timeouts.
type Config struct {
	// ShutdownTimeout bounds how long Shutdown waits for mappings to drain
	// before giving up on an individual Stop call. Default 30s per
	// spec.md §5.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// MappingStats is one mapping's contribution to Orchestrator.Stats.
type MappingStats = mapping.Stats

// Stats is a snapshot aggregation across every owned mapping. Aggregation
// takes no lock against running tasks; readers tolerate slight skew, per
// spec.md §4.7.
type Stats struct {
	Mappings []MappingStats
	Runtime  time.Duration
}

// Health is the orchestrator-level liveness snapshot.
type Health struct {
	Running  bool
	Mappings []mapping.Health
	Errors   []error
}

// Orchestrator owns N mappings and the process's shutdown sequencing.
type Orchestrator struct {
	cfg      Config
	mappings []*mapping.Mapping

	mu        sync.Mutex
	startedAt time.Time
	running   bool
	started   []*mapping.Mapping // mappings successfully started, in init order

	shutdownOnce sync.Once
	shutdownErr  error
}

// New constructs an Orchestrator over the given mappings, in the order they
// should be started (and, on shutdown, stopped in reverse).
func New(cfg Config, mappings ...*mapping.Mapping) *Orchestrator {
	return &Orchestrator{cfg: cfg.withDefaults(), mappings: mappings}
}

// Init starts every mapping in order. On any failure it stops every
// mapping already started, in reverse order, then returns the original
// error — the orchestrator never runs a partially-initialized fleet.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, m := range o.mappings {
		if err := m.Start(ctx); err != nil {
			for i := len(o.started) - 1; i >= 0; i-- {
				if stopErr := o.started[i].Stop(ctx); stopErr != nil {
					log.Printf("[orchestrator] rollback stop error: %v", stopErr)
				}
			}
			o.started = nil
			return fmt.Errorf("orchestrator: init failed, rolled back: %w", err)
		}
		o.started = append(o.started, m)
	}
	o.startedAt = time.Now()
	return nil
}

// Run launches one concurrent task per mapping's Run and blocks until every
// one returns (because ctx was cancelled, or a mapping exited on its own).
// It does not itself call Shutdown; callers drive Init -> Run -> Shutdown,
// or use Serve for the common signal-driven case.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.running = true
	mappings := append([]*mapping.Mapping(nil), o.mappings...)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	var wg sync.WaitGroup
	errs := make([]error, len(mappings))
	for i, m := range mappings {
		wg.Add(1)
		go func(i int, m *mapping.Mapping) {
			defer wg.Done()
			errs[i] = m.Run(ctx)
		}(i, m)
	}
	wg.Wait()

	var first error
	for _, err := range errs {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Shutdown is idempotent: cancels/stops every started mapping in reverse
// init order, then closes the shared checkpoint connection pool. Safe to
// call multiple times or concurrently; only the first call does the work.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
		defer cancel()

		o.mu.Lock()
		started := o.started
		o.mu.Unlock()

		var firstErr error
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(shutdownCtx); err != nil {
				log.Printf("[orchestrator] mapping stop error: %v", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if err := checkpoint.CloseAllSnowflakeConnections(); err != nil {
			log.Printf("[orchestrator] close connection pool: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		o.shutdownErr = firstErr
	})
	return o.shutdownErr
}

// Serve runs the common Init -> Run -> Shutdown sequence, cancelling Run on
// the first SIGINT/SIGTERM and forcing an immediate, non-zero-status
// process exit on a second signal received before Shutdown completes — the
// only place in this pipeline a forced exit is acceptable, per spec.md
// §4.7. Blocks until shutdown has completed (or the process was forced to
// exit).
func (o *Orchestrator) Serve(ctx context.Context) error {
	if err := o.Init(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(runCtx) }()

	// All signal delivery is funneled through this single goroutine so the
	// first and second signal are never raced against each other by two
	// concurrent receivers on the same channel.
	go func() {
		signalCount := 0
		for range sigCh {
			signalCount++
			if signalCount == 1 {
				log.Printf("[orchestrator] shutdown signal received, draining mappings")
				cancel()
				go func() { _ = o.Shutdown(context.Background()) }()
				continue
			}
			log.Printf("[orchestrator] second shutdown signal received, forcing exit")
			os.Exit(1)
		}
	}()

	runErr := <-runDone
	if err := o.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stats aggregates per-mapping statistics and total runtime.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	startedAt := o.startedAt
	mappings := append([]*mapping.Mapping(nil), o.mappings...)
	o.mu.Unlock()

	out := Stats{Mappings: make([]MappingStats, 0, len(mappings))}
	for _, m := range mappings {
		out.Mappings = append(out.Mappings, m.Stats())
	}
	if !startedAt.IsZero() {
		out.Runtime = time.Since(startedAt)
	}
	return out
}

// Health aggregates per-mapping health plus the orchestrator's own running
// flag and mapping count.
func (o *Orchestrator) Health() Health {
	o.mu.Lock()
	running := o.running
	mappings := append([]*mapping.Mapping(nil), o.mappings...)
	o.mu.Unlock()

	out := Health{Running: running, Mappings: make([]mapping.Health, 0, len(mappings))}
	for _, m := range mappings {
		h := m.Health()
		out.Mappings = append(out.Mappings, h)
		if h.LastError != nil {
			out.Errors = append(out.Errors, h.LastError)
		}
	}
	return out
}
