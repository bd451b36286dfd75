// Package sink implements the Streaming Sink component (spec.md §4.3): a
// durable destination a Partition Consumer ingests sealed batches into.
package sink

import (
	"context"

	"github.com/evsnow/ingest/internal/model"
)

// IngestResult reports the outcome of ingesting one batch of rows.
type IngestResult struct {
	RowsInserted int
}

// Stats is a point-in-time snapshot of one sink's ingest activity.
type Stats struct {
	BatchesIngested int64
	RowsIngested    int64
	State           ChannelState
}

// Sink is the streaming destination a mapping's consumer flushes sealed
// batches into. Implementations must be safe to call concurrently across
// different partitions of the same mapping, and must make IngestBatch
// idempotent under row ID so at-least-once redelivery never double-counts.
//
// A Sink carries its own CREATED/STARTED/STOPPED lifecycle (spec.md §4.3):
// IngestBatch is only valid once Start has succeeded and before Stop is
// called, mirroring a Snowpipe Streaming channel's own state machine.
type Sink interface {
	// EnsureReady verifies (and where supported, creates) the destination
	// table before the first batch is ingested.
	EnsureReady(ctx context.Context) error

	// Start transitions the sink CREATED -> STARTED. IngestBatch fails
	// fast until this has succeeded.
	Start(ctx context.Context) error

	// Stop transitions the sink to STOPPED and releases channels/connections
	// held by it. IngestBatch fails fast after this returns.
	Stop(ctx context.Context) error

	// IsStarted reports whether the sink is currently in the STARTED state.
	IsStarted() bool

	// Stats returns a snapshot of this sink's ingest activity counters.
	Stats() Stats

	// IngestBatch writes rows to the destination, deduplicating on
	// model.Row.RowID(). Partial failure must not leave the destination in
	// a state where a retried call double-inserts previously committed
	// rows. Called outside the STARTED state, it fails fast with a fatal
	// error rather than touching the connection.
	IngestBatch(ctx context.Context, rows []model.Row) (IngestResult, error)
}

// ChannelState models the lifecycle of one partition's ingest channel,
// mirroring the CREATED -> STARTED -> STOPPED progression Snowpipe
// Streaming channels expose, emulated here over buffered SQL (see
// DESIGN.md: no official Go Snowpipe Streaming SDK exists in the
// retrieved corpus).
type ChannelState int

const (
	ChannelCreated ChannelState = iota
	ChannelStarted
	ChannelStopped
)

func (s ChannelState) String() string {
	switch s {
	case ChannelCreated:
		return "CREATED"
	case ChannelStarted:
		return "STARTED"
	case ChannelStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
