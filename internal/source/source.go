// Package source implements the Partition Event Source component (spec.md
// §6): the abstraction a Partition Consumer reads one partition's events
// through, independent of whether the underlying transport is Event Hubs'
// native AMQP protocol or its Kafka-compatible endpoint.
package source

import (
	"context"

	"github.com/evsnow/ingest/internal/model"
)

// EventCallback is invoked once per received event, in partition order.
// Returning an error stops the partition's receive loop.
type EventCallback func(ctx context.Context, ev model.Event) error

// PartitionEventSource reads events from one namespace/event-hub, fanning
// assigned partitions out to a caller-supplied callback. A single source
// instance may serve many partitions concurrently; each Assign call starts
// an independent receive loop for that partition.
type PartitionEventSource interface {
	// Start connects to the underlying transport. It must be called once
	// before any Assign call.
	Start(ctx context.Context) error

	// Assign begins consuming partitionID starting strictly after
	// resumeAfterSequence (use -1 to start from the earliest available
	// event). Events are delivered to cb until ctx is cancelled or Stop is
	// called. Assign returns once the receive loop has started; delivery
	// happens on a background goroutine.
	Assign(ctx context.Context, partitionID string, resumeAfterSequence int64, cb EventCallback) error

	// Acknowledge notifies the source that events up to and including
	// upTo have been durably checkpointed elsewhere. Implementations that
	// checkpoint through spec's own Checkpoint Store (not the transport)
	// may treat this as a no-op; it exists so transports with native
	// checkpoint stores (e.g. Event Hubs blob checkpoints) can stay in
	// sync if one is configured.
	Acknowledge(ctx context.Context, partitionID string, upTo int64) error

	// PartitionIDs lists the partitions available on the underlying
	// event hub/topic.
	PartitionIDs(ctx context.Context) ([]string, error)

	// Stop halts all receive loops and releases transport resources.
	Stop(ctx context.Context) error
}
