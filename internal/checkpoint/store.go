// Package checkpoint persists per-partition resume points so a restarted
// mapping picks up exactly where it left off, per spec.md §3/§4.2.
package checkpoint

import (
	"context"
	"regexp"

	"github.com/evsnow/ingest/internal/model"
)

// Store is the control-table abstraction a Partition Consumer upserts into
// after every successful flush, and loads from at startup.
type Store interface {
	// EnsureReady verifies the control table exists and is reachable,
	// creating it if the backend supports do-it-yourself provisioning.
	EnsureReady(ctx context.Context) error

	// Upsert idempotently advances the checkpoint for one partition. It
	// must be safe to call with a watermark less than or equal to the
	// stored one (the MERGE is keyed, not append-only).
	Upsert(ctx context.Context, cp model.Checkpoint) error

	// LoadAllPartitions returns the last known checkpoint for every
	// partition under the given key's namespace/name/table coordinates,
	// keyed by partition ID.
	LoadAllPartitions(ctx context.Context, key model.CheckpointKey) (map[string]model.Checkpoint, error)

	// Ping verifies connectivity without mutating state.
	Ping(ctx context.Context) error

	// Close releases any held connections.
	Close() error
}

// identifierPattern bounds the characters accepted for any value that is
// interpolated into a SQL identifier (database/schema/table names) rather
// than bound as a parameter, since neither gosnowflake nor lib/pq support
// identifier placeholders. Rejecting anything outside this set is the
// control against identifier-based SQL injection from configuration.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_$]+$`)

func validateIdentifier(kind, value string) error {
	if value == "" || !identifierPattern.MatchString(value) {
		return &InvalidIdentifierError{Kind: kind, Value: value}
	}
	return nil
}

// InvalidIdentifierError is returned when a configured database, schema,
// table, role, or warehouse name fails the identifier allowlist.
type InvalidIdentifierError struct {
	Kind  string
	Value string
}

func (e *InvalidIdentifierError) Error() string {
	return "checkpoint: invalid " + e.Kind + " identifier: " + e.Value
}
