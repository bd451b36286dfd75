package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/evsnow/ingest/internal/model"
)

// PostgresCheckpointStore is the dev-mode checkpoint backend, for local
// runs and integration tests where standing up a Snowflake account isn't
// worth it. Directly adapted from the teacher's
// kernel/internal/audit.PGStore: same *sql.DB-wrapped, same
// Ping/Insert/fetch shape, generalized from audit events to checkpoints
// and from INSERT to ON CONFLICT upsert.
type PostgresCheckpointStore struct {
	db    *sql.DB
	table string
}

// NewPostgresCheckpointStore constructs a store over an already-open
// *sql.DB, matching the teacher's NewPGStore(db *sql.DB) constructor shape.
func NewPostgresCheckpointStore(db *sql.DB, table string) (*PostgresCheckpointStore, error) {
	if table == "" {
		table = "ingestion_status"
	}
	if err := validateIdentifier("table", table); err != nil {
		return nil, err
	}
	return &PostgresCheckpointStore{db: db, table: table}, nil
}

func (p *PostgresCheckpointStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresCheckpointStore) Close() error {
	return p.db.Close()
}

func (p *PostgresCheckpointStore) EnsureReady(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			eventhub_namespace TEXT NOT NULL,
			eventhub           TEXT NOT NULL,
			target_db          TEXT NOT NULL,
			target_schema      TEXT NOT NULL,
			target_table       TEXT NOT NULL,
			partition_id       TEXT NOT NULL,
			waterlevel         BIGINT NOT NULL,
			metadata           JSONB,
			ts_inserted        TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (eventhub_namespace, eventhub, target_db, target_schema, target_table, partition_id)
		)`, p.table)
	if _, err := p.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("checkpoint: ensure control table: %w", err)
	}
	return nil
}

func (p *PostgresCheckpointStore) Upsert(ctx context.Context, cp model.Checkpoint) error {
	metadata := cp.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (eventhub_namespace, eventhub, target_db, target_schema, target_table,
		                 partition_id, waterlevel, metadata, ts_inserted)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (eventhub_namespace, eventhub, target_db, target_schema, target_table, partition_id)
		DO UPDATE SET waterlevel = EXCLUDED.waterlevel, metadata = EXCLUDED.metadata, ts_inserted = EXCLUDED.ts_inserted
	`, p.table)
	_, err := p.db.ExecContext(ctx, q,
		cp.Key.SourceNamespace, cp.Key.SourceName, cp.Key.TargetDB, cp.Key.TargetSchema,
		cp.Key.TargetTable, cp.Key.PartitionID, cp.Waterlevel, metadata, cp.InsertedAt)
	if err != nil {
		return fmt.Errorf("checkpoint: upsert: %w", err)
	}
	return nil
}

func (p *PostgresCheckpointStore) LoadAllPartitions(ctx context.Context, key model.CheckpointKey) (map[string]model.Checkpoint, error) {
	q := fmt.Sprintf(`
		SELECT partition_id, waterlevel, metadata, ts_inserted
		FROM %s
		WHERE eventhub_namespace = $1 AND eventhub = $2 AND target_db = $3 AND target_schema = $4 AND target_table = $5
	`, p.table)
	rows, err := p.db.QueryContext(ctx, q, key.SourceNamespace, key.SourceName, key.TargetDB, key.TargetSchema, key.TargetTable)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load partitions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Checkpoint)
	for rows.Next() {
		var (
			partitionID string
			waterlevel  int64
			metadata    sql.NullString
			insertedAt  sql.NullTime
		)
		if err := rows.Scan(&partitionID, &waterlevel, &metadata, &insertedAt); err != nil {
			return nil, fmt.Errorf("checkpoint: scan row: %w", err)
		}
		cp := model.Checkpoint{
			Key:          key,
			Waterlevel:   waterlevel,
			MetadataJSON: metadata.String,
		}
		cp.Key.PartitionID = partitionID
		if insertedAt.Valid {
			cp.InsertedAt = insertedAt.Time
		}
		out[partitionID] = cp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: iterate rows: %w", err)
	}
	return out, nil
}
