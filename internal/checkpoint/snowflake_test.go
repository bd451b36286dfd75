package checkpoint

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/evsnow/ingest/internal/model"
)

// Tests construct SnowflakeCheckpointStore directly over a sqlmock *sql.DB,
// bypassing NewSnowflakeCheckpointStore's connection pool, so the
// control-table SQL can be exercised without a real Snowflake account.

func TestSnowflakeCheckpointStore_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	store := &SnowflakeCheckpointStore{db: db, table: "INGESTION_STATUS"}

	cp := model.Checkpoint{
		Key: model.CheckpointKey{
			SourceNamespace: "eventhubs",
			SourceName:      "orders-hub",
			TargetDB:        "ANALYTICS",
			TargetSchema:    "RAW",
			TargetTable:     "ORDERS",
		},
		Waterlevel: 99,
		InsertedAt: time.Now().UTC(),
	}
	cp.Key.PartitionID = "3"

	mock.ExpectExec("MERGE INTO INGESTION_STATUS").
		WithArgs(cp.Key.SourceNamespace, cp.Key.SourceName, cp.Key.TargetDB, cp.Key.TargetSchema,
			cp.Key.TargetTable, cp.Key.PartitionID, cp.Waterlevel, "{}", cp.InsertedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Upsert(context.Background(), cp); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSnowflakeCheckpointStore_LoadAllPartitions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	store := &SnowflakeCheckpointStore{db: db, table: "INGESTION_STATUS"}

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"partition_id", "waterlevel", "metadata", "inserted_at"}).
		AddRow("0", int64(100), `{}`, now)

	mock.ExpectQuery("SELECT PARTITION_ID, WATERLEVEL, METADATA, TS_INSERTED").
		WithArgs("eventhubs", "orders-hub", "ANALYTICS", "RAW", "ORDERS").
		WillReturnRows(rows)

	key := model.CheckpointKey{
		SourceNamespace: "eventhubs",
		SourceName:      "orders-hub",
		TargetDB:        "ANALYTICS",
		TargetSchema:    "RAW",
		TargetTable:     "ORDERS",
	}
	got, err := store.LoadAllPartitions(context.Background(), key)
	if err != nil {
		t.Fatalf("LoadAllPartitions error: %v", err)
	}
	if got["0"].Waterlevel != 100 {
		t.Fatalf("expected waterlevel 100, got %d", got["0"].Waterlevel)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNewSnowflakeCheckpointStore_RejectsInvalidIdentifiers(t *testing.T) {
	cases := []SnowflakeDSNConfig{
		{Account: "acct", User: "u", Database: "bad db", Schema: "RAW", Warehouse: "WH"},
		{Account: "acct", User: "u", Database: "DB", Schema: "bad;schema", Warehouse: "WH"},
		{Account: "acct", User: "u", Database: "DB", Schema: "RAW", Warehouse: "bad-wh"},
		{Account: "acct", User: "u", Database: "DB", Schema: "RAW", Warehouse: "WH", Table: "bad table"},
	}
	for _, cfg := range cases {
		if _, err := NewSnowflakeCheckpointStore(cfg); err == nil {
			t.Fatalf("expected identifier validation error for %+v", cfg)
		}
	}
}
