package model

import (
	"strconv"
	"time"
)

// Row is the serialized form of an Event as written to the warehouse sink.
// Derived once per Event by Event.ToRow; identical inputs produce identical
// rows modulo IngestionTimestamp.
type Row struct {
	EventBody          string
	PartitionID        string
	SequenceNumber     int64
	EnqueuedTime       *time.Time
	Properties         *string
	SystemProperties   *string
	IngestionTimestamp time.Time
}

// RowID returns "{partition_id}_{sequence_number}", the idempotency key the
// sink uses to deduplicate appends across retries.
func (r Row) RowID() string {
	return rowID(r.PartitionID, r.SequenceNumber)
}

func rowID(partitionID string, sequenceNumber int64) string {
	return partitionID + "_" + strconv.FormatInt(sequenceNumber, 10)
}
