package model

import "time"

// CheckpointKey is the primary key of the control table row: the first six
// fields of a Checkpoint. Two distinct mappings never write to the same key.
type CheckpointKey struct {
	SourceNamespace string
	SourceName      string
	TargetDB        string
	TargetSchema    string
	TargetTable     string
	PartitionID     string
}

// Checkpoint is a durable record of the resume offset for one partition of
// one mapping. Waterlevel is monotonically-non-decreasing; a write with a
// lower waterlevel than already stored must be accepted silently.
type Checkpoint struct {
	Key          CheckpointKey
	Waterlevel   int64
	MetadataJSON string
	InsertedAt   time.Time
}
