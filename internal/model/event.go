// Package model holds the wire-level and warehouse-level types shared by the
// ingestion pipeline: the immutable Event read from the source, the Row
// derived from it for the sink, and the Checkpoint/Mapping bindings that tie
// a source partition to a sink table.
package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Event is the opaque payload plus metadata handed to the pipeline by a
// Partition Event Source. It is immutable once constructed.
type Event struct {
	Body              []byte
	Properties        map[string]any
	SystemProperties  map[string]any
	PartitionID       string
	SequenceNumber    int64
	EnqueuedAt        time.Time
}

// RowID returns the deterministic, per-stream-unique identifier used by the
// sink to deduplicate appends on retry: "{partition_id}_{sequence_number}".
func (e *Event) RowID() string {
	return rowID(e.PartitionID, e.SequenceNumber)
}

// ToRow derives the warehouse row for this event. It is a pure function:
// identical events always produce identical rows, modulo IngestionTimestamp.
func (e *Event) ToRow(now time.Time) (Row, error) {
	props, err := marshalAttrs(e.Properties)
	if err != nil {
		return Row{}, fmt.Errorf("marshal properties: %w", err)
	}
	sysProps, err := marshalAttrs(e.SystemProperties)
	if err != nil {
		return Row{}, fmt.Errorf("marshal system properties: %w", err)
	}

	row := Row{
		EventBody:          sanitizeUTF8(e.Body),
		PartitionID:        e.PartitionID,
		SequenceNumber:     e.SequenceNumber,
		Properties:         props,
		SystemProperties:   sysProps,
		IngestionTimestamp: now,
	}
	if !e.EnqueuedAt.IsZero() {
		t := e.EnqueuedAt
		row.EnqueuedTime = &t
	}
	return row, nil
}

// sanitizeUTF8 converts arbitrary bytes to a valid UTF-8 string, replacing
// invalid sequences lossily. No row field may carry raw bytes downstream.
func sanitizeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

func marshalAttrs(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := canonicalMarshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
