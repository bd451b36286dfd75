// Package batch implements the per-partition batch accumulator (spec C4): a
// pure data structure bounding how many events and how much wall-clock time
// a batch may span before it seals.
package batch

import (
	"time"

	"github.com/evsnow/ingest/internal/model"
)

// Checkpoints maps a partition ID to the sequence number that should be
// durably recorded once the batch it came from has been flushed.
type Checkpoints map[string]int64

// Drained is the immutable snapshot returned by Accumulator.Drain.
type Drained struct {
	Rows        []model.Row
	Checkpoints Checkpoints
}

// Accumulator bounds events into a single batch by size or age. It holds no
// mutex: the consumer that owns it is the only caller, per spec's
// single-writer-per-partition-consumer invariant.
type Accumulator struct {
	maxSize int
	maxWait time.Duration

	createdAt time.Time
	events    []model.Event
	// lastSeqByPartition records the last-added (not maximum) sequence
	// number per partition: under strict in-order delivery this is the
	// correct resume point; see DESIGN.md for the out-of-order discussion.
	lastSeqByPartition map[string]int64
}

// New creates an empty accumulator bounded by maxSize events or maxWait of
// wall-clock age, whichever is reached first.
func New(maxSize int, maxWait time.Duration) *Accumulator {
	return &Accumulator{
		maxSize:            maxSize,
		maxWait:            maxWait,
		createdAt:          time.Now(),
		lastSeqByPartition: make(map[string]int64),
	}
}

// Add appends an event to the batch and reports whether the batch is now
// sealed (size limit reached). Callers must also check IsSealedByTime on
// their own poll/tick cadence, since Add is only invoked on arrival.
func (a *Accumulator) Add(ev model.Event) (sealed bool) {
	a.events = append(a.events, ev)
	a.lastSeqByPartition[ev.PartitionID] = ev.SequenceNumber
	return len(a.events) >= a.maxSize
}

// IsSealedByTime reports whether the batch has exceeded its maximum age as
// of now.
func (a *Accumulator) IsSealedByTime(now time.Time) bool {
	if len(a.events) == 0 {
		return false
	}
	return now.Sub(a.createdAt) >= a.maxWait
}

// Len returns the number of events currently held.
func (a *Accumulator) Len() int {
	return len(a.events)
}

// Drain serializes the accumulated events into rows and returns an immutable
// snapshot of the batch plus its per-partition checkpoint map. The
// accumulator is reset to empty afterward.
func (a *Accumulator) Drain(now time.Time) (Drained, error) {
	rows := make([]model.Row, 0, len(a.events))
	for _, ev := range a.events {
		row, err := ev.ToRow(now)
		if err != nil {
			return Drained{}, err
		}
		rows = append(rows, row)
	}

	checkpoints := make(Checkpoints, len(a.lastSeqByPartition))
	for p, s := range a.lastSeqByPartition {
		checkpoints[p] = s
	}

	a.events = nil
	a.lastSeqByPartition = make(map[string]int64)
	a.createdAt = now

	return Drained{Rows: rows, Checkpoints: checkpoints}, nil
}
