package batch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evsnow/ingest/internal/batch"
	"github.com/evsnow/ingest/internal/model"
)

func TestAccumulator_SealsBySize(t *testing.T) {
	a := batch.New(2, time.Hour)

	sealed := a.Add(model.Event{PartitionID: "0", SequenceNumber: 10})
	require.False(t, sealed)

	sealed = a.Add(model.Event{PartitionID: "0", SequenceNumber: 11})
	require.True(t, sealed)
}

func TestAccumulator_SealsByTime(t *testing.T) {
	a := batch.New(100, 10*time.Millisecond)
	a.Add(model.Event{PartitionID: "0", SequenceNumber: 1})

	require.False(t, a.IsSealedByTime(time.Now()))
	require.True(t, a.IsSealedByTime(time.Now().Add(20*time.Millisecond)))
}

func TestAccumulator_DrainProducesRowsAndLastAddedCheckpoints(t *testing.T) {
	a := batch.New(10, time.Hour)
	a.Add(model.Event{PartitionID: "0", SequenceNumber: 10})
	a.Add(model.Event{PartitionID: "0", SequenceNumber: 11})
	a.Add(model.Event{PartitionID: "0", SequenceNumber: 12})

	drained, err := a.Drain(time.Now())
	require.NoError(t, err)
	require.Len(t, drained.Rows, 3)
	require.Equal(t, "0_10", drained.Rows[0].RowID())
	require.Equal(t, "0_11", drained.Rows[1].RowID())
	require.Equal(t, "0_12", drained.Rows[2].RowID())
	require.Equal(t, int64(12), drained.Checkpoints["0"])
	require.Equal(t, 0, a.Len())
}

func TestAccumulator_LastAddedNotMax(t *testing.T) {
	// Out-of-order redelivery: spec treats last-added as authoritative, even
	// when it is not the maximum sequence seen.
	a := batch.New(10, time.Hour)
	a.Add(model.Event{PartitionID: "0", SequenceNumber: 12})
	a.Add(model.Event{PartitionID: "0", SequenceNumber: 11})

	drained, err := a.Drain(time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(11), drained.Checkpoints["0"])
}

func TestAccumulator_MultiPartition(t *testing.T) {
	a := batch.New(10, time.Hour)
	a.Add(model.Event{PartitionID: "0", SequenceNumber: 5})
	a.Add(model.Event{PartitionID: "1", SequenceNumber: 7})

	drained, err := a.Drain(time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(5), drained.Checkpoints["0"])
	require.Equal(t, int64(7), drained.Checkpoints["1"])
}

func TestAccumulator_EmptyDrain(t *testing.T) {
	a := batch.New(10, time.Hour)
	drained, err := a.Drain(time.Now())
	require.NoError(t, err)
	require.Empty(t, drained.Rows)
	require.Empty(t, drained.Checkpoints)
}
