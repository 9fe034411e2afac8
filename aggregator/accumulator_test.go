package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/testutil"
)

func TestAccumulatorRejectsRepeatedReport(t *testing.T) {
	tk := testutil.NewTask(t)
	v, err := tk.VdafInstance()
	require.NoError(t, err)
	store := testutil.NewEphemeralDatastore(t, testutil.NewMockClock())

	now := protocol.FromTime(testutil.StartTime)
	batch := protocol.IntervalBatch(tk.BatchIntervalFor(now))
	share := v.AggregateInit(nil)
	id := protocol.NewReportID()

	acc := NewAccumulator(tk, v, nil)
	require.True(t, acc.Empty())
	require.NoError(t, acc.Update(batch, id, now, share))
	require.False(t, acc.Empty())
	require.ErrorIs(t, acc.Update(batch, id, now, share), ErrReportAlreadyMerged)
	// Also refused when the repeat lands in another batch.
	next := protocol.IntervalBatch(protocol.Interval{Start: batch.Interval.End(), Duration: batch.Interval.Duration})
	require.ErrorIs(t, acc.Update(next, id, now, share), ErrReportAlreadyMerged)

	var ba *datastore.BatchAggregation
	err = store.Run(t.Context(), "flush", func(ctx context.Context, tx datastore.Transaction) error {
		if err := tx.PutTask(ctx, tk); err != nil {
			return err
		}
		unmerged, err := acc.Flush(ctx, tx)
		if err != nil {
			return err
		}
		require.Empty(t, unmerged)
		ba, err = tx.GetBatchAggregation(ctx, tk.ID, batch, nil)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, ba)
	require.Equal(t, uint64(1), ba.ReportCount)
	require.Equal(t, protocol.ChecksumForReport(id), ba.Checksum)

	want, err := v.Merge(v.AggregateInit(nil), share)
	require.NoError(t, err)
	require.Equal(t, want, ba.AggregateShare)
}

func TestFailUnmergedSkipsEmptyAccumulator(t *testing.T) {
	tk := testutil.NewTask(t)
	v, err := tk.VdafInstance()
	require.NoError(t, err)
	ra := &datastore.ReportAggregation{TaskID: tk.ID, ReportID: protocol.NewReportID(), State: datastore.ReportAggregationWaiting}

	// Nothing was merged, so the transaction is never touched.
	require.NoError(t, failUnmerged(t.Context(), nil, NewAccumulator(tk, v, nil), []*datastore.ReportAggregation{ra}))
	require.Equal(t, datastore.ReportAggregationWaiting, ra.State)
}
