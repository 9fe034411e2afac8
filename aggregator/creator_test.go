package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/testutil"
)

func jobSizes(t *testing.T, h *harness) []int {
	t.Helper()
	var sizes []int
	for _, j := range h.leaderJobs() {
		sizes = append(sizes, len(h.reportAggregations(h.leaderStore, j.ID)))
	}
	return sizes
}

func TestCreatorTimeInterval(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 25; i++ {
		h.upload(1, h.now())
	}
	require.Equal(t, 3, h.createJobs())
	require.Equal(t, []int{10, 10, 5}, jobSizes(t, h))

	ba := h.batchAggregation(h.leaderStore, h.currentBatch())
	require.NotNil(t, ba)
	require.Equal(t, uint64(3), ba.AggregationJobsCreated)
	require.Zero(t, ba.AggregationJobsTerminated)
	require.Equal(t, datastore.BatchAggregationCollectable, ba.State)

	for _, j := range h.leaderJobs() {
		require.Equal(t, datastore.AggregationJobInProgress, j.State)
		for _, ra := range h.reportAggregations(h.leaderStore, j.ID) {
			require.Equal(t, datastore.ReportAggregationStart, ra.State)
		}
	}
}

func TestCreatorMinJobSize(t *testing.T) {
	h := newHarness(t)
	h.creator = NewAggregationJobCreator(h.leaderStore, h.clock, testutil.NewLogger(t), CreatorConfig{
		MinAggregationJobSize: 6,
		MaxAggregationJobSize: 10,
		MaxReportsPerPass:     100,
	})
	for i := 0; i < 25; i++ {
		h.upload(1, h.now())
	}
	require.Equal(t, 2, h.createJobs())
	require.Equal(t, 0, h.createJobs(), "five reports wait for more")

	h.upload(1, h.now())
	require.Equal(t, 1, h.createJobs())
	require.Equal(t, []int{10, 10, 6}, jobSizes(t, h))
}

func TestCreatorJobSpanningBatches(t *testing.T) {
	h := newHarness(t)
	earlier := h.now().Sub(3600)
	h.upload(1, earlier)
	h.upload(1, h.now())
	require.Equal(t, 1, h.createJobs())

	previous := protocol.IntervalBatch(h.pair.Leader.BatchIntervalFor(earlier))
	for _, batch := range []protocol.BatchIdentifier{previous, h.currentBatch()} {
		ba := h.batchAggregation(h.leaderStore, batch)
		require.NotNil(t, ba, batch.String())
		require.Equal(t, uint64(1), ba.AggregationJobsCreated)
		require.Equal(t, protocol.Duration(1), ba.ClientTimestampInterval.Duration)
	}

	h.drainAggregationJobs()
	for _, batch := range []protocol.BatchIdentifier{previous, h.currentBatch()} {
		ba := h.batchAggregation(h.leaderStore, batch)
		require.True(t, ba.FullyAccumulated())
		require.Equal(t, uint64(1), ba.ReportCount)
	}
}

func TestCreatorSkipsCollectedBatch(t *testing.T) {
	h := newHarness(t)
	h.upload(1, h.now())
	batch := h.currentBatch()
	read(t, h.leaderStore, func(ctx context.Context, tx datastore.Transaction) error {
		return tx.PutBatchAggregation(ctx, &datastore.BatchAggregation{
			TaskID: h.pair.Leader.ID,
			Batch:  batch,
			State:  datastore.BatchAggregationCollected,
		})
	})

	require.Equal(t, 1, h.createJobs())
	jobs := h.leaderJobs()
	require.Equal(t, datastore.AggregationJobFinished, jobs[0].State)
	ras := h.reportAggregations(h.leaderStore, jobs[0].ID)
	require.Equal(t, protocol.PrepareErrorBatchCollected, ras[0].Error)

	ba := h.batchAggregation(h.leaderStore, batch)
	require.Equal(t, uint64(1), ba.AggregationJobsCreated)
	require.True(t, ba.FullyAccumulated())
	require.Empty(t, h.acquireAggregationJobs())
}

func TestCreatorFixedSize(t *testing.T) {
	h := newHarness(t, testutil.WithFixedSize(4))
	h.creator = NewAggregationJobCreator(h.leaderStore, h.clock, testutil.NewLogger(t), CreatorConfig{
		MinAggregationJobSize: 2,
		MaxAggregationJobSize: 3,
		MaxReportsPerPass:     100,
	})
	outstanding := func() []*datastore.OutstandingBatch {
		var obs []*datastore.OutstandingBatch
		read(t, h.leaderStore, func(ctx context.Context, tx datastore.Transaction) error {
			var err error
			obs, err = tx.GetOutstandingBatches(ctx, h.pair.Leader.ID)
			return err
		})
		return obs
	}

	for i := 0; i < 3; i++ {
		h.upload(1, h.now())
	}
	require.Equal(t, 1, h.createJobs())
	obs := outstanding()
	require.Len(t, obs, 1)
	require.Equal(t, uint64(3), obs[0].AssignedCount)

	// One report exactly fills the batch even though it is below the
	// minimum job size; the rest open a new batch.
	for i := 0; i < 3; i++ {
		h.upload(1, h.now())
	}
	require.Equal(t, 2, h.createJobs())
	obs = outstanding()
	require.Len(t, obs, 2)
	require.Equal(t, uint64(4), obs[0].AssignedCount)
	require.Equal(t, uint64(2), obs[1].AssignedCount)
	require.Equal(t, []int{3, 1, 2}, jobSizes(t, h))

	jobs := h.leaderJobs()
	require.Equal(t, obs[0].BatchID, jobs[0].BatchID)
	require.Equal(t, obs[0].BatchID, jobs[1].BatchID)
	require.Equal(t, obs[1].BatchID, jobs[2].BatchID)

	// A single report cannot open a job in a batch with room for two.
	h.upload(1, h.now())
	require.Equal(t, 0, h.createJobs())
}

func TestCreatorRun(t *testing.T) {
	h := newHarness(t)
	h.upload(1, h.now())
	h.creator.cfg.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.creator.Run(ctx) }()
	require.Eventually(t, func() bool { return len(h.leaderJobs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
