package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/testutil"
)

func TestGarbageCollector(t *testing.T) {
	h := newHarness(t, testutil.WithReportExpiryAge(3600))
	h.upload(1, h.now())
	h.upload(0, h.now())
	batch := h.currentBatch()
	require.Equal(t, 1, h.createJobs())
	h.drainAggregationJobs()
	id := h.createCollectionJob(intervalQuery(batch.Interval))

	log := testutil.NewLogger(t)
	leaderGC := NewGarbageCollector(h.leaderStore, h.clock, log, DefaultGCConfig())
	helperGC := NewGarbageCollector(h.helperStore, h.clock, log, DefaultGCConfig())

	stats, err := leaderGC.collectTask(t.Context(), h.pair.Leader)
	require.NoError(t, err)
	require.Equal(t, GCStats{}, stats, "nothing has expired yet")

	h.clock.Advance(3 * time.Hour)
	fresh := h.upload(1, h.now())

	stats, err = leaderGC.collectTask(t.Context(), h.pair.Leader)
	require.NoError(t, err)
	require.Equal(t, GCStats{ClientReports: 2, AggregationJobs: 1}, stats)
	require.NotNil(t, h.batchAggregation(h.leaderStore, batch), "pending collection keeps the batch")
	require.Empty(t, h.leaderJobs())

	read(t, h.leaderStore, func(ctx context.Context, tx datastore.Transaction) error {
		r, err := tx.GetClientReport(ctx, h.pair.Leader.ID, fresh.Metadata.ID)
		require.NotNil(t, r)
		return err
	})

	require.NoError(t, h.leader.HandleDeleteCollectionJob(t.Context(), h.pair.Leader.ID, id, h.pair.Leader.CollectorAuthToken))
	require.NoError(t, leaderGC.CollectGarbage(t.Context()))
	require.Nil(t, h.batchAggregation(h.leaderStore, batch))
	read(t, h.leaderStore, func(ctx context.Context, tx datastore.Transaction) error {
		job, err := tx.GetCollectionJob(ctx, h.pair.Leader.ID, id)
		require.Nil(t, job)
		return err
	})

	stats, err = helperGC.collectTask(t.Context(), h.pair.Helper)
	require.NoError(t, err)
	require.Equal(t, GCStats{ClientReports: 2, AggregationJobs: 1, BatchAggregations: 1}, stats)
	require.Empty(t, listJobs(t, h.helperStore, h.pair.Helper.ID))

	// The report uploaded after the cutoff is still aggregated.
	require.Equal(t, 1, h.createJobs())
}

func TestGarbageCollectorFixedSize(t *testing.T) {
	h := newHarness(t, testutil.WithFixedSize(10), testutil.WithReportExpiryAge(3600))
	h.upload(1, h.now())
	h.upload(1, h.now())
	require.Equal(t, 1, h.createJobs())
	h.drainAggregationJobs()

	h.clock.Advance(3 * time.Hour)
	gc := NewGarbageCollector(h.leaderStore, h.clock, testutil.NewLogger(t), DefaultGCConfig())
	stats, err := gc.collectTask(t.Context(), h.pair.Leader)
	require.NoError(t, err)
	require.Equal(t, GCStats{ClientReports: 2, AggregationJobs: 1, BatchAggregations: 1, OutstandingBatches: 1}, stats)
}

func TestGarbageCollectorSkipsTasksWithoutExpiry(t *testing.T) {
	h := newHarness(t)
	h.upload(1, h.now())
	require.Equal(t, 1, h.createJobs())
	h.clock.Advance(24 * 365 * time.Hour)

	gc := NewGarbageCollector(h.leaderStore, h.clock, testutil.NewLogger(t), DefaultGCConfig())
	require.NoError(t, gc.CollectGarbage(t.Context()))
	require.Len(t, h.leaderJobs(), 1)
}

func TestGarbageCollectorRespectsLimits(t *testing.T) {
	h := newHarness(t, testutil.WithReportExpiryAge(3600))
	for i := 0; i < 5; i++ {
		h.upload(1, h.now())
	}
	h.clock.Advance(3 * time.Hour)

	cfg := DefaultGCConfig()
	cfg.ReportLimit = 2
	gc := NewGarbageCollector(h.leaderStore, h.clock, testutil.NewLogger(t), cfg)
	for _, want := range []int{2, 2, 1, 0} {
		stats, err := gc.collectTask(t.Context(), h.pair.Leader)
		require.NoError(t, err)
		require.Equal(t, want, stats.ClientReports)
	}
}
