package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/metrics"
	"github.com/flashbots/dapagg/task"
)

// GarbageCollector deletes data older than each task's report expiry age.
// Tasks without a report expiry age keep everything.
type GarbageCollector struct {
	store datastore.Store
	clock clock.Clock
	log   *slog.Logger
	cfg   GCConfig
}

func NewGarbageCollector(store datastore.Store, clk clock.Clock, log *slog.Logger, cfg GCConfig) *GarbageCollector {
	return &GarbageCollector{store: store, clock: clk, log: log, cfg: cfg}
}

// Run collects garbage every cfg.Interval until ctx is done.
func (g *GarbageCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := g.CollectGarbage(ctx); err != nil && ctx.Err() == nil {
			g.log.Error("Collecting garbage", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GCStats counts rows deleted for one task.
type GCStats struct {
	ClientReports      int
	AggregationJobs    int
	BatchAggregations  int
	CollectionJobs     int
	AggregateShareJobs int
	OutstandingBatches int
}

// CollectGarbage runs one pass over every task.
func (g *GarbageCollector) CollectGarbage(ctx context.Context) error {
	var tasks []*task.Task
	err := g.store.Run(ctx, "get_tasks", func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		tasks, err = tx.GetTasks(ctx)
		return err
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range tasks {
		if t.ReportExpiryAge == nil {
			continue
		}
		stats, err := g.collectTask(ctx, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.observe(stats)
		g.log.Debug("Collected garbage", "task_id", t.ID.String(),
			"client_reports", stats.ClientReports,
			"aggregation_jobs", stats.AggregationJobs,
			"batch_aggregations", stats.BatchAggregations,
			"collection_jobs", stats.CollectionJobs)
	}
	return errors.Join(errs...)
}

func (g *GarbageCollector) collectTask(ctx context.Context, t *task.Task) (GCStats, error) {
	cutoff, ok := t.ExpiryCutoff(clock.ProtocolNow(g.clock))
	if !ok {
		return GCStats{}, nil
	}

	var stats GCStats
	err := g.store.Run(ctx, "gc_task", func(ctx context.Context, tx datastore.Transaction) error {
		stats = GCStats{}
		var err error
		if stats.ClientReports, err = tx.DeleteExpiredClientReports(ctx, t.ID, cutoff, g.cfg.ReportLimit); err != nil {
			return err
		}
		if stats.AggregationJobs, err = tx.DeleteExpiredAggregationJobs(ctx, t.ID, cutoff, g.cfg.AggregationLimit); err != nil {
			return err
		}
		if stats.BatchAggregations, err = tx.DeleteExpiredBatchAggregations(ctx, t.ID, cutoff, g.cfg.AggregationLimit); err != nil {
			return err
		}
		if stats.CollectionJobs, err = tx.DeleteExpiredCollectionJobs(ctx, t.ID, cutoff, g.cfg.CollectionLimit); err != nil {
			return err
		}
		if stats.AggregateShareJobs, err = tx.DeleteExpiredAggregateShareJobs(ctx, t.ID, cutoff, g.cfg.CollectionLimit); err != nil {
			return err
		}
		stats.OutstandingBatches, err = tx.DeleteOrphanedOutstandingBatches(ctx, t.ID, g.cfg.AggregationLimit)
		return err
	})
	return stats, err
}

func (g *GarbageCollector) observe(s GCStats) {
	metrics.GCDeletions.WithLabelValues("client_report").Add(float64(s.ClientReports))
	metrics.GCDeletions.WithLabelValues("aggregation_job").Add(float64(s.AggregationJobs))
	metrics.GCDeletions.WithLabelValues("batch_aggregation").Add(float64(s.BatchAggregations))
	metrics.GCDeletions.WithLabelValues("collection_job").Add(float64(s.CollectionJobs))
	metrics.GCDeletions.WithLabelValues("aggregate_share_job").Add(float64(s.AggregateShareJobs))
	metrics.GCDeletions.WithLabelValues("outstanding_batch").Add(float64(s.OutstandingBatches))
}
