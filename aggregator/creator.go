package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
)

// AggregationJobCreator groups unaggregated reports into aggregation jobs.
type AggregationJobCreator struct {
	store datastore.Store
	clock clock.Clock
	log   *slog.Logger
	cfg   CreatorConfig
}

func NewAggregationJobCreator(store datastore.Store, clk clock.Clock, log *slog.Logger, cfg CreatorConfig) *AggregationJobCreator {
	cfg.MinAggregationJobSize = max(cfg.MinAggregationJobSize, 1)
	cfg.MaxAggregationJobSize = max(cfg.MaxAggregationJobSize, cfg.MinAggregationJobSize)
	return &AggregationJobCreator{store: store, clock: clk, log: log, cfg: cfg}
}

// Run creates jobs every cfg.Interval until ctx is done.
func (c *AggregationJobCreator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := c.CreateJobs(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("Creating aggregation jobs", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreateJobs runs one pass over every leader task and returns the number of
// jobs created.
func (c *AggregationJobCreator) CreateJobs(ctx context.Context) (int, error) {
	var tasks []*task.Task
	err := c.store.Run(ctx, "get_tasks", func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		tasks, err = tx.GetTasks(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	total := 0
	var errs []error
	for _, t := range tasks {
		if t.Role != protocol.RoleLeader {
			continue
		}
		n, err := c.createJobsForTask(ctx, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			c.log.Info("Created aggregation jobs", "task_id", t.ID.String(), "jobs", n)
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// jobPlan is the set of reports that will form one aggregation job.
type jobPlan struct {
	batchID protocol.BatchID
	reports []*datastore.ClientReport
}

func (c *AggregationJobCreator) createJobsForTask(ctx context.Context, t *task.Task) (int, error) {
	var created int
	err := c.store.Run(ctx, "create_aggregation_jobs", func(ctx context.Context, tx datastore.Transaction) error {
		created = 0
		var notBefore protocol.Time
		if cutoff, ok := t.ExpiryCutoff(clock.ProtocolNow(c.clock)); ok {
			notBefore = cutoff
		}
		reports, err := tx.ClaimUnaggregatedClientReports(ctx, t.ID, notBefore, c.cfg.MaxReportsPerPass)
		if err != nil || len(reports) == 0 {
			return err
		}

		var plans []jobPlan
		var leftovers []*datastore.ClientReport
		if t.IsFixedSize() {
			plans, leftovers, err = c.planFixedSize(ctx, tx, t, reports)
			if err != nil {
				return err
			}
		} else {
			plans, leftovers = c.planTimeInterval(reports)
		}

		for _, p := range plans {
			if err := c.writeJob(ctx, tx, t, p); err != nil {
				return err
			}
			created++
		}
		if len(leftovers) > 0 {
			ids := make([]protocol.ReportID, len(leftovers))
			for i, r := range leftovers {
				ids[i] = r.Metadata.ID
			}
			return tx.MarkReportsUnaggregated(ctx, t.ID, ids)
		}
		return nil
	})
	return created, err
}

// planTimeInterval cuts the reports, already ordered by time, into jobs of
// at most MaxAggregationJobSize. A tail smaller than MinAggregationJobSize
// waits for more reports.
func (c *AggregationJobCreator) planTimeInterval(reports []*datastore.ClientReport) ([]jobPlan, []*datastore.ClientReport) {
	var plans []jobPlan
	for len(reports) >= c.cfg.MinAggregationJobSize {
		n := min(len(reports), c.cfg.MaxAggregationJobSize)
		plans = append(plans, jobPlan{reports: reports[:n]})
		reports = reports[n:]
	}
	return plans, reports
}

// planFixedSize fills outstanding batches that still have room, then opens
// new ones. A job smaller than MinAggregationJobSize is only created when it
// exactly fills its batch.
func (c *AggregationJobCreator) planFixedSize(ctx context.Context, tx datastore.Transaction, t *task.Task,
	reports []*datastore.ClientReport) ([]jobPlan, []*datastore.ClientReport, error) {
	maxBatch := t.QueryType.MaxBatchSize
	obs, err := tx.GetOutstandingBatches(ctx, t.ID)
	if err != nil {
		return nil, nil, err
	}

	var plans []jobPlan
	fill := func(ob *datastore.OutstandingBatch) bool {
		filled := false
		for ob.AssignedCount < maxBatch && len(reports) > 0 {
			room := int(maxBatch - ob.AssignedCount)
			n := min(room, len(reports), c.cfg.MaxAggregationJobSize)
			if n < c.cfg.MinAggregationJobSize && n != room {
				break
			}
			plans = append(plans, jobPlan{batchID: ob.BatchID, reports: reports[:n]})
			reports = reports[n:]
			ob.AssignedCount += uint64(n)
			filled = true
		}
		return filled
	}

	for _, ob := range obs {
		if !fill(ob) {
			continue
		}
		if err := tx.UpdateOutstandingBatch(ctx, ob); err != nil {
			return nil, nil, err
		}
	}
	for len(reports) > 0 {
		ob := &datastore.OutstandingBatch{TaskID: t.ID, BatchID: protocol.NewBatchID()}
		if !fill(ob) {
			break
		}
		if err := tx.PutOutstandingBatch(ctx, ob); err != nil {
			return nil, nil, err
		}
	}
	return plans, reports, nil
}

func (c *AggregationJobCreator) writeJob(ctx context.Context, tx datastore.Transaction, t *task.Task, p jobPlan) error {
	job := &datastore.AggregationJob{
		TaskID:  t.ID,
		ID:      protocol.NewAggregationJobID(),
		BatchID: p.batchID,
		State:   datastore.AggregationJobInProgress,
	}
	ras := make([]*datastore.ReportAggregation, len(p.reports))
	for i, r := range p.reports {
		job.ClientTimestampInterval = job.ClientTimestampInterval.Merge(r.Metadata.Time)
		ras[i] = &datastore.ReportAggregation{
			TaskID:           t.ID,
			AggregationJobID: job.ID,
			ReportID:         r.Metadata.ID,
			Time:             r.Metadata.Time,
			Ord:              int64(i),
			State:            datastore.ReportAggregationStart,
		}
	}

	batches := jobBatches(t, job, ras)
	for _, jb := range batches {
		ba, err := tx.GetBatchAggregation(ctx, t.ID, jb.batch, nil)
		if err != nil {
			return err
		}
		if ba == nil || ba.State != datastore.BatchAggregationCollected {
			continue
		}
		for _, ra := range ras {
			if batchForReport(t, job, ra.Time).Key() == jb.batch.Key() {
				ra.Fail(protocol.PrepareErrorBatchCollected)
			}
		}
	}

	var terminated uint64
	if allTerminal(ras) {
		job.State = datastore.AggregationJobFinished
		terminated = 1
	}
	if err := tx.PutAggregationJob(ctx, job); err != nil {
		return err
	}
	for _, ra := range ras {
		if err := tx.PutReportAggregation(ctx, ra); err != nil {
			return err
		}
	}
	return bumpJobCounters(ctx, tx, t, nil, batches, 1, terminated)
}
