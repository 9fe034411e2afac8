// Package aggregator implements the DAP aggregation job engine for both the
// leader and the helper.
//
// The Aggregator type answers requests: report uploads and collection jobs
// on the leader, aggregation job and aggregate share requests on the helper.
// Background work on the leader is done by three lease-driven components
// sharing one datastore:
//
//   - AggregationJobCreator groups unaggregated reports into aggregation jobs.
//   - AggregationJobDriver steps each job through the preparation exchange
//     with the helper and merges verified output shares through an
//     Accumulator.
//   - CollectionJobDriver turns fully accumulated batches into encrypted
//     aggregate shares for the collector.
//
// GarbageCollector removes data older than each task's report expiry age.
// JobDriver runs the drivers' discover-and-step loop.
//
// Every state transition is committed in the same datastore transaction as
// the lease release that ends the step, so a worker that lost its lease
// cannot commit stale results.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/metrics"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
)

// Aggregator handles DAP requests for every task in the datastore, in
// whichever role each task assigns.
type Aggregator struct {
	store datastore.Store
	clock clock.Clock
	log   *slog.Logger
}

// New creates an Aggregator.
func New(store datastore.Store, clk clock.Clock, log *slog.Logger) *Aggregator {
	return &Aggregator{store: store, clock: clk, log: log}
}

// loadTask fetches a task and checks it is configured for role.
func (a *Aggregator) loadTask(ctx context.Context, id protocol.TaskID, role protocol.Role) (*task.Task, error) {
	var t *task.Task
	err := a.store.Run(ctx, "get_task", func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		t, err = tx.GetTask(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if t == nil || (role != "" && t.Role != role) {
		return nil, newError(ErrUnrecognizedTask, id, "")
	}
	return t, nil
}

func checkAggregatorAuth(t *task.Task, token string) error {
	if !t.CheckAggregatorAuthToken(token) {
		return newError(ErrUnauthorized, t.ID, "bad aggregator auth token")
	}
	return nil
}

func checkCollectorAuth(t *task.Task, token string) error {
	if !t.CheckCollectorAuthToken(token) {
		return newError(ErrUnauthorized, t.ID, "bad collector auth token")
	}
	return nil
}

// HpkeConfigList returns the HPKE configs clients should encrypt to, current
// config first.
func (a *Aggregator) HpkeConfigList(ctx context.Context, taskID protocol.TaskID) (*protocol.HpkeConfigList, error) {
	t, err := a.loadTask(ctx, taskID, "")
	if err != nil {
		return nil, err
	}
	list := &protocol.HpkeConfigList{Configs: []crypto.HpkeConfig{t.CurrentHpkeConfig()}}
	for i := len(t.HpkeKeys) - 2; i >= 0; i-- {
		list.Configs = append(list.Configs, t.HpkeKeys[i].Config)
	}
	return list, nil
}

// HandleUpload validates and stores a client report on the leader.
func (a *Aggregator) HandleUpload(ctx context.Context, taskID protocol.TaskID, report *protocol.Report) (err error) {
	defer func() {
		metrics.ReportUploads.WithLabelValues(uploadOutcome(err)).Inc()
	}()

	t, err := a.loadTask(ctx, taskID, protocol.RoleLeader)
	if err != nil {
		return err
	}
	log := a.log.With("task_id", taskID.String(), "report_id", report.Metadata.ID.String())
	now := clock.ProtocolNow(a.clock)
	ts := report.Metadata.Time

	switch {
	case t.ReportTooEarly(now, ts):
		return newError(ErrReportTooEarly, taskID, "report timestamp %d is after %d", ts, now.Add(t.TolerableClockSkew))
	case t.Expired(now):
		return newError(ErrTaskExpired, taskID, "task expired")
	case t.ReportExpired(now, ts):
		return newError(ErrReportRejected, taskID, "report timestamp %d is past the report expiry age", ts)
	}

	kp, ok := t.HpkeKeypair(report.LeaderEncryptedInputShare.ConfigID)
	if !ok {
		return newError(ErrMissingHpkeKey, taskID, "unknown HPKE config id %d", report.LeaderEncryptedInputShare.ConfigID)
	}
	if len(report.HelperEncryptedInputShare.Payload) == 0 {
		return newError(ErrInvalidMessage, taskID, "missing helper input share")
	}
	aad := protocol.InputShareAAD(taskID, report.Metadata, report.PublicShare)
	info := protocol.HpkeInfo(protocol.InputShareLabel, protocol.RoleClient, protocol.RoleLeader)
	plaintext, err := crypto.Open(kp, info, aad, &report.LeaderEncryptedInputShare)
	if err != nil {
		log.Debug("Rejecting report that failed decryption", "err", err)
		return newError(ErrReportRejected, taskID, "leader input share failed decryption")
	}
	share, err := protocol.UnmarshalMessage[protocol.PlaintextInputShare](plaintext)
	if err != nil {
		return newError(ErrInvalidMessage, taskID, "decoding leader input share: %v", err)
	}

	stored := &datastore.ClientReport{
		TaskID:                    taskID,
		Metadata:                  report.Metadata,
		Extensions:                share.Extensions,
		PublicShare:               report.PublicShare,
		LeaderInputShare:          share.Payload,
		HelperEncryptedInputShare: report.HelperEncryptedInputShare,
	}
	err = a.store.Run(ctx, "upload", func(ctx context.Context, tx datastore.Transaction) error {
		if !t.IsFixedSize() {
			ba, err := tx.GetBatchAggregation(ctx, taskID, protocol.IntervalBatch(t.BatchIntervalFor(ts)), nil)
			if err != nil {
				return err
			}
			if ba != nil && ba.State == datastore.BatchAggregationCollected {
				return newError(ErrReportRejected, taskID, "batch containing %d already collected", ts)
			}
		}
		err := tx.PutClientReport(ctx, stored)
		if errors.Is(err, datastore.ErrMutationTargetAlreadyExists) {
			return newError(ErrReportReplayed, taskID, "report %s already uploaded", report.Metadata.ID)
		}
		return err
	})
	if err != nil {
		return err
	}
	log.Debug("Stored report", "time", ts)
	return nil
}

func uploadOutcome(err error) string {
	if err == nil {
		return "accepted"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Error()
	}
	return "error"
}

// batchForReport returns the batch a report belongs to: the time-precision
// window for time-interval tasks, or the job's batch for fixed-size tasks.
func batchForReport(t *task.Task, job *datastore.AggregationJob, ts protocol.Time) protocol.BatchIdentifier {
	if t.IsFixedSize() {
		return protocol.FixedSizeBatch(job.BatchID)
	}
	return protocol.IntervalBatch(t.BatchIntervalFor(ts))
}

// jobBatch is one batch touched by an aggregation job, with the client
// timestamps of the job's reports that fall into it.
type jobBatch struct {
	batch    protocol.BatchIdentifier
	interval protocol.Interval
}

// jobBatches returns the distinct batches a job's report aggregations fall
// into, in first-seen order.
func jobBatches(t *task.Task, job *datastore.AggregationJob, ras []*datastore.ReportAggregation) []jobBatch {
	if t.IsFixedSize() {
		return []jobBatch{{batch: protocol.FixedSizeBatch(job.BatchID), interval: job.ClientTimestampInterval}}
	}
	index := make(map[string]int)
	var out []jobBatch
	for _, ra := range ras {
		b := batchForReport(t, job, ra.Time)
		i, ok := index[b.Key()]
		if !ok {
			i = len(out)
			index[b.Key()] = i
			out = append(out, jobBatch{batch: b})
		}
		out[i].interval = out[i].interval.Merge(ra.Time)
	}
	return out
}

// bumpJobCounters adds created and terminated to the job counters of every
// batch in batches, creating missing batch aggregations.
func bumpJobCounters(ctx context.Context, tx datastore.Transaction, t *task.Task, aggParam []byte,
	batches []jobBatch, created, terminated uint64) error {
	for _, jb := range batches {
		ba, err := tx.GetBatchAggregation(ctx, t.ID, jb.batch, aggParam)
		if err != nil {
			return err
		}
		if ba == nil {
			ba = &datastore.BatchAggregation{
				TaskID:                    t.ID,
				Batch:                     jb.batch,
				AggregationParameter:      aggParam,
				State:                     datastore.BatchAggregationCollectable,
				ClientTimestampInterval:   jb.interval,
				AggregationJobsCreated:    created,
				AggregationJobsTerminated: terminated,
			}
			if err := tx.PutBatchAggregation(ctx, ba); err != nil {
				return fmt.Errorf("creating batch aggregation %s: %w", jb.batch, err)
			}
			continue
		}
		ba.AggregationJobsCreated += created
		ba.AggregationJobsTerminated += terminated
		if created > 0 {
			ba.ClientTimestampInterval = ba.ClientTimestampInterval.MergeInterval(jb.interval)
		}
		if err := tx.UpdateBatchAggregation(ctx, ba); err != nil {
			return err
		}
	}
	return nil
}

// allTerminal reports whether no report aggregation needs further work.
func allTerminal(ras []*datastore.ReportAggregation) bool {
	for _, ra := range ras {
		if !ra.State.Terminal() {
			return false
		}
	}
	return true
}

func sameQuery(a, b protocol.Query) bool {
	if a.QueryType != b.QueryType || a.FixedSizeKind != b.FixedSizeKind {
		return false
	}
	if (a.BatchInterval == nil) != (b.BatchInterval == nil) || (a.BatchID == nil) != (b.BatchID == nil) {
		return false
	}
	if a.BatchInterval != nil && *a.BatchInterval != *b.BatchInterval {
		return false
	}
	return a.BatchID == nil || *a.BatchID == *b.BatchID
}
