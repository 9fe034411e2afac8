package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/common"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/metrics"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/vdaf"
)

// AggregationJobDriver steps leased aggregation jobs on the leader.
type AggregationJobDriver struct {
	store       datastore.Store
	clock       clock.Clock
	log         *slog.Logger
	peer        PeerClient
	maxAttempts int
}

// NewAggregationJobDriver creates a driver. Jobs leased more than
// maxAttempts times without being released are abandoned; zero disables
// abandonment.
func NewAggregationJobDriver(store datastore.Store, clk clock.Clock, log *slog.Logger, peer PeerClient, maxAttempts int) *AggregationJobDriver {
	return &AggregationJobDriver{store: store, clock: clk, log: log, peer: peer, maxAttempts: maxAttempts}
}

// AcquireLeases claims up to limit incomplete aggregation jobs.
func (d *AggregationJobDriver) AcquireLeases(ctx context.Context, leaseDuration time.Duration, limit int) ([]*datastore.Lease[datastore.AcquiredAggregationJob], error) {
	var leases []*datastore.Lease[datastore.AcquiredAggregationJob]
	err := d.store.Run(ctx, "acquire_aggregation_jobs", func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		leases, err = tx.AcquireIncompleteAggregationJobs(ctx, leaseDuration, limit)
		return err
	})
	return leases, err
}

// RenewLease extends a held lease to leaseDuration from now.
func (d *AggregationJobDriver) RenewLease(ctx context.Context, lease *datastore.Lease[datastore.AcquiredAggregationJob], leaseDuration time.Duration) error {
	return d.store.Run(ctx, "renew_aggregation_job_lease", func(ctx context.Context, tx datastore.Transaction) error {
		return tx.RenewAggregationJobLease(ctx, lease, leaseDuration)
	})
}

// Step steps the leased job, or abandons it once it has been leased too
// many times.
func (d *AggregationJobDriver) Step(ctx context.Context, lease *datastore.Lease[datastore.AcquiredAggregationJob]) error {
	if d.maxAttempts > 0 && lease.Attempts > d.maxAttempts {
		return d.AbandonAggregationJob(ctx, lease)
	}
	return d.StepAggregationJob(ctx, lease)
}

type aggregationJobSnapshot struct {
	task    *task.Task
	job     *datastore.AggregationJob
	ras     []*datastore.ReportAggregation
	reports map[protocol.ReportID]*datastore.ClientReport
}

func (d *AggregationJobDriver) load(ctx context.Context, tx datastore.Transaction, acq datastore.AcquiredAggregationJob, withReports bool) (*aggregationJobSnapshot, error) {
	t, err := tx.GetTask(ctx, acq.TaskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedTask, acq.TaskID)
	}
	job, err := tx.GetAggregationJob(ctx, acq.TaskID, acq.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedAggregationJob, acq.JobID)
	}
	ras, err := tx.GetReportAggregationsForJob(ctx, acq.TaskID, acq.JobID)
	if err != nil {
		return nil, err
	}
	snap := &aggregationJobSnapshot{task: t, job: job, ras: ras, reports: make(map[protocol.ReportID]*datastore.ClientReport)}
	if withReports && job.Round == 0 {
		for _, ra := range ras {
			if ra.State != datastore.ReportAggregationStart {
				continue
			}
			r, err := tx.GetClientReport(ctx, acq.TaskID, ra.ReportID)
			if err != nil {
				return nil, err
			}
			if r != nil {
				snap.reports[ra.ReportID] = r
			}
		}
	}
	return snap, nil
}

// StepAggregationJob runs one request/response exchange with the helper and
// commits the outcome together with the lease release. If the helper cannot
// be reached the lease is kept, so the job is retried once it expires.
func (d *AggregationJobDriver) StepAggregationJob(ctx context.Context, lease *datastore.Lease[datastore.AcquiredAggregationJob]) (err error) {
	acq := lease.Leased
	ctx, span := common.StartSpan(ctx, "aggregation_job.step",
		attribute.String("task_id", acq.TaskID.String()),
		attribute.String("aggregation_job_id", acq.JobID.String()),
		attribute.Int("attempts", lease.Attempts))
	defer span.End()
	log := d.log.With("task_id", acq.TaskID.String(), "aggregation_job_id", acq.JobID.String())

	outcome := "continued"
	defer func() {
		if err != nil {
			outcome = "error"
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.AggregationJobSteps.WithLabelValues(outcome).Inc()
	}()

	var snap *aggregationJobSnapshot
	err = d.store.Run(ctx, "step_aggregation_job_read", func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		snap, err = d.load(ctx, tx, acq, true)
		return err
	})
	if err != nil {
		return err
	}
	t, job := snap.task, snap.job
	if job.State != datastore.AggregationJobInProgress {
		outcome = "released"
		return d.release(ctx, lease)
	}
	v, err := t.VdafInstance()
	if err != nil {
		return err
	}

	ras := cloneReportAggregations(snap.ras)
	sent, resp, err := d.exchange(ctx, t, v, job, ras, snap.reports)
	if err != nil {
		log.Warn("Aggregation job step failed, leaving lease to expire", "err", err, "round", job.Round)
		return err
	}
	if resp != nil {
		if len(resp.PrepareResps) != len(sent) {
			return fmt.Errorf("helper answered %d reports, %d were sent", len(resp.PrepareResps), len(sent))
		}
		for i := range resp.PrepareResps {
			pr := &resp.PrepareResps[i]
			if pr.ReportID != sent[i].ReportID {
				return fmt.Errorf("helper answered for report %s at position %d, expected %s", pr.ReportID, i, sent[i].ReportID)
			}
			leaderProcessResp(v, job.AggregationParameter, sent[i], pr)
		}
	}

	var committed []*datastore.ReportAggregation
	var finished bool
	err = d.store.Run(ctx, "step_aggregation_job_write", func(ctx context.Context, tx datastore.Transaction) error {
		out := cloneReportAggregations(ras)
		acc := NewAccumulator(t, v, job.AggregationParameter)
		for _, ra := range out {
			if ra.State != datastore.ReportAggregationFinished || ra.OutputShare == nil {
				continue
			}
			if err := acc.Update(batchForReport(t, job, ra.Time), ra.ReportID, ra.Time, ra.OutputShare); err != nil {
				ra.Fail(protocol.PrepareErrorVdafPrepError)
			}
		}
		if err := failUnmerged(ctx, tx, acc, out); err != nil {
			return err
		}

		var newlyFailed uint64
		for i, ra := range out {
			if ra.State == datastore.ReportAggregationFinished {
				ra.OutputShare = nil
			}
			if isFailure(ra.State) && !isFailure(snap.ras[i].State) {
				newlyFailed++
			}
			if err := tx.UpdateReportAggregation(ctx, ra); err != nil {
				return err
			}
		}
		if t.IsFixedSize() && newlyFailed > 0 {
			if err := releaseAssigned(ctx, tx, t.ID, job.BatchID, newlyFailed); err != nil {
				return err
			}
		}

		updated := *job
		if resp != nil {
			updated.Round++
		}
		finished = allTerminal(out)
		if finished {
			updated.State = datastore.AggregationJobFinished
			if err := bumpJobCounters(ctx, tx, t, job.AggregationParameter, jobBatches(t, job, out), 0, 1); err != nil {
				return err
			}
		}
		if err := tx.UpdateAggregationJob(ctx, &updated); err != nil {
			return err
		}
		committed = out
		return tx.ReleaseAggregationJob(ctx, lease)
	})
	if err != nil {
		return err
	}

	if finished {
		outcome = "finished"
	}
	observeTerminal(protocol.RoleLeader, snap.ras, committed)
	log.Debug("Stepped aggregation job", "round", job.Round, "reports", len(sent), "finished", finished)
	return nil
}

// exchange builds the request for the job's current round, updating ras for
// reports that fail before being sent, and sends it. It returns the report
// aggregations that were sent, in request order.
func (d *AggregationJobDriver) exchange(ctx context.Context, t *task.Task, v vdaf.Vdaf, job *datastore.AggregationJob,
	ras []*datastore.ReportAggregation, reports map[protocol.ReportID]*datastore.ClientReport) ([]*datastore.ReportAggregation, *protocol.AggregationJobResp, error) {
	var sent []*datastore.ReportAggregation

	if job.Round == 0 {
		now := clock.ProtocolNow(d.clock)
		req := &protocol.AggregationJobInitReq{
			AggregationParameter: job.AggregationParameter,
			PartialBatchSelector: protocol.PartialBatchSelector{QueryType: t.QueryType.Code},
		}
		if t.IsFixedSize() {
			id := job.BatchID
			req.PartialBatchSelector.BatchID = &id
		}
		for _, ra := range ras {
			if ra.State != datastore.ReportAggregationStart {
				continue
			}
			r := reports[ra.ReportID]
			if r == nil || t.ReportExpired(now, ra.Time) {
				ra.Fail(protocol.PrepareErrorReportDropped)
				continue
			}
			st, msg, err := vdaf.LeaderInitialized(v, t.VdafVerifyKey, job.AggregationParameter,
				[vdaf.NonceSize]byte(ra.ReportID), r.PublicShare, r.LeaderInputShare)
			if err != nil {
				ra.Fail(protocol.PrepareErrorVdafPrepError)
				continue
			}
			ra.PrepState = st.PrepState
			req.PrepareInits = append(req.PrepareInits, protocol.PrepareInit{
				ReportShare: protocol.ReportShare{
					Metadata:            r.Metadata,
					PublicShare:         r.PublicShare,
					EncryptedInputShare: r.HelperEncryptedInputShare,
				},
				Message: msg,
			})
			sent = append(sent, ra)
		}
		if len(sent) == 0 {
			return nil, nil, nil
		}
		resp, err := d.peer.PutAggregationJob(ctx, t, job.ID, req)
		return sent, resp, err
	}

	req := &protocol.AggregationJobContinueReq{Round: job.Round}
	for _, ra := range ras {
		if ra.State != datastore.ReportAggregationWaiting {
			continue
		}
		if ra.Outbound == nil {
			ra.Fail(protocol.PrepareErrorInternal)
			continue
		}
		req.PrepareContinues = append(req.PrepareContinues, protocol.PrepareContinue{ReportID: ra.ReportID, Message: *ra.Outbound})
		sent = append(sent, ra)
	}
	if len(sent) == 0 {
		return nil, nil, nil
	}
	resp, err := d.peer.PostAggregationJob(ctx, t, job.ID, req)
	return sent, resp, err
}

// leaderProcessResp applies the helper's answer for one report.
func leaderProcessResp(v vdaf.Vdaf, aggParam []byte, ra *datastore.ReportAggregation, pr *protocol.PrepareResp) {
	switch pr.Result {
	case protocol.PrepareRespReject:
		perr := pr.Error
		if perr == protocol.PrepareErrorNone {
			perr = protocol.PrepareErrorVdafPrepError
		}
		ra.Fail(perr)

	case protocol.PrepareRespContinue:
		if pr.Message == nil || ra.OutputShare != nil {
			ra.Fail(protocol.PrepareErrorVdafPrepError)
			return
		}
		st, out, err := vdaf.Continued(v, aggParam, true, vdaf.PingPongState{PrepState: ra.PrepState}, *pr.Message)
		if err != nil {
			ra.Fail(protocol.PrepareErrorVdafPrepError)
			return
		}
		ra.PrepState = st.PrepState
		ra.OutputShare = st.OutputShare
		ra.Outbound = out
		ra.State = datastore.ReportAggregationWaiting
		if st.Finished && out == nil {
			ra.State = datastore.ReportAggregationFinished
		}

	case protocol.PrepareRespFinished:
		// The helper is done; we must already hold our output share.
		if ra.OutputShare == nil {
			ra.Fail(protocol.PrepareErrorVdafPrepError)
			return
		}
		ra.State = datastore.ReportAggregationFinished
		ra.PrepState = nil
		ra.Outbound = nil

	default:
		ra.Fail(protocol.PrepareErrorInvalidMessage)
	}
}

func (d *AggregationJobDriver) release(ctx context.Context, lease *datastore.Lease[datastore.AcquiredAggregationJob]) error {
	return d.store.Run(ctx, "release_aggregation_job", func(ctx context.Context, tx datastore.Transaction) error {
		return tx.ReleaseAggregationJob(ctx, lease)
	})
}

// AbandonAggregationJob gives up on a job that keeps failing. Its unfinished
// reports are removed from the job and become claimable again.
func (d *AggregationJobDriver) AbandonAggregationJob(ctx context.Context, lease *datastore.Lease[datastore.AcquiredAggregationJob]) error {
	acq := lease.Leased
	var released int
	err := d.store.Run(ctx, "abandon_aggregation_job", func(ctx context.Context, tx datastore.Transaction) error {
		snap, err := d.load(ctx, tx, acq, false)
		if err != nil {
			return err
		}
		t, job := snap.task, snap.job
		if job.State != datastore.AggregationJobInProgress {
			return tx.ReleaseAggregationJob(ctx, lease)
		}

		batches := jobBatches(t, job, snap.ras)
		var ids []protocol.ReportID
		for _, ra := range snap.ras {
			if ra.State.Terminal() {
				continue
			}
			if err := tx.DeleteReportAggregation(ctx, acq.TaskID, acq.JobID, ra.ReportID); err != nil {
				return err
			}
			ids = append(ids, ra.ReportID)
		}
		if len(ids) > 0 {
			if err := tx.MarkReportsUnaggregated(ctx, acq.TaskID, ids); err != nil {
				return err
			}
			if t.IsFixedSize() {
				if err := releaseAssigned(ctx, tx, t.ID, job.BatchID, uint64(len(ids))); err != nil {
					return err
				}
			}
		}

		updated := *job
		updated.State = datastore.AggregationJobAbandoned
		if err := tx.UpdateAggregationJob(ctx, &updated); err != nil {
			return err
		}
		if err := bumpJobCounters(ctx, tx, t, job.AggregationParameter, batches, 0, 1); err != nil {
			return err
		}
		released = len(ids)
		return tx.ReleaseAggregationJob(ctx, lease)
	})
	if err != nil {
		return err
	}
	metrics.AggregationJobSteps.WithLabelValues("abandoned").Inc()
	d.log.Warn("Abandoned aggregation job",
		"task_id", acq.TaskID.String(),
		"aggregation_job_id", acq.JobID.String(),
		"attempts", lease.Attempts,
		"reports_released", released)
	return nil
}

func isFailure(s datastore.ReportAggregationState) bool {
	return s == datastore.ReportAggregationFailed || s == datastore.ReportAggregationInvalid
}

// releaseAssigned returns n report slots to a fixed-size outstanding batch.
func releaseAssigned(ctx context.Context, tx datastore.Transaction, taskID protocol.TaskID, batchID protocol.BatchID, n uint64) error {
	obs, err := tx.GetOutstandingBatches(ctx, taskID)
	if err != nil {
		return err
	}
	for _, ob := range obs {
		if ob.BatchID != batchID {
			continue
		}
		ob.AssignedCount -= min(n, ob.AssignedCount)
		return tx.UpdateOutstandingBatch(ctx, ob)
	}
	return nil
}

// observeTerminal counts report aggregations that reached a terminal state.
// before may be nil when every entry in after is new.
func observeTerminal(role protocol.Role, before, after []*datastore.ReportAggregation) {
	for i, ra := range after {
		if !ra.State.Terminal() || (before != nil && before[i].State.Terminal()) {
			continue
		}
		metrics.ReportAggregations.WithLabelValues(string(role), strings.ToLower(string(ra.State)), string(ra.Error)).Inc()
	}
}
