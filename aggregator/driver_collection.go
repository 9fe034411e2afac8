package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/common"
	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/metrics"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/vdaf"
)

// CollectionJobDriver steps leased collection jobs on the leader.
type CollectionJobDriver struct {
	store       datastore.Store
	clock       clock.Clock
	log         *slog.Logger
	peer        PeerClient
	maxAttempts int
	retryDelay  time.Duration
}

// NewCollectionJobDriver creates a driver. A job whose batch is not ready
// is released and cannot be leased again for retryDelay.
func NewCollectionJobDriver(store datastore.Store, clk clock.Clock, log *slog.Logger, peer PeerClient,
	maxAttempts int, retryDelay time.Duration) *CollectionJobDriver {
	return &CollectionJobDriver{store: store, clock: clk, log: log, peer: peer, maxAttempts: maxAttempts, retryDelay: retryDelay}
}

// AcquireLeases claims up to limit pending collection jobs.
func (d *CollectionJobDriver) AcquireLeases(ctx context.Context, leaseDuration time.Duration, limit int) ([]*datastore.Lease[datastore.AcquiredCollectionJob], error) {
	var leases []*datastore.Lease[datastore.AcquiredCollectionJob]
	err := d.store.Run(ctx, "acquire_collection_jobs", func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		leases, err = tx.AcquireIncompleteCollectionJobs(ctx, leaseDuration, limit)
		return err
	})
	return leases, err
}

func (d *CollectionJobDriver) RenewLease(ctx context.Context, lease *datastore.Lease[datastore.AcquiredCollectionJob], leaseDuration time.Duration) error {
	return d.store.Run(ctx, "renew_collection_job_lease", func(ctx context.Context, tx datastore.Transaction) error {
		return tx.RenewCollectionJobLease(ctx, lease, leaseDuration)
	})
}

func (d *CollectionJobDriver) Step(ctx context.Context, lease *datastore.Lease[datastore.AcquiredCollectionJob]) error {
	if d.maxAttempts > 0 && lease.Attempts > d.maxAttempts {
		return d.AbandonCollectionJob(ctx, lease)
	}
	return d.StepCollectionJob(ctx, lease)
}

// StepCollectionJob computes the leader's share once every covered batch is
// fully accumulated, fetches the helper's share and stores both encrypted to
// the collector.
func (d *CollectionJobDriver) StepCollectionJob(ctx context.Context, lease *datastore.Lease[datastore.AcquiredCollectionJob]) (err error) {
	acq := lease.Leased
	ctx, span := common.StartSpan(ctx, "collection_job.step",
		attribute.String("task_id", acq.TaskID.String()),
		attribute.String("collection_job_id", acq.JobID.String()),
		attribute.Int("attempts", lease.Attempts))
	defer span.End()
	log := d.log.With("task_id", acq.TaskID.String(), "collection_job_id", acq.JobID.String())

	outcome := "finished"
	defer func() {
		if err != nil {
			outcome = "error"
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.CollectionJobSteps.WithLabelValues(outcome).Inc()
	}()

	var (
		t     *task.Task
		job   *datastore.CollectionJob
		ready bool
	)
	err = d.store.Run(ctx, "step_collection_job_prepare", func(ctx context.Context, tx datastore.Transaction) error {
		ready = false
		var err error
		if t, job, err = loadCollectionJob(ctx, tx, acq); err != nil {
			return err
		}
		switch job.State {
		case datastore.CollectionJobCollectable:
			ready = true
			return nil
		case datastore.CollectionJobStart:
		default:
			return tx.ReleaseCollectionJob(ctx, lease, 0)
		}

		v, err := t.VdafInstance()
		if err != nil {
			return err
		}
		prepared, err := d.prepareLeaderShare(ctx, tx, t, v, job)
		if err != nil {
			return err
		}
		if prepared == nil {
			return tx.ReleaseCollectionJob(ctx, lease, d.retryDelay)
		}
		job, ready = prepared, true
		return nil
	})
	if err != nil {
		return err
	}
	if !ready {
		outcome = "not_ready"
		log.Debug("Collection job not ready", "state", job.State)
		return nil
	}

	helperShare, err := d.peer.PostAggregateShare(ctx, t, &protocol.AggregateShareReq{
		BatchSelector:        job.Batch,
		AggregationParameter: job.AggregationParameter,
		ReportCount:          job.ReportCount,
		Checksum:             job.Checksum,
	})
	if err != nil {
		log.Warn("Aggregate share request failed, leaving lease to expire", "err", err)
		return err
	}

	info := protocol.HpkeInfo(protocol.AggregateShareLabel, protocol.RoleLeader, protocol.RoleCollector)
	aad := protocol.AggregateShareAAD(t.ID, job.AggregationParameter, job.Batch)
	leaderShare, err := crypto.Seal(&t.CollectorHpkeConfig, info, aad, job.LeaderAggregateShare)
	if err != nil {
		return fmt.Errorf("encrypting aggregate share: %w", err)
	}

	err = d.store.Run(ctx, "step_collection_job_finish", func(ctx context.Context, tx datastore.Transaction) error {
		cur, err := tx.GetCollectionJob(ctx, acq.TaskID, acq.JobID)
		if err != nil {
			return err
		}
		if cur == nil || cur.State != datastore.CollectionJobCollectable {
			// Deleted by the collector while we were talking to the helper.
			return tx.ReleaseCollectionJob(ctx, lease, 0)
		}
		cur.State = datastore.CollectionJobFinished
		cur.LeaderEncryptedAggregateShare = leaderShare
		cur.HelperEncryptedAggregateShare = &helperShare.EncryptedAggregateShare
		if err := tx.UpdateCollectionJob(ctx, cur); err != nil {
			return err
		}
		return tx.ReleaseCollectionJob(ctx, lease, 0)
	})
	if err != nil {
		return err
	}
	log.Info("Finished collection job", "reports", job.ReportCount, "batch", job.Batch.String())
	return nil
}

func loadCollectionJob(ctx context.Context, tx datastore.Transaction, acq datastore.AcquiredCollectionJob) (*task.Task, *datastore.CollectionJob, error) {
	t, err := tx.GetTask(ctx, acq.TaskID)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnrecognizedTask, acq.TaskID)
	}
	job, err := tx.GetCollectionJob(ctx, acq.TaskID, acq.JobID)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnrecognizedCollectionJob, acq.JobID)
	}
	return t, job, nil
}

// prepareLeaderShare moves the job to Collectable if its batch can be
// collected, merging the leader's aggregate share and marking the batch
// aggregations collected. It returns nil if the batch is not ready.
func (d *CollectionJobDriver) prepareLeaderShare(ctx context.Context, tx datastore.Transaction, t *task.Task, v vdaf.Vdaf,
	job *datastore.CollectionJob) (*datastore.CollectionJob, error) {
	if !job.Batch.IsFixedSize() && job.Batch.Interval.End().After(clock.ProtocolNow(d.clock)) {
		return nil, nil
	}
	bas, err := tx.GetBatchAggregationsForCollection(ctx, t.ID, job.Batch, job.AggregationParameter)
	if err != nil {
		return nil, err
	}

	out := *job
	out.LeaderAggregateShare = v.AggregateInit(job.AggregationParameter)
	var interval protocol.Interval
	for _, ba := range bas {
		if !ba.FullyAccumulated() || ba.State == datastore.BatchAggregationCollected {
			return nil, nil
		}
		if out.LeaderAggregateShare, err = v.Merge(out.LeaderAggregateShare, ba.AggregateShare); err != nil {
			return nil, fmt.Errorf("merging batch %s: %w", ba.Batch, err)
		}
		out.ReportCount += ba.ReportCount
		out.Checksum = out.Checksum.Combined(ba.Checksum)
		interval = interval.MergeInterval(ba.ClientTimestampInterval)
	}
	if out.ReportCount < t.MinBatchSize {
		return nil, nil
	}

	if job.Batch.IsFixedSize() {
		out.ClientTimestampInterval = alignInterval(interval, t.TimePrecision)
	} else {
		out.ClientTimestampInterval = job.Batch.Interval
	}
	out.State = datastore.CollectionJobCollectable
	for _, ba := range bas {
		ba.State = datastore.BatchAggregationCollected
		if err := tx.UpdateBatchAggregation(ctx, ba); err != nil {
			return nil, err
		}
	}
	if err := tx.UpdateCollectionJob(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// alignInterval widens i to multiples of precision so the collector does not
// learn exact client timestamps.
func alignInterval(i protocol.Interval, precision protocol.Duration) protocol.Interval {
	start := i.Start.ToBatchIntervalStart(precision)
	end := i.End()
	if aligned := end.ToBatchIntervalStart(precision); aligned != end {
		end = aligned.Add(precision)
	}
	return protocol.Interval{Start: start, Duration: protocol.Duration(end - start)}
}

// AbandonCollectionJob gives up on a job that keeps failing.
func (d *CollectionJobDriver) AbandonCollectionJob(ctx context.Context, lease *datastore.Lease[datastore.AcquiredCollectionJob]) error {
	acq := lease.Leased
	err := d.store.Run(ctx, "abandon_collection_job", func(ctx context.Context, tx datastore.Transaction) error {
		job, err := tx.GetCollectionJob(ctx, acq.TaskID, acq.JobID)
		if err != nil {
			return err
		}
		if job != nil && job.State.Pending() {
			job.State = datastore.CollectionJobAbandoned
			if err := tx.UpdateCollectionJob(ctx, job); err != nil {
				return err
			}
		}
		return tx.ReleaseCollectionJob(ctx, lease, 0)
	})
	if err != nil {
		return err
	}
	metrics.CollectionJobSteps.WithLabelValues("abandoned").Inc()
	d.log.Warn("Abandoned collection job",
		"task_id", acq.TaskID.String(),
		"collection_job_id", acq.JobID.String(),
		"attempts", lease.Attempts)
	return nil
}
