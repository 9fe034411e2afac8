package aggregator

import (
	"context"
	"fmt"

	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/vdaf"
)

// HandleAggregateShare answers the leader's request for the helper's share
// of a batch. The first successful answer is stored and replayed for
// identical requests.
func (a *Aggregator) HandleAggregateShare(ctx context.Context, taskID protocol.TaskID, token string,
	req *protocol.AggregateShareReq) (*protocol.AggregateShare, error) {
	t, err := a.loadTask(ctx, taskID, protocol.RoleHelper)
	if err != nil {
		return nil, err
	}
	if err := checkAggregatorAuth(t, token); err != nil {
		return nil, err
	}
	batch := req.BatchSelector
	if batch.IsFixedSize() != t.IsFixedSize() {
		return nil, newError(ErrInvalidMessage, taskID, "batch selector does not match task query type")
	}
	if !batch.IsFixedSize() {
		if err := t.ValidateBatchInterval(batch.Interval); err != nil {
			return nil, newError(ErrBatchInvalid, taskID, "%v", err)
		}
	}
	v, err := t.VdafInstance()
	if err != nil {
		return nil, err
	}

	var job *datastore.AggregateShareJob
	err = a.store.Run(ctx, "aggregate_share", func(ctx context.Context, tx datastore.Transaction) error {
		existing, err := tx.GetAggregateShareJob(ctx, taskID, batch, req.AggregationParameter)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.ReportCount != req.ReportCount || existing.Checksum != req.Checksum {
				return newError(ErrBatchMismatch, taskID, "batch %s was already collected with different contents", batch)
			}
			job = existing
			return nil
		}

		overlapping, err := tx.GetAggregateShareJobsIntersecting(ctx, taskID, batch)
		if err != nil {
			return err
		}
		if len(overlapping) > 0 {
			return newError(ErrBatchOverlap, taskID, "batch %s overlaps a collected batch", batch)
		}
		job, err = computeAggregateShare(ctx, tx, t, v, batch, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	info := protocol.HpkeInfo(protocol.AggregateShareLabel, protocol.RoleHelper, protocol.RoleCollector)
	aad := protocol.AggregateShareAAD(taskID, req.AggregationParameter, batch)
	ct, err := crypto.Seal(&t.CollectorHpkeConfig, info, aad, job.AggregateShare)
	if err != nil {
		return nil, fmt.Errorf("encrypting aggregate share: %w", err)
	}
	a.log.Info("Answered aggregate share request", "task_id", taskID.String(), "batch", batch.String(), "reports", job.ReportCount)
	return &protocol.AggregateShare{EncryptedAggregateShare: *ct}, nil
}

// computeAggregateShare sums the helper's batch aggregations for batch,
// checks them against the leader's view, marks them collected and stores
// the result.
func computeAggregateShare(ctx context.Context, tx datastore.Transaction, t *task.Task, v vdaf.Vdaf,
	batch protocol.BatchIdentifier, req *protocol.AggregateShareReq) (*datastore.AggregateShareJob, error) {
	bas, err := tx.GetBatchAggregationsForCollection(ctx, t.ID, batch, req.AggregationParameter)
	if err != nil {
		return nil, err
	}
	job := &datastore.AggregateShareJob{
		TaskID:               t.ID,
		Batch:                batch,
		AggregationParameter: req.AggregationParameter,
		AggregateShare:       v.AggregateInit(req.AggregationParameter),
	}
	for _, ba := range bas {
		job.AggregateShare, err = v.Merge(job.AggregateShare, ba.AggregateShare)
		if err != nil {
			return nil, fmt.Errorf("merging batch %s: %w", ba.Batch, err)
		}
		job.ReportCount += ba.ReportCount
		job.Checksum = job.Checksum.Combined(ba.Checksum)
		job.ClientTimestampInterval = job.ClientTimestampInterval.MergeInterval(ba.ClientTimestampInterval)
	}

	if job.ReportCount < t.MinBatchSize {
		return nil, newError(ErrInvalidBatchSize, t.ID, "batch %s has %d reports, minimum is %d", batch, job.ReportCount, t.MinBatchSize)
	}
	if job.ReportCount != req.ReportCount || job.Checksum != req.Checksum {
		return nil, newError(ErrBatchMismatch, t.ID, "leader has %d reports in %s, helper has %d", req.ReportCount, batch, job.ReportCount)
	}

	for _, ba := range bas {
		ba.State = datastore.BatchAggregationCollected
		if err := tx.UpdateBatchAggregation(ctx, ba); err != nil {
			return nil, err
		}
	}
	if err := tx.PutAggregateShareJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}
