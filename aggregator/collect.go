package aggregator

import (
	"bytes"
	"context"
	"errors"

	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
)

// CollectionStatus is what the collector sees when polling a collection job.
// Collection is set once the job is finished.
type CollectionStatus struct {
	State      datastore.CollectionJobState
	Collection *protocol.Collection
}

// HandleCreateCollectionJob stores a collection job on the leader.
// Repeating the same request for the same job id succeeds without effect.
func (a *Aggregator) HandleCreateCollectionJob(ctx context.Context, taskID protocol.TaskID, jobID protocol.CollectionJobID,
	token string, req *protocol.CollectionReq) error {
	t, err := a.loadTask(ctx, taskID, protocol.RoleLeader)
	if err != nil {
		return err
	}
	if err := checkCollectorAuth(t, token); err != nil {
		return err
	}
	if req.Query.QueryType != t.QueryType.Code {
		return newError(ErrInvalidMessage, taskID, "query type %q does not match task", req.Query.QueryType)
	}
	if len(req.AggregationParameter) > 0 {
		return newError(ErrInvalidMessage, taskID, "%s takes no aggregation parameter", t.Vdaf.Type)
	}
	if !t.IsFixedSize() {
		if req.Query.BatchInterval == nil {
			return newError(ErrInvalidMessage, taskID, "time interval query without batch interval")
		}
		if err := t.ValidateBatchInterval(*req.Query.BatchInterval); err != nil {
			return newError(ErrBatchInvalid, taskID, "%v", err)
		}
	}

	err = a.store.Run(ctx, "create_collection_job", func(ctx context.Context, tx datastore.Transaction) error {
		existing, err := tx.GetCollectionJob(ctx, taskID, jobID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.State != datastore.CollectionJobDeleted && sameQuery(existing.Query, req.Query) &&
				bytes.Equal(existing.AggregationParameter, req.AggregationParameter) {
				return nil
			}
			return newError(ErrInvalidMessage, taskID, "collection job %s already exists", jobID)
		}

		batch, ob, err := resolveCollectionBatch(ctx, tx, t, &req.Query, req.AggregationParameter)
		if err != nil {
			return err
		}
		overlapping, err := tx.GetCollectionJobsIntersecting(ctx, taskID, batch)
		if err != nil {
			return err
		}
		for _, j := range overlapping {
			if holdsBatch(j) {
				return newError(ErrBatchOverlap, taskID, "batch %s overlaps collection job %s", batch, j.ID)
			}
		}
		if ob != nil {
			// No more reports are assigned to a batch once it is being collected.
			err := tx.DeleteOutstandingBatch(ctx, taskID, ob.BatchID)
			if err != nil && !errors.Is(err, datastore.ErrMutationTargetNotFound) {
				return err
			}
		}
		return tx.PutCollectionJob(ctx, &datastore.CollectionJob{
			TaskID:               taskID,
			ID:                   jobID,
			Query:                req.Query,
			Batch:                batch,
			AggregationParameter: req.AggregationParameter,
			State:                datastore.CollectionJobStart,
		})
	})
	if err != nil {
		return err
	}
	a.log.Info("Created collection job", "task_id", taskID.String(), "collection_job_id", jobID.String())
	return nil
}

// holdsBatch reports whether an earlier collection job still claims its
// batch. A job deleted or abandoned before its leader share was merged never
// marked its batch aggregations collected, so the batch may be queried again.
func holdsBatch(j *datastore.CollectionJob) bool {
	switch j.State {
	case datastore.CollectionJobDeleted, datastore.CollectionJobAbandoned:
		return j.LeaderAggregateShare != nil
	}
	return true
}

// resolveCollectionBatch turns a validated query into the batch it selects.
// For a fixed-size batch still being filled it also returns the outstanding
// batch, which must hold at least the minimum batch size.
func resolveCollectionBatch(ctx context.Context, tx datastore.Transaction, t *task.Task, q *protocol.Query,
	aggParam []byte) (protocol.BatchIdentifier, *datastore.OutstandingBatch, error) {
	if !t.IsFixedSize() {
		return protocol.IntervalBatch(*q.BatchInterval), nil, nil
	}

	switch q.FixedSizeKind {
	case protocol.FixedSizeCurrentBatch:
		ob, err := tx.GetFilledOutstandingBatch(ctx, t.ID, t.MinBatchSize)
		if err != nil {
			return protocol.BatchIdentifier{}, nil, err
		}
		if ob == nil {
			return protocol.BatchIdentifier{}, nil, newError(ErrBatchInvalid, t.ID, "no batch has reached the minimum batch size")
		}
		return protocol.FixedSizeBatch(ob.BatchID), ob, nil

	case protocol.FixedSizeByBatchID:
		if q.BatchID == nil {
			return protocol.BatchIdentifier{}, nil, newError(ErrInvalidMessage, t.ID, "by_batch_id query without batch id")
		}
		batch := protocol.FixedSizeBatch(*q.BatchID)
		obs, err := tx.GetOutstandingBatches(ctx, t.ID)
		if err != nil {
			return protocol.BatchIdentifier{}, nil, err
		}
		for _, ob := range obs {
			if ob.BatchID != *q.BatchID {
				continue
			}
			if ob.ReportCount < t.MinBatchSize {
				return protocol.BatchIdentifier{}, nil, newError(ErrInvalidBatchSize, t.ID,
					"batch %s holds %d reports, need %d", q.BatchID, ob.ReportCount, t.MinBatchSize)
			}
			return batch, ob, nil
		}
		// Outstanding batches are only dropped once full or orphaned.
		ba, err := tx.GetBatchAggregation(ctx, t.ID, batch, aggParam)
		if err != nil {
			return protocol.BatchIdentifier{}, nil, err
		}
		if ba != nil {
			return batch, nil, nil
		}
		return protocol.BatchIdentifier{}, nil, newError(ErrBatchInvalid, t.ID, "unknown batch %s", q.BatchID)
	}
	return protocol.BatchIdentifier{}, nil, newError(ErrInvalidMessage, t.ID, "unknown fixed size query %q", q.FixedSizeKind)
}

func (a *Aggregator) getCollectionJob(ctx context.Context, t *task.Task, jobID protocol.CollectionJobID) (*datastore.CollectionJob, error) {
	var job *datastore.CollectionJob
	err := a.store.Run(ctx, "get_collection_job", func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		job, err = tx.GetCollectionJob(ctx, t.ID, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if job == nil || job.State == datastore.CollectionJobDeleted {
		return nil, newError(ErrUnrecognizedCollectionJob, t.ID, "%s", jobID)
	}
	return job, nil
}

// HandleGetCollectionJob reports a collection job's progress and, once
// finished, its result.
func (a *Aggregator) HandleGetCollectionJob(ctx context.Context, taskID protocol.TaskID, jobID protocol.CollectionJobID,
	token string) (*CollectionStatus, error) {
	t, err := a.loadTask(ctx, taskID, protocol.RoleLeader)
	if err != nil {
		return nil, err
	}
	if err := checkCollectorAuth(t, token); err != nil {
		return nil, err
	}
	job, err := a.getCollectionJob(ctx, t, jobID)
	if err != nil {
		return nil, err
	}

	status := &CollectionStatus{State: job.State}
	if job.State != datastore.CollectionJobFinished {
		return status, nil
	}
	pbs := protocol.PartialBatchSelector{QueryType: t.QueryType.Code}
	if job.Batch.IsFixedSize() {
		id := job.Batch.BatchID
		pbs.BatchID = &id
	}
	status.Collection = &protocol.Collection{
		PartialBatchSelector:          pbs,
		ReportCount:                   job.ReportCount,
		Interval:                      job.ClientTimestampInterval,
		LeaderEncryptedAggregateShare: *job.LeaderEncryptedAggregateShare,
		HelperEncryptedAggregateShare: *job.HelperEncryptedAggregateShare,
	}
	return status, nil
}

// HandleDeleteCollectionJob stops a collection job. A pending job is no
// longer stepped; its batches stay as they are.
func (a *Aggregator) HandleDeleteCollectionJob(ctx context.Context, taskID protocol.TaskID, jobID protocol.CollectionJobID, token string) error {
	t, err := a.loadTask(ctx, taskID, protocol.RoleLeader)
	if err != nil {
		return err
	}
	if err := checkCollectorAuth(t, token); err != nil {
		return err
	}
	return a.store.Run(ctx, "delete_collection_job", func(ctx context.Context, tx datastore.Transaction) error {
		job, err := tx.GetCollectionJob(ctx, taskID, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return newError(ErrUnrecognizedCollectionJob, taskID, "%s", jobID)
		}
		if job.State == datastore.CollectionJobDeleted {
			return nil
		}
		job.State = datastore.CollectionJobDeleted
		return tx.UpdateCollectionJob(ctx, job)
	})
}
