// Package datastore persists tasks, reports, jobs and batch state, and hands
// out leases on jobs so that many job drivers can share one store.
//
// All access goes through Store.Run, which executes a function inside a
// serializable transaction and retries it on contention. Reads return nil
// (and no error) when the row does not exist.
package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
)

var (
	// ErrMutationTargetNotFound is returned when an update, renewal or
	// release finds no matching row, including a lease that was lost.
	ErrMutationTargetNotFound = errors.New("datastore: mutation target not found")
	// ErrMutationTargetAlreadyExists is returned when an insert collides with
	// an existing row.
	ErrMutationTargetAlreadyExists = errors.New("datastore: mutation target already exists")
)

// Store runs transactions against a backend.
type Store interface {
	// Run executes fn in a transaction named name. fn may be invoked more than
	// once if the transaction is retried, so it must not have side effects
	// outside tx.
	Run(ctx context.Context, name string, fn func(ctx context.Context, tx Transaction) error) error
	Close() error
}

// Transaction is the set of operations available inside Store.Run.
type Transaction interface {
	// Tasks.
	PutTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id protocol.TaskID) (*task.Task, error)
	GetTasks(ctx context.Context) ([]*task.Task, error)
	// DeleteTask removes the task and everything derived from it.
	DeleteTask(ctx context.Context, id protocol.TaskID) error

	// Client reports.
	PutClientReport(ctx context.Context, r *ClientReport) error
	GetClientReport(ctx context.Context, taskID protocol.TaskID, id protocol.ReportID) (*ClientReport, error)
	// PutScrubbedReport records only the metadata of a report seen by the
	// helper. It fails with ErrMutationTargetAlreadyExists on replay.
	PutScrubbedReport(ctx context.Context, taskID protocol.TaskID, md protocol.ReportMetadata) error
	// ClaimUnaggregatedClientReports flags up to limit reports not yet in an
	// aggregation job, with timestamps at or after notBefore, and returns them
	// ordered by timestamp.
	ClaimUnaggregatedClientReports(ctx context.Context, taskID protocol.TaskID, notBefore protocol.Time, limit int) ([]*ClientReport, error)
	// MarkReportsUnaggregated clears the flag so the reports are claimable again.
	MarkReportsUnaggregated(ctx context.Context, taskID protocol.TaskID, ids []protocol.ReportID) error
	DeleteExpiredClientReports(ctx context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error)

	// Aggregation jobs.
	PutAggregationJob(ctx context.Context, j *AggregationJob) error
	GetAggregationJob(ctx context.Context, taskID protocol.TaskID, id protocol.AggregationJobID) (*AggregationJob, error)
	UpdateAggregationJob(ctx context.Context, j *AggregationJob) error
	// GetAggregationJobsForTask returns every aggregation job of a task in
	// creation order.
	GetAggregationJobsForTask(ctx context.Context, taskID protocol.TaskID) ([]*AggregationJob, error)
	AcquireIncompleteAggregationJobs(ctx context.Context, leaseDuration time.Duration, limit int) ([]*Lease[AcquiredAggregationJob], error)
	// RenewAggregationJobLease extends an unexpired lease, updating its Expiry.
	RenewAggregationJobLease(ctx context.Context, lease *Lease[AcquiredAggregationJob], leaseDuration time.Duration) error
	ReleaseAggregationJob(ctx context.Context, lease *Lease[AcquiredAggregationJob]) error
	// DeleteExpiredAggregationJobs removes jobs whose newest report predates
	// cutoff, together with their report aggregations.
	DeleteExpiredAggregationJobs(ctx context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error)

	// Report aggregations.
	PutReportAggregation(ctx context.Context, ra *ReportAggregation) error
	UpdateReportAggregation(ctx context.Context, ra *ReportAggregation) error
	// GetReportAggregationsForJob returns the job's report aggregations
	// ordered by Ord.
	GetReportAggregationsForJob(ctx context.Context, taskID protocol.TaskID, jobID protocol.AggregationJobID) ([]*ReportAggregation, error)
	DeleteReportAggregation(ctx context.Context, taskID protocol.TaskID, jobID protocol.AggregationJobID, reportID protocol.ReportID) error

	// Batch aggregations.
	GetBatchAggregation(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier, aggParam []byte) (*BatchAggregation, error)
	// GetBatchAggregationsForCollection returns the rows covered by batch:
	// for an interval, every row whose interval lies inside it; for a batch
	// id, that batch's row.
	GetBatchAggregationsForCollection(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier, aggParam []byte) ([]*BatchAggregation, error)
	PutBatchAggregation(ctx context.Context, ba *BatchAggregation) error
	UpdateBatchAggregation(ctx context.Context, ba *BatchAggregation) error
	// DeleteExpiredBatchAggregations skips batches still referenced by a
	// pending collection job.
	DeleteExpiredBatchAggregations(ctx context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error)

	// Outstanding batches.
	PutOutstandingBatch(ctx context.Context, ob *OutstandingBatch) error
	GetOutstandingBatches(ctx context.Context, taskID protocol.TaskID) ([]*OutstandingBatch, error)
	UpdateOutstandingBatch(ctx context.Context, ob *OutstandingBatch) error
	DeleteOutstandingBatch(ctx context.Context, taskID protocol.TaskID, id protocol.BatchID) error
	// GetFilledOutstandingBatch returns the oldest batch with at least
	// minSize merged reports, or nil.
	GetFilledOutstandingBatch(ctx context.Context, taskID protocol.TaskID, minSize uint64) (*OutstandingBatch, error)
	// DeleteOrphanedOutstandingBatches removes outstanding batches whose batch
	// aggregations are all gone.
	DeleteOrphanedOutstandingBatches(ctx context.Context, taskID protocol.TaskID, limit int) (int, error)

	// Collection jobs.
	PutCollectionJob(ctx context.Context, j *CollectionJob) error
	GetCollectionJob(ctx context.Context, taskID protocol.TaskID, id protocol.CollectionJobID) (*CollectionJob, error)
	UpdateCollectionJob(ctx context.Context, j *CollectionJob) error
	// GetCollectionJobsIntersecting returns jobs, in any state, whose batch
	// overlaps batch.
	GetCollectionJobsIntersecting(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier) ([]*CollectionJob, error)
	AcquireIncompleteCollectionJobs(ctx context.Context, leaseDuration time.Duration, limit int) ([]*Lease[AcquiredCollectionJob], error)
	RenewCollectionJobLease(ctx context.Context, lease *Lease[AcquiredCollectionJob], leaseDuration time.Duration) error
	// ReleaseCollectionJob releases the lease; the job cannot be claimed
	// again until reacquireDelay has passed.
	ReleaseCollectionJob(ctx context.Context, lease *Lease[AcquiredCollectionJob], reacquireDelay time.Duration) error
	// DeleteExpiredCollectionJobs only removes jobs that are no longer pending.
	DeleteExpiredCollectionJobs(ctx context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error)

	// Aggregate share jobs.
	PutAggregateShareJob(ctx context.Context, j *AggregateShareJob) error
	GetAggregateShareJob(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier, aggParam []byte) (*AggregateShareJob, error)
	GetAggregateShareJobsIntersecting(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier) ([]*AggregateShareJob, error)
	DeleteExpiredAggregateShareJobs(ctx context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error)
}

// batchesOverlap reports whether two batch identifiers share any report.
func batchesOverlap(a, b protocol.BatchIdentifier) bool {
	if a.IsFixedSize() != b.IsFixedSize() {
		return false
	}
	if a.IsFixedSize() {
		return a.BatchID == b.BatchID
	}
	return a.Interval.Overlaps(b.Interval)
}

// expiryAnchor is the time a batch-scoped row is aged by: the end of the
// batch interval, or for fixed-size batches the end of the client
// timestamps seen.
func expiryAnchor(batch protocol.BatchIdentifier, clientInterval protocol.Interval) protocol.Time {
	if batch.IsFixedSize() {
		return clientInterval.End()
	}
	return batch.Interval.End()
}
