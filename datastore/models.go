package datastore

import (
	"bytes"
	"time"

	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/vdaf"
)

// ClientReport is a stored client upload. On the leader the leader input
// share is kept decrypted; on the helper only the metadata is kept, for
// replay detection.
type ClientReport struct {
	TaskID                    protocol.TaskID
	Metadata                  protocol.ReportMetadata
	Extensions                []protocol.Extension
	PublicShare               []byte
	LeaderInputShare          []byte
	HelperEncryptedInputShare crypto.HpkeCiphertext
}

// AggregationJobState is the lifecycle state of an aggregation job.
type AggregationJobState string

const (
	AggregationJobInProgress AggregationJobState = "IN_PROGRESS"
	AggregationJobFinished   AggregationJobState = "FINISHED"
	AggregationJobAbandoned  AggregationJobState = "ABANDONED"
	AggregationJobDeleted    AggregationJobState = "DELETED"
)

// AggregationJob batches a bounded set of reports for joint preparation.
type AggregationJob struct {
	TaskID               protocol.TaskID
	ID                   protocol.AggregationJobID
	AggregationParameter []byte
	// BatchID is set for fixed-size tasks.
	BatchID                 protocol.BatchID
	ClientTimestampInterval protocol.Interval
	State                   AggregationJobState
	// Round counts completed request/response exchanges with the helper.
	Round uint16
	// LastRequestHash is the helper's hash of the last request it answered.
	LastRequestHash []byte
}

// ReportAggregationState is the per-report preparation state.
type ReportAggregationState string

const (
	ReportAggregationStart    ReportAggregationState = "START"
	ReportAggregationWaiting  ReportAggregationState = "WAITING"
	ReportAggregationFinished ReportAggregationState = "FINISHED"
	ReportAggregationFailed   ReportAggregationState = "FAILED"
	ReportAggregationInvalid  ReportAggregationState = "INVALID"
)

// Terminal reports whether no further preparation happens in this state.
func (s ReportAggregationState) Terminal() bool {
	return s == ReportAggregationFinished || s == ReportAggregationFailed || s == ReportAggregationInvalid
}

// ReportAggregation is one report's progress inside an aggregation job.
// Which payload fields are meaningful depends on State:
//
//   - Waiting: PrepState holds the serialized VDAF state when preparation
//     continues; on the leader OutputShare holds the output share awaiting
//     the helper's confirmation and Outbound the message to send next.
//   - Failed, Invalid: Error holds the reason.
type ReportAggregation struct {
	TaskID           protocol.TaskID
	AggregationJobID protocol.AggregationJobID
	ReportID         protocol.ReportID
	Time             protocol.Time
	Ord              int64
	State            ReportAggregationState

	PrepState   []byte
	OutputShare []byte
	Outbound    *protocol.PingPongMessage
	Error       protocol.PrepareError

	// LastPrepResp is the helper's last answer for this report.
	LastPrepResp *protocol.PrepareResp
}

// Fail moves the report aggregation to Invalid or Failed depending on
// whether the error is attributable to the report.
func (ra *ReportAggregation) Fail(perr protocol.PrepareError) {
	ra.State = ReportAggregationFailed
	if perr.AttributableToReport() {
		ra.State = ReportAggregationInvalid
	}
	ra.Error = perr
	ra.PrepState = nil
	ra.OutputShare = nil
	ra.Outbound = nil
}

// BatchAggregationState says whether a batch still accepts merges.
type BatchAggregationState string

const (
	BatchAggregationCollectable BatchAggregationState = "COLLECTABLE"
	BatchAggregationCollected   BatchAggregationState = "COLLECTED"
)

// BatchAggregation is the running aggregate of one batch under one
// aggregation parameter.
type BatchAggregation struct {
	TaskID                  protocol.TaskID
	Batch                   protocol.BatchIdentifier
	AggregationParameter    []byte
	State                   BatchAggregationState
	AggregateShare          []byte
	ReportCount             uint64
	Checksum                protocol.ReportIDChecksum
	ClientTimestampInterval protocol.Interval
	// AggregationJobsCreated and AggregationJobsTerminated count jobs that
	// touch this batch; the batch is fully accumulated when they are equal.
	AggregationJobsCreated    uint64
	AggregationJobsTerminated uint64
}

// FullyAccumulated reports whether no aggregation job touching this batch
// is still running.
func (b *BatchAggregation) FullyAccumulated() bool {
	return b.AggregationJobsCreated == b.AggregationJobsTerminated
}

// OutstandingBatch tracks a fixed-size batch that is still being filled.
type OutstandingBatch struct {
	TaskID  protocol.TaskID
	BatchID protocol.BatchID
	// ReportCount is the number of reports merged into the batch.
	ReportCount uint64
	// AssignedCount is the number of reports placed into aggregation jobs
	// for the batch, less those that failed. It never exceeds the task's
	// maximum batch size.
	AssignedCount uint64
}

// CollectionJobState is the lifecycle state of a collection job.
type CollectionJobState string

const (
	CollectionJobStart       CollectionJobState = "START"
	CollectionJobCollectable CollectionJobState = "COLLECTABLE"
	CollectionJobFinished    CollectionJobState = "FINISHED"
	CollectionJobAbandoned   CollectionJobState = "ABANDONED"
	CollectionJobDeleted     CollectionJobState = "DELETED"
)

// Pending reports whether the job may still make progress.
func (s CollectionJobState) Pending() bool {
	return s == CollectionJobStart || s == CollectionJobCollectable
}

// CollectionJob is a collector's request for the aggregate of one batch.
type CollectionJob struct {
	TaskID               protocol.TaskID
	ID                   protocol.CollectionJobID
	Query                protocol.Query
	Batch                protocol.BatchIdentifier
	AggregationParameter []byte
	State                CollectionJobState

	// Set once Collectable.
	ReportCount             uint64
	Checksum                protocol.ReportIDChecksum
	ClientTimestampInterval protocol.Interval
	LeaderAggregateShare    []byte

	// Set once Finished.
	LeaderEncryptedAggregateShare *crypto.HpkeCiphertext
	HelperEncryptedAggregateShare *crypto.HpkeCiphertext
}

// SameRequest reports whether two jobs were created from the same request.
func (j *CollectionJob) SameRequest(o *CollectionJob) bool {
	return j.Batch.Key() == o.Batch.Key() && bytes.Equal(j.AggregationParameter, o.AggregationParameter)
}

// AggregateShareJob memoizes the helper's answer for one batch.
type AggregateShareJob struct {
	TaskID                  protocol.TaskID
	Batch                   protocol.BatchIdentifier
	AggregationParameter    []byte
	AggregateShare          []byte
	ReportCount             uint64
	Checksum                protocol.ReportIDChecksum
	ClientTimestampInterval protocol.Interval
}

// LeaseKind names a claimable kind of work item.
type LeaseKind string

const (
	LeaseKindAggregationJob LeaseKind = "aggregation_job"
	LeaseKindCollectionJob  LeaseKind = "collection_job"
)

// Lease is a time-bounded exclusive claim on a work item.
type Lease[T any] struct {
	Leased T
	Token  string
	Expiry time.Time
	// Attempts counts claims since the item was last released.
	Attempts int
}

// AcquiredAggregationJob identifies a leased aggregation job.
type AcquiredAggregationJob struct {
	TaskID    protocol.TaskID
	JobID     protocol.AggregationJobID
	QueryType protocol.QueryTypeCode
	Vdaf      vdaf.Config
}

// AcquiredCollectionJob identifies a leased collection job.
type AcquiredCollectionJob struct {
	TaskID    protocol.TaskID
	JobID     protocol.CollectionJobID
	QueryType protocol.QueryTypeCode
	Vdaf      vdaf.Config
}
