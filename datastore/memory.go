package datastore

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
)

var ErrStoreClosed = errors.New("datastore: store closed")

// MemoryStore keeps everything in process memory. Transactions are fully
// serialized and work on a copy of the state that replaces the original on
// success, so a failed transaction leaves no trace.
//
// fn passed to Run must not call Run on the same store.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	state  *memState
	closed bool
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{clock: c, state: newMemState()}
}

func (s *MemoryStore) Run(ctx context.Context, name string, fn func(ctx context.Context, tx Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx := &memTx{state: s.state.clone(), now: s.clock.Now()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type reportKey struct {
	task protocol.TaskID
	id   protocol.ReportID
}

type aggJobKey struct {
	task protocol.TaskID
	id   protocol.AggregationJobID
}

type reportAggKey struct {
	task   protocol.TaskID
	job    protocol.AggregationJobID
	report protocol.ReportID
}

type batchKey struct {
	task  protocol.TaskID
	batch string
	param string
}

type outstandingKey struct {
	task protocol.TaskID
	id   protocol.BatchID
}

type collJobKey struct {
	task protocol.TaskID
	id   protocol.CollectionJobID
}

type memLease struct {
	token    string
	expiry   time.Time
	attempts int
}

type memReport struct {
	report   ClientReport
	started  bool
	scrubbed bool
	seq      int64
}

type memAggJob struct {
	job   AggregationJob
	lease memLease
	seq   int64
}

type memOutstanding struct {
	batch OutstandingBatch
	seq   int64
}

type memCollJob struct {
	job   CollectionJob
	lease memLease
	seq   int64
}

type memState struct {
	seq          int64
	tasks        map[protocol.TaskID]task.Task
	reports      map[reportKey]memReport
	aggJobs      map[aggJobKey]memAggJob
	reportAggs   map[reportAggKey]ReportAggregation
	batchAggs    map[batchKey]BatchAggregation
	outstanding  map[outstandingKey]memOutstanding
	collJobs     map[collJobKey]memCollJob
	aggShareJobs map[batchKey]AggregateShareJob
}

func newMemState() *memState {
	return &memState{
		tasks:        make(map[protocol.TaskID]task.Task),
		reports:      make(map[reportKey]memReport),
		aggJobs:      make(map[aggJobKey]memAggJob),
		reportAggs:   make(map[reportAggKey]ReportAggregation),
		batchAggs:    make(map[batchKey]BatchAggregation),
		outstanding:  make(map[outstandingKey]memOutstanding),
		collJobs:     make(map[collJobKey]memCollJob),
		aggShareJobs: make(map[batchKey]AggregateShareJob),
	}
}

// clone copies the maps. Values are copied on every read and write, so
// sharing them between the copies is safe.
func (s *memState) clone() *memState {
	return &memState{
		seq:          s.seq,
		tasks:        maps.Clone(s.tasks),
		reports:      maps.Clone(s.reports),
		aggJobs:      maps.Clone(s.aggJobs),
		reportAggs:   maps.Clone(s.reportAggs),
		batchAggs:    maps.Clone(s.batchAggs),
		outstanding:  maps.Clone(s.outstanding),
		collJobs:     maps.Clone(s.collJobs),
		aggShareJobs: maps.Clone(s.aggShareJobs),
	}
}

func (s *memState) nextSeq() int64 {
	s.seq++
	return s.seq
}

type memTx struct {
	state *memState
	now   time.Time
}

func cloneTask(t task.Task) task.Task {
	t.VdafVerifyKey = bytes.Clone(t.VdafVerifyKey)
	if t.TaskExpiration != nil {
		exp := *t.TaskExpiration
		t.TaskExpiration = &exp
	}
	if t.ReportExpiryAge != nil {
		age := *t.ReportExpiryAge
		t.ReportExpiryAge = &age
	}
	t.CollectorHpkeConfig.PublicKey = bytes.Clone(t.CollectorHpkeConfig.PublicKey)
	keys := make([]crypto.HpkeKeypair, len(t.HpkeKeys))
	for i, kp := range t.HpkeKeys {
		kp.Config.PublicKey = bytes.Clone(kp.Config.PublicKey)
		kp.PrivateKey = bytes.Clone(kp.PrivateKey)
		keys[i] = kp
	}
	t.HpkeKeys = keys
	return t
}

func cloneCiphertext(c crypto.HpkeCiphertext) crypto.HpkeCiphertext {
	c.EncapsulatedKey = bytes.Clone(c.EncapsulatedKey)
	c.Payload = bytes.Clone(c.Payload)
	return c
}

func cloneReport(r ClientReport) ClientReport {
	exts := make([]protocol.Extension, len(r.Extensions))
	for i, e := range r.Extensions {
		exts[i] = protocol.Extension{Type: e.Type, Data: bytes.Clone(e.Data)}
	}
	if r.Extensions == nil {
		exts = nil
	}
	r.Extensions = exts
	r.PublicShare = bytes.Clone(r.PublicShare)
	r.LeaderInputShare = bytes.Clone(r.LeaderInputShare)
	r.HelperEncryptedInputShare = cloneCiphertext(r.HelperEncryptedInputShare)
	return r
}

func cloneAggJob(j AggregationJob) AggregationJob {
	j.AggregationParameter = bytes.Clone(j.AggregationParameter)
	j.LastRequestHash = bytes.Clone(j.LastRequestHash)
	return j
}

func clonePingPong(m *protocol.PingPongMessage) *protocol.PingPongMessage {
	if m == nil {
		return nil
	}
	return &protocol.PingPongMessage{Type: m.Type, PrepMsg: bytes.Clone(m.PrepMsg), PrepShare: bytes.Clone(m.PrepShare)}
}

func cloneReportAgg(ra ReportAggregation) ReportAggregation {
	ra.PrepState = bytes.Clone(ra.PrepState)
	ra.OutputShare = bytes.Clone(ra.OutputShare)
	ra.Outbound = clonePingPong(ra.Outbound)
	if ra.LastPrepResp != nil {
		resp := *ra.LastPrepResp
		resp.Message = clonePingPong(resp.Message)
		ra.LastPrepResp = &resp
	}
	return ra
}

func cloneBatchAgg(ba BatchAggregation) BatchAggregation {
	ba.AggregationParameter = bytes.Clone(ba.AggregationParameter)
	ba.AggregateShare = bytes.Clone(ba.AggregateShare)
	return ba
}

func cloneCollJob(j CollectionJob) CollectionJob {
	j.AggregationParameter = bytes.Clone(j.AggregationParameter)
	j.LeaderAggregateShare = bytes.Clone(j.LeaderAggregateShare)
	if j.Query.BatchInterval != nil {
		i := *j.Query.BatchInterval
		j.Query.BatchInterval = &i
	}
	if j.Query.BatchID != nil {
		id := *j.Query.BatchID
		j.Query.BatchID = &id
	}
	if j.LeaderEncryptedAggregateShare != nil {
		c := cloneCiphertext(*j.LeaderEncryptedAggregateShare)
		j.LeaderEncryptedAggregateShare = &c
	}
	if j.HelperEncryptedAggregateShare != nil {
		c := cloneCiphertext(*j.HelperEncryptedAggregateShare)
		j.HelperEncryptedAggregateShare = &c
	}
	return j
}

func cloneAggShareJob(j AggregateShareJob) AggregateShareJob {
	j.AggregationParameter = bytes.Clone(j.AggregationParameter)
	j.AggregateShare = bytes.Clone(j.AggregateShare)
	return j
}

func newBatchKey(taskID protocol.TaskID, batch protocol.BatchIdentifier, aggParam []byte) batchKey {
	return batchKey{task: taskID, batch: batch.Key(), param: string(aggParam)}
}

func limitReached(n, limit int) bool { return limit > 0 && n >= limit }

// Tasks

func (tx *memTx) PutTask(_ context.Context, t *task.Task) error {
	if _, ok := tx.state.tasks[t.ID]; ok {
		return ErrMutationTargetAlreadyExists
	}
	tx.state.tasks[t.ID] = cloneTask(*t)
	return nil
}

func (tx *memTx) GetTask(_ context.Context, id protocol.TaskID) (*task.Task, error) {
	t, ok := tx.state.tasks[id]
	if !ok {
		return nil, nil
	}
	t = cloneTask(t)
	return &t, nil
}

func (tx *memTx) GetTasks(_ context.Context) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(tx.state.tasks))
	for _, t := range tx.state.tasks {
		t = cloneTask(t)
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out, nil
}

func (tx *memTx) DeleteTask(_ context.Context, id protocol.TaskID) error {
	if _, ok := tx.state.tasks[id]; !ok {
		return ErrMutationTargetNotFound
	}
	delete(tx.state.tasks, id)
	maps.DeleteFunc(tx.state.reports, func(k reportKey, _ memReport) bool { return k.task == id })
	maps.DeleteFunc(tx.state.aggJobs, func(k aggJobKey, _ memAggJob) bool { return k.task == id })
	maps.DeleteFunc(tx.state.reportAggs, func(k reportAggKey, _ ReportAggregation) bool { return k.task == id })
	maps.DeleteFunc(tx.state.batchAggs, func(k batchKey, _ BatchAggregation) bool { return k.task == id })
	maps.DeleteFunc(tx.state.outstanding, func(k outstandingKey, _ memOutstanding) bool { return k.task == id })
	maps.DeleteFunc(tx.state.collJobs, func(k collJobKey, _ memCollJob) bool { return k.task == id })
	maps.DeleteFunc(tx.state.aggShareJobs, func(k batchKey, _ AggregateShareJob) bool { return k.task == id })
	return nil
}

// Client reports

func (tx *memTx) PutClientReport(_ context.Context, r *ClientReport) error {
	key := reportKey{r.TaskID, r.Metadata.ID}
	if _, ok := tx.state.reports[key]; ok {
		return ErrMutationTargetAlreadyExists
	}
	tx.state.reports[key] = memReport{report: cloneReport(*r), seq: tx.state.nextSeq()}
	return nil
}

func (tx *memTx) GetClientReport(_ context.Context, taskID protocol.TaskID, id protocol.ReportID) (*ClientReport, error) {
	r, ok := tx.state.reports[reportKey{taskID, id}]
	if !ok {
		return nil, nil
	}
	out := cloneReport(r.report)
	return &out, nil
}

func (tx *memTx) PutScrubbedReport(_ context.Context, taskID protocol.TaskID, md protocol.ReportMetadata) error {
	key := reportKey{taskID, md.ID}
	if _, ok := tx.state.reports[key]; ok {
		return ErrMutationTargetAlreadyExists
	}
	tx.state.reports[key] = memReport{
		report:   ClientReport{TaskID: taskID, Metadata: md},
		started:  true,
		scrubbed: true,
		seq:      tx.state.nextSeq(),
	}
	return nil
}

func (tx *memTx) ClaimUnaggregatedClientReports(_ context.Context, taskID protocol.TaskID, notBefore protocol.Time, limit int) ([]*ClientReport, error) {
	var candidates []reportKey
	for k, r := range tx.state.reports {
		if k.task == taskID && !r.started && !r.scrubbed && !r.report.Metadata.Time.Before(notBefore) {
			candidates = append(candidates, k)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := tx.state.reports[candidates[i]], tx.state.reports[candidates[j]]
		if a.report.Metadata.Time != b.report.Metadata.Time {
			return a.report.Metadata.Time < b.report.Metadata.Time
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*ClientReport, 0, len(candidates))
	for _, k := range candidates {
		r := tx.state.reports[k]
		r.started = true
		tx.state.reports[k] = r
		cr := cloneReport(r.report)
		out = append(out, &cr)
	}
	return out, nil
}

func (tx *memTx) MarkReportsUnaggregated(_ context.Context, taskID protocol.TaskID, ids []protocol.ReportID) error {
	for _, id := range ids {
		key := reportKey{taskID, id}
		r, ok := tx.state.reports[key]
		if !ok || r.scrubbed {
			continue
		}
		r.started = false
		tx.state.reports[key] = r
	}
	return nil
}

func (tx *memTx) DeleteExpiredClientReports(_ context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error) {
	n := 0
	for k, r := range tx.state.reports {
		if limitReached(n, limit) {
			break
		}
		if k.task == taskID && r.report.Metadata.Time.Before(cutoff) {
			delete(tx.state.reports, k)
			n++
		}
	}
	return n, nil
}

// Aggregation jobs

func (tx *memTx) PutAggregationJob(_ context.Context, j *AggregationJob) error {
	key := aggJobKey{j.TaskID, j.ID}
	if _, ok := tx.state.aggJobs[key]; ok {
		return ErrMutationTargetAlreadyExists
	}
	tx.state.aggJobs[key] = memAggJob{job: cloneAggJob(*j), seq: tx.state.nextSeq()}
	return nil
}

func (tx *memTx) GetAggregationJob(_ context.Context, taskID protocol.TaskID, id protocol.AggregationJobID) (*AggregationJob, error) {
	row, ok := tx.state.aggJobs[aggJobKey{taskID, id}]
	if !ok {
		return nil, nil
	}
	j := cloneAggJob(row.job)
	return &j, nil
}

func (tx *memTx) GetAggregationJobsForTask(_ context.Context, taskID protocol.TaskID) ([]*AggregationJob, error) {
	var rows []memAggJob
	for k, row := range tx.state.aggJobs {
		if k.task == taskID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]*AggregationJob, len(rows))
	for i, row := range rows {
		j := cloneAggJob(row.job)
		out[i] = &j
	}
	return out, nil
}

func (tx *memTx) UpdateAggregationJob(_ context.Context, j *AggregationJob) error {
	key := aggJobKey{j.TaskID, j.ID}
	row, ok := tx.state.aggJobs[key]
	if !ok {
		return ErrMutationTargetNotFound
	}
	row.job = cloneAggJob(*j)
	tx.state.aggJobs[key] = row
	return nil
}

func (tx *memTx) AcquireIncompleteAggregationJobs(_ context.Context, leaseDuration time.Duration, limit int) ([]*Lease[AcquiredAggregationJob], error) {
	var candidates []aggJobKey
	for k, row := range tx.state.aggJobs {
		t, ok := tx.state.tasks[k.task]
		if !ok || t.Role != protocol.RoleLeader {
			continue
		}
		if row.job.State == AggregationJobInProgress && !row.lease.expiry.After(tx.now) {
			candidates = append(candidates, k)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return tx.state.aggJobs[candidates[i]].seq < tx.state.aggJobs[candidates[j]].seq
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*Lease[AcquiredAggregationJob], 0, len(candidates))
	for _, k := range candidates {
		row := tx.state.aggJobs[k]
		row.lease = memLease{
			token:    uuid.NewString(),
			expiry:   tx.now.Add(leaseDuration),
			attempts: row.lease.attempts + 1,
		}
		tx.state.aggJobs[k] = row
		t := tx.state.tasks[k.task]
		out = append(out, &Lease[AcquiredAggregationJob]{
			Leased: AcquiredAggregationJob{
				TaskID:    k.task,
				JobID:     k.id,
				QueryType: t.QueryType.Code,
				Vdaf:      t.Vdaf,
			},
			Token:    row.lease.token,
			Expiry:   row.lease.expiry,
			Attempts: row.lease.attempts,
		})
	}
	return out, nil
}

func (tx *memTx) heldLease(l memLease, token string) bool {
	return l.token != "" && l.token == token && l.expiry.After(tx.now)
}

func (tx *memTx) RenewAggregationJobLease(_ context.Context, lease *Lease[AcquiredAggregationJob], leaseDuration time.Duration) error {
	key := aggJobKey{lease.Leased.TaskID, lease.Leased.JobID}
	row, ok := tx.state.aggJobs[key]
	if !ok || !tx.heldLease(row.lease, lease.Token) {
		return ErrMutationTargetNotFound
	}
	row.lease.expiry = tx.now.Add(leaseDuration)
	tx.state.aggJobs[key] = row
	lease.Expiry = row.lease.expiry
	return nil
}

func (tx *memTx) ReleaseAggregationJob(_ context.Context, lease *Lease[AcquiredAggregationJob]) error {
	key := aggJobKey{lease.Leased.TaskID, lease.Leased.JobID}
	row, ok := tx.state.aggJobs[key]
	if !ok || !tx.heldLease(row.lease, lease.Token) {
		return ErrMutationTargetNotFound
	}
	row.lease = memLease{}
	tx.state.aggJobs[key] = row
	return nil
}

func (tx *memTx) DeleteExpiredAggregationJobs(_ context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error) {
	n := 0
	for k, row := range tx.state.aggJobs {
		if limitReached(n, limit) {
			break
		}
		if k.task != taskID || cutoff.Before(row.job.ClientTimestampInterval.End()) {
			continue
		}
		delete(tx.state.aggJobs, k)
		maps.DeleteFunc(tx.state.reportAggs, func(rk reportAggKey, _ ReportAggregation) bool {
			return rk.task == k.task && rk.job == k.id
		})
		n++
	}
	return n, nil
}

// Report aggregations

func (tx *memTx) PutReportAggregation(_ context.Context, ra *ReportAggregation) error {
	key := reportAggKey{ra.TaskID, ra.AggregationJobID, ra.ReportID}
	if _, ok := tx.state.reportAggs[key]; ok {
		return ErrMutationTargetAlreadyExists
	}
	if _, ok := tx.state.aggJobs[aggJobKey{ra.TaskID, ra.AggregationJobID}]; !ok {
		return ErrMutationTargetNotFound
	}
	tx.state.reportAggs[key] = cloneReportAgg(*ra)
	return nil
}

func (tx *memTx) UpdateReportAggregation(_ context.Context, ra *ReportAggregation) error {
	key := reportAggKey{ra.TaskID, ra.AggregationJobID, ra.ReportID}
	if _, ok := tx.state.reportAggs[key]; !ok {
		return ErrMutationTargetNotFound
	}
	tx.state.reportAggs[key] = cloneReportAgg(*ra)
	return nil
}

func (tx *memTx) GetReportAggregationsForJob(_ context.Context, taskID protocol.TaskID, jobID protocol.AggregationJobID) ([]*ReportAggregation, error) {
	var out []*ReportAggregation
	for k, ra := range tx.state.reportAggs {
		if k.task == taskID && k.job == jobID {
			c := cloneReportAgg(ra)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ord < out[j].Ord })
	return out, nil
}

func (tx *memTx) DeleteReportAggregation(_ context.Context, taskID protocol.TaskID, jobID protocol.AggregationJobID, reportID protocol.ReportID) error {
	key := reportAggKey{taskID, jobID, reportID}
	if _, ok := tx.state.reportAggs[key]; !ok {
		return ErrMutationTargetNotFound
	}
	delete(tx.state.reportAggs, key)
	return nil
}

// Batch aggregations

func (tx *memTx) GetBatchAggregation(_ context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier, aggParam []byte) (*BatchAggregation, error) {
	ba, ok := tx.state.batchAggs[newBatchKey(taskID, batch, aggParam)]
	if !ok {
		return nil, nil
	}
	ba = cloneBatchAgg(ba)
	return &ba, nil
}

func (tx *memTx) GetBatchAggregationsForCollection(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier, aggParam []byte) ([]*BatchAggregation, error) {
	if batch.IsFixedSize() {
		ba, err := tx.GetBatchAggregation(ctx, taskID, batch, aggParam)
		if err != nil || ba == nil {
			return nil, err
		}
		return []*BatchAggregation{ba}, nil
	}

	var out []*BatchAggregation
	for k, ba := range tx.state.batchAggs {
		if k.task != taskID || ba.Batch.IsFixedSize() || k.param != string(aggParam) {
			continue
		}
		i := ba.Batch.Interval
		if i.Start >= batch.Interval.Start && i.End() <= batch.Interval.End() {
			c := cloneBatchAgg(ba)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Batch.Interval.Start < out[j].Batch.Interval.Start })
	return out, nil
}

func (tx *memTx) PutBatchAggregation(_ context.Context, ba *BatchAggregation) error {
	key := newBatchKey(ba.TaskID, ba.Batch, ba.AggregationParameter)
	if _, ok := tx.state.batchAggs[key]; ok {
		return ErrMutationTargetAlreadyExists
	}
	tx.state.batchAggs[key] = cloneBatchAgg(*ba)
	return nil
}

func (tx *memTx) UpdateBatchAggregation(_ context.Context, ba *BatchAggregation) error {
	key := newBatchKey(ba.TaskID, ba.Batch, ba.AggregationParameter)
	if _, ok := tx.state.batchAggs[key]; !ok {
		return ErrMutationTargetNotFound
	}
	tx.state.batchAggs[key] = cloneBatchAgg(*ba)
	return nil
}

func (tx *memTx) referencedByPendingCollection(taskID protocol.TaskID, batch protocol.BatchIdentifier) bool {
	for k, row := range tx.state.collJobs {
		if k.task == taskID && row.job.State.Pending() && batchesOverlap(row.job.Batch, batch) {
			return true
		}
	}
	return false
}

func (tx *memTx) DeleteExpiredBatchAggregations(_ context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error) {
	n := 0
	for k, ba := range tx.state.batchAggs {
		if limitReached(n, limit) {
			break
		}
		if k.task != taskID || cutoff.Before(expiryAnchor(ba.Batch, ba.ClientTimestampInterval)) {
			continue
		}
		if tx.referencedByPendingCollection(taskID, ba.Batch) {
			continue
		}
		delete(tx.state.batchAggs, k)
		n++
	}
	return n, nil
}

// Outstanding batches

func (tx *memTx) PutOutstandingBatch(_ context.Context, ob *OutstandingBatch) error {
	key := outstandingKey{ob.TaskID, ob.BatchID}
	if _, ok := tx.state.outstanding[key]; ok {
		return ErrMutationTargetAlreadyExists
	}
	tx.state.outstanding[key] = memOutstanding{batch: *ob, seq: tx.state.nextSeq()}
	return nil
}

func (tx *memTx) sortedOutstanding(taskID protocol.TaskID) []memOutstanding {
	var rows []memOutstanding
	for k, row := range tx.state.outstanding {
		if k.task == taskID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	return rows
}

func (tx *memTx) GetOutstandingBatches(_ context.Context, taskID protocol.TaskID) ([]*OutstandingBatch, error) {
	rows := tx.sortedOutstanding(taskID)
	out := make([]*OutstandingBatch, len(rows))
	for i, row := range rows {
		ob := row.batch
		out[i] = &ob
	}
	return out, nil
}

func (tx *memTx) UpdateOutstandingBatch(_ context.Context, ob *OutstandingBatch) error {
	key := outstandingKey{ob.TaskID, ob.BatchID}
	row, ok := tx.state.outstanding[key]
	if !ok {
		return ErrMutationTargetNotFound
	}
	row.batch = *ob
	tx.state.outstanding[key] = row
	return nil
}

func (tx *memTx) DeleteOutstandingBatch(_ context.Context, taskID protocol.TaskID, id protocol.BatchID) error {
	key := outstandingKey{taskID, id}
	if _, ok := tx.state.outstanding[key]; !ok {
		return ErrMutationTargetNotFound
	}
	delete(tx.state.outstanding, key)
	return nil
}

func (tx *memTx) GetFilledOutstandingBatch(_ context.Context, taskID protocol.TaskID, minSize uint64) (*OutstandingBatch, error) {
	for _, row := range tx.sortedOutstanding(taskID) {
		if row.batch.ReportCount >= minSize {
			ob := row.batch
			return &ob, nil
		}
	}
	return nil, nil
}

func (tx *memTx) DeleteOrphanedOutstandingBatches(_ context.Context, taskID protocol.TaskID, limit int) (int, error) {
	live := make(map[protocol.BatchID]bool)
	for k, ba := range tx.state.batchAggs {
		if k.task == taskID && ba.Batch.IsFixedSize() {
			live[ba.Batch.BatchID] = true
		}
	}
	n := 0
	for k := range tx.state.outstanding {
		if limitReached(n, limit) {
			break
		}
		if k.task == taskID && !live[k.id] {
			delete(tx.state.outstanding, k)
			n++
		}
	}
	return n, nil
}

// Collection jobs

func (tx *memTx) PutCollectionJob(_ context.Context, j *CollectionJob) error {
	key := collJobKey{j.TaskID, j.ID}
	if _, ok := tx.state.collJobs[key]; ok {
		return ErrMutationTargetAlreadyExists
	}
	tx.state.collJobs[key] = memCollJob{job: cloneCollJob(*j), seq: tx.state.nextSeq()}
	return nil
}

func (tx *memTx) GetCollectionJob(_ context.Context, taskID protocol.TaskID, id protocol.CollectionJobID) (*CollectionJob, error) {
	row, ok := tx.state.collJobs[collJobKey{taskID, id}]
	if !ok {
		return nil, nil
	}
	j := cloneCollJob(row.job)
	return &j, nil
}

func (tx *memTx) UpdateCollectionJob(_ context.Context, j *CollectionJob) error {
	key := collJobKey{j.TaskID, j.ID}
	row, ok := tx.state.collJobs[key]
	if !ok {
		return ErrMutationTargetNotFound
	}
	row.job = cloneCollJob(*j)
	tx.state.collJobs[key] = row
	return nil
}

func (tx *memTx) GetCollectionJobsIntersecting(_ context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier) ([]*CollectionJob, error) {
	var rows []memCollJob
	for k, row := range tx.state.collJobs {
		if k.task == taskID && batchesOverlap(row.job.Batch, batch) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]*CollectionJob, len(rows))
	for i, row := range rows {
		j := cloneCollJob(row.job)
		out[i] = &j
	}
	return out, nil
}

func (tx *memTx) AcquireIncompleteCollectionJobs(_ context.Context, leaseDuration time.Duration, limit int) ([]*Lease[AcquiredCollectionJob], error) {
	var candidates []collJobKey
	for k, row := range tx.state.collJobs {
		t, ok := tx.state.tasks[k.task]
		if !ok || t.Role != protocol.RoleLeader {
			continue
		}
		if row.job.State.Pending() && !row.lease.expiry.After(tx.now) {
			candidates = append(candidates, k)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return tx.state.collJobs[candidates[i]].seq < tx.state.collJobs[candidates[j]].seq
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*Lease[AcquiredCollectionJob], 0, len(candidates))
	for _, k := range candidates {
		row := tx.state.collJobs[k]
		row.lease = memLease{
			token:    uuid.NewString(),
			expiry:   tx.now.Add(leaseDuration),
			attempts: row.lease.attempts + 1,
		}
		tx.state.collJobs[k] = row
		t := tx.state.tasks[k.task]
		out = append(out, &Lease[AcquiredCollectionJob]{
			Leased: AcquiredCollectionJob{
				TaskID:    k.task,
				JobID:     k.id,
				QueryType: t.QueryType.Code,
				Vdaf:      t.Vdaf,
			},
			Token:    row.lease.token,
			Expiry:   row.lease.expiry,
			Attempts: row.lease.attempts,
		})
	}
	return out, nil
}

func (tx *memTx) RenewCollectionJobLease(_ context.Context, lease *Lease[AcquiredCollectionJob], leaseDuration time.Duration) error {
	key := collJobKey{lease.Leased.TaskID, lease.Leased.JobID}
	row, ok := tx.state.collJobs[key]
	if !ok || !tx.heldLease(row.lease, lease.Token) {
		return ErrMutationTargetNotFound
	}
	row.lease.expiry = tx.now.Add(leaseDuration)
	tx.state.collJobs[key] = row
	lease.Expiry = row.lease.expiry
	return nil
}

func (tx *memTx) ReleaseCollectionJob(_ context.Context, lease *Lease[AcquiredCollectionJob], reacquireDelay time.Duration) error {
	key := collJobKey{lease.Leased.TaskID, lease.Leased.JobID}
	row, ok := tx.state.collJobs[key]
	if !ok || !tx.heldLease(row.lease, lease.Token) {
		return ErrMutationTargetNotFound
	}
	row.lease = memLease{expiry: tx.now.Add(reacquireDelay)}
	tx.state.collJobs[key] = row
	return nil
}

func (tx *memTx) DeleteExpiredCollectionJobs(_ context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error) {
	n := 0
	for k, row := range tx.state.collJobs {
		if limitReached(n, limit) {
			break
		}
		if k.task != taskID || row.job.State.Pending() {
			continue
		}
		if cutoff.Before(expiryAnchor(row.job.Batch, row.job.ClientTimestampInterval)) {
			continue
		}
		delete(tx.state.collJobs, k)
		n++
	}
	return n, nil
}

// Aggregate share jobs

func (tx *memTx) PutAggregateShareJob(_ context.Context, j *AggregateShareJob) error {
	key := newBatchKey(j.TaskID, j.Batch, j.AggregationParameter)
	if _, ok := tx.state.aggShareJobs[key]; ok {
		return ErrMutationTargetAlreadyExists
	}
	tx.state.aggShareJobs[key] = cloneAggShareJob(*j)
	return nil
}

func (tx *memTx) GetAggregateShareJob(_ context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier, aggParam []byte) (*AggregateShareJob, error) {
	j, ok := tx.state.aggShareJobs[newBatchKey(taskID, batch, aggParam)]
	if !ok {
		return nil, nil
	}
	j = cloneAggShareJob(j)
	return &j, nil
}

func (tx *memTx) GetAggregateShareJobsIntersecting(_ context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier) ([]*AggregateShareJob, error) {
	var out []*AggregateShareJob
	for k, j := range tx.state.aggShareJobs {
		if k.task == taskID && batchesOverlap(j.Batch, batch) {
			c := cloneAggShareJob(j)
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *AggregateShareJob) int { return bytes.Compare(a.Batch.Encode(), b.Batch.Encode()) })
	return out, nil
}

func (tx *memTx) DeleteExpiredAggregateShareJobs(_ context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error) {
	n := 0
	for k, j := range tx.state.aggShareJobs {
		if limitReached(n, limit) {
			break
		}
		if k.task == taskID && !cutoff.Before(expiryAnchor(j.Batch, j.ClientTimestampInterval)) {
			delete(tx.state.aggShareJobs, k)
			n++
		}
	}
	return n, nil
}
