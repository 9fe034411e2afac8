package aggregator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/vdaf"
)

func requestHash[T any](req *T) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

func cloneReportAggregations(ras []*datastore.ReportAggregation) []*datastore.ReportAggregation {
	out := make([]*datastore.ReportAggregation, len(ras))
	for i, ra := range ras {
		c := *ra
		out[i] = &c
	}
	return out
}

// prepareResp is the helper's answer for ra given the message it produced,
// if any.
func prepareResp(ra *datastore.ReportAggregation, outbound *protocol.PingPongMessage) *protocol.PrepareResp {
	switch {
	case isFailure(ra.State):
		return &protocol.PrepareResp{ReportID: ra.ReportID, Result: protocol.PrepareRespReject, Error: ra.Error}
	case outbound != nil:
		return &protocol.PrepareResp{ReportID: ra.ReportID, Result: protocol.PrepareRespContinue, Message: outbound}
	default:
		return &protocol.PrepareResp{ReportID: ra.ReportID, Result: protocol.PrepareRespFinished}
	}
}

// storedResponse rebuilds the last response from the memoized per-report
// answers.
func storedResponse(ras []*datastore.ReportAggregation) *protocol.AggregationJobResp {
	resp := &protocol.AggregationJobResp{PrepareResps: []protocol.PrepareResp{}}
	for _, ra := range ras {
		if ra.LastPrepResp != nil {
			resp.PrepareResps = append(resp.PrepareResps, *ra.LastPrepResp)
		}
	}
	return resp
}

// helperPrepareInit decrypts one report share and runs the helper's first
// preparation step. A non-empty PrepareError means the report is rejected.
func helperPrepareInit(t *task.Task, v vdaf.Vdaf, aggParam []byte, now protocol.Time,
	pi *protocol.PrepareInit) (vdaf.PingPongState, *protocol.PingPongMessage, protocol.PrepareError) {
	md := pi.ReportShare.Metadata
	switch {
	case t.ReportTooEarly(now, md.Time):
		return vdaf.PingPongState{}, nil, protocol.PrepareErrorReportTooEarly
	case t.Expired(now):
		return vdaf.PingPongState{}, nil, protocol.PrepareErrorTaskExpired
	case t.ReportExpired(now, md.Time):
		return vdaf.PingPongState{}, nil, protocol.PrepareErrorReportDropped
	}

	kp, ok := t.HpkeKeypair(pi.ReportShare.EncryptedInputShare.ConfigID)
	if !ok {
		return vdaf.PingPongState{}, nil, protocol.PrepareErrorHpkeUnknownConfigID
	}
	aad := protocol.InputShareAAD(t.ID, md, pi.ReportShare.PublicShare)
	info := protocol.HpkeInfo(protocol.InputShareLabel, protocol.RoleClient, protocol.RoleHelper)
	plaintext, err := crypto.Open(kp, info, aad, &pi.ReportShare.EncryptedInputShare)
	if err != nil {
		return vdaf.PingPongState{}, nil, protocol.PrepareErrorHpkeDecryptError
	}
	share, err := protocol.UnmarshalMessage[protocol.PlaintextInputShare](plaintext)
	if err != nil {
		return vdaf.PingPongState{}, nil, protocol.PrepareErrorInvalidMessage
	}

	st, out, err := vdaf.HelperInitialized(v, t.VdafVerifyKey, aggParam, [vdaf.NonceSize]byte(md.ID),
		pi.ReportShare.PublicShare, share.Payload, pi.Message)
	if errors.Is(err, vdaf.ErrUnexpectedMessage) {
		return vdaf.PingPongState{}, nil, protocol.PrepareErrorInvalidMessage
	}
	if err != nil {
		return vdaf.PingPongState{}, nil, protocol.PrepareErrorVdafPrepError
	}
	return st, out, protocol.PrepareErrorNone
}

// HandleAggregateInit creates an aggregation job on the helper and answers
// the leader's first round.
func (a *Aggregator) HandleAggregateInit(ctx context.Context, taskID protocol.TaskID, jobID protocol.AggregationJobID,
	token string, req *protocol.AggregationJobInitReq) (*protocol.AggregationJobResp, error) {
	t, err := a.loadTask(ctx, taskID, protocol.RoleHelper)
	if err != nil {
		return nil, err
	}
	if err := checkAggregatorAuth(t, token); err != nil {
		return nil, err
	}
	if req.PartialBatchSelector.QueryType != t.QueryType.Code || t.IsFixedSize() != (req.PartialBatchSelector.BatchID != nil) {
		return nil, newError(ErrInvalidMessage, taskID, "partial batch selector does not match task query type")
	}
	hash, err := requestHash(req)
	if err != nil {
		return nil, err
	}
	v, err := t.VdafInstance()
	if err != nil {
		return nil, err
	}
	log := a.log.With("task_id", taskID.String(), "aggregation_job_id", jobID.String())

	job := &datastore.AggregationJob{
		TaskID:               taskID,
		ID:                   jobID,
		AggregationParameter: req.AggregationParameter,
		State:                datastore.AggregationJobInProgress,
		LastRequestHash:      hash,
	}
	if t.IsFixedSize() {
		job.BatchID = *req.PartialBatchSelector.BatchID
	}

	// Decryption and preparation are pure, so they run before the
	// transaction and are not repeated if it retries.
	now := clock.ProtocolNow(a.clock)
	seen := make(map[protocol.ReportID]bool, len(req.PrepareInits))
	computed := make([]*datastore.ReportAggregation, len(req.PrepareInits))
	outbound := make([]*protocol.PingPongMessage, len(req.PrepareInits))
	for i := range req.PrepareInits {
		pi := &req.PrepareInits[i]
		md := pi.ReportShare.Metadata
		if seen[md.ID] {
			return nil, newError(ErrInvalidMessage, taskID, "report %s appears twice", md.ID)
		}
		seen[md.ID] = true
		job.ClientTimestampInterval = job.ClientTimestampInterval.Merge(md.Time)

		ra := &datastore.ReportAggregation{
			TaskID:           taskID,
			AggregationJobID: jobID,
			ReportID:         md.ID,
			Time:             md.Time,
			Ord:              int64(i),
		}
		st, out, perr := helperPrepareInit(t, v, req.AggregationParameter, now, pi)
		switch {
		case perr != protocol.PrepareErrorNone:
			ra.Fail(perr)
		case st.Finished:
			ra.State = datastore.ReportAggregationFinished
			ra.OutputShare = st.OutputShare
		default:
			ra.State = datastore.ReportAggregationWaiting
			ra.PrepState = st.PrepState
		}
		computed[i] = ra
		outbound[i] = out
	}

	var resp *protocol.AggregationJobResp
	var committed []*datastore.ReportAggregation
	err = a.store.Run(ctx, "aggregate_init", func(ctx context.Context, tx datastore.Transaction) error {
		committed = nil
		existing, err := tx.GetAggregationJob(ctx, taskID, jobID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Round != 0 || !bytes.Equal(existing.LastRequestHash, hash) {
				return newError(ErrInvalidMessage, taskID, "aggregation job %s already exists", jobID)
			}
			stored, err := tx.GetReportAggregationsForJob(ctx, taskID, jobID)
			if err != nil {
				return err
			}
			resp = storedResponse(stored)
			return nil
		}

		ras := cloneReportAggregations(computed)
		jobCopy := *job
		collected := make(map[string]bool)
		acc := NewAccumulator(t, v, req.AggregationParameter)
		for _, ra := range ras {
			if isFailure(ra.State) {
				continue
			}
			err := tx.PutScrubbedReport(ctx, taskID, protocol.ReportMetadata{ID: ra.ReportID, Time: ra.Time})
			if errors.Is(err, datastore.ErrMutationTargetAlreadyExists) {
				ra.Fail(protocol.PrepareErrorReportReplayed)
				continue
			}
			if err != nil {
				return err
			}

			batch := batchForReport(t, &jobCopy, ra.Time)
			isCollected, ok := collected[batch.Key()]
			if !ok {
				isCollected, err = batchCollected(ctx, tx, t, batch, req.AggregationParameter)
				if err != nil {
					return err
				}
				collected[batch.Key()] = isCollected
			}
			if isCollected {
				ra.Fail(protocol.PrepareErrorBatchCollected)
				continue
			}
			if ra.State == datastore.ReportAggregationFinished {
				if err := acc.Update(batch, ra.ReportID, ra.Time, ra.OutputShare); err != nil {
					ra.Fail(protocol.PrepareErrorVdafPrepError)
				}
			}
		}
		if err := failUnmerged(ctx, tx, acc, ras); err != nil {
			return err
		}

		for i, ra := range ras {
			ra.OutputShare = nil
			ra.LastPrepResp = prepareResp(ra, outbound[i])
		}
		if allTerminal(ras) {
			jobCopy.State = datastore.AggregationJobFinished
		}
		if err := tx.PutAggregationJob(ctx, &jobCopy); err != nil {
			return err
		}
		for _, ra := range ras {
			if err := tx.PutReportAggregation(ctx, ra); err != nil {
				return err
			}
		}
		resp = storedResponse(ras)
		committed = ras
		return nil
	})
	if err != nil {
		return nil, err
	}
	observeTerminal(protocol.RoleHelper, nil, committed)
	log.Debug("Answered aggregation job init", "reports", len(resp.PrepareResps))
	return resp, nil
}

// batchCollected reports whether the helper has already given out an
// aggregate share covering batch.
func batchCollected(ctx context.Context, tx datastore.Transaction, t *task.Task, batch protocol.BatchIdentifier, aggParam []byte) (bool, error) {
	ba, err := tx.GetBatchAggregation(ctx, t.ID, batch, aggParam)
	if err != nil {
		return false, err
	}
	if ba != nil && ba.State == datastore.BatchAggregationCollected {
		return true, nil
	}
	jobs, err := tx.GetAggregateShareJobsIntersecting(ctx, t.ID, batch)
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

// failUnmerged flushes acc and fails the report aggregations whose batch
// turned out to be collected.
func failUnmerged(ctx context.Context, tx datastore.Transaction, acc *Accumulator, ras []*datastore.ReportAggregation) error {
	if acc.Empty() {
		return nil
	}
	unmerged, err := acc.Flush(ctx, tx)
	if err != nil {
		return err
	}
	if len(unmerged) == 0 {
		return nil
	}
	failed := make(map[protocol.ReportID]bool, len(unmerged))
	for _, id := range unmerged {
		failed[id] = true
	}
	for _, ra := range ras {
		if failed[ra.ReportID] {
			ra.Fail(protocol.PrepareErrorBatchCollected)
		}
	}
	return nil
}

// HandleAggregateContinue advances a helper aggregation job by one round.
func (a *Aggregator) HandleAggregateContinue(ctx context.Context, taskID protocol.TaskID, jobID protocol.AggregationJobID,
	token string, req *protocol.AggregationJobContinueReq) (*protocol.AggregationJobResp, error) {
	t, err := a.loadTask(ctx, taskID, protocol.RoleHelper)
	if err != nil {
		return nil, err
	}
	if err := checkAggregatorAuth(t, token); err != nil {
		return nil, err
	}
	hash, err := requestHash(req)
	if err != nil {
		return nil, err
	}
	v, err := t.VdafInstance()
	if err != nil {
		return nil, err
	}

	var resp *protocol.AggregationJobResp
	var before, after []*datastore.ReportAggregation
	err = a.store.Run(ctx, "aggregate_continue", func(ctx context.Context, tx datastore.Transaction) error {
		before, after = nil, nil
		job, err := tx.GetAggregationJob(ctx, taskID, jobID)
		if err != nil {
			return err
		}
		if job == nil || job.State == datastore.AggregationJobDeleted {
			return newError(ErrUnrecognizedAggregationJob, taskID, "%s", jobID)
		}
		stored, err := tx.GetReportAggregationsForJob(ctx, taskID, jobID)
		if err != nil {
			return err
		}

		if req.Round == job.Round && req.Round > 0 {
			if !bytes.Equal(job.LastRequestHash, hash) {
				return newError(ErrRoundMismatch, taskID, "round %d already answered with a different request", req.Round)
			}
			resp = storedResponse(stored)
			return nil
		}
		if req.Round != job.Round+1 {
			return newError(ErrRoundMismatch, taskID, "got round %d, job is at round %d", req.Round, job.Round)
		}
		if job.State != datastore.AggregationJobInProgress {
			return newError(ErrInvalidMessage, taskID, "aggregation job %s is %s", jobID, job.State)
		}

		index := make(map[protocol.ReportID]int, len(stored))
		for i, ra := range stored {
			index[ra.ReportID] = i
		}
		inRequest := make(map[protocol.ReportID]bool, len(req.PrepareContinues))
		lastOrd := int64(-1)
		for _, pc := range req.PrepareContinues {
			i, ok := index[pc.ReportID]
			if !ok {
				return newError(ErrInvalidMessage, taskID, "report %s is not in aggregation job", pc.ReportID)
			}
			if stored[i].Ord <= lastOrd {
				return newError(ErrInvalidMessage, taskID, "report %s out of order", pc.ReportID)
			}
			if stored[i].State != datastore.ReportAggregationWaiting {
				return newError(ErrInvalidMessage, taskID, "report %s is not waiting", pc.ReportID)
			}
			lastOrd = stored[i].Ord
			inRequest[pc.ReportID] = true
		}

		ras := cloneReportAggregations(stored)
		outbound := make(map[protocol.ReportID]*protocol.PingPongMessage)
		acc := NewAccumulator(t, v, job.AggregationParameter)
		for _, pc := range req.PrepareContinues {
			ra := ras[index[pc.ReportID]]
			st, out, err := vdaf.Continued(v, job.AggregationParameter, false, vdaf.PingPongState{PrepState: ra.PrepState}, pc.Message)
			switch {
			case err != nil:
				ra.Fail(protocol.PrepareErrorVdafPrepError)
			case st.Finished:
				ra.State = datastore.ReportAggregationFinished
				ra.PrepState = nil
				if err := acc.Update(batchForReport(t, job, ra.Time), ra.ReportID, ra.Time, st.OutputShare); err != nil {
					ra.Fail(protocol.PrepareErrorVdafPrepError)
				}
			default:
				ra.PrepState = st.PrepState
			}
			outbound[ra.ReportID] = out
		}
		for _, ra := range ras {
			if !inRequest[ra.ReportID] && ra.State == datastore.ReportAggregationWaiting {
				ra.Fail(protocol.PrepareErrorReportDropped)
			}
		}
		if err := failUnmerged(ctx, tx, acc, ras); err != nil {
			return err
		}

		for _, ra := range ras {
			ra.LastPrepResp = nil
			if inRequest[ra.ReportID] {
				ra.LastPrepResp = prepareResp(ra, outbound[ra.ReportID])
			}
			if err := tx.UpdateReportAggregation(ctx, ra); err != nil {
				return err
			}
		}
		updated := *job
		updated.Round = req.Round
		updated.LastRequestHash = hash
		if allTerminal(ras) {
			updated.State = datastore.AggregationJobFinished
		}
		if err := tx.UpdateAggregationJob(ctx, &updated); err != nil {
			return err
		}
		resp = storedResponse(ras)
		before, after = stored, ras
		return nil
	})
	if err != nil {
		return nil, err
	}
	if after != nil {
		observeTerminal(protocol.RoleHelper, before, after)
	}
	return resp, nil
}
