package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/testutil"
)

const testLeaseDuration = 10 * time.Minute

// inProcessPeer hands leader requests straight to a helper Aggregator,
// passing them through the JSON codec on the way.
type inProcessPeer struct {
	helper *Aggregator

	mu           sync.Mutex
	failWith     error
	calls        int
	lastInit     *protocol.AggregationJobInitReq
	lastContinue *protocol.AggregationJobContinueReq
	lastResp     *protocol.AggregationJobResp
}

func (p *inProcessPeer) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

func (p *inProcessPeer) before() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.failWith
}

func (p *inProcessPeer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func overTheWire[T any](msg *T) (*T, error) {
	raw, err := protocol.SerializeMessage(msg)
	if err != nil {
		return nil, err
	}
	return protocol.UnmarshalMessage[T](raw)
}

func (p *inProcessPeer) PutAggregationJob(ctx context.Context, t *task.Task, jobID protocol.AggregationJobID,
	req *protocol.AggregationJobInitReq) (*protocol.AggregationJobResp, error) {
	if err := p.before(); err != nil {
		return nil, err
	}
	wire, err := overTheWire(req)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.lastInit = wire
	p.mu.Unlock()
	resp, err := p.helper.HandleAggregateInit(ctx, t.ID, jobID, t.AggregatorAuthToken, wire)
	if err != nil {
		return nil, err
	}
	return p.respond(resp)
}

func (p *inProcessPeer) PostAggregationJob(ctx context.Context, t *task.Task, jobID protocol.AggregationJobID,
	req *protocol.AggregationJobContinueReq) (*protocol.AggregationJobResp, error) {
	if err := p.before(); err != nil {
		return nil, err
	}
	wire, err := overTheWire(req)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.lastContinue = wire
	p.mu.Unlock()
	resp, err := p.helper.HandleAggregateContinue(ctx, t.ID, jobID, t.AggregatorAuthToken, wire)
	if err != nil {
		return nil, err
	}
	return p.respond(resp)
}

func (p *inProcessPeer) respond(resp *protocol.AggregationJobResp) (*protocol.AggregationJobResp, error) {
	wire, err := overTheWire(resp)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.lastResp = wire
	p.mu.Unlock()
	return wire, nil
}

func (p *inProcessPeer) PostAggregateShare(ctx context.Context, t *task.Task,
	req *protocol.AggregateShareReq) (*protocol.AggregateShare, error) {
	if err := p.before(); err != nil {
		return nil, err
	}
	wire, err := overTheWire(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.helper.HandleAggregateShare(ctx, t.ID, t.AggregatorAuthToken, wire)
	if err != nil {
		return nil, err
	}
	return overTheWire(resp)
}

// harness wires a leader and a helper, each with its own store, sharing one
// mock clock.
type harness struct {
	t     *testing.T
	clock *clock.Mock
	pair  *testutil.TaskPair

	leaderStore *datastore.MemoryStore
	helperStore *datastore.MemoryStore
	leader      *Aggregator
	helper      *Aggregator
	peer        *inProcessPeer

	creator    *AggregationJobCreator
	aggDriver  *AggregationJobDriver
	collDriver *CollectionJobDriver
}

func newHarness(t *testing.T, opts ...testutil.TaskOption) *harness {
	t.Helper()
	clk := testutil.NewMockClock()
	log := testutil.NewLogger(t)
	h := &harness{
		t:           t,
		clock:       clk,
		pair:        testutil.NewTaskPair(t, "http://leader.invalid/", "http://helper.invalid/", opts...),
		leaderStore: testutil.NewEphemeralDatastore(t, clk),
		helperStore: testutil.NewEphemeralDatastore(t, clk),
	}
	h.pair.PutTasks(t, h.leaderStore, h.helperStore)
	h.leader = New(h.leaderStore, clk, log.With("role", "leader"))
	h.helper = New(h.helperStore, clk, log.With("role", "helper"))
	h.peer = &inProcessPeer{helper: h.helper}

	h.creator = NewAggregationJobCreator(h.leaderStore, clk, log, CreatorConfig{
		Interval:              time.Second,
		MinAggregationJobSize: 1,
		MaxAggregationJobSize: 10,
		MaxReportsPerPass:     1000,
	})
	h.aggDriver = NewAggregationJobDriver(h.leaderStore, clk, log, h.peer, 3)
	h.collDriver = NewCollectionJobDriver(h.leaderStore, clk, log, h.peer, 3, time.Minute)
	return h
}

func (h *harness) now() protocol.Time { return clock.ProtocolNow(h.clock) }

// upload generates and uploads a report at ts, failing the test on error.
func (h *harness) upload(measurement uint64, ts protocol.Time) *protocol.Report {
	h.t.Helper()
	report := h.pair.GenerateReport(h.t, measurement, ts)
	require.NoError(h.t, h.leader.HandleUpload(h.t.Context(), h.pair.Leader.ID, report))
	return report
}

func (h *harness) createJobs() int {
	h.t.Helper()
	n, err := h.creator.CreateJobs(h.t.Context())
	require.NoError(h.t, err)
	return n
}

func (h *harness) acquireAggregationJobs() []*datastore.Lease[datastore.AcquiredAggregationJob] {
	h.t.Helper()
	leases, err := h.aggDriver.AcquireLeases(h.t.Context(), testLeaseDuration, 100)
	require.NoError(h.t, err)
	return leases
}

// stepAggregationJobs steps every acquirable job once and returns how many
// were stepped.
func (h *harness) stepAggregationJobs() int {
	h.t.Helper()
	leases := h.acquireAggregationJobs()
	for _, lease := range leases {
		require.NoError(h.t, h.aggDriver.Step(h.t.Context(), lease))
	}
	return len(leases)
}

// drainAggregationJobs steps jobs until none are left in progress.
func (h *harness) drainAggregationJobs() {
	h.t.Helper()
	for i := 0; i < 10; i++ {
		if h.stepAggregationJobs() == 0 {
			return
		}
	}
	h.t.Fatal("aggregation jobs did not finish")
}

func (h *harness) stepCollectionJobs() int {
	h.t.Helper()
	leases, err := h.collDriver.AcquireLeases(h.t.Context(), testLeaseDuration, 100)
	require.NoError(h.t, err)
	for _, lease := range leases {
		require.NoError(h.t, h.collDriver.Step(h.t.Context(), lease))
	}
	return len(leases)
}

func (h *harness) createCollectionJob(query protocol.Query) protocol.CollectionJobID {
	h.t.Helper()
	id := protocol.NewCollectionJobID()
	err := h.leader.HandleCreateCollectionJob(h.t.Context(), h.pair.Leader.ID, id, h.pair.Leader.CollectorAuthToken,
		&protocol.CollectionReq{Query: query})
	require.NoError(h.t, err)
	return id
}

func (h *harness) collectionStatus(id protocol.CollectionJobID) *CollectionStatus {
	h.t.Helper()
	status, err := h.leader.HandleGetCollectionJob(h.t.Context(), h.pair.Leader.ID, id, h.pair.Leader.CollectorAuthToken)
	require.NoError(h.t, err)
	return status
}

// unshard decrypts both aggregate shares of a finished collection and
// returns the count.
func (h *harness) unshard(c *protocol.Collection, batch protocol.BatchIdentifier) uint64 {
	h.t.Helper()
	aad := protocol.AggregateShareAAD(h.pair.Leader.ID, nil, batch)
	leaderShare, err := crypto.Open(h.pair.Collector,
		protocol.HpkeInfo(protocol.AggregateShareLabel, protocol.RoleLeader, protocol.RoleCollector), aad, &c.LeaderEncryptedAggregateShare)
	require.NoError(h.t, err)
	helperShare, err := crypto.Open(h.pair.Collector,
		protocol.HpkeInfo(protocol.AggregateShareLabel, protocol.RoleHelper, protocol.RoleCollector), aad, &c.HelperEncryptedAggregateShare)
	require.NoError(h.t, err)

	v, err := h.pair.Leader.VdafInstance()
	require.NoError(h.t, err)
	count, err := v.Unshard(nil, [2][]byte{leaderShare, helperShare}, c.ReportCount)
	require.NoError(h.t, err)
	return count
}

// read runs fn against a store outside any handler.
func read(t *testing.T, s datastore.Store, fn func(ctx context.Context, tx datastore.Transaction) error) {
	t.Helper()
	require.NoError(t, s.Run(t.Context(), "test_read", fn))
}

func (h *harness) leaderJobs() []*datastore.AggregationJob {
	h.t.Helper()
	return listJobs(h.t, h.leaderStore, h.pair.Leader.ID)
}

func listJobs(t *testing.T, s datastore.Store, taskID protocol.TaskID) []*datastore.AggregationJob {
	t.Helper()
	var jobs []*datastore.AggregationJob
	read(t, s, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		jobs, err = tx.GetAggregationJobsForTask(ctx, taskID)
		return err
	})
	return jobs
}

func (h *harness) batchAggregation(s datastore.Store, batch protocol.BatchIdentifier) *datastore.BatchAggregation {
	h.t.Helper()
	var ba *datastore.BatchAggregation
	read(h.t, s, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		ba, err = tx.GetBatchAggregation(ctx, h.pair.Leader.ID, batch, nil)
		return err
	})
	return ba
}

func (h *harness) reportAggregations(s datastore.Store, jobID protocol.AggregationJobID) []*datastore.ReportAggregation {
	h.t.Helper()
	var ras []*datastore.ReportAggregation
	read(h.t, s, func(ctx context.Context, tx datastore.Transaction) error {
		var err error
		ras, err = tx.GetReportAggregationsForJob(ctx, h.pair.Leader.ID, jobID)
		return err
	})
	return ras
}

func (h *harness) currentBatch() protocol.BatchIdentifier {
	return protocol.IntervalBatch(h.pair.Leader.BatchIntervalFor(h.now()))
}
