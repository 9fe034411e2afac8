package services

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/dapagg/aggregator"
	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/testutil"
)

// testNetwork is a leader and a helper talking over real HTTP.
type testNetwork struct {
	clock *clock.Mock
	pair  *testutil.TaskPair

	leaderStore *datastore.MemoryStore
	helperStore *datastore.MemoryStore
	leaderSrv   *httptest.Server
	helperSrv   *httptest.Server
	leader      chi.Router
	helper      chi.Router

	creator    *aggregator.AggregationJobCreator
	aggDriver  *aggregator.AggregationJobDriver
	collDriver *aggregator.CollectionJobDriver
}

func testRetryPolicy() aggregator.RetryPolicy {
	return aggregator.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestNetwork(t *testing.T, opts ...testutil.TaskOption) *testNetwork {
	t.Helper()
	clk := testutil.NewMockClock()
	log := testutil.NewLogger(t)
	n := &testNetwork{
		clock:       clk,
		leaderStore: testutil.NewEphemeralDatastore(t, clk),
		helperStore: testutil.NewEphemeralDatastore(t, clk),
	}

	n.leader = chi.NewRouter()
	NewDAPHandler(aggregator.New(n.leaderStore, clk, log), log.With("role", "leader")).RegisterRoutes(n.leader)
	n.helper = chi.NewRouter()
	NewDAPHandler(aggregator.New(n.helperStore, clk, log), log.With("role", "helper")).RegisterRoutes(n.helper)
	n.leaderSrv = httptest.NewServer(n.leader)
	t.Cleanup(n.leaderSrv.Close)
	n.helperSrv = httptest.NewServer(n.helper)
	t.Cleanup(n.helperSrv.Close)

	n.pair = testutil.NewTaskPair(t, n.leaderSrv.URL, n.helperSrv.URL, opts...)
	n.pair.PutTasks(t, n.leaderStore, n.helperStore)

	peer := NewHTTPPeerClient(n.helperSrv.Client(), testRetryPolicy(), log)
	n.creator = aggregator.NewAggregationJobCreator(n.leaderStore, clk, log, aggregator.DefaultCreatorConfig())
	n.aggDriver = aggregator.NewAggregationJobDriver(n.leaderStore, clk, log, peer, 3)
	n.collDriver = aggregator.NewCollectionJobDriver(n.leaderStore, clk, log, peer, 3, time.Minute)
	return n
}

// runAggregation creates jobs and steps them until none are left.
func (n *testNetwork) runAggregation(t *testing.T) {
	t.Helper()
	_, err := n.creator.CreateJobs(t.Context())
	require.NoError(t, err)

	cfg := aggregator.DefaultJobDriverConfig()
	loop := aggregator.NewAggregationJobDriverLoop(cfg, n.clock, testutil.NewLogger(t), n.aggDriver)
	for i := 0; i < 10; i++ {
		acquired, err := loop.RunOnce(t.Context())
		require.NoError(t, err)
		loop.Wait()
		if acquired == 0 {
			return
		}
	}
	t.Fatal("aggregation jobs did not finish")
}

func (n *testNetwork) runCollection(t *testing.T) int {
	t.Helper()
	loop := aggregator.NewCollectionJobDriverLoop(aggregator.DefaultJobDriverConfig(), n.clock, testutil.NewLogger(t), n.collDriver)
	acquired, err := loop.RunOnce(t.Context())
	require.NoError(t, err)
	loop.Wait()
	return acquired
}
