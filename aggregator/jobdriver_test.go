package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/testutil"
)

type fakeWork struct {
	mu      sync.Mutex
	pending int
	limits  []int
	stepped int
	release chan struct{}
	expiry  time.Time
	stepErr error
}

func (f *fakeWork) acquire(_ context.Context, _ time.Duration, limit int) ([]*datastore.Lease[int], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	n := min(limit, f.pending)
	f.pending -= n
	leases := make([]*datastore.Lease[int], n)
	for i := range leases {
		leases[i] = &datastore.Lease[int]{Leased: i, Expiry: f.expiry, Attempts: 1}
	}
	return leases, nil
}

func (f *fakeWork) step(ctx context.Context, _ *datastore.Lease[int]) error {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepped++
	return f.stepErr
}

func (f *fakeWork) steppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stepped
}

func testDriverConfig() JobDriverConfig {
	cfg := DefaultJobDriverConfig()
	cfg.JobDiscoveryInterval = 10 * time.Millisecond
	cfg.MaxConcurrentJobWorkers = 3
	return cfg
}

func TestJobDriverBoundsWorkers(t *testing.T) {
	clk := testutil.NewMockClock()
	work := &fakeWork{pending: 5, release: make(chan struct{}), expiry: clk.Now().Add(time.Hour)}
	d := NewJobDriver(testDriverConfig(), clk, testutil.NewLogger(t), datastore.LeaseKindAggregationJob, work.acquire, work.step, nil)

	n, err := d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.EqualValues(t, 3, d.InFlight())

	// All workers are busy, so nothing is acquired.
	n, err = d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, []int{3}, work.limits)

	close(work.release)
	d.Wait()
	require.Zero(t, d.InFlight())
	require.Equal(t, 3, work.steppedCount())

	n, err = d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	d.Wait()
	require.Equal(t, 5, work.steppedCount())
}

func TestJobDriverSkipsExpiringLease(t *testing.T) {
	clk := testutil.NewMockClock()
	cfg := testDriverConfig()
	// Inside the clock skew allowance.
	work := &fakeWork{pending: 1, expiry: clk.Now().Add(cfg.LeaseClockSkewAllowance / 2)}
	d := NewJobDriver(cfg, clk, testutil.NewLogger(t), datastore.LeaseKindCollectionJob, work.acquire, work.step, nil)

	n, err := d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	d.Wait()
	require.Zero(t, work.steppedCount())
}

func TestJobDriverCancelsStepWhenLeaseRunsOut(t *testing.T) {
	clk := testutil.NewMockClock()
	cfg := testDriverConfig()
	expiry := clk.Now().Add(time.Hour)
	work := &fakeWork{pending: 1, expiry: expiry}

	stepErr := make(chan error, 1)
	step := func(ctx context.Context, _ *datastore.Lease[int]) error {
		clk.Advance(time.Hour - cfg.LeaseClockSkewAllowance)
		<-ctx.Done()
		stepErr <- ctx.Err()
		return ctx.Err()
	}
	d := NewJobDriver(cfg, clk, testutil.NewLogger(t), datastore.LeaseKindAggregationJob, work.acquire, step, nil)
	d.leaseCheckInterval = 5 * time.Millisecond

	n, err := d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	d.Wait()
	require.ErrorIs(t, <-stepErr, context.Canceled)
	require.Zero(t, d.InFlight())
}

func TestJobDriverStepErrorsAreContained(t *testing.T) {
	clk := testutil.NewMockClock()
	work := &fakeWork{pending: 2, expiry: clk.Now().Add(time.Hour), stepErr: errors.New("boom")}
	d := NewJobDriver(testDriverConfig(), clk, testutil.NewLogger(t), datastore.LeaseKindAggregationJob, work.acquire, work.step, nil)

	n, err := d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	d.Wait()
	require.Equal(t, 2, work.steppedCount())
	require.Zero(t, d.InFlight())
}

func TestJobDriverRun(t *testing.T) {
	clk := testutil.NewMockClock()
	work := &fakeWork{pending: 7, expiry: clk.Now().Add(time.Hour)}
	d := NewJobDriver(testDriverConfig(), clk, testutil.NewLogger(t), datastore.LeaseKindAggregationJob, work.acquire, work.step, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool { return work.steppedCount() == 7 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Zero(t, d.InFlight())
}

func TestJobDriverLoopsDriveRealJobs(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.upload(1, h.now())
	}
	batch := h.currentBatch()
	require.Equal(t, 1, h.createJobs())

	cfg := testDriverConfig()
	cfg.LeaseDuration = testLeaseDuration
	agg := NewAggregationJobDriverLoop(cfg, h.clock, testutil.NewLogger(t), h.aggDriver)
	for round := 0; round < 2; round++ {
		n, err := agg.RunOnce(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		agg.Wait()
	}
	require.Equal(t, datastore.AggregationJobFinished, h.leaderJobs()[0].State)

	id := h.createCollectionJob(intervalQuery(batch.Interval))
	h.clock.Advance(time.Hour + time.Minute)
	coll := NewCollectionJobDriverLoop(cfg, h.clock, testutil.NewLogger(t), h.collDriver)
	n, err := coll.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	coll.Wait()
	require.Equal(t, datastore.CollectionJobFinished, h.collectionStatus(id).State)
}

func TestJobDriverRenewsLeaseDuringSlowStep(t *testing.T) {
	h := newHarness(t)
	h.upload(1, h.now())
	require.Equal(t, 1, h.createJobs())

	cfg := testDriverConfig()
	cfg.LeaseDuration = testLeaseDuration
	cfg.LeaseRenewInterval = 10 * time.Millisecond

	renewed := make(chan time.Time, 64)
	renew := func(ctx context.Context, lease *datastore.Lease[datastore.AcquiredAggregationJob], d time.Duration) error {
		if err := h.aggDriver.RenewLease(ctx, lease, d); err != nil {
			return err
		}
		select {
		case renewed <- lease.Expiry:
		default:
		}
		return nil
	}

	var acquired, extended time.Time
	step := func(ctx context.Context, lease *datastore.Lease[datastore.AcquiredAggregationJob]) error {
		acquired = lease.Expiry
		// A slow peer: time passes before the step gets anywhere.
		h.clock.Advance(5 * time.Minute)
		for extended.IsZero() || !extended.After(acquired) {
			select {
			case extended = <-renewed:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return h.aggDriver.Step(ctx, lease)
	}

	d := NewJobDriver(cfg, h.clock, testutil.NewLogger(t), datastore.LeaseKindAggregationJob, h.aggDriver.AcquireLeases, step, renew)
	n, err := d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	d.Wait()

	require.Equal(t, acquired.Add(5*time.Minute), extended)
	require.Equal(t, 1, h.peer.callCount())

	// The step released the lease, so the extension does not hold the job
	// back from any later round.
	h.drainAggregationJobs()
	require.Equal(t, datastore.AggregationJobFinished, h.leaderJobs()[0].State)
}

func TestCollectionJobDriverRenewLease(t *testing.T) {
	h := newHarness(t)
	h.upload(1, h.now())
	require.Equal(t, 1, h.createJobs())
	h.drainAggregationJobs()
	h.createCollectionJob(intervalQuery(h.currentBatch().Interval))

	leases, err := h.collDriver.AcquireLeases(t.Context(), testLeaseDuration, 10)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	lease := leases[0]
	first := lease.Expiry

	h.clock.Advance(time.Minute)
	require.NoError(t, h.collDriver.RenewLease(t.Context(), lease, testLeaseDuration))
	require.Equal(t, first.Add(time.Minute), lease.Expiry)

	// Still held past the original expiry.
	h.clock.Advance(testLeaseDuration - 30*time.Second)
	again, err := h.collDriver.AcquireLeases(t.Context(), testLeaseDuration, 10)
	require.NoError(t, err)
	require.Empty(t, again)
}
