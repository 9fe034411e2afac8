package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/metrics"
)

// JobDriver repeatedly leases work items of one kind and steps each on its
// own goroutine, keeping at most MaxConcurrentJobWorkers in flight.
type JobDriver[T any] struct {
	cfg     JobDriverConfig
	clock   clock.Clock
	log     *slog.Logger
	kind    datastore.LeaseKind
	acquire func(ctx context.Context, leaseDuration time.Duration, limit int) ([]*datastore.Lease[T], error)
	step    func(ctx context.Context, lease *datastore.Lease[T]) error
	renew   func(ctx context.Context, lease *datastore.Lease[T], leaseDuration time.Duration) error

	// leaseCheckInterval is how often a running step's lease is compared
	// against the clock.
	leaseCheckInterval time.Duration

	inFlight *atomic.Int64
	wg       sync.WaitGroup
}

// NewJobDriver builds a driver loop. renew may be nil, in which case a step
// gets until its lease expires.
func NewJobDriver[T any](cfg JobDriverConfig, clk clock.Clock, log *slog.Logger, kind datastore.LeaseKind,
	acquire func(ctx context.Context, leaseDuration time.Duration, limit int) ([]*datastore.Lease[T], error),
	step func(ctx context.Context, lease *datastore.Lease[T]) error,
	renew func(ctx context.Context, lease *datastore.Lease[T], leaseDuration time.Duration) error) *JobDriver[T] {
	return &JobDriver[T]{
		cfg:      cfg,
		clock:    clk,
		log:      log.With("kind", string(kind)),
		kind:     kind,
		acquire:  acquire,
		step:     step,
		renew:    renew,
		inFlight: atomic.NewInt64(0),

		leaseCheckInterval: time.Second,
	}
}

// NewAggregationJobDriverLoop wires an AggregationJobDriver into a JobDriver.
func NewAggregationJobDriverLoop(cfg JobDriverConfig, clk clock.Clock, log *slog.Logger, d *AggregationJobDriver) *JobDriver[datastore.AcquiredAggregationJob] {
	return NewJobDriver(cfg, clk, log, datastore.LeaseKindAggregationJob, d.AcquireLeases, d.Step, d.RenewLease)
}

// NewCollectionJobDriverLoop wires a CollectionJobDriver into a JobDriver.
func NewCollectionJobDriverLoop(cfg JobDriverConfig, clk clock.Clock, log *slog.Logger, d *CollectionJobDriver) *JobDriver[datastore.AcquiredCollectionJob] {
	return NewJobDriver(cfg, clk, log, datastore.LeaseKindCollectionJob, d.AcquireLeases, d.Step, d.RenewLease)
}

// Run discovers work every JobDiscoveryInterval until ctx is done, then waits
// for running steps to return.
func (d *JobDriver[T]) Run(ctx context.Context) error {
	defer d.wg.Wait()
	ticker := time.NewTicker(d.cfg.JobDiscoveryInterval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("Acquiring leases", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce leases as many items as there are free workers and starts
// stepping them. It returns the number of leases acquired.
func (d *JobDriver[T]) RunOnce(ctx context.Context) (int, error) {
	limit := d.cfg.MaxConcurrentJobWorkers - int(d.inFlight.Load())
	if limit <= 0 {
		return 0, nil
	}
	leases, err := d.acquire(ctx, d.cfg.LeaseDuration, limit)
	if err != nil {
		return 0, err
	}
	metrics.LeasesAcquired.WithLabelValues(string(d.kind)).Add(float64(len(leases)))

	for _, lease := range leases {
		d.inFlight.Inc()
		metrics.JobsInFlight.WithLabelValues(string(d.kind)).Inc()
		d.wg.Add(1)
		go func() {
			defer func() {
				d.inFlight.Dec()
				metrics.JobsInFlight.WithLabelValues(string(d.kind)).Dec()
				d.wg.Done()
			}()
			d.stepOne(ctx, lease)
		}()
	}
	return len(leases), nil
}

// Wait blocks until every started step has returned.
func (d *JobDriver[T]) Wait() { d.wg.Wait() }

// InFlight returns the number of steps currently running.
func (d *JobDriver[T]) InFlight() int64 { return d.inFlight.Load() }

func (d *JobDriver[T]) stepOne(ctx context.Context, lease *datastore.Lease[T]) {
	if d.untilDeadline(lease.Expiry) <= 0 {
		d.log.Warn("Lease expires too soon to step", "expiry", lease.Expiry, "attempts", lease.Attempts)
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	held := make(chan struct{})
	go func() {
		defer close(held)
		d.holdLease(ctx, cancel, *lease)
	}()

	err := d.step(ctx, lease)
	cancel()
	<-held
	if err != nil {
		d.log.Warn("Job step failed", "err", err, "attempts", lease.Attempts)
	}
}

// untilDeadline is how long a step may keep working on a lease expiring at
// expiry: another driver may take the lease over once it lapses.
func (d *JobDriver[T]) untilDeadline(expiry time.Time) time.Duration {
	return expiry.Sub(d.clock.Now()) - d.cfg.LeaseClockSkewAllowance
}

// holdLease extends the lease every LeaseRenewInterval while the step runs
// and cancels the step once the lease is about to lapse. Expiry is judged by
// the driver's clock, checked every leaseCheckInterval. It works on its own
// copy of the lease so the step never sees the expiry change under it.
func (d *JobDriver[T]) holdLease(ctx context.Context, cancel context.CancelFunc, lease datastore.Lease[T]) {
	check := time.NewTicker(d.leaseCheckInterval)
	defer check.Stop()
	var renewals <-chan time.Time
	if d.renew != nil && d.cfg.LeaseRenewInterval > 0 {
		ticker := time.NewTicker(d.cfg.LeaseRenewInterval)
		defer ticker.Stop()
		renewals = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			if d.untilDeadline(lease.Expiry) <= 0 {
				d.log.Warn("Lease ran out during step", "expiry", lease.Expiry, "attempts", lease.Attempts)
				cancel()
				return
			}
		case <-renewals:
			if err := d.renew(ctx, &lease, d.cfg.LeaseDuration); err != nil {
				// The step may have released the lease already.
				d.log.Debug("Lease not renewed", "err", err)
				continue
			}
			metrics.LeasesRenewed.WithLabelValues(string(d.kind)).Inc()
		}
	}
}
