// Command job-driver runs the background side of an aggregator: the
// aggregation job creator, the aggregation and collection job drivers and
// the garbage collector. Each is switched on under the run section:
//
//	run:
//	  aggregation_job_creator: true
//	  aggregation_job_driver: true
//	  collection_job_driver: true
//	  garbage_collector: true
//	job_driver:
//	  job_discovery_interval: 1s
//	  max_concurrent_job_workers: 10
//	  lease_duration: 10m
//	  lease_renew_interval: 2m
//	  max_attempts: 10
//
// Any number of job-driver processes may share a datastore; leases keep
// them from stepping the same job.
//
//	go run ./cmd/job-driver --config=job-driver.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/flashbots/dapagg/aggregator"
	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/cmd/common"
	dapcommon "github.com/flashbots/dapagg/common"
	"github.com/flashbots/dapagg/metrics"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		metricsAddr = flag.String("metrics-addr", "", "Metrics listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := common.LoadConfigOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.HTTP.MetricsAddr = *metricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc, err := common.Setup(ctx, cfg, "job_driver")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer proc.Close()
	log := proc.Log

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Job driver failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, log *slog.Logger) error {
	clk := clock.Real{}
	store, err := common.OpenDatastore(ctx, cfg.Database, clk, log)
	if err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer store.Close()

	peer := common.NewPeerClient(cfg.Peer, log)
	jd := cfg.JobDriver
	var runners []func(context.Context) error
	if cfg.Run.AggregationJobCreator {
		runners = append(runners, aggregator.NewAggregationJobCreator(store, clk, log.With("component", "creator"), cfg.AggregationJobCreator).Run)
	}
	if cfg.Run.AggregationJobDriver {
		l := log.With("component", "aggregation_job_driver")
		d := aggregator.NewAggregationJobDriver(store, clk, l, peer, jd.MaxAttempts)
		runners = append(runners, aggregator.NewAggregationJobDriverLoop(jd, clk, l, d).Run)
	}
	if cfg.Run.CollectionJobDriver {
		l := log.With("component", "collection_job_driver")
		d := aggregator.NewCollectionJobDriver(store, clk, l, peer, jd.MaxAttempts, jd.CollectionRetryDelay)
		runners = append(runners, aggregator.NewCollectionJobDriverLoop(jd, clk, l, d).Run)
	}
	if cfg.Run.GarbageCollector {
		runners = append(runners, aggregator.NewGarbageCollector(store, clk, log.With("component", "gc"), cfg.GarbageCollection).Run)
	}
	if len(runners) == 0 {
		return errors.New("nothing to run: every component is disabled")
	}

	metricsSrv, err := metrics.New(dapcommon.PackageName, cfg.HTTP.MetricsAddr)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.HTTP.MetricsAddr != "" {
		g.Go(func() error {
			log.Info("Starting metrics server", "metricsAddress", cfg.HTTP.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsSrv.Shutdown(context.Background())
		})
	}

	for _, r := range runners {
		g.Go(func() error {
			if err := r(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	log.Info("Job driver running", "components", len(runners))
	err = g.Wait()
	log.Info("Job driver stopped")
	return err
}
