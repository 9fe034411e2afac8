// Command aggregator serves the DAP API for the tasks in its datastore.
//
// The same binary serves leader and helper tasks; the background work
// (job creation, job drivers, garbage collection) runs in cmd/job-driver
// against the same datastore.
//
//	database:
//	  host: localhost
//	  port: 5432
//	  user: dapagg
//	  dbname: dapagg
//	logging:
//	  level: info
//	http:
//	  listen_addr: ":8080"
//	  metrics_addr: ":9090"
//	  drain_duration: 5s
//
// # Usage
//
//	go run ./cmd/aggregator --config=aggregator.yaml
//	go run ./cmd/aggregator --in-memory --addr=:8080
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flashbots/dapagg/aggregator"
	"github.com/flashbots/dapagg/api/httpserver"
	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/cmd/common"
	"github.com/flashbots/dapagg/services"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		addr        = flag.String("addr", "", "HTTP listen address (overrides config)")
		metricsAddr = flag.String("metrics-addr", "", "Metrics listen address (overrides config)")
		inMemory    = flag.Bool("in-memory", false, "Use an in-memory datastore")
		pprof       = flag.Bool("pprof", false, "Enable /debug/pprof")
	)
	flag.Parse()

	cfg, err := common.LoadConfigOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.ListenAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.HTTP.MetricsAddr = *metricsAddr
	}
	if *inMemory {
		cfg.Database.InMemory = true
	}
	if *pprof {
		cfg.HTTP.EnablePprof = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc, err := common.Setup(ctx, cfg, "aggregator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer proc.Close()
	log := proc.Log

	clk := clock.Real{}
	store, err := common.OpenDatastore(ctx, cfg.Database, clk, log)
	if err != nil {
		log.Error("Opening datastore failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	handler := services.NewDAPHandler(aggregator.New(store, clk, log), log)
	srv, err := httpserver.New(cfg.HTTP, log, handler)
	if err != nil {
		log.Error("Creating server failed", "err", err)
		os.Exit(1)
	}
	srv.RunInBackground()

	<-ctx.Done()
	log.Info("Shutting down")
	srv.Shutdown()
}
