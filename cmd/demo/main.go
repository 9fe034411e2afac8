// Command demo runs a leader and a helper in one process with in-memory
// datastores, uploads random count measurements and collects them.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/dapagg/collector"
	"github.com/flashbots/dapagg/common"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/services"
)

func main() {
	var (
		reports    = flag.Int("reports", 20, "Number of reports to upload")
		batchSize  = flag.Uint64("batch-size", 10, "Fixed batch size")
		leaderPort = flag.Int("leader-port", 8080, "Leader port")
		helperPort = flag.Int("helper-port", 8081, "Helper port")
		logLevel   = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	log := common.SetupLogger(common.LoggingConfig{Level: *logLevel})

	config := services.DefaultOrchestratorConfig()
	config.LeaderPort = *leaderPort
	config.HelperPort = *helperPort
	config.QueryType = protocol.FixedSize(*batchSize)
	config.MinBatchSize = *batchSize

	orchestrator := services.NewOrchestrator(config, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.Deploy(ctx); err != nil {
		fmt.Printf("Deployment failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nDAP deployment running...")
	fmt.Println("Configuration:")
	fmt.Printf("  Leader: %s\n", orchestrator.Leader.URL)
	fmt.Printf("  Helper: %s\n", orchestrator.Helper.URL)
	fmt.Printf("  Task:   %s\n", orchestrator.Task.Leader.ID)
	fmt.Printf("  Batch size: %d\n", *batchSize)

	if err := uploadAndCollect(ctx, orchestrator, *reports); err != nil {
		fmt.Printf("Demo failed: %v\n", err)
	}

	fmt.Println("\nPress Ctrl+C to shutdown...")
	<-ctx.Done()

	if err := orchestrator.Shutdown(); err != nil {
		fmt.Printf("Shutdown error: %v\n", err)
	}
	fmt.Println("Deployment stopped.")
}

func uploadAndCollect(ctx context.Context, o *services.Orchestrator, n int) error {
	c, err := o.Client()
	if err != nil {
		return err
	}
	var sum uint64
	for range n {
		m := rand.Uint64N(2)
		if err := c.Upload(ctx, m); err != nil {
			return err
		}
		sum += m
	}
	fmt.Printf("\nUploaded %d reports, %d of them set\n", n, sum)

	col, err := o.Collector(collector.WithPollInterval(time.Second))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	query := protocol.Query{QueryType: protocol.QueryTypeFixedSize, FixedSizeKind: protocol.FixedSizeCurrentBatch}
	res, err := col.Collect(ctx, query)
	if err != nil {
		return err
	}
	fmt.Printf("Collected batch %s: %d reports, aggregate %d\n", res.BatchID, res.ReportCount, res.Aggregate)
	return nil
}
