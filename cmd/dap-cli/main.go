// Command dap-cli submits measurements to a task and collects its results.
//
// # Commands
//
// upload: Shard measurements and upload the reports to the leader. HPKE
// configs are fetched from both aggregators.
//
//	dap-cli upload --task=<id> --leader=http://localhost:8080/ --helper=http://localhost:8081/ 1 0 1
//
// collect: Collect a batch with the collector file written by
// provision-tasks --generate.
//
//	dap-cli collect --collector=./out/collector.json --start=1767225600 --duration=3600
//	dap-cli collect --collector=./out/collector.json --current-batch
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/flashbots/dapagg/client"
	"github.com/flashbots/dapagg/collector"
	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/vdaf"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "upload":
		err = runUpload(ctx, os.Args[2:])
	case "collect":
		err = runCollect(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`dap-cli - submit and collect DAP measurements

Usage:
  dap-cli <command> [options]

Commands:
  upload    Upload count measurements (0 or 1) as reports
  collect   Collect an aggregate

Run 'dap-cli <command> --help' for command-specific options.`)
}

func runUpload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	var (
		taskID        = fs.String("task", "", "Task id (base64url)")
		leader        = fs.String("leader", "http://localhost:8080/", "Leader endpoint")
		helper        = fs.String("helper", "http://localhost:8081/", "Helper endpoint")
		timePrecision = fs.Uint64("time-precision", 3600, "Task time precision in seconds")
	)
	fs.Parse(args)

	id, err := protocol.ParseTaskID(*taskID)
	if err != nil {
		return fmt.Errorf("--task: %w", err)
	}
	c, err := client.NewFromEndpoints(ctx, client.Config{
		TaskID:         id,
		LeaderEndpoint: *leader,
		HelperEndpoint: *helper,
		Vdaf:           vdaf.Config{Type: vdaf.TypeCount},
		TimePrecision:  protocol.Duration(*timePrecision),
	})
	if err != nil {
		return err
	}
	for _, arg := range fs.Args() {
		m, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("measurement %q: %w", arg, err)
		}
		if err := c.Upload(ctx, m); err != nil {
			return err
		}
	}
	fmt.Printf("Uploaded %d reports\n", fs.NArg())
	return nil
}

// collectorFile is written by provision-tasks --generate.
type collectorFile struct {
	TaskID    string             `json:"task_id"`
	Leader    string             `json:"leader"`
	AuthToken string             `json:"auth_token"`
	Keypair   crypto.HpkeKeypair `json:"hpke_keypair"`
}

func runCollect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	var (
		path     = fs.String("collector", "collector.json", "Collector file")
		start    = fs.Uint64("start", 0, "Batch interval start (unix seconds)")
		duration = fs.Uint64("duration", 3600, "Batch interval duration in seconds")
		current  = fs.Bool("current-batch", false, "Collect the next filled fixed-size batch")
		poll     = fs.Duration("poll", 5*time.Second, "Poll interval")
		timeout  = fs.Duration("timeout", 10*time.Minute, "Give up after this long")
	)
	fs.Parse(args)

	data, err := os.ReadFile(*path)
	if err != nil {
		return err
	}
	var cf collectorFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parsing %s: %w", *path, err)
	}
	id, err := protocol.ParseTaskID(cf.TaskID)
	if err != nil {
		return err
	}
	col, err := collector.New(collector.Config{
		TaskID:         id,
		LeaderEndpoint: cf.Leader,
		AuthToken:      cf.AuthToken,
		Vdaf:           vdaf.Config{Type: vdaf.TypeCount},
	}, &cf.Keypair, collector.WithPollInterval(*poll))
	if err != nil {
		return err
	}

	query := protocol.Query{QueryType: protocol.QueryTypeTimeInterval}
	if *current {
		query = protocol.Query{QueryType: protocol.QueryTypeFixedSize, FixedSizeKind: protocol.FixedSizeCurrentBatch}
	} else {
		query.BatchInterval = &protocol.Interval{Start: protocol.Time(*start), Duration: protocol.Duration(*duration)}
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	res, err := col.Collect(ctx, query)
	if err != nil {
		return err
	}
	fmt.Printf("Reports:   %d\n", res.ReportCount)
	fmt.Printf("Interval:  %s\n", res.Interval)
	if res.BatchID != nil {
		fmt.Printf("Batch:     %s\n", res.BatchID)
	}
	fmt.Printf("Aggregate: %d\n", res.Aggregate)
	return nil
}
