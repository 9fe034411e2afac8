// Command provision-tasks writes task definitions into an aggregator's
// datastore, or removes them.
//
// Tasks are read from a YAML file in the format of task.File. Each
// aggregator gets its own file, since the role, peer endpoint and HPKE keys
// differ between the leader's and the helper's copy of a task.
//
//	go run ./cmd/provision-tasks --config=aggregator.yaml tasks.yaml
//	go run ./cmd/provision-tasks --config=aggregator.yaml --delete tasks.yaml
//
// --generate creates a fresh task and writes the leader's file, the
// helper's file and the collector's keypair into a directory instead of
// touching the datastore:
//
//	go run ./cmd/provision-tasks --generate=./out \
//	    --leader=https://leader.example.com/ --helper=https://helper.example.com/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/cmd/common"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/vdaf"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML config file")
		deleteTasks   = flag.Bool("delete", false, "Delete the listed tasks and everything derived from them")
		dryRun        = flag.Bool("dry-run", false, "Validate the task file without writing")
		generateDir   = flag.String("generate", "", "Generate a new task pair into this directory")
		leaderURL     = flag.String("leader", "", "Leader endpoint for --generate")
		helperURL     = flag.String("helper", "", "Helper endpoint for --generate")
		fixedSize     = flag.Uint64("fixed-size", 0, "Max batch size; generates a fixed-size task when set")
		minBatchSize  = flag.Uint64("min-batch-size", 100, "Min batch size for --generate")
		timePrecision = flag.Uint64("time-precision", 3600, "Time precision in seconds for --generate")
	)
	flag.Parse()

	if *generateDir != "" {
		qt := protocol.TimeInterval()
		if *fixedSize > 0 {
			qt = protocol.FixedSize(*fixedSize)
		}
		err := generate(*generateDir, task.PairParams{
			LeaderEndpoint: *leaderURL,
			HelperEndpoint: *helperURL,
			QueryType:      qt,
			Vdaf:           vdaf.Config{Type: vdaf.TypeCount},
			MinBatchSize:   *minBatchSize,
			TimePrecision:  protocol.Duration(*timePrecision),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: provision-tasks [--config=...] [--delete] [--dry-run] <tasks.yaml>")
		os.Exit(2)
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	tasks, err := task.LoadFile(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		fmt.Printf("%d tasks valid\n", len(tasks))
		return
	}

	cfg, err := common.LoadConfigOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	proc, err := common.Setup(ctx, cfg, "provision_tasks")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer proc.Close()
	log := proc.Log

	store, err := common.OpenDatastore(ctx, cfg.Database, clock.Real{}, log)
	if err != nil {
		log.Error("Opening datastore failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	if *deleteTasks {
		err = store.Run(ctx, "delete_tasks", func(ctx context.Context, tx datastore.Transaction) error {
			for _, t := range tasks {
				if err := tx.DeleteTask(ctx, t.ID); err != nil {
					return fmt.Errorf("task %s: %w", t.ID, err)
				}
			}
			return nil
		})
	} else {
		err = store.Run(ctx, "provision_tasks", func(ctx context.Context, tx datastore.Transaction) error {
			for _, t := range tasks {
				err := tx.PutTask(ctx, t)
				if errors.Is(err, datastore.ErrMutationTargetAlreadyExists) {
					log.Warn("Task already provisioned", "task_id", t.ID.String())
					continue
				}
				if err != nil {
					return fmt.Errorf("task %s: %w", t.ID, err)
				}
			}
			return nil
		})
	}
	if err != nil {
		log.Error("Provisioning failed", "err", err)
		os.Exit(1)
	}
	for _, t := range tasks {
		log.Info("Task updated", "task_id", t.ID.String(), "role", t.Role, "deleted", *deleteTasks)
	}
}

func generate(dir string, params task.PairParams) error {
	pair, err := task.GeneratePair(params)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	for name, t := range map[string]*task.Task{"leader.yaml": pair.Leader, "helper.yaml": pair.Helper} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		err = task.WriteFile(f, t)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	collector, err := json.MarshalIndent(struct {
		TaskID    string `json:"task_id"`
		Leader    string `json:"leader"`
		AuthToken string `json:"auth_token"`
		Keypair   any    `json:"hpke_keypair"`
	}{pair.Leader.ID.String(), params.LeaderEndpoint, pair.Leader.CollectorAuthToken, pair.Collector}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "collector.json"), collector, 0o600); err != nil {
		return err
	}
	fmt.Printf("Generated task %s in %s\n", pair.Leader.ID, dir)
	return nil
}
