package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flashbots/dapagg/aggregator"
	"github.com/flashbots/dapagg/api/httpserver"
	"github.com/flashbots/dapagg/client"
	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/collector"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/vdaf"
)

// OrchestratorConfig describes a local two-aggregator deployment.
type OrchestratorConfig struct {
	// ListenHost is the interface both aggregators bind to, on ephemeral
	// ports unless LeaderPort/HelperPort are set.
	ListenHost string
	LeaderPort int
	HelperPort int

	QueryType     protocol.QueryType
	MinBatchSize  uint64
	TimePrecision protocol.Duration

	JobDriver aggregator.JobDriverConfig
	Creator   aggregator.CreatorConfig
	Retry     aggregator.RetryPolicy
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	jd := aggregator.DefaultJobDriverConfig()
	jd.JobDiscoveryInterval = 200 * time.Millisecond
	jd.CollectionRetryDelay = time.Second
	creator := aggregator.DefaultCreatorConfig()
	creator.Interval = 200 * time.Millisecond
	return OrchestratorConfig{
		ListenHost:    "127.0.0.1",
		QueryType:     protocol.TimeInterval(),
		MinBatchSize:  1,
		TimePrecision: 60,
		JobDriver:     jd,
		Creator:       creator,
		Retry:         aggregator.DefaultRetryPolicy(),
	}
}

// DeployedAggregator is one running aggregator of the deployment.
type DeployedAggregator struct {
	Role     protocol.Role
	URL      string
	Store    *datastore.MemoryStore
	Server   *httpserver.BaseServer
	listener net.Listener
}

// Orchestrator runs a leader and a helper in this process, each with its own
// in-memory datastore, with one task provisioned on both.
type Orchestrator struct {
	config OrchestratorConfig
	log    *slog.Logger
	clock  clock.Clock

	Leader *DeployedAggregator
	Helper *DeployedAggregator
	Task   *task.Pair

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewOrchestrator(config OrchestratorConfig, log *slog.Logger) *Orchestrator {
	return &Orchestrator{config: config, log: log, clock: clock.Real{}}
}

// Deploy starts both aggregators, provisions the task and starts the
// leader's background components. They run until Shutdown.
func (o *Orchestrator) Deploy(ctx context.Context) error {
	var err error
	if o.Leader, err = o.deployAggregator(protocol.RoleLeader, o.config.LeaderPort); err != nil {
		return fmt.Errorf("deploy leader: %w", err)
	}
	if o.Helper, err = o.deployAggregator(protocol.RoleHelper, o.config.HelperPort); err != nil {
		o.Shutdown()
		return fmt.Errorf("deploy helper: %w", err)
	}

	o.Task, err = task.GeneratePair(task.PairParams{
		LeaderEndpoint: o.Leader.URL,
		HelperEndpoint: o.Helper.URL,
		QueryType:      o.config.QueryType,
		Vdaf:           vdaf.Config{Type: vdaf.TypeCount},
		MinBatchSize:   o.config.MinBatchSize,
		TimePrecision:  o.config.TimePrecision,
	})
	if err != nil {
		o.Shutdown()
		return fmt.Errorf("generate task: %w", err)
	}
	for _, p := range []struct {
		agg *DeployedAggregator
		t   *task.Task
	}{{o.Leader, o.Task.Leader}, {o.Helper, o.Task.Helper}} {
		err := p.agg.Store.Run(ctx, "provision_task", func(ctx context.Context, tx datastore.Transaction) error {
			return tx.PutTask(ctx, p.t)
		})
		if err != nil {
			o.Shutdown()
			return fmt.Errorf("provision %s: %w", p.agg.Role, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.group, runCtx = errgroup.WithContext(runCtx)

	for _, agg := range []*DeployedAggregator{o.Leader, o.Helper} {
		o.group.Go(func() error { return agg.Server.Serve(agg.listener) })
	}

	store, log := o.Leader.Store, o.log.With("role", protocol.RoleLeader)
	peer := NewHTTPPeerClient(&http.Client{Timeout: 30 * time.Second}, o.config.Retry, log)
	creator := aggregator.NewAggregationJobCreator(store, o.clock, log, o.config.Creator)
	aggDriver := aggregator.NewAggregationJobDriverLoop(o.config.JobDriver, o.clock, log,
		aggregator.NewAggregationJobDriver(store, o.clock, log, peer, o.config.JobDriver.MaxAttempts))
	collDriver := aggregator.NewCollectionJobDriverLoop(o.config.JobDriver, o.clock, log,
		aggregator.NewCollectionJobDriver(store, o.clock, log, peer, o.config.JobDriver.MaxAttempts, o.config.JobDriver.CollectionRetryDelay))
	for _, run := range []func(context.Context) error{creator.Run, aggDriver.Run, collDriver.Run} {
		o.group.Go(func() error {
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	o.log.Info("Deployment running",
		"leader", o.Leader.URL, "helper", o.Helper.URL, "task_id", o.Task.Leader.ID.String())
	return nil
}

func (o *Orchestrator) deployAggregator(role protocol.Role, port int) (*DeployedAggregator, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(o.config.ListenHost, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}
	log := o.log.With("role", role)
	store := datastore.NewMemoryStore(o.clock)

	cfg := httpserver.DefaultConfig()
	cfg.ListenAddr = l.Addr().String()
	cfg.MetricsAddr = ""
	cfg.DrainDuration = 0
	cfg.GracefulShutdownDuration = 5 * time.Second
	srv, err := httpserver.New(cfg, log, NewDAPHandler(aggregator.New(store, o.clock, log), log))
	if err != nil {
		l.Close()
		return nil, err
	}
	return &DeployedAggregator{
		Role:     role,
		URL:      "http://" + l.Addr().String() + "/",
		Store:    store,
		Server:   srv,
		listener: l,
	}, nil
}

// Client returns a report client for the deployed task.
func (o *Orchestrator) Client() (*client.Client, error) {
	t := o.Task.Leader
	return client.New(client.Config{
		TaskID:         t.ID,
		LeaderEndpoint: o.Leader.URL,
		HelperEndpoint: o.Helper.URL,
		Vdaf:           t.Vdaf,
		TimePrecision:  t.TimePrecision,
	}, t.CurrentHpkeConfig(), o.Task.Helper.CurrentHpkeConfig())
}

// Collector returns a collector for the deployed task.
func (o *Orchestrator) Collector(opts ...collector.Option) (*collector.Collector, error) {
	t := o.Task.Leader
	return collector.New(collector.Config{
		TaskID:         t.ID,
		LeaderEndpoint: o.Leader.URL,
		AuthToken:      t.CollectorAuthToken,
		Vdaf:           t.Vdaf,
	}, o.Task.Collector, opts...)
}

// Shutdown stops the background components and both servers.
func (o *Orchestrator) Shutdown() error {
	if o.cancel != nil {
		o.cancel()
	}
	deployed := make([]*DeployedAggregator, 0, 2)
	for _, agg := range []*DeployedAggregator{o.Leader, o.Helper} {
		if agg != nil {
			agg.Server.Shutdown()
			deployed = append(deployed, agg)
		}
	}
	var err error
	if o.group != nil {
		err = o.group.Wait()
	}
	for _, agg := range deployed {
		agg.listener.Close()
		agg.Store.Close()
	}
	return err
}
