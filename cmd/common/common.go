// Package common holds the configuration and process setup shared by the
// dapagg binaries:
//
//   - the YAML Config, loaded over DefaultConfig
//   - the datastore factory (Postgres, or in memory for local runs)
//   - logger and tracer bootstrap
package common

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flashbots/dapagg/aggregator"
	"github.com/flashbots/dapagg/api/httpserver"
	"github.com/flashbots/dapagg/clock"
	dapcommon "github.com/flashbots/dapagg/common"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/services"
)

// DatabaseConfig selects the datastore backend.
type DatabaseConfig struct {
	// InMemory keeps all state in the process. Only useful for demos and
	// tests, since the job driver and API server then cannot share it.
	InMemory bool `yaml:"in_memory"`

	datastore.PostgresConfig `yaml:",inline"`
}

// PeerConfig tunes requests from the leader to the helper.
type PeerConfig struct {
	RequestTimeout time.Duration          `yaml:"request_timeout"`
	Retry          aggregator.RetryPolicy `yaml:"retry"`
}

// JobDriverToggles chooses which background components a job-driver
// process runs.
type JobDriverToggles struct {
	AggregationJobCreator bool `yaml:"aggregation_job_creator"`
	AggregationJobDriver  bool `yaml:"aggregation_job_driver"`
	CollectionJobDriver   bool `yaml:"collection_job_driver"`
	GarbageCollector      bool `yaml:"garbage_collector"`
}

// Config is the configuration file shared by all binaries. Each binary
// reads the sections it needs.
type Config struct {
	Database DatabaseConfig          `yaml:"database"`
	Logging  dapcommon.LoggingConfig `yaml:"logging"`
	Tracing  dapcommon.TracingConfig `yaml:"tracing"`
	HTTP     httpserver.Config       `yaml:"http"`
	Peer     PeerConfig              `yaml:"peer"`

	Run                   JobDriverToggles           `yaml:"run"`
	JobDriver             aggregator.JobDriverConfig `yaml:"job_driver"`
	AggregationJobCreator aggregator.CreatorConfig   `yaml:"aggregation_job_creator"`
	GarbageCollection     aggregator.GCConfig        `yaml:"garbage_collection"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			PostgresConfig: datastore.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				Database: "dapagg",
				SSLMode:  "disable",
			},
		},
		Logging: dapcommon.LoggingConfig{Level: "info"},
		Tracing: dapcommon.TracingConfig{Exporter: "none"},
		HTTP:    httpserver.DefaultConfig(),
		Peer: PeerConfig{
			RequestTimeout: 30 * time.Second,
			Retry:          aggregator.DefaultRetryPolicy(),
		},
		Run: JobDriverToggles{
			AggregationJobCreator: true,
			AggregationJobDriver:  true,
			CollectionJobDriver:   true,
			GarbageCollector:      true,
		},
		JobDriver:             aggregator.DefaultJobDriverConfig(),
		AggregationJobCreator: aggregator.DefaultCreatorConfig(),
		GarbageCollection:     aggregator.DefaultGCConfig(),
	}
}

// LoadConfig reads a YAML file over the defaults. Unknown keys are errors.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigOrDefault loads path, or returns the defaults when path is empty.
func LoadConfigOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// Process is the logger and tracer of a running binary.
type Process struct {
	Log      *slog.Logger
	shutdown func(context.Context) error
}

// Setup installs the logger and tracer described by cfg.
func Setup(ctx context.Context, cfg *Config, component string) (*Process, error) {
	log := dapcommon.SetupLogger(cfg.Logging).With("component", component)
	shutdown, err := dapcommon.InitTracing(ctx, dapcommon.PackageName+"-"+component, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	return &Process{Log: log, shutdown: shutdown}, nil
}

// Close flushes pending spans.
func (p *Process) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.shutdown(ctx); err != nil {
		p.Log.Error("Tracer shutdown failed", "err", err)
	}
}

// OpenDatastore connects to the configured backend.
func OpenDatastore(ctx context.Context, cfg DatabaseConfig, clk clock.Clock, log *slog.Logger) (datastore.Store, error) {
	if cfg.InMemory {
		log.Warn("Using in-memory datastore; state is lost on exit")
		return datastore.NewMemoryStore(clk), nil
	}
	store, err := datastore.NewPostgresStore(ctx, &cfg.PostgresConfig, clk, log)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// NewPeerClient builds the leader's client for helper requests.
func NewPeerClient(cfg PeerConfig, log *slog.Logger) *services.HTTPPeerClient {
	return services.NewHTTPPeerClient(&http.Client{Timeout: cfg.RequestTimeout}, cfg.Retry, log.With("component", "peer_client"))
}
