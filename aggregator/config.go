package aggregator

import "time"

// JobDriverConfig tunes the lease discovery loop shared by the aggregation
// and collection job drivers.
type JobDriverConfig struct {
	JobDiscoveryInterval    time.Duration `yaml:"job_discovery_interval"`
	MaxConcurrentJobWorkers int           `yaml:"max_concurrent_job_workers"`
	LeaseDuration           time.Duration `yaml:"lease_duration"`
	// LeaseClockSkewAllowance is subtracted from the lease expiry to get the
	// deadline for stepping a job.
	LeaseClockSkewAllowance time.Duration `yaml:"lease_clock_skew_allowance"`
	// LeaseRenewInterval is how often a lease is extended by LeaseDuration
	// while its step runs. Zero disables renewal.
	LeaseRenewInterval time.Duration `yaml:"lease_renew_interval"`
	// MaxAttempts is the number of times a job may be leased without being
	// released before it is abandoned.
	MaxAttempts int `yaml:"max_attempts"`
	// CollectionRetryDelay is how long a collection job that is not ready
	// yet waits before it can be leased again.
	CollectionRetryDelay time.Duration `yaml:"collection_retry_delay"`
}

func DefaultJobDriverConfig() JobDriverConfig {
	return JobDriverConfig{
		JobDiscoveryInterval:    time.Second,
		MaxConcurrentJobWorkers: 10,
		LeaseDuration:           10 * time.Minute,
		LeaseClockSkewAllowance: 30 * time.Second,
		LeaseRenewInterval:      2 * time.Minute,
		MaxAttempts:             10,
		CollectionRetryDelay:    time.Minute,
	}
}

// CreatorConfig tunes the aggregation job creator.
type CreatorConfig struct {
	Interval              time.Duration `yaml:"interval"`
	MinAggregationJobSize int           `yaml:"min_aggregation_job_size"`
	MaxAggregationJobSize int           `yaml:"max_aggregation_job_size"`
	// MaxReportsPerPass bounds the reports claimed for one task per pass.
	MaxReportsPerPass int `yaml:"max_reports_per_pass"`
}

func DefaultCreatorConfig() CreatorConfig {
	return CreatorConfig{
		Interval:              10 * time.Second,
		MinAggregationJobSize: 1,
		MaxAggregationJobSize: 100,
		MaxReportsPerPass:     5000,
	}
}

// GCConfig tunes the garbage collector. Limits bound each row class per
// task per run; zero means unbounded.
type GCConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ReportLimit      int           `yaml:"report_limit"`
	AggregationLimit int           `yaml:"aggregation_limit"`
	CollectionLimit  int           `yaml:"collection_limit"`
}

func DefaultGCConfig() GCConfig {
	return GCConfig{
		Interval:         time.Minute,
		ReportLimit:      5000,
		AggregationLimit: 500,
		CollectionLimit:  50,
	}
}
