package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dapagg"

var (
	ReportUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "report_uploads_total",
		Help:      "Client report uploads by outcome.",
	}, []string{"outcome"})

	AggregationJobSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregation_job_steps_total",
		Help:      "Leader aggregation job steps by outcome.",
	}, []string{"outcome"})

	ReportAggregations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "report_aggregations_total",
		Help:      "Report aggregations reaching a terminal state, by role, state and error.",
	}, []string{"role", "state", "error"})

	CollectionJobSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collection_job_steps_total",
		Help:      "Leader collection job steps by outcome.",
	}, []string{"outcome"})

	LeasesAcquired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leases_acquired_total",
		Help:      "Leases acquired by job drivers, by kind.",
	}, []string{"kind"})

	LeasesRenewed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leases_renewed_total",
		Help:      "Leases extended while their step was running, by kind.",
	}, []string{"kind"})

	JobsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "job_driver_in_flight",
		Help:      "Jobs currently being stepped, by kind.",
	}, []string{"kind"})

	PeerRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "peer_request_duration_seconds",
		Help:      "Latency of requests to the peer aggregator.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint", "status"})

	GCDeletions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gc_deleted_rows_total",
		Help:      "Rows removed by the garbage collector, by class.",
	}, []string{"class"})
)

func engineCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ReportUploads,
		AggregationJobSteps,
		ReportAggregations,
		CollectionJobSteps,
		LeasesAcquired,
		LeasesRenewed,
		JobsInFlight,
		PeerRequestDuration,
		GCDeletions,
	}
}

// RegisterEngineMetrics registers the engine metrics with reg. Registering
// twice with the same registry is not an error.
func RegisterEngineMetrics(reg prometheus.Registerer) error {
	for _, c := range engineCollectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// ObservePeerRequest records one peer request started at start.
func ObservePeerRequest(endpoint string, status string, start time.Time) {
	PeerRequestDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
}
