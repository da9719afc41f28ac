package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the snowball pipeline, organized
// by subsystem: runs, snowball rounds, enrichment, metadata resolution, and LLM
// operations. Counters and histograms are registered on the supplied registerer
// so tests can use isolated registries.
type Metrics struct {
	// RunsStarted counts literature-review sessions initiated.
	RunsStarted prometheus.Counter

	// RunsFailed counts sessions that ended in a fatal error.
	RunsFailed prometheus.Counter

	// RoundsCompleted counts snowball rounds driven to completion.
	RoundsCompleted prometheus.Counter

	// RoundDuration observes wall-clock duration of a snowball round in seconds.
	RoundDuration prometheus.Histogram

	// PapersEnriched counts papers whose PDF was downloaded and extracted.
	PapersEnriched prometheus.Counter

	// EnrichmentFailures counts per-paper enrichment failures, labeled by stage
	// ("download", "extraction").
	EnrichmentFailures *prometheus.CounterVec

	// CitationsHarvested counts citation edges collected from extracted papers.
	CitationsHarvested prometheus.Counter

	// CitationsResolved counts harvested citations resolved to catalog
	// metadata, labeled by method ("doi", "title").
	CitationsResolved *prometheus.CounterVec

	// CitationsUnresolved counts citations persisted as not-found stubs.
	CitationsUnresolved prometheus.Counter

	// MetadataRequests counts requests to the scholarly metadata API, labeled
	// by endpoint.
	MetadataRequests *prometheus.CounterVec

	// LLMRequestsTotal counts LLM API requests, labeled by operation
	// ("query_generation", "ranking", "embedding") and model.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRequestDuration observes LLM request duration in seconds, labeled by
	// operation.
	LLMRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all pipeline metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowsearch_runs_started_total",
			Help: "Total number of literature-review sessions initiated.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowsearch_runs_failed_total",
			Help: "Total number of sessions that ended in a fatal error.",
		}),
		RoundsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowsearch_rounds_completed_total",
			Help: "Total number of snowball rounds completed.",
		}),
		RoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snowsearch_round_duration_seconds",
			Help:    "Wall-clock duration of a snowball round in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		PapersEnriched: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowsearch_papers_enriched_total",
			Help: "Total number of papers successfully downloaded and extracted.",
		}),
		EnrichmentFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowsearch_enrichment_failures_total",
			Help: "Total number of per-paper enrichment failures by stage.",
		}, []string{"stage"}),
		CitationsHarvested: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowsearch_citations_harvested_total",
			Help: "Total number of citation edges collected from extracted papers.",
		}),
		CitationsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowsearch_citations_resolved_total",
			Help: "Total number of citations resolved to catalog metadata by method.",
		}, []string{"method"}),
		CitationsUnresolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowsearch_citations_unresolved_total",
			Help: "Total number of citations persisted as not-found stubs.",
		}),
		MetadataRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowsearch_metadata_requests_total",
			Help: "Total number of requests to the scholarly metadata API by endpoint.",
		}, []string{"endpoint"}),
		LLMRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowsearch_llm_requests_total",
			Help: "Total number of LLM API requests by operation and model.",
		}, []string{"operation", "model"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snowsearch_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds by operation.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"operation"}),
	}
}
