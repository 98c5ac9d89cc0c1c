package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PostsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tweetgraph_posts_total",
		Help: "Posts handled by the pipeline by shape and outcome",
	}, []string{"shape", "outcome"})
	UnitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tweetgraph_unit_of_work_duration_seconds",
		Help:    "Time to stage and commit one post",
		Buckets: prometheus.DefBuckets,
	})
	CounterIncrements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tweetgraph_counter_increments_total",
		Help: "Aggregate edge increments by type and result",
	}, []string{"type", "result"})
	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tweetgraph_store_breaker_open",
		Help: "1 while the graph store circuit breaker is open",
	})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tweetgraph_command_runs_total",
		Help: "CLI command invocations",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tweetgraph_command_errors_total",
		Help: "CLI command failures",
	}, []string{"command"})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tweetgraph_api_retries_total",
		Help: "Total stream API retry attempts",
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(PostsProcessed, UnitDuration, CounterIncrements, BreakerState,
		CommandRuns, CommandErrors, APIRetries)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, mux) }()
}

// ObservePost counts one post outcome: "ok", "structural", "coercion", "store" or "error".
func ObservePost(shape, outcome string) { PostsProcessed.WithLabelValues(shape, outcome).Inc() }

// ObserveUnit records a unit-of-work duration.
func ObserveUnit(start time.Time) { UnitDuration.Observe(time.Since(start).Seconds()) }

// ObserveIncrement counts one aggregate increment: "applied", "duplicate" or "failed".
func ObserveIncrement(typ, result string) { CounterIncrements.WithLabelValues(typ, result).Inc() }

func SetBreakerOpen(open bool) {
	if open {
		BreakerState.Set(1)
		return
	}
	BreakerState.Set(0)
}

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }
