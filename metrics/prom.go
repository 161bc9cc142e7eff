package metrics

import (
	"encoding/json"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// promMetrics is the private Prometheus registry served on the metrics
// listener.
type promMetrics struct {
	registry *prometheus.Registry

	executions    *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	apiRequests   *prometheus.CounterVec
	apiDuration   *prometheus.HistogramVec
	authFailures  prometheus.Counter
	rateLimited   *prometheus.CounterVec
	poolHits      *prometheus.CounterVec
	poolMisses    *prometheus.CounterVec
	poolExhausted *prometheus.CounterVec
	podsCreated   *prometheus.CounterVec
	podsDestroyed *prometheus.CounterVec
	warmPods      *prometheus.GaugeVec
	totalPods     *prometheus.GaugeVec
}

func newPromMetrics() *promMetrics {
	p := &promMetrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_executions_total",
			Help: "Finished executions by language and status.",
		}, []string{"language", "status"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kiln_execution_duration_seconds",
			Help:    "Execution wall time by language.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"language"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_api_requests_total",
			Help: "HTTP requests by method, path and status code.",
		}, []string{"method", "path", "code"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kiln_api_request_duration_seconds",
			Help:    "HTTP request latency by path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiln_auth_failures_total",
			Help: "Rejected authentication attempts.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by window.",
		}, []string{"window"}),
		poolHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_pool_hits_total",
			Help: "Executions served from a warm pod.",
		}, []string{"language"}),
		poolMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_pool_misses_total",
			Help: "Executions served by an on-demand pod.",
		}, []string{"language"}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_pool_exhausted_total",
			Help: "Acquire attempts that found the pool empty.",
		}, []string{"language"}),
		podsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_pods_created_total",
			Help: "Sandbox pods created.",
		}, []string{"language"}),
		podsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_pods_destroyed_total",
			Help: "Sandbox pods destroyed.",
		}, []string{"language"}),
		warmPods: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kiln_warm_pods",
			Help: "Warm pods currently queued per language.",
		}, []string{"language"}),
		totalPods: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kiln_pool_pods",
			Help: "Pods owned by each pool.",
		}, []string{"language"}),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		p.executions, p.execDuration,
		p.apiRequests, p.apiDuration,
		p.authFailures, p.rateLimited,
		p.poolHits, p.poolMisses, p.poolExhausted,
		p.podsCreated, p.podsDestroyed,
		p.warmPods, p.totalPods,
	)
	return p
}

func (p *promMetrics) observeExecution(m ExecutionMetric) {
	p.executions.WithLabelValues(m.Language, string(m.Status)).Inc()
	p.execDuration.WithLabelValues(m.Language).Observe(float64(m.ExecutionTimeMS) / 1000)
}

func (p *promMetrics) observeAPIRequest(m APIMetric) {
	p.apiRequests.WithLabelValues(m.Method, m.Path, strconv.Itoa(m.StatusCode)).Inc()
	p.apiDuration.WithLabelValues(m.Path).Observe(float64(m.DurationMS) / 1000)
}

// Registry exposes the private registry for the metrics listener.
func (s *Sink) Registry() *prometheus.Registry { return s.prom.registry }

func encodeSnapshot(snap Snapshot) (string, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
