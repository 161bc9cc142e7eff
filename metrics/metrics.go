// Package metrics is the execution metrics sink. It keeps two tiers: a
// live in-memory view (ring buffer, per-language aggregates, rolling
// percentiles, pool hit rate) feeding the admin stats endpoint and the
// Prometheus registry, and a durable tier of atomically incremented
// per-hour hashes in the key-value store. KV trouble never fails the hot
// path; durable writes are dropped with a log line.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/stat"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/apikey"
	"github.com/kilnrun/kiln/support/kvstore"
)

const (
	ringCapacity = 10000
	// sampleWindow bounds the rolling percentile window per language.
	sampleWindow = 500

	hourlyTTL = 7 * 24 * time.Hour
	dailyTTL  = 30 * 24 * time.Hour
	perKeyTTL = 2 * time.Hour

	currentSnapshotTTL = 24 * time.Hour
	flushInterval      = time.Minute

	poolStatsKey = "metrics:pool:stats"
)

// ExecutionMetric describes one finished execution.
type ExecutionMetric struct {
	ExecutionID     string              `json:"execution_id"`
	Timestamp       time.Time           `json:"timestamp"`
	APIKeyHash      string              `json:"api_key_hash"`
	Language        string              `json:"language"`
	Status          api.ExecutionStatus `json:"status"`
	ExecutionTimeMS int64               `json:"execution_time_ms"`
	MemoryPeakMB    float64             `json:"memory_peak_mb,omitempty"`
	ExitCode        int                 `json:"exit_code"`
	FilesUploaded   int                 `json:"files_uploaded"`
	FilesGenerated  int                 `json:"files_generated"`
	ContainerSource api.ContainerSource `json:"container_source"`
}

// APIMetric describes one HTTP request against the public surface.
type APIMetric struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	DurationMS int64     `json:"duration_ms"`
}

// LanguageStats is the live per-language aggregate.
type LanguageStats struct {
	Language      string    `json:"language"`
	Executions    int64     `json:"executions"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	Timeouts      int64     `json:"timeouts"`
	AvgTimeMS     float64   `json:"avg_time_ms"`
	TotalTimeMS   int64     `json:"total_time_ms"`
	TotalMemoryMB float64   `json:"total_memory_mb"`
	PercentileMS  Quantiles `json:"percentiles_ms"`
}

// Quantiles holds the rolling latency percentiles.
type Quantiles struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// PoolStats is the live pool counter view.
type PoolStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Exhausted int64   `json:"exhausted"`
	Created   int64   `json:"created"`
	Destroyed int64   `json:"destroyed"`
	HitRate   float64 `json:"hit_rate"`
}

// Snapshot is the full live view served by admin stats and flushed to the
// KV store.
type Snapshot struct {
	GeneratedAt     time.Time       `json:"generated_at"`
	TotalExecutions int64           `json:"total_executions"`
	Languages       []LanguageStats `json:"languages"`
	Pool            PoolStats       `json:"pool"`
}

type langAgg struct {
	executions  int64
	successes   int64
	failures    int64
	timeouts    int64
	totalTimeMS int64
	totalMemMB  float64
	samples     []float64 // rolling latency window, ms
	next        int
	filled      bool
}

func (a *langAgg) addSample(ms float64) {
	if len(a.samples) < sampleWindow {
		a.samples = append(a.samples, ms)
		return
	}
	a.samples[a.next] = ms
	a.next = (a.next + 1) % sampleWindow
	a.filled = true
}

// quantiles computes the rolling percentiles with gonum over a sorted copy
// of the window.
func (a *langAgg) quantiles() Quantiles {
	if len(a.samples) == 0 {
		return Quantiles{}
	}
	sorted := append([]float64(nil), a.samples...)
	sort.Float64s(sorted)
	return Quantiles{
		P50: stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P90: stat.Quantile(0.90, stat.Empirical, sorted, nil),
		P95: stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99: stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}
}

// Sink collects metrics from the dispatcher, the auth gate and the pools.
type Sink struct {
	kv      *kvstore.Store
	log     logr.Logger
	prom    *promMetrics
	archive *Archive

	mu        sync.Mutex
	execRing  []ExecutionMetric
	execNext  int
	apiRing   []APIMetric
	apiNext   int
	languages map[string]*langAgg
	pool      PoolStats

	now func() time.Time
}

// NewSink builds a sink. archive may be nil when no SQL archive is
// configured.
func NewSink(kv *kvstore.Store, archive *Archive, log logr.Logger) *Sink {
	return &Sink{
		kv:        kv,
		log:       log.WithName("metrics"),
		prom:      newPromMetrics(),
		archive:   archive,
		languages: make(map[string]*langAgg),
		now:       time.Now,
	}
}

// RecordExecution ingests one finished execution into both tiers.
func (s *Sink) RecordExecution(ctx context.Context, m ExecutionMetric) {
	s.mu.Lock()
	if len(s.execRing) < ringCapacity {
		s.execRing = append(s.execRing, m)
	} else {
		s.execRing[s.execNext] = m
		s.execNext = (s.execNext + 1) % ringCapacity
	}
	agg, ok := s.languages[m.Language]
	if !ok {
		agg = &langAgg{}
		s.languages[m.Language] = agg
	}
	agg.executions++
	agg.totalTimeMS += m.ExecutionTimeMS
	agg.totalMemMB += m.MemoryPeakMB
	agg.addSample(float64(m.ExecutionTimeMS))
	switch m.Status {
	case api.StatusCompleted:
		agg.successes++
	case api.StatusTimeout:
		agg.timeouts++
	default:
		agg.failures++
	}
	s.mu.Unlock()

	s.prom.observeExecution(m)
	s.aggregateDurable(ctx, m)
	if s.archive != nil {
		s.archive.Enqueue(m)
	}
}

// RecordAPIRequest ingests one HTTP request observation.
func (s *Sink) RecordAPIRequest(m APIMetric) {
	s.mu.Lock()
	if len(s.apiRing) < ringCapacity {
		s.apiRing = append(s.apiRing, m)
	} else {
		s.apiRing[s.apiNext] = m
		s.apiNext = (s.apiNext + 1) % ringCapacity
	}
	s.mu.Unlock()
	s.prom.observeAPIRequest(m)
}

// RecordAuthFailure counts one rejected authentication attempt.
func (s *Sink) RecordAuthFailure() { s.prom.authFailures.Inc() }

// RecordRateLimited counts one 429 for the given window.
func (s *Sink) RecordRateLimited(window string) {
	s.prom.rateLimited.WithLabelValues(window).Inc()
}

// aggregateDurable bumps the per-hour, per-day and per-key hashes. Every
// write is an atomic increment; failures are logged and dropped.
func (s *Sink) aggregateDurable(ctx context.Context, m ExecutionMetric) {
	ts := m.Timestamp.UTC()
	hourKey := "metrics:detailed:hourly:" + ts.Format("2006-01-02-15")
	dayKey := "metrics:detailed:daily:" + ts.Format("2006-01-02")

	fields := map[string]int64{
		"execution_count":        1,
		"total_execution_time_ms": m.ExecutionTimeMS,
	}
	switch m.Status {
	case api.StatusCompleted:
		fields["success_count"] = 1
	case api.StatusTimeout:
		fields["timeout_count"] = 1
	default:
		fields["failure_count"] = 1
	}
	switch m.ContainerSource {
	case api.SourcePoolHit:
		fields["pool_hits"] = 1
	case api.SourcePoolMiss:
		fields["pool_misses"] = 1
	}

	bump := func(key string, prefix string, ttl time.Duration) {
		for field, n := range fields {
			if err := s.kv.HIncrBy(ctx, key, prefix+field, n); err != nil {
				s.log.V(1).Info("dropping durable metric write", "key", key, "error", err.Error())
				return
			}
		}
		if m.MemoryPeakMB > 0 {
			if err := s.kv.HIncrByFloat(ctx, key, prefix+"total_memory_mb", m.MemoryPeakMB); err != nil {
				s.log.V(1).Info("dropping durable metric write", "key", key, "error", err.Error())
				return
			}
		}
		if err := s.kv.Expire(ctx, key, ttl); err != nil {
			s.log.V(1).Info("refreshing metric bucket ttl failed", "key", key, "error", err.Error())
		}
	}

	bump(hourKey, m.Language+":", hourlyTTL)
	bump(dayKey, m.Language+":", dailyTTL)
	if m.APIKeyHash != "" {
		keyBucket := fmt.Sprintf("metrics:api_key:%s:hour:%s", apikey.ShortHash(m.APIKeyHash), ts.Format("2006-01-02-15"))
		bump(keyBucket, "", perKeyTTL)
	}
}

// Pool recorder interface (pool.Recorder).

func (s *Sink) PoolHit(lang string) {
	s.mu.Lock()
	s.pool.Hits++
	s.mu.Unlock()
	s.prom.poolHits.WithLabelValues(lang).Inc()
	s.bumpPoolStat("hits")
}

func (s *Sink) PoolMiss(lang string) {
	s.mu.Lock()
	s.pool.Misses++
	s.mu.Unlock()
	s.prom.poolMisses.WithLabelValues(lang).Inc()
	s.bumpPoolStat("misses")
}

func (s *Sink) PoolExhausted(lang string) {
	s.mu.Lock()
	s.pool.Exhausted++
	s.mu.Unlock()
	s.prom.poolExhausted.WithLabelValues(lang).Inc()
	s.bumpPoolStat("exhausted")
}

func (s *Sink) PodCreated(lang string) {
	s.mu.Lock()
	s.pool.Created++
	s.mu.Unlock()
	s.prom.podsCreated.WithLabelValues(lang).Inc()
	s.bumpPoolStat("created")
}

func (s *Sink) PodDestroyed(lang string) {
	s.mu.Lock()
	s.pool.Destroyed++
	s.mu.Unlock()
	s.prom.podsDestroyed.WithLabelValues(lang).Inc()
	s.bumpPoolStat("destroyed")
}

func (s *Sink) PoolGauge(lang string, available, total int) {
	s.prom.warmPods.WithLabelValues(lang).Set(float64(available))
	s.prom.totalPods.WithLabelValues(lang).Set(float64(total))
}

func (s *Sink) bumpPoolStat(field string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.kv.HIncrBy(ctx, poolStatsKey, field, 1); err != nil {
		s.log.V(1).Info("dropping pool stat write", "field", field, "error", err.Error())
	}
}

// Snapshot materialises the live view.
func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{GeneratedAt: s.now().UTC(), Pool: s.pool}
	if served := s.pool.Hits + s.pool.Misses; served > 0 {
		snap.Pool.HitRate = float64(s.pool.Hits) / float64(served)
	}

	codes := make([]string, 0, len(s.languages))
	for code := range s.languages {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		agg := s.languages[code]
		ls := LanguageStats{
			Language:      code,
			Executions:    agg.executions,
			Successes:     agg.successes,
			Failures:      agg.failures,
			Timeouts:      agg.timeouts,
			TotalTimeMS:   agg.totalTimeMS,
			TotalMemoryMB: agg.totalMemMB,
			PercentileMS:  agg.quantiles(),
		}
		if agg.executions > 0 {
			ls.AvgTimeMS = float64(agg.totalTimeMS) / float64(agg.executions)
		}
		snap.TotalExecutions += agg.executions
		snap.Languages = append(snap.Languages, ls)
	}
	return snap
}

// RecentExecutions returns up to n most recent ring entries, newest first.
func (s *Sink) RecentExecutions(n int) []ExecutionMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.execRing) {
		n = len(s.execRing)
	}
	out := make([]ExecutionMetric, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.execNext - 1 - i + len(s.execRing)) % len(s.execRing)
		if len(s.execRing) < ringCapacity {
			idx = len(s.execRing) - 1 - i
		}
		out = append(out, s.execRing[idx])
	}
	return out
}

// Run flushes the live snapshot to the KV store until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// flush writes metrics:current and the hourly snapshot key. Transient KV
// errors are tolerated.
func (s *Sink) flush(ctx context.Context) {
	snap := s.Snapshot()
	raw, err := encodeSnapshot(snap)
	if err != nil {
		s.log.Error(err, "encoding metrics snapshot")
		return
	}
	if err := s.kv.Set(ctx, "metrics:current", raw, currentSnapshotTTL); err != nil {
		s.log.V(1).Info("flushing current snapshot failed", "error", err.Error())
	}
	hourly := "metrics:hourly:" + snap.GeneratedAt.Format("2006-01-02-15")
	if err := s.kv.Set(ctx, hourly, raw, hourlyTTL); err != nil {
		s.log.V(1).Info("flushing hourly snapshot failed", "error", err.Error())
	}
}
