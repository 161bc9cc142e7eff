package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/support/kvstore"
)

func newTestSink(t *testing.T) (*Sink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvstore.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })
	return NewSink(kv, nil, logr.Discard()), mr
}

func execMetric(id, lang string, status api.ExecutionStatus, ms int64, src api.ContainerSource) ExecutionMetric {
	return ExecutionMetric{
		ExecutionID:     id,
		Timestamp:       time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		APIKeyHash:      "aaaaaaaaaaaaaaaabbbbbbbbbbbbbbbbccccccccccccccccdddddddddddddddd",
		Language:        lang,
		Status:          status,
		ExecutionTimeMS: ms,
		ExitCode:        0,
		ContainerSource: src,
	}
}

func TestSnapshotAggregation(t *testing.T) {
	g := NewWithT(t)
	sink, _ := newTestSink(t)
	ctx := context.Background()

	sink.RecordExecution(ctx, execMetric("e1", "py", api.StatusCompleted, 100, api.SourcePoolHit))
	sink.RecordExecution(ctx, execMetric("e2", "py", api.StatusFailed, 300, api.SourcePoolHit))
	sink.RecordExecution(ctx, execMetric("e3", "py", api.StatusTimeout, 2000, api.SourcePoolMiss))
	sink.RecordExecution(ctx, execMetric("e4", "go", api.StatusCompleted, 500, api.SourcePoolMiss))

	snap := sink.Snapshot()
	g.Expect(snap.TotalExecutions).To(Equal(int64(4)))
	g.Expect(snap.Languages).To(HaveLen(2))

	py := snap.Languages[1]
	g.Expect(py.Language).To(Equal("py"))
	g.Expect(py.Executions).To(Equal(int64(3)))
	g.Expect(py.Successes).To(Equal(int64(1)))
	g.Expect(py.Failures).To(Equal(int64(1)))
	g.Expect(py.Timeouts).To(Equal(int64(1)))
	g.Expect(py.AvgTimeMS).To(BeNumerically("==", 800))
	g.Expect(py.PercentileMS.P50).To(BeNumerically(">", 0))
}

func TestPoolHitRate(t *testing.T) {
	g := NewWithT(t)
	sink, _ := newTestSink(t)

	sink.PoolHit("py")
	sink.PoolHit("py")
	sink.PoolHit("py")
	sink.PoolMiss("py")

	snap := sink.Snapshot()
	g.Expect(snap.Pool.Hits).To(Equal(int64(3)))
	g.Expect(snap.Pool.Misses).To(Equal(int64(1)))
	g.Expect(snap.Pool.HitRate).To(BeNumerically("~", 0.75, 1e-9))
}

func TestDurableAggregation(t *testing.T) {
	g := NewWithT(t)
	sink, mr := newTestSink(t)
	ctx := context.Background()

	sink.RecordExecution(ctx, execMetric("e1", "py", api.StatusCompleted, 100, api.SourcePoolHit))
	sink.RecordExecution(ctx, execMetric("e2", "py", api.StatusFailed, 200, api.SourcePoolMiss))

	hourKey := "metrics:detailed:hourly:2026-03-14-10"
	g.Expect(mr.HGet(hourKey, "py:execution_count")).To(Equal("2"))
	g.Expect(mr.HGet(hourKey, "py:success_count")).To(Equal("1"))
	g.Expect(mr.HGet(hourKey, "py:failure_count")).To(Equal("1"))
	g.Expect(mr.HGet(hourKey, "py:total_execution_time_ms")).To(Equal("300"))
	g.Expect(mr.HGet(hourKey, "py:pool_hits")).To(Equal("1"))
	g.Expect(mr.HGet(hourKey, "py:pool_misses")).To(Equal("1"))

	dayKey := "metrics:detailed:daily:2026-03-14"
	g.Expect(mr.HGet(dayKey, "py:execution_count")).To(Equal("2"))

	perKey := "metrics:api_key:aaaaaaaaaaaaaaaa:hour:2026-03-14-10"
	g.Expect(mr.HGet(perKey, "execution_count")).To(Equal("2"))
}

func TestDurableWindow(t *testing.T) {
	g := NewWithT(t)
	sink, _ := newTestSink(t)
	ctx := context.Background()
	sink.now = func() time.Time { return time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC) }

	// One execution in the current hour, one an hour earlier.
	sink.RecordExecution(ctx, execMetric("e1", "py", api.StatusCompleted, 100, api.SourcePoolHit))
	earlier := execMetric("e2", "py", api.StatusCompleted, 100, api.SourcePoolHit)
	earlier.Timestamp = time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)
	sink.RecordExecution(ctx, earlier)

	// RecordExecution stamps buckets from the metric timestamp; the first
	// metric used 10:30, so both land within a 2 h window ending at 11:00.
	summary, err := sink.DurableWindow(ctx, 2)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(summary.Totals["execution_count"]).To(BeNumerically("==", 2))
	g.Expect(summary.Languages["py"]["execution_count"]).To(BeNumerically("==", 2))

	summary, err = sink.DurableWindow(ctx, 1)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(summary.Totals["execution_count"]).To(BeNumerically("==", 0))
}

func TestPoolStatsDurable(t *testing.T) {
	g := NewWithT(t)
	sink, mr := newTestSink(t)

	sink.PoolHit("py")
	sink.PodCreated("py")
	sink.PodDestroyed("py")

	g.Expect(mr.HGet(poolStatsKey, "hits")).To(Equal("1"))
	g.Expect(mr.HGet(poolStatsKey, "created")).To(Equal("1"))
	g.Expect(mr.HGet(poolStatsKey, "destroyed")).To(Equal("1"))
}

func TestRecentExecutionsNewestFirst(t *testing.T) {
	g := NewWithT(t)
	sink, _ := newTestSink(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sink.RecordExecution(ctx, execMetric(fmt.Sprintf("e%d", i), "py", api.StatusCompleted, 10, api.SourcePoolHit))
	}

	recent := sink.RecentExecutions(3)
	g.Expect(recent).To(HaveLen(3))
	g.Expect(recent[0].ExecutionID).To(Equal("e4"))
	g.Expect(recent[2].ExecutionID).To(Equal("e2"))
}

func TestRollingWindowBounded(t *testing.T) {
	g := NewWithT(t)
	sink, _ := newTestSink(t)
	ctx := context.Background()

	for i := 0; i < sampleWindow+50; i++ {
		sink.RecordExecution(ctx, execMetric(fmt.Sprintf("e%d", i), "py", api.StatusCompleted, int64(i), api.SourcePoolHit))
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	g.Expect(sink.languages["py"].samples).To(HaveLen(sampleWindow))
}

func TestFlushWritesSnapshots(t *testing.T) {
	g := NewWithT(t)
	sink, mr := newTestSink(t)
	ctx := context.Background()
	sink.now = func() time.Time { return time.Date(2026, 3, 14, 10, 45, 0, 0, time.UTC) }

	sink.RecordExecution(ctx, execMetric("e1", "py", api.StatusCompleted, 100, api.SourcePoolHit))
	sink.flush(ctx)

	g.Expect(mr.Exists("metrics:current")).To(BeTrue())
	g.Expect(mr.Exists("metrics:hourly:2026-03-14-10")).To(BeTrue())
}
