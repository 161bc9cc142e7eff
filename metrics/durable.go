package metrics

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/kilnrun/kiln/support/kvstore"
)

// DurableSummary aggregates the KV hour buckets over a trailing window for
// the admin stats endpoint.
type DurableSummary struct {
	Hours     int                           `json:"hours"`
	Totals    map[string]float64            `json:"totals"`
	Languages map[string]map[string]float64 `json:"languages"`
	Pool      map[string]int64              `json:"pool"`
}

// DurableWindow sums the per-hour hashes for the last hours hours and reads
// the global pool counters. Missing buckets are simply absent hours.
func (s *Sink) DurableWindow(ctx context.Context, hours int) (DurableSummary, error) {
	if hours < 1 {
		hours = 1
	}
	if hours > 168 {
		hours = 168
	}
	summary := DurableSummary{
		Hours:     hours,
		Totals:    map[string]float64{},
		Languages: map[string]map[string]float64{},
		Pool:      map[string]int64{},
	}

	now := s.now().UTC()
	for i := 0; i < hours; i++ {
		bucket := now.Add(-time.Duration(i) * time.Hour).Format("2006-01-02-15")
		fields, err := s.kv.HGetAll(ctx, "metrics:detailed:hourly:"+bucket)
		if err != nil {
			if kvstoreNotFound(err) {
				continue
			}
			return summary, err
		}
		for field, raw := range fields {
			lang, name, ok := strings.Cut(field, ":")
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			if summary.Languages[lang] == nil {
				summary.Languages[lang] = map[string]float64{}
			}
			summary.Languages[lang][name] += v
			summary.Totals[name] += v
		}
	}

	pool, err := s.kv.HGetAll(ctx, poolStatsKey)
	if err != nil && !kvstoreNotFound(err) {
		return summary, err
	}
	for field, raw := range pool {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			summary.Pool[field] = n
		}
	}
	return summary, nil
}

func kvstoreNotFound(err error) bool {
	return errors.Is(err, kvstore.ErrNotFound)
}
