package apikey

import (
	"fmt"
	"time"

	"github.com/kilnrun/kiln/api"
)

// Period is one of the five rate-limit windows.
type Period string

const (
	PeriodSecond Period = "second"
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
	PeriodMonth  Period = "month"
)

// periods is ordered shortest first; rate-limit checks fail fast on the
// tightest window.
var periods = []Period{PeriodSecond, PeriodMinute, PeriodHour, PeriodDay, PeriodMonth}

// Label is the period's configuration identifier, emitted in window
// statuses and the X-RateLimit-Period header.
func (p Period) Label() string {
	switch p {
	case PeriodSecond:
		return "per_second"
	case PeriodMinute:
		return "per_minute"
	case PeriodHour:
		return "hourly"
	case PeriodDay:
		return "daily"
	default:
		return "monthly"
	}
}

// bucketTTL is roughly twice each window so buckets expire on their own.
var bucketTTL = map[Period]time.Duration{
	PeriodSecond: 2 * time.Second,
	PeriodMinute: 120 * time.Second,
	PeriodHour:   7200 * time.Second,
	PeriodDay:    172800 * time.Second,
	PeriodMonth:  2764800 * time.Second,
}

// bucketKey renders the calendar bucket identifier for a period, e.g.
// 2024-01-15-10:30 for the minute window. Buckets are computed in UTC.
func bucketKey(p Period, now time.Time) string {
	now = now.UTC()
	switch p {
	case PeriodSecond:
		return now.Format("2006-01-02-15:04:05")
	case PeriodMinute:
		return now.Format("2006-01-02-15:04")
	case PeriodHour:
		return now.Format("2006-01-02-15")
	case PeriodDay:
		return now.Format("2006-01-02")
	default:
		return now.Format("2006-01")
	}
}

func usageKey(short string, p Period, now time.Time) string {
	return fmt.Sprintf("api_keys:usage:%s:%s:%s", short, p, bucketKey(p, now))
}

// resetTime is the instant the current bucket rolls over: now truncated to
// the window plus one window. The month window advances to the first of the
// next month, rolling the year over after December.
func resetTime(p Period, now time.Time) time.Time {
	now = now.UTC()
	switch p {
	case PeriodSecond:
		return now.Truncate(time.Second).Add(time.Second)
	case PeriodMinute:
		return now.Truncate(time.Minute).Add(time.Minute)
	case PeriodHour:
		return now.Truncate(time.Hour).Add(time.Hour)
	case PeriodDay:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, 1)
	default:
		month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return month.AddDate(0, 1, 0)
	}
}

// limitFor picks the configured ceiling for a period; nil means unlimited.
func limitFor(rl api.RateLimits, p Period) *int {
	switch p {
	case PeriodSecond:
		return rl.PerSecond
	case PeriodMinute:
		return rl.PerMinute
	case PeriodHour:
		return rl.Hourly
	case PeriodDay:
		return rl.Daily
	default:
		return rl.Monthly
	}
}
