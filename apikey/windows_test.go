package apikey

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/kilnrun/kiln/api"
)

func TestBucketKeys(t *testing.T) {
	g := NewWithT(t)
	now := time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)

	g.Expect(bucketKey(PeriodSecond, now)).To(Equal("2024-01-15-10:30:45"))
	g.Expect(bucketKey(PeriodMinute, now)).To(Equal("2024-01-15-10:30"))
	g.Expect(bucketKey(PeriodHour, now)).To(Equal("2024-01-15-10"))
	g.Expect(bucketKey(PeriodDay, now)).To(Equal("2024-01-15"))
	g.Expect(bucketKey(PeriodMonth, now)).To(Equal("2024-01"))

	g.Expect(usageKey("0123456789abcdef", PeriodMinute, now)).
		To(Equal("api_keys:usage:0123456789abcdef:minute:2024-01-15-10:30"))
}

func TestBucketTTLs(t *testing.T) {
	g := NewWithT(t)
	g.Expect(bucketTTL[PeriodSecond]).To(Equal(2 * time.Second))
	g.Expect(bucketTTL[PeriodMinute]).To(Equal(120 * time.Second))
	g.Expect(bucketTTL[PeriodHour]).To(Equal(7200 * time.Second))
	g.Expect(bucketTTL[PeriodDay]).To(Equal(172800 * time.Second))
	g.Expect(bucketTTL[PeriodMonth]).To(Equal(2764800 * time.Second))
}

func TestPeriodLabels(t *testing.T) {
	g := NewWithT(t)
	g.Expect(PeriodSecond.Label()).To(Equal("per_second"))
	g.Expect(PeriodMinute.Label()).To(Equal("per_minute"))
	g.Expect(PeriodHour.Label()).To(Equal("hourly"))
	g.Expect(PeriodDay.Label()).To(Equal("daily"))
	g.Expect(PeriodMonth.Label()).To(Equal("monthly"))
}

func TestResetTimes(t *testing.T) {
	g := NewWithT(t)
	now := time.Date(2024, 6, 15, 10, 30, 45, 123, time.UTC)

	g.Expect(resetTime(PeriodSecond, now)).To(Equal(time.Date(2024, 6, 15, 10, 30, 46, 0, time.UTC)))
	g.Expect(resetTime(PeriodMinute, now)).To(Equal(time.Date(2024, 6, 15, 10, 31, 0, 0, time.UTC)))
	g.Expect(resetTime(PeriodHour, now)).To(Equal(time.Date(2024, 6, 15, 11, 0, 0, 0, time.UTC)))
	g.Expect(resetTime(PeriodDay, now)).To(Equal(time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC)))
	g.Expect(resetTime(PeriodMonth, now)).To(Equal(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)))
}

func TestResetTimeDecemberRollsOverTheYear(t *testing.T) {
	g := NewWithT(t)
	now := time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)
	g.Expect(resetTime(PeriodMonth, now)).To(Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestResetTimesAreMonotonic(t *testing.T) {
	g := NewWithT(t)
	start := time.Date(2024, 11, 30, 23, 0, 0, 0, time.UTC)
	for _, p := range periods {
		prev := resetTime(p, start)
		for i := 1; i <= 90; i++ {
			next := resetTime(p, start.Add(time.Duration(i)*time.Hour))
			g.Expect(next.Before(prev)).To(BeFalse(), "window %s went backwards", p)
			prev = next
		}
	}
}

func TestLimitForPicksTheMatchingWindow(t *testing.T) {
	g := NewWithT(t)
	one, two := 1, 2
	rl := api.RateLimits{PerSecond: &one, Monthly: &two}

	g.Expect(limitFor(rl, PeriodSecond)).To(Equal(&one))
	g.Expect(limitFor(rl, PeriodMinute)).To(BeNil())
	g.Expect(limitFor(rl, PeriodMonth)).To(Equal(&two))
}
