package apikey

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/support/kvstore"
)

func newTestManager(t *testing.T, envKeys ...string) (*Manager, *kvstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvstore.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })
	return NewManager(kv, envKeys, true, logr.Discard()), kv, mr
}

func TestKeyGeneration(t *testing.T) {
	g := NewWithT(t)

	raw, err := GenerateKey()
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(raw).To(HavePrefix("sk-"))
	g.Expect(raw).To(HaveLen(27), "sk- plus 24 base64url chars")

	hash := HashKey(raw)
	g.Expect(hash).To(HaveLen(64))
	g.Expect(ShortHash(hash)).To(Equal(hash[:16]))

	other, err := GenerateKey()
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(other).ToNot(Equal(raw))
}

func TestCreateGetListRevokeRoundTrip(t *testing.T) {
	g := NewWithT(t)
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	limit := 10
	raw, rec, err := mgr.Create(ctx, "ci-bot", &api.RateLimits{Hourly: &limit}, map[string]string{"team": "infra"})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(raw).To(HavePrefix("sk-"))
	g.Expect(rec.KeyHash).To(Equal(HashKey(raw)))
	g.Expect(rec.KeyPrefix).To(Equal(raw[:11]))
	g.Expect(rec.Enabled).To(BeTrue())
	g.Expect(rec.Source).To(Equal(api.SourceManaged))

	got, err := mgr.Get(ctx, rec.KeyHash)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(got.Name).To(Equal("ci-bot"))
	g.Expect(got.Metadata).To(HaveKeyWithValue("team", "infra"))
	g.Expect(got.RateLimits.Hourly).To(HaveValue(Equal(10)))
	g.Expect(got.CreatedAt).To(BeTemporally("~", rec.CreatedAt, time.Second))

	list, err := mgr.List(ctx, false)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(list).To(HaveLen(1))

	g.Expect(mgr.Revoke(ctx, rec.KeyHash)).To(Succeed())
	_, err = mgr.Get(ctx, rec.KeyHash)
	g.Expect(err).To(MatchError(ErrKeyNotFound))

	list, err = mgr.List(ctx, false)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(list).To(BeEmpty())
}

func TestValidateManagedKey(t *testing.T) {
	g := NewWithT(t)
	mgr, kv, _ := newTestManager(t)
	ctx := context.Background()

	raw, rec, err := mgr.Create(ctx, "svc", nil, nil)
	g.Expect(err).ToNot(HaveOccurred())

	res := mgr.Validate(ctx, raw)
	g.Expect(res.Valid).To(BeTrue())
	g.Expect(res.Source).To(Equal(api.SourceManaged))
	g.Expect(res.KeyHash).To(Equal(rec.KeyHash))
	g.Expect(res.Record).ToNot(BeNil())

	// The first validation populates the cache.
	cached, err := kv.Get(ctx, validKey(ShortHash(rec.KeyHash)))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(cached).To(Equal("1"))

	// A warm cache still yields the full record.
	res = mgr.Validate(ctx, raw)
	g.Expect(res.Valid).To(BeTrue())
	g.Expect(res.Record).ToNot(BeNil())

	g.Expect(mgr.Validate(ctx, "sk-definitely-not-a-key").Valid).To(BeFalse())
}

func TestValidateEnvironmentKey(t *testing.T) {
	g := NewWithT(t)
	mgr, kv, _ := newTestManager(t, "sk-env-primary")
	ctx := context.Background()

	res := mgr.Validate(ctx, "sk-env-primary")
	g.Expect(res.Valid).To(BeTrue())
	g.Expect(res.Source).To(Equal(api.SourceEnvironment))

	cached, err := kv.Get(ctx, validKey(ShortHash(res.KeyHash)))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(cached).To(Equal("env"))

	// Materialised on first sight, visible in listings, immutable.
	list, err := mgr.List(ctx, true)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(list).To(HaveLen(1))
	g.Expect(list[0].Source).To(Equal(api.SourceEnvironment))

	g.Expect(mgr.Update(ctx, res.KeyHash, api.UpdateKeyRequest{})).To(MatchError(ErrEnvironmentKey))
	g.Expect(mgr.Revoke(ctx, res.KeyHash)).To(MatchError(ErrEnvironmentKey))
}

func TestValidateEnvironmentKeyAfterCacheExpiry(t *testing.T) {
	g := NewWithT(t)
	mgr, kv, mr := newTestManager(t, "sk-env-primary")
	ctx := context.Background()

	// First sight materialises the record and caches "env".
	res := mgr.Validate(ctx, "sk-env-primary")
	g.Expect(res.Valid).To(BeTrue())
	g.Expect(res.Source).To(Equal(api.SourceEnvironment))

	// Drop the cache entry the way a TTL lapse would; the next validation
	// takes the record-store path and must still classify as environment.
	mr.Del(validKey(ShortHash(res.KeyHash)))

	res = mgr.Validate(ctx, "sk-env-primary")
	g.Expect(res.Valid).To(BeTrue())
	g.Expect(res.Source).To(Equal(api.SourceEnvironment))

	// The refreshed cache entry agrees with the record's source.
	cached, err := kv.Get(ctx, validKey(ShortHash(res.KeyHash)))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(cached).To(Equal("env"))
}

func TestDisableInvalidatesValidationCache(t *testing.T) {
	g := NewWithT(t)
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	raw, rec, err := mgr.Create(ctx, "svc", nil, nil)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(mgr.Validate(ctx, raw).Valid).To(BeTrue())

	disabled := false
	g.Expect(mgr.Update(ctx, rec.KeyHash, api.UpdateKeyRequest{Enabled: &disabled})).To(Succeed())

	// No TTL wait: the cache entry was dropped with the update.
	g.Expect(mgr.Validate(ctx, raw).Valid).To(BeFalse())
}

func TestValidateDegradesToEnvironmentOnOutage(t *testing.T) {
	g := NewWithT(t)
	mgr, _, mr := newTestManager(t, "sk-env-primary")
	ctx := context.Background()

	raw, _, err := mgr.Create(ctx, "svc", nil, nil)
	g.Expect(err).ToNot(HaveOccurred())

	mr.Close()
	for i := 0; i < 6; i++ { // trip the breaker
		mgr.Validate(ctx, raw)
	}

	g.Expect(mgr.Validate(ctx, "sk-env-primary").Valid).To(BeTrue(), "environment keys survive the outage")
	g.Expect(mgr.Validate(ctx, raw).Valid).To(BeFalse(), "managed keys cannot be checked")
}

func TestCheckRateLimits(t *testing.T) {
	g := NewWithT(t)
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 10, 30, 45, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	limit := 2
	_, rec, err := mgr.Create(ctx, "svc", &api.RateLimits{PerMinute: &limit}, nil)
	g.Expect(err).ToNot(HaveOccurred())

	allowed, window := mgr.CheckRateLimits(ctx, rec)
	g.Expect(allowed).To(BeTrue())
	g.Expect(window).To(BeNil())

	g.Expect(mgr.IncrementUsage(ctx, rec.KeyHash)).To(Succeed())
	g.Expect(mgr.IncrementUsage(ctx, rec.KeyHash)).To(Succeed())

	allowed, window = mgr.CheckRateLimits(ctx, rec)
	g.Expect(allowed).To(BeFalse())
	g.Expect(window).ToNot(BeNil())
	g.Expect(window.Window).To(Equal("per_minute"))
	g.Expect(window.Used).To(Equal(int64(2)))
	g.Expect(window.ResetsAt).To(Equal(time.Date(2024, 6, 15, 10, 31, 0, 0, time.UTC)))

	// Checks never consume budget: the counter is still 2.
	status, err := mgr.RateLimitStatus(ctx, rec)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(status).To(HaveLen(5))
	g.Expect(status[1].Window).To(Equal("per_minute"))
	g.Expect(status[1].Used).To(Equal(int64(2)))
	g.Expect(status[1].Exceeded).To(BeTrue())
	g.Expect(status[0].Limit).To(BeNil(), "second window is unlimited")
}

func TestCheckRateLimitsSkipsEnvironmentKeys(t *testing.T) {
	g := NewWithT(t)
	mgr, _, _ := newTestManager(t, "sk-env-primary")
	ctx := context.Background()

	res := mgr.Validate(ctx, "sk-env-primary")
	g.Expect(res.Valid).To(BeTrue())
	rec, err := mgr.Get(ctx, res.KeyHash)
	g.Expect(err).ToNot(HaveOccurred())

	allowed, window := mgr.CheckRateLimits(ctx, rec)
	g.Expect(allowed).To(BeTrue())
	g.Expect(window).To(BeNil())
}

func TestCheckRateLimitsDegradesOpenOnOutage(t *testing.T) {
	g := NewWithT(t)
	mgr, _, mr := newTestManager(t)
	ctx := context.Background()

	limit := 1
	_, rec, err := mgr.Create(ctx, "svc", &api.RateLimits{PerSecond: &limit}, nil)
	g.Expect(err).ToNot(HaveOccurred())

	mr.Close()
	for i := 0; i < 6; i++ {
		mgr.CheckRateLimits(ctx, rec)
	}
	allowed, _ := mgr.CheckRateLimits(ctx, rec)
	g.Expect(allowed).To(BeTrue(), "unreachable store admits traffic")
}

func TestIncrementUsageIsMonotonic(t *testing.T) {
	g := NewWithT(t)
	mgr, kv, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 10, 30, 45, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	_, rec, err := mgr.Create(ctx, "svc", nil, nil)
	g.Expect(err).ToNot(HaveOccurred())
	short := ShortHash(rec.KeyHash)

	for i := 1; i <= 3; i++ {
		g.Expect(mgr.IncrementUsage(ctx, rec.KeyHash)).To(Succeed())
		for _, p := range periods {
			n, err := kv.GetInt(ctx, usageKey(short, p, now))
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(n).To(Equal(int64(i)), "window %s", p)
		}
	}

	got, err := mgr.Get(ctx, rec.KeyHash)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(got.UsageCount).To(Equal(int64(3)))
	g.Expect(got.LastUsedAt.IsZero()).To(BeFalse())
}

func TestFindByPrefix(t *testing.T) {
	g := NewWithT(t)
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	raw, rec, err := mgr.Create(ctx, "svc", nil, nil)
	g.Expect(err).ToNot(HaveOccurred())

	hash, err := mgr.FindByPrefix(ctx, raw[:11])
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(hash).To(Equal(rec.KeyHash))

	hash, err = mgr.FindByPrefix(ctx, raw[:6])
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(hash).To(Equal(rec.KeyHash))

	_, err = mgr.FindByPrefix(ctx, "sk-zzzzzzzz")
	g.Expect(err).To(MatchError(ErrKeyNotFound))
}

func TestRecordHashEncodingRoundTrip(t *testing.T) {
	g := NewWithT(t)
	limit := 5
	rec := &Record{
		KeyHash:    HashKey("sk-round-trip"),
		KeyPrefix:  "sk-round-tr",
		Name:       "round trip",
		Enabled:    true,
		CreatedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		LastUsedAt: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC),
		UsageCount: 42,
		Metadata:   map[string]string{"env": "prod"},
		RateLimits: api.RateLimits{Daily: &limit},
		Source:     api.SourceManaged,
	}

	fields, err := rec.hashFields()
	g.Expect(err).ToNot(HaveOccurred())
	asStrings := make(map[string]string, len(fields))
	for k, v := range fields {
		asStrings[k] = toString(v)
	}
	back, err := recordFromHash(asStrings)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(back).To(Equal(rec))
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprintf("%v", x)
	}
}
