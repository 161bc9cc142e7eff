package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestGetSet(t *testing.T) {
	g := NewWithT(t)
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	g.Expect(err).To(MatchError(ErrNotFound))

	g.Expect(store.Set(ctx, "k", "v", time.Minute)).To(Succeed())
	got, err := store.Get(ctx, "k")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(got).To(Equal("v"))

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "k")
	g.Expect(err).To(MatchError(ErrNotFound))
}

func TestIncrWithTTL(t *testing.T) {
	g := NewWithT(t)
	store, mr := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := store.IncrWithTTL(ctx, "bucket", 2*time.Second)
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(n).To(Equal(int64(i)))
	}
	g.Expect(mr.TTL("bucket")).To(Equal(2 * time.Second))

	mr.FastForward(3 * time.Second)
	n, err := store.IncrWithTTL(ctx, "bucket", 2*time.Second)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(n).To(Equal(int64(1)), "bucket restarts after expiry")
}

func TestGetIntMissingKeyIsZero(t *testing.T) {
	g := NewWithT(t)
	store, _ := newTestStore(t)

	n, err := store.GetInt(context.Background(), "nope")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(n).To(BeZero())
}

func TestHashOps(t *testing.T) {
	g := NewWithT(t)
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.HGetAll(ctx, "h")
	g.Expect(err).To(MatchError(ErrNotFound))

	g.Expect(store.HSet(ctx, "h", map[string]any{"name": "x", "count": 1})).To(Succeed())
	g.Expect(store.HIncrBy(ctx, "h", "count", 2)).To(Succeed())
	g.Expect(store.HIncrByFloat(ctx, "h", "mem", 1.5)).To(Succeed())

	m, err := store.HGetAll(ctx, "h")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(m).To(HaveKeyWithValue("name", "x"))
	g.Expect(m).To(HaveKeyWithValue("count", "3"))
	g.Expect(m).To(HaveKeyWithValue("mem", "1.5"))
}

func TestSetOps(t *testing.T) {
	g := NewWithT(t)
	store, _ := newTestStore(t)
	ctx := context.Background()

	members, err := store.SMembers(ctx, "s")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(members).To(BeEmpty())

	g.Expect(store.SAdd(ctx, "s", "a", "b")).To(Succeed())
	ok, err := store.SIsMember(ctx, "s", "a")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(ok).To(BeTrue())

	g.Expect(store.SRem(ctx, "s", "a")).To(Succeed())
	members, err = store.SMembers(ctx, "s")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(members).To(ConsistOf("b"))
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	g := NewWithT(t)
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.Close()
	var lastErr error
	for i := 0; i < 6; i++ {
		_, lastErr = store.Get(ctx, "k")
	}
	g.Expect(lastErr).To(MatchError(ErrUnavailable), "breaker open after consecutive failures")

	// Not-found responses never count as failures.
	store2, _ := newTestStore(t)
	for i := 0; i < 10; i++ {
		_, err := store2.Get(ctx, "missing")
		g.Expect(err).To(MatchError(ErrNotFound))
	}
	g.Expect(store2.Ping(ctx)).To(Succeed())
}
