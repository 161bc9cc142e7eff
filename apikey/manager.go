package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/support/kvstore"
)

var (
	// ErrKeyNotFound is returned for unknown key hashes.
	ErrKeyNotFound = errors.New("api key not found")
	// ErrEnvironmentKey is returned when a mutation targets an
	// environment-sourced record. Those are immutable and non-revocable.
	ErrEnvironmentKey = errors.New("environment keys cannot be modified")
)

// ValidationResult is the outcome of validating a raw key.
type ValidationResult struct {
	Valid   bool
	KeyHash string
	Source  api.KeySource
	// Record is populated for valid managed keys; environment keys have no
	// meaningful record (they are unlimited).
	Record *Record
}

// Manager owns key records, the validation cache and the usage counters.
// It is stateless apart from the KV store and safe for concurrent use.
type Manager struct {
	kv               *kvstore.Store
	log              logr.Logger
	envKeys          []string
	rateLimitEnabled bool

	now func() time.Time
}

func NewManager(kv *kvstore.Store, envKeys []string, rateLimitEnabled bool, log logr.Logger) *Manager {
	return &Manager{
		kv:               kv,
		log:              log.WithName("apikey"),
		envKeys:          envKeys,
		rateLimitEnabled: rateLimitEnabled,
		now:              time.Now,
	}
}

// Create mints a new managed key. The returned raw key is shown exactly once
// and never persisted.
func (m *Manager) Create(ctx context.Context, name string, limits *api.RateLimits, metadata map[string]string) (string, *Record, error) {
	raw, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}
	rec := &Record{
		KeyHash:   HashKey(raw),
		KeyPrefix: keyPrefix(raw),
		Name:      name,
		Enabled:   true,
		CreatedAt: m.now().UTC(),
		Metadata:  metadata,
		Source:    api.SourceManaged,
	}
	if limits != nil {
		rec.RateLimits = *limits
	}
	if err := m.putRecord(ctx, rec); err != nil {
		return "", nil, err
	}
	if err := m.kv.SAdd(ctx, indexKey, rec.KeyHash); err != nil {
		return "", nil, fmt.Errorf("indexing key: %w", err)
	}
	return raw, rec, nil
}

// Get loads one record by full key hash.
func (m *Manager) Get(ctx context.Context, keyHash string) (*Record, error) {
	fields, err := m.kv.HGetAll(ctx, recordKey(keyHash))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading key record: %w", err)
	}
	return recordFromHash(fields)
}

// List returns all managed records, plus materialised environment records
// when includeEnvironment is set. Results are ordered oldest first.
func (m *Manager) List(ctx context.Context, includeEnvironment bool) ([]*Record, error) {
	hashes, err := m.kv.SMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("listing key index: %w", err)
	}
	if includeEnvironment {
		for _, raw := range m.envKeys {
			if _, err := m.ensureEnvRecord(ctx, raw); err != nil {
				return nil, err
			}
		}
		envHashes, err := m.kv.SMembers(ctx, envIndexKey)
		if err != nil {
			return nil, fmt.Errorf("listing environment index: %w", err)
		}
		hashes = append(hashes, envHashes...)
	}

	records := make([]*Record, 0, len(hashes))
	for _, h := range hashes {
		rec, err := m.Get(ctx, h)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			m.log.Error(err, "skipping unreadable key record", "keyHash", h)
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].KeyHash < records[j].KeyHash
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Update patches name, enabled and rate limits on a managed record and
// invalidates its validation-cache entry so the change is seen immediately.
func (m *Manager) Update(ctx context.Context, keyHash string, req api.UpdateKeyRequest) error {
	rec, err := m.Get(ctx, keyHash)
	if err != nil {
		return err
	}
	if rec.Source == api.SourceEnvironment {
		return ErrEnvironmentKey
	}
	if req.Name != nil {
		rec.Name = *req.Name
	}
	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
	}
	if req.RateLimits != nil {
		rec.RateLimits = *req.RateLimits
	}
	if err := m.putRecord(ctx, rec); err != nil {
		return err
	}
	if err := m.kv.Del(ctx, validKey(ShortHash(keyHash))); err != nil {
		return fmt.Errorf("invalidating validation cache: %w", err)
	}
	return nil
}

// Revoke removes a managed record, its index entry and its cache entry.
func (m *Manager) Revoke(ctx context.Context, keyHash string) error {
	rec, err := m.Get(ctx, keyHash)
	if err != nil {
		return err
	}
	if rec.Source == api.SourceEnvironment {
		return ErrEnvironmentKey
	}
	if err := m.kv.Del(ctx, recordKey(keyHash), validKey(ShortHash(keyHash))); err != nil {
		return fmt.Errorf("deleting key record: %w", err)
	}
	if err := m.kv.SRem(ctx, indexKey, keyHash); err != nil {
		return fmt.Errorf("removing key from index: %w", err)
	}
	return nil
}

// FindByPrefix resolves a display prefix to a full key hash by scanning the
// managed index. Used by the admin CLI, where humans only see prefixes.
func (m *Manager) FindByPrefix(ctx context.Context, prefix string) (string, error) {
	hashes, err := m.kv.SMembers(ctx, indexKey)
	if err != nil {
		return "", fmt.Errorf("listing key index: %w", err)
	}
	for _, h := range hashes {
		rec, err := m.Get(ctx, h)
		if err != nil {
			continue
		}
		if strings.HasPrefix(rec.KeyPrefix, prefix) {
			return h, nil
		}
	}
	return "", ErrKeyNotFound
}

// Validate checks a raw key. The happy path is one cache read; misses fall
// back to the record store and finally to a constant-time comparison against
// the configured environment keys. A KV outage degrades to environment-only
// validation rather than failing the request outright.
func (m *Manager) Validate(ctx context.Context, raw string) ValidationResult {
	keyHash := HashKey(raw)
	short := ShortHash(keyHash)
	invalid := ValidationResult{KeyHash: keyHash}

	cached, err := m.kv.Get(ctx, validKey(short))
	switch {
	case err == nil:
		switch cached {
		case "env":
			return ValidationResult{Valid: true, KeyHash: keyHash, Source: api.SourceEnvironment}
		case "1":
			rec, err := m.Get(ctx, keyHash)
			if err != nil {
				// Revoked between cache write and now; drop the stale entry.
				_ = m.kv.Del(ctx, validKey(short))
				return invalid
			}
			return ValidationResult{Valid: true, KeyHash: keyHash, Source: rec.Source, Record: rec}
		}
	case errors.Is(err, kvstore.ErrUnavailable):
		return m.validateEnvOnly(raw, keyHash)
	case errors.Is(err, kvstore.ErrNotFound):
		// fall through to the record store
	default:
		m.log.Error(err, "validation cache read failed", "shortHash", short)
	}

	rec, err := m.Get(ctx, keyHash)
	switch {
	case err == nil:
		if !rec.Enabled {
			return invalid
		}
		// Materialised environment records must keep classifying as
		// environment once the cache entry lapses; they never accrue usage.
		entry := "1"
		if rec.Source == api.SourceEnvironment {
			entry = "env"
		}
		if err := m.kv.Set(ctx, validKey(short), entry, validationCacheTTL); err != nil {
			m.log.Error(err, "caching validation result", "shortHash", short)
		}
		return ValidationResult{Valid: true, KeyHash: keyHash, Source: rec.Source, Record: rec}
	case errors.Is(err, kvstore.ErrUnavailable):
		return m.validateEnvOnly(raw, keyHash)
	case !errors.Is(err, ErrKeyNotFound):
		m.log.Error(err, "key record read failed", "shortHash", short)
		return invalid
	}

	if m.matchesEnvKey(raw) {
		if _, err := m.ensureEnvRecord(ctx, raw); err != nil {
			m.log.Error(err, "materialising environment key record")
		}
		if err := m.kv.Set(ctx, validKey(short), "env", validationCacheTTL); err != nil {
			m.log.Error(err, "caching validation result", "shortHash", short)
		}
		return ValidationResult{Valid: true, KeyHash: keyHash, Source: api.SourceEnvironment}
	}
	return invalid
}

func (m *Manager) validateEnvOnly(raw, keyHash string) ValidationResult {
	if m.matchesEnvKey(raw) {
		return ValidationResult{Valid: true, KeyHash: keyHash, Source: api.SourceEnvironment}
	}
	return ValidationResult{KeyHash: keyHash}
}

// matchesEnvKey compares raw against every configured environment key in
// constant time. Comparing digests keeps the comparison length-independent.
func (m *Manager) matchesEnvKey(raw string) bool {
	rawSum := sha256.Sum256([]byte(raw))
	match := false
	for _, k := range m.envKeys {
		envSum := sha256.Sum256([]byte(k))
		if subtle.ConstantTimeCompare(rawSum[:], envSum[:]) == 1 {
			match = true
		}
	}
	return match
}

// CheckRateLimits walks the key's configured windows shortest first and
// reports the first exhausted one. Checks only read counters; admission is
// recorded later by IncrementUsage, so concurrent requests may collectively
// overshoot by the concurrency level.
func (m *Manager) CheckRateLimits(ctx context.Context, rec *Record) (bool, *api.WindowStatus) {
	if !m.rateLimitEnabled || rec == nil || rec.Source == api.SourceEnvironment {
		return true, nil
	}
	now := m.now()
	short := ShortHash(rec.KeyHash)
	for _, p := range periods {
		limit := limitFor(rec.RateLimits, p)
		if limit == nil {
			continue
		}
		used, err := m.kv.GetInt(ctx, usageKey(short, p, now))
		if errors.Is(err, kvstore.ErrUnavailable) {
			// Degrade open: an unreachable store must not reject traffic.
			m.log.V(1).Info("rate limiter degraded open", "shortHash", short)
			return true, nil
		}
		if err != nil {
			m.log.Error(err, "rate limit read failed", "shortHash", short, "window", p)
			return true, nil
		}
		if used >= int64(*limit) {
			remaining := int64(0)
			return false, &api.WindowStatus{
				Window:    p.Label(),
				Limit:     limit,
				Used:      used,
				Remaining: &remaining,
				ResetsAt:  resetTime(p, now),
				Exceeded:  true,
			}
		}
	}
	return true, nil
}

// IncrementUsage bumps all five calendar buckets for the key and the
// record's lifetime counter. Callers treat failures as non-fatal.
func (m *Manager) IncrementUsage(ctx context.Context, keyHash string) error {
	now := m.now()
	short := ShortHash(keyHash)
	for _, p := range periods {
		if _, err := m.kv.IncrWithTTL(ctx, usageKey(short, p, now), bucketTTL[p]); err != nil {
			return fmt.Errorf("incrementing %s bucket: %w", p, err)
		}
	}
	if err := m.kv.HIncrBy(ctx, recordKey(keyHash), "usage_count", 1); err != nil {
		return fmt.Errorf("incrementing usage_count: %w", err)
	}
	if err := m.kv.HSet(ctx, recordKey(keyHash), map[string]any{
		"last_used_at": now.UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("recording last_used_at: %w", err)
	}
	return nil
}

// RateLimitStatus reports all five windows for a key, limited or not.
func (m *Manager) RateLimitStatus(ctx context.Context, rec *Record) ([]api.WindowStatus, error) {
	now := m.now()
	short := ShortHash(rec.KeyHash)
	statuses := make([]api.WindowStatus, 0, len(periods))
	for _, p := range periods {
		used, err := m.kv.GetInt(ctx, usageKey(short, p, now))
		if err != nil {
			return nil, fmt.Errorf("reading %s bucket: %w", p, err)
		}
		ws := api.WindowStatus{
			Window:   p.Label(),
			Used:     used,
			ResetsAt: resetTime(p, now),
		}
		if limit := limitFor(rec.RateLimits, p); limit != nil {
			ws.Limit = limit
			remaining := int64(*limit) - used
			if remaining < 0 {
				remaining = 0
			}
			ws.Remaining = &remaining
			ws.Exceeded = used >= int64(*limit)
		}
		statuses = append(statuses, ws)
	}
	return statuses, nil
}

func (m *Manager) putRecord(ctx context.Context, rec *Record) error {
	fields, err := rec.hashFields()
	if err != nil {
		return err
	}
	if err := m.kv.HSet(ctx, recordKey(rec.KeyHash), fields); err != nil {
		return fmt.Errorf("storing key record: %w", err)
	}
	return nil
}

// ensureEnvRecord materialises a record for a configured environment key so
// it shows up in listings. Environment records are unlimited and immutable.
func (m *Manager) ensureEnvRecord(ctx context.Context, raw string) (*Record, error) {
	keyHash := HashKey(raw)
	rec, err := m.Get(ctx, keyHash)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	rec = &Record{
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix(raw),
		Name:      "environment",
		Enabled:   true,
		CreatedAt: m.now().UTC(),
		Source:    api.SourceEnvironment,
	}
	if err := m.putRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := m.kv.SAdd(ctx, envIndexKey, keyHash); err != nil {
		return nil, fmt.Errorf("indexing environment key: %w", err)
	}
	return rec, nil
}
