// Package apikey implements the credential plane: key records, validation
// with a short-TTL cache, five-window rate limiting and the HTTP auth gate.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kilnrun/kiln/api"
)

const (
	recordKeyPrefix = "api_keys:records:"
	validKeyPrefix  = "api_keys:valid:"
	indexKey        = "api_keys:index"
	envIndexKey     = "api_keys:env_index"

	// keyPrefixLen is how much of the raw key is kept for display ("sk-" + 8).
	keyPrefixLen = 11

	validationCacheTTL = 300 * time.Second
)

// Record is one credential. The raw key is never stored; the SHA-256 hex
// digest is the primary key and the first 11 characters of the raw key are
// kept for display.
type Record struct {
	KeyHash    string
	KeyPrefix  string
	Name       string
	Enabled    bool
	CreatedAt  time.Time
	LastUsedAt time.Time
	UsageCount int64
	Metadata   map[string]string
	RateLimits api.RateLimits
	Source     api.KeySource
}

// GenerateKey returns a new raw key of the form sk-<24 base64url chars>.
func GenerateKey() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating key material: %w", err)
	}
	return "sk-" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashKey returns the 64-char hex SHA-256 of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the 16-char prefix used in cache and counter keys.
func ShortHash(keyHash string) string {
	if len(keyHash) < 16 {
		return keyHash
	}
	return keyHash[:16]
}

func recordKey(keyHash string) string { return recordKeyPrefix + keyHash }
func validKey(short string) string    { return validKeyPrefix + short }

func keyPrefix(raw string) string {
	if len(raw) < keyPrefixLen {
		return raw
	}
	return raw[:keyPrefixLen]
}

// hashFields encodes the record for HSET. Structured fields (metadata, rate
// limits) are JSON blobs; times are RFC3339; usage_count stays a plain
// integer so HINCRBY works on it.
func (r *Record) hashFields() (map[string]any, error) {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	limits, err := json.Marshal(r.RateLimits)
	if err != nil {
		return nil, fmt.Errorf("encoding rate limits: %w", err)
	}
	fields := map[string]any{
		"key_hash":    r.KeyHash,
		"key_prefix":  r.KeyPrefix,
		"name":        r.Name,
		"enabled":     strconv.FormatBool(r.Enabled),
		"created_at":  r.CreatedAt.UTC().Format(time.RFC3339),
		"usage_count": r.UsageCount,
		"metadata":    string(metadata),
		"rate_limits": string(limits),
		"source":      string(r.Source),
	}
	if !r.LastUsedAt.IsZero() {
		fields["last_used_at"] = r.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return fields, nil
}

func recordFromHash(fields map[string]string) (*Record, error) {
	r := &Record{
		KeyHash:   fields["key_hash"],
		KeyPrefix: fields["key_prefix"],
		Name:      fields["name"],
		Source:    api.KeySource(fields["source"]),
	}
	if r.KeyHash == "" {
		return nil, fmt.Errorf("record has no key_hash")
	}
	r.Enabled = fields["enabled"] == "true"
	if v := fields["created_at"]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
	}
	if v := fields["last_used_at"]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		r.LastUsedAt = t
	}
	if v := fields["usage_count"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing usage_count: %w", err)
		}
		r.UsageCount = n
	}
	if v := fields["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if v := fields["rate_limits"]; v != "" {
		if err := json.Unmarshal([]byte(v), &r.RateLimits); err != nil {
			return nil, fmt.Errorf("decoding rate_limits: %w", err)
		}
	}
	return r, nil
}

// Response converts the record to its admin API shape.
func (r *Record) Response() api.APIKeyResponse {
	resp := api.APIKeyResponse{
		KeyHash:    r.KeyHash,
		KeyPrefix:  r.KeyPrefix,
		Name:       r.Name,
		Enabled:    r.Enabled,
		CreatedAt:  r.CreatedAt,
		UsageCount: r.UsageCount,
		Metadata:   r.Metadata,
		RateLimits: r.RateLimits,
		Source:     r.Source,
	}
	if !r.LastUsedAt.IsZero() {
		t := r.LastUsedAt
		resp.LastUsedAt = &t
	}
	return resp
}
