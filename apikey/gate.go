package apikey

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/support/kvstore"
)

const (
	authFailurePrefix    = "auth_failures:"
	authFailureTTL       = time.Hour
	authFailureThreshold = 10
)

// Identity is what the gate attaches to the request context after a
// successful validation.
type Identity struct {
	Key     string
	KeyHash string
	Source  api.KeySource
}

// IsEnvironment reports whether the request authenticated with a
// process-environment key.
func (id Identity) IsEnvironment() bool { return id.Source == api.SourceEnvironment }

type ctxKey struct{}

// IdentityFrom extracts the caller identity stored by the gate.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// GateRecorder counts auth and rate-limit rejections. Implemented by the
// metrics sink.
type GateRecorder interface {
	RecordAuthFailure()
	RecordRateLimited(window string)
}

type nopGateRecorder struct{}

func (nopGateRecorder) RecordAuthFailure()       {}
func (nopGateRecorder) RecordRateLimited(string) {}

// Gate is the authentication middleware in front of the execution API.
// It validates the key, enforces the per-IP failure throttle and the
// per-key rate limits, and records usage.
type Gate struct {
	mgr *Manager
	kv  *kvstore.Store
	rec GateRecorder
	log logr.Logger
}

func NewGate(mgr *Manager, kv *kvstore.Store, log logr.Logger) *Gate {
	return &Gate{mgr: mgr, kv: kv, rec: nopGateRecorder{}, log: log.WithName("authgate")}
}

// WithRecorder attaches a rejection counter to the gate.
func (g *Gate) WithRecorder(rec GateRecorder) *Gate {
	g.rec = rec
	return g
}

// Middleware wraps next with the full auth pipeline. Health, docs and admin
// subtrees are exempt (admin carries its own master-key check), as are CORS
// preflights.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		ip := clientIP(r)

		if g.throttled(ctx, ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(authFailureTTL.Seconds())))
			writeError(w, http.StatusTooManyRequests, "Too many failed authentication attempts", nil)
			return
		}

		raw := extractKey(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "API key required", nil)
			return
		}

		res := g.mgr.Validate(ctx, raw)
		if !res.Valid {
			g.recordFailure(ctx, ip)
			g.rec.RecordAuthFailure()
			writeError(w, http.StatusUnauthorized, "Invalid API key", nil)
			return
		}

		if allowed, window := g.mgr.CheckRateLimits(ctx, res.Record); !allowed {
			if window != nil {
				g.rec.RecordRateLimited(window.Window)
			}
			writeRateLimited(w, window)
			return
		}

		if res.Source == api.SourceManaged {
			g.recordUsage(ctx, res.KeyHash)
		}

		id := Identity{Key: raw, KeyHash: res.KeyHash, Source: res.Source}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKey{}, id)))
	})
}

func isExempt(path string) bool {
	switch path {
	case "/health", "/ready", "/docs", "/redoc", "/openapi.json":
		return true
	}
	return strings.HasPrefix(path, "/health/") ||
		strings.HasPrefix(path, "/admin") ||
		strings.HasPrefix(path, "/dashboard")
}

// extractKey follows the precedence x-api-key, Bearer, ApiKey.
func extractKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("x-api-key")); k != "" {
		return k
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	for _, scheme := range []string{"Bearer ", "ApiKey "} {
		if len(auth) > len(scheme) && strings.EqualFold(auth[:len(scheme)], scheme) {
			return strings.TrimSpace(auth[len(scheme):])
		}
	}
	return ""
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gate) throttled(ctx context.Context, ip string) bool {
	failures, err := g.kv.GetInt(ctx, authFailurePrefix+ip)
	if err != nil {
		// Outage: do not throttle on missing data.
		return false
	}
	return failures >= authFailureThreshold
}

func (g *Gate) recordFailure(ctx context.Context, ip string) {
	if _, err := g.kv.IncrWithTTL(ctx, authFailurePrefix+ip, authFailureTTL); err != nil &&
		!errors.Is(err, kvstore.ErrUnavailable) {
		g.log.Error(err, "recording auth failure", "ip", ip)
	}
}

// recordUsage fires the usage increment without blocking the request.
func (g *Gate) recordUsage(ctx context.Context, keyHash string) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	go func() {
		defer cancel()
		if err := g.mgr.IncrementUsage(bg, keyHash); err != nil &&
			!errors.Is(err, kvstore.ErrUnavailable) {
			g.log.Error(err, "recording key usage", "shortHash", ShortHash(keyHash))
		}
	}()
}

func writeRateLimited(w http.ResponseWriter, window *api.WindowStatus) {
	msg := "Rate limit exceeded"
	if window != nil {
		msg = fmt.Sprintf("Rate limit exceeded for %s window", window.Window)
		if window.Limit != nil {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(*window.Limit))
		}
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(window.ResetsAt.Unix(), 10))
		w.Header().Set("X-RateLimit-Period", window.Window)
		retry := int(time.Until(window.ResetsAt).Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	writeError(w, http.StatusTooManyRequests, msg, nil)
}

// MasterKeyMiddleware gates the admin subtree on the configured master key.
// With no master key configured the admin API is disabled outright.
func MasterKeyMiddleware(masterKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if masterKey == "" {
				writeError(w, http.StatusServiceUnavailable, "Admin API is not enabled", nil)
				return
			}
			got := r.Header.Get("x-api-key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(masterKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Invalid master key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: msg, Details: details})
}
