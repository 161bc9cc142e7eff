package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/apikey"
)

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	includeEnv := r.URL.Query().Get("include_environment") == "true"
	records, err := s.keys.List(r.Context(), includeEnv)
	if err != nil {
		s.log.Error(err, "listing api keys")
		writeError(w, http.StatusInternalServerError, "Failed to list keys", nil)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(records, func(rec *apikey.Record, _ int) api.APIKeyResponse {
		return rec.Response()
	}))
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req api.CreateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Validation failed", validationDetails(err))
		return
	}

	raw, rec, err := s.keys.Create(r.Context(), req.Name, req.RateLimits, req.Metadata)
	if err != nil {
		s.log.Error(err, "creating api key")
		writeError(w, http.StatusInternalServerError, "Failed to create key", nil)
		return
	}
	// The only response that ever carries the full key.
	writeJSON(w, http.StatusCreated, api.CreateKeyResponse{APIKey: raw, Record: rec.Response()})
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", nil)
		return
	}
	err := s.keys.Update(r.Context(), chi.URLParam(r, "hash"), req)
	if s.writeKeyMutationError(w, err, "updating api key") {
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	err := s.keys.Revoke(r.Context(), chi.URLParam(r, "hash"))
	if s.writeKeyMutationError(w, err, "revoking api key") {
		return
	}
	writeJSON(w, http.StatusOK, true)
}

// writeKeyMutationError maps manager errors onto 404/403/500 and reports
// whether a response was written.
func (s *Server) writeKeyMutationError(w http.ResponseWriter, err error, action string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, apikey.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, "Key not found", nil)
	case errors.Is(err, apikey.ErrEnvironmentKey):
		writeError(w, http.StatusForbidden, "Environment keys cannot be modified", nil)
	default:
		s.log.Error(err, action)
		writeError(w, http.StatusInternalServerError, "Key store error", nil)
	}
	return true
}

func (s *Server) handleKeyUsage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.keys.Get(r.Context(), chi.URLParam(r, "hash"))
	if s.writeKeyMutationError(w, err, "loading api key") {
		return
	}
	windows, err := s.keys.RateLimitStatus(r.Context(), rec)
	if err != nil {
		s.log.Error(err, "reading rate limit status")
		writeError(w, http.StatusInternalServerError, "Key store error", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record":  rec.Response(),
		"windows": windows,
	})
}

// handleAdminStats is GET /admin/stats?hours=1..168: the durable KV window
// plus the live snapshot, pool state and backing-service health.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 168 {
			writeError(w, http.StatusUnprocessableEntity, "hours must be between 1 and 168", nil)
			return
		}
		hours = n
	}

	durable, err := s.sink.DurableWindow(r.Context(), hours)
	if err != nil {
		s.log.Error(err, "aggregating durable metrics")
		writeError(w, http.StatusInternalServerError, "Metrics store error", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"summary": durable,
		"live":    s.sink.Snapshot(),
		"pool":    s.pools.Stats(),
		"health":  s.healthSnapshot(r.Context()),
	})
}
