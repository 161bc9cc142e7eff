// Package server wires the HTTP surface: the gated execution API, the
// session file plane, the master-keyed admin API and the health probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/apikey"
	"github.com/kilnrun/kiln/dispatch"
	"github.com/kilnrun/kiln/metrics"
	"github.com/kilnrun/kiln/sandbox/pool"
	"github.com/kilnrun/kiln/session"
	"github.com/kilnrun/kiln/support/config"
)

// Pinger probes one backing service for the health endpoints.
type Pinger func(ctx context.Context) error

// Server holds every collaborator the HTTP handlers touch.
type Server struct {
	cfg        *config.Config
	log        logr.Logger
	gate       *apikey.Gate
	keys       *apikey.Manager
	dispatcher *dispatch.Dispatcher
	sessions   *session.Store
	sink       *metrics.Sink
	pools      *pool.Manager
	validate   *validator.Validate

	redisPing Pinger
	minioPing Pinger
	k8sPing   Pinger
}

// Deps bundles the collaborators for New.
type Deps struct {
	Config     *config.Config
	Gate       *apikey.Gate
	Keys       *apikey.Manager
	Dispatcher *dispatch.Dispatcher
	Sessions   *session.Store
	Sink       *metrics.Sink
	Pools      *pool.Manager
	RedisPing  Pinger
	MinioPing  Pinger
	K8sPing    Pinger
}

func New(deps Deps, log logr.Logger) *Server {
	return &Server{
		cfg:        deps.Config,
		log:        log.WithName("http"),
		gate:       deps.Gate,
		keys:       deps.Keys,
		dispatcher: deps.Dispatcher,
		sessions:   deps.Sessions,
		sink:       deps.Sink,
		pools:      deps.Pools,
		validate:   validator.New(),
		redisPing:  deps.RedisPing,
		minioPing:  deps.MinioPing,
		k8sPing:    deps.K8sPing,
	}
}

// Router assembles the chi handler chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(s.observeRequests)
	r.Use(s.gate.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Get("/health/redis", s.handleProbe("redis", func() Pinger { return s.redisPing }))
	r.Get("/health/minio", s.handleProbe("minio", func() Pinger { return s.minioPing }))
	r.Get("/health/kubernetes", s.handleProbe("kubernetes", func() Pinger { return s.k8sPing }))
	r.Get("/ready", s.handleHealth)

	r.Post("/exec", s.handleExec)
	r.Post("/upload", s.handleUpload)
	r.Get("/files/{session}", s.handleListFiles)
	r.Get("/download/{session}/{id}", s.handleDownload)
	r.Delete("/files/{session}/{id}", s.handleDeleteFile)
	r.Post("/state/{session}", s.handleSaveState)
	r.Get("/state/{session}", s.handleGetState)

	r.Route("/admin", func(r chi.Router) {
		r.Use(apikey.MasterKeyMiddleware(s.cfg.MasterAPIKey))
		r.Get("/keys", s.handleListKeys)
		r.Post("/keys", s.handleCreateKey)
		r.Patch("/keys/{hash}", s.handleUpdateKey)
		r.Delete("/keys/{hash}", s.handleRevokeKey)
		r.Get("/keys/{hash}/usage", s.handleKeyUsage)
		r.Get("/stats", s.handleAdminStats)
	})

	return r
}

// observeRequests feeds the API metrics tier. The route pattern, not the
// raw path, is used as the label to keep cardinality bounded.
func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		s.sink.RecordAPIRequest(metrics.APIMetric{
			Timestamp:  start.UTC(),
			Method:     r.Method,
			Path:       path,
			StatusCode: ww.status,
			DurationMS: time.Since(start).Milliseconds(),
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func decodeJSON(r *http.Request, into any) error {
	return json.NewDecoder(r.Body).Decode(into)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg, Details: details})
}

// validationDetails flattens validator errors into the field-level details
// of a 422 response.
func validationDetails(err error) map[string]string {
	details := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
	}
	return details
}
