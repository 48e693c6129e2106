// Package httpapi is the control surface: health and status reads,
// Prometheus scrapes, and manual collection, backfill, placeholder, and
// gap-check triggers.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/datapulse/collector/internal/config"
	"github.com/datapulse/collector/internal/metrics"
	"github.com/datapulse/collector/internal/scheduler"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// serviceName identifies the process on the liveness endpoint.
const serviceName = "datapulse"

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// Server exposes the control endpoints for all collector loops in the
// process.
type Server struct {
	router *mux.Router
	server *http.Server
	sched  *scheduler.Scheduler
	reg    *metrics.Registry
	cfg    ServerConfig
	log    zerolog.Logger
}

// NewServer wires the routes over a running scheduler.
func NewServer(cfg ServerConfig, sched *scheduler.Scheduler, reg *metrics.Registry, logger zerolog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		router: mux.NewRouter(),
		sched:  sched,
		reg:    reg,
		cfg:    cfg,
		log:    logger.With().Str("component", "httpapi").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.Handle("/metrics", s.reg.Handler()).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/collect", s.handleCollect).Methods("POST")
	api.HandleFunc("/collect/{days:[0-9-]+}", s.handleCollectDays).Methods("POST")
	api.HandleFunc("/placeholders", s.handlePlaceholders).Methods("POST")
	api.HandleFunc("/gap-check", s.handleGapCheck).Methods("POST")

	s.router.NotFoundHandler = jsonContentTypeMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	}))
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// collectorParam resolves the `type` query parameter. With a single
// configured collector the parameter may be omitted.
func (s *Server) collectorParam(w http.ResponseWriter, r *http.Request) (*scheduler.Collector, bool) {
	name := r.URL.Query().Get("type")
	if name == "" {
		types := s.sched.Types()
		if len(types) == 1 {
			name = types[0]
		} else {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("type parameter is required; configured: %v", types))
			return nil, false
		}
	}
	c, ok := s.sched.Collector(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown collector type %q", name))
		return nil, false
	}
	return c, true
}

// handleHealth is a liveness probe. It never touches the store; the rich
// per-collector view lives on /status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
	})
}

// collectorStatus assembles the status body for one collector: the computed
// health snapshot, the tracker statistics, and the effective configuration.
// A failed snapshot still returns the tracker's last-known numbers so a
// degraded store never hides behind an opaque error.
func (s *Server) collectorStatus(ctx context.Context, c *scheduler.Collector) map[string]interface{} {
	out := map[string]interface{}{
		"statistics":    c.Tracker().Snapshot(),
		"configuration": collectorConfiguration(c.Config()),
	}
	snap, err := c.Health(ctx)
	if err != nil {
		out["health"] = map[string]string{"error": err.Error()}
		return out
	}
	out["health"] = snap
	return out
}

func collectorConfiguration(cfg config.CollectorConfig) map[string]interface{} {
	return map[string]interface{}{
		"collector_type":      cfg.Type,
		"table":               cfg.Table,
		"interval":            cfg.Interval.String(),
		"lookback":            cfg.Lookback.String(),
		"gap_tolerance":       cfg.GapTolerance().String(),
		"max_backfill_days":   cfg.MaxBackfillDays,
		"ensure_placeholders": cfg.EnsurePlaceholders,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("type"); name != "" {
		c, ok := s.sched.Collector(name)
		if !ok {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown collector type %q", name))
			return
		}
		s.writeJSON(w, http.StatusOK, s.collectorStatus(r.Context(), c))
		return
	}

	out := make(map[string]interface{}, len(s.sched.Types()))
	for _, name := range s.sched.Types() {
		c, _ := s.sched.Collector(name)
		out[name] = s.collectorStatus(r.Context(), c)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collectorParam(w, r)
	if !ok {
		return
	}
	queued := c.TriggerCollect()
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"collector_type": c.Type(),
		"triggered":      true,
		"triggered_at":   time.Now().UTC().Format(time.RFC3339),
		"queued":         queued,
		"coalesced":      !queued,
	})
}

func (s *Server) handleCollectDays(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collectorParam(w, r)
	if !ok {
		return
	}
	days, err := strconv.Atoi(mux.Vars(r)["days"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "days must be an integer")
		return
	}

	queuedDays, queued, err := c.TriggerBackfill(days)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := map[string]interface{}{
		"collector_type": c.Type(),
		"requested_days": days,
		"days":           queuedDays,
		"clamped":        queuedDays != days,
		"queued":         queued,
		"coalesced":      !queued,
	}
	// Best effort: the acknowledgement is still useful without the estimate.
	if estimate, err := c.EstimateBackfillPoints(r.Context(), queuedDays); err == nil {
		resp["estimated_points"] = estimate
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handlePlaceholders(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collectorParam(w, r)
	if !ok {
		return
	}
	queued := c.TriggerPlaceholders()
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"collector_type": c.Type(),
		"triggered":      true,
		"queued":         queued,
		"coalesced":      !queued,
	})
}

// handleGapCheck runs synchronously: the caller gets the measured gap and
// whether a backfill was queued as a result.
func (s *Server) handleGapCheck(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collectorParam(w, r)
	if !ok {
		return
	}
	result, err := c.GapCheck(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug().Err(err).Msg("Response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request handled")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response code for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
