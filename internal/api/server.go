// Package api implements the thin HTTP adapter for the oracle's external
// interfaces (spec.md §6): resolve, schedule CRUD, run-now, and health.
// Grounded almost directly on the teacher's internal/api/server.go — router
// setup, CORS/logging middleware, responseWriter status wrapper, and
// writeErrorResponse envelope survive unchanged in shape, rewritten against
// this domain's request/response bodies instead of transaction-explanation
// ones.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/chainprice/oracle/internal/oraclerr"
	"github.com/chainprice/oracle/internal/registry"
	"github.com/chainprice/oracle/internal/resolver"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Server is the HTTP composition root over the Resolver and Registry.
type Server struct {
	router   *mux.Router
	resolver *resolver.Resolver
	registry *registry.Registry
	address  string
	server   *http.Server
	log      zerolog.Logger
}

func NewServer(address string, r *resolver.Resolver, reg *registry.Registry, log zerolog.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		resolver: r,
		registry: reg,
		address:  address,
		log:      log.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/resolve", s.handleResolve).Methods("POST")
	v1.HandleFunc("/schedules", s.handleCreateSchedule).Methods("POST")
	v1.HandleFunc("/schedules", s.handleListSchedules).Methods("GET")
	v1.HandleFunc("/schedules/{id}", s.handleGetSchedule).Methods("GET")
	v1.HandleFunc("/schedules/{id}", s.handleUpdateSchedule).Methods("PUT")
	v1.HandleFunc("/schedules/{id}", s.handleDeleteSchedule).Methods("DELETE")
	v1.HandleFunc("/schedules/{id}/run", s.handleRunNow).Methods("POST")
}

// Start begins serving and blocks until the server stops or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", s.address).Msg("starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop gracefully shuts the server down within a bounded window.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "oracle",
	}
	s.writeJSON(w, http.StatusOK, response)
}

type resolveRequest struct {
	Token     string `json:"token"`
	Network   string `json:"network"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	result, err := s.resolver.Resolve(r.Context(), req.Token, req.Network, req.Timestamp)
	if err != nil {
		s.writeOracleError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"price":     result.Price,
		"source":    result.Source,
		"timestamp": result.Timestamp,
		"token":     result.Token,
		"network":   result.Network,
	})
}

type scheduleRequest struct {
	Token    string `json:"token"`
	Network  string `json:"network"`
	Interval string `json:"interval,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if req.Token == "" || req.Network == "" {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "token and network are required", nil)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rec, err := s.registry.Create(r.Context(), req.Token, req.Network, req.Interval, enabled)
	if err != nil {
		s.writeOracleError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":       true,
		"jobId":         rec.ID,
		"message":       "schedule created",
		"estimatedTime": 0,
		"scheduledAt":   rec.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	records, counts := s.registry.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   records,
		"total":  counts.Total,
		"active": counts.Active,
	})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.registry.Get(id)
	if err != nil {
		s.writeOracleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	rec, err := s.registry.Update(r.Context(), id, req.Enabled)
	if err != nil {
		s.writeOracleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Delete(id); err != nil {
		s.writeOracleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	jobID, err := s.registry.RunNow(r.Context(), id)
	if err != nil {
		s.writeOracleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":       true,
		"jobId":         jobID,
		"message":       "backfill enqueued",
		"estimatedTime": 0,
		"scheduledAt":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeOracleError translates the §7 error taxonomy into the §6 error
// envelope and the matching HTTP status.
func (s *Server) writeOracleError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	var details interface{}

	if oe, ok := err.(*oraclerr.Error); ok {
		switch oe.Kind {
		case oraclerr.KindInvalidInput:
			status = http.StatusBadRequest
		case oraclerr.KindNotFound:
			status = http.StatusNotFound
		case oraclerr.KindAlreadyExists:
			status = http.StatusConflict
			details = map[string]string{"existingId": oe.ExistingID}
		case oraclerr.KindDisabled:
			status = http.StatusConflict
		case oraclerr.KindQueueUnavailable, oraclerr.KindStoreUnavailable, oraclerr.KindCacheUnavailable:
			status = http.StatusServiceUnavailable
		}
	}

	s.writeErrorResponse(w, r, status, message, details)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string, details interface{}) {
	response := map[string]interface{}{
		"error":      message,
		"statusCode": status,
		"timestamp":  time.Now().UTC(),
		"path":       r.URL.Path,
	}
	if details != nil {
		response["details"] = details
	}
	if status >= 500 {
		s.log.Error().Str("path", r.URL.Path).Str("message", message).Msg("request failed")
	}
	s.writeJSON(w, status, response)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
