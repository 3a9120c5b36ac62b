// Package statusapi serves a local HTTP API for inspecting and steering the
// sync engine: queue contents, pending conflicts, manual resolution and
// retries. It binds to loopback by default and carries no authentication.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
	syncpkg "github.com/Zozz7777/Clutchplatform-sub014/internal/sync"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/scheduler"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/telemetry"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/uuid"
)

// Engine is what the API needs from the sync engine.
type Engine interface {
	Status(ctx context.Context) (*syncpkg.EngineStatus, error)
	Operations(ctx context.Context, status models.OperationStatus, limit int) ([]*models.Operation, error)
	Operation(ctx context.Context, id models.UUID) (*models.Operation, error)
	Conflicts() []*models.Conflict
	Conflict(ctx context.Context, id models.UUID) (*models.Conflict, error)
	ResolveManually(ctx context.Context, id models.UUID, resolution models.Resolution, merged json.RawMessage) (*models.Conflict, error)
	Retry(ctx context.Context, id models.UUID) error
	RetryAllFailed(ctx context.Context) (int, error)
	TriggerFlush()
	Metrics() telemetry.Snapshot
}

// Scheduler is the optional scheduler half; with it, POST /sync/flush runs a
// full sync instead of a bare flush.
type Scheduler interface {
	GetStatus() scheduler.SchedulerStatus
	TriggerSync(ctx context.Context) bool
}

var (
	_ Engine    = (*syncpkg.Engine)(nil)
	_ Scheduler = (*scheduler.Scheduler)(nil)
)

const (
	defaultListLimit    = 100
	defaultWriteTimeout = 15 * time.Second
)

// Server holds the router and its dependencies.
type Server struct {
	engine    Engine
	scheduler Scheduler
	router    *mux.Router
	baseCtx   context.Context

	writeTimeout time.Duration
}

// New builds the router. sched may be nil.
func New(ctx context.Context, engine Engine, sched Scheduler) *Server {
	s := &Server{engine: engine, scheduler: sched, baseCtx: ctx, writeTimeout: defaultWriteTimeout}

	r := mux.NewRouter()
	r.Use(loggerMiddleware)

	r.HandleFunc("/health", s.health).Methods("GET")

	api := r.PathPrefix("/sync").Subrouter()
	api.HandleFunc("/status", s.status).Methods("GET")
	api.HandleFunc("/metrics", s.metrics).Methods("GET")
	api.HandleFunc("/flush", s.flush).Methods("POST")
	api.HandleFunc("/operations", s.listOperations).Methods("GET")
	api.HandleFunc("/operations/retry", s.retryAll).Methods("POST")
	api.HandleFunc("/operations/{id}", s.getOperation).Methods("GET")
	api.HandleFunc("/operations/{id}/retry", s.retry).Methods("POST")
	api.HandleFunc("/conflicts", s.listConflicts).Methods("GET")
	api.HandleFunc("/conflicts/{id}", s.getConflict).Methods("GET")
	api.HandleFunc("/conflicts/{id}/resolve", s.resolve).Methods("POST")

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// WithUpstreamTimeout sizes the write timeout so handlers that call the POS
// server, such as conflict resolution, can finish a full request first.
func (s *Server) WithUpstreamTimeout(d time.Duration) *Server {
	if d > 0 {
		s.writeTimeout = d + defaultWriteTimeout
	}
	return s
}

func (s *Server) httpServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := s.httpServer(addr)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Status API listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// =====================================================
// Handlers
// =====================================================

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Engine    *syncpkg.EngineStatus      `json:"engine"`
	Scheduler *scheduler.SchedulerStatus `json:"scheduler,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	resp := statusResponse{Engine: st}
	if s.scheduler != nil {
		sched := s.scheduler.GetStatus()
		resp.Scheduler = &sched
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Metrics())
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	if s.scheduler != nil {
		// The sync outlives the request.
		started := s.scheduler.TriggerSync(s.baseCtx)
		writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
		return
	}
	s.engine.TriggerFlush()
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.OperationStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "unknown status "+strconv.Quote(string(status)))
		return
	}
	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ops, err := s.engine.Operations(r.Context(), status, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

// pathID reads and normalizes the {id} route variable.
func pathID(w http.ResponseWriter, r *http.Request) (models.UUID, bool) {
	id, err := uuid.ParseOperationID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	op, err := s.engine.Operation(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.Retry(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": string(id)})
}

func (s *Server) retryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RetryAllFailed(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"retried": n})
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Conflicts())
}

func (s *Server) getConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.engine.Conflict(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ResolveRequest is the body of POST /sync/conflicts/{id}/resolve.
type ResolveRequest struct {
	Resolution models.Resolution `json:"resolution"`
	Data       json.RawMessage   `json:"data,omitempty"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "invalid request body")
		return
	}
	if !req.Resolution.Final() {
		writeError(w, http.StatusBadRequest, apperrors.ErrConflictInvalid, "resolution must be local_wins, server_wins or merged")
		return
	}

	c, err := s.engine.ResolveManually(r.Context(), id, req.Resolution, req.Data)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// =====================================================
// Middleware
// =====================================================

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		logging.Debug("Status API request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
