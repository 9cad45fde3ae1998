// Package opsserver serves the local operations endpoints: health, metrics,
// task status and a manual sweep trigger.
package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/privacyd/internal/brand"
	"grimm.is/privacyd/internal/health"
	"grimm.is/privacyd/internal/logging"
	"grimm.is/privacyd/internal/scheduler"
)

// Tasks is the scheduler surface exposed over HTTP.
type Tasks interface {
	GetStatus() []scheduler.TaskStatus
	RunTask(id string) error
	EnableTask(id string, enabled bool) error
	IsRunning() bool
}

// Deps are the components the endpoints report on.
type Deps struct {
	Health          *health.Checker
	Tasks           Tasks
	StreamConnected func() bool
	Blocked         func(ctx context.Context) []string
	Gatherer        prometheus.Gatherer
	Logger          *logging.Logger
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version          string                 `json:"version"`
	SchedulerRunning bool                   `json:"scheduler_running"`
	StreamConnected  bool                   `json:"stream_connected"`
	Blocked          []string               `json:"blocked"`
	Tasks            []scheduler.TaskStatus `json:"tasks"`
}

// NewRouter builds the ops HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Logger == nil {
		d.Logger = logging.WithComponent("ops")
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(d.Logger))

	if d.Health != nil {
		r.Get("/healthz", d.Health.Handler())
	}
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{Version: brand.Version, Blocked: []string{}}
		if d.StreamConnected != nil {
			resp.StreamConnected = d.StreamConnected()
		}
		if d.Blocked != nil {
			if ips := d.Blocked(r.Context()); ips != nil {
				resp.Blocked = ips
			}
		}
		if d.Tasks != nil {
			resp.SchedulerRunning = d.Tasks.IsRunning()
			resp.Tasks = d.Tasks.GetStatus()
		}
		respondJSON(w, http.StatusOK, resp)
	})

	r.Post("/tasks/{id}/run", func(w http.ResponseWriter, r *http.Request) {
		if d.Tasks == nil {
			respondError(w, http.StatusServiceUnavailable, "scheduler not available")
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.Tasks.RunTask(id); err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"task": id, "status": "started"})
	})

	r.Post("/tasks/{id}/enable", setEnabled(d.Tasks, true))
	r.Post("/tasks/{id}/disable", setEnabled(d.Tasks, false))

	return r
}

func setEnabled(tasks Tasks, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tasks == nil {
			respondError(w, http.StatusServiceUnavailable, "scheduler not available")
			return
		}
		id := chi.URLParam(r, "id")
		if err := tasks.EnableTask(id, enabled); err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"task": id, "enabled": enabled})
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"code": status, "message": message})
}

// requestLogger logs each request at debug level.
func requestLogger(l *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			l.Debug("request", "method", r.Method, "path", r.URL.Path,
				"status", ww.Status(), "duration", time.Since(start))
		})
	}
}

// Serve runs the ops server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", addr)
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
