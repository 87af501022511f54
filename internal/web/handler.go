// Package web serves the browser chat surface. It shares the session
// engine, schema cache, and history recorder with the command line.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/config"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/history"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/observability"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/session"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

type ReadinessCheck func(ctx context.Context) error

// QueryEngine is the session lifecycle the chat adapter drives.
type QueryEngine interface {
	Start(ctx context.Context, request string) (*session.Session, error)
	Refine(ctx context.Context, s *session.Session, feedback string) error
	Execute(ctx context.Context, s *session.Session) error
	Explain(ctx context.Context, s *session.Session) error
	Cancel(s *session.Session) error
}

type SchemaSource interface {
	Get(ctx context.Context) (table.TableSchema, error)
}

type Historian interface {
	Record(ctx context.Context, s *session.Session) error
	Recent(limit int) []history.Summary
}

type Previewer interface {
	FetchPreview(ctx context.Context, rowLimit int) (table.ResultSet, error)
}

type Dependencies struct {
	Logger      *slog.Logger
	Readiness   ReadinessCheck
	Engine      QueryEngine
	Schema      SchemaSource
	History     Historian
	Preview     Previewer
	PreviewRows int
	// ClientTimeout bounds individual websocket writes.
	ClientTimeout time.Duration
	UI            http.Handler
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.ClientTimeout <= 0 {
		deps.ClientTimeout = cfg.Web.ClientTimeout
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("GET /v1/chat", func(w http.ResponseWriter, r *http.Request) {
		handleChat(deps, w, r)
	})
	protected.HandleFunc("GET /v1/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": deps.History.Recent(0)})
	})
	if deps.UI != nil {
		protected.Handle("GET /{path...}", deps.UI)
	}

	guard := AllowListMiddleware(deps.Logger, cfg.Web.AllowedIPs)
	protectedHandler := guard(protected)
	mux.Handle("GET /v1/chat", protectedHandler)
	mux.Handle("GET /v1/history", protectedHandler)
	if deps.UI != nil {
		mux.Handle("GET /{path...}", protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
