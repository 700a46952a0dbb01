// Package server exposes webhook delivery and bot management over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	coreconfig "github.com/m3rciful/botrunner/core/config"
	"github.com/m3rciful/botrunner/core/logger"
	"github.com/m3rciful/botrunner/core/platform"
	"github.com/m3rciful/botrunner/core/runtime"
	"github.com/m3rciful/botrunner/core/sandbox"
	"github.com/m3rciful/botrunner/core/store"
)

const (
	secretHeader = "X-Telegram-Bot-Api-Secret-Token"
	adminHeader  = "X-Admin-Token"
)

// Dispatcher accepts raw webhook payloads.
type Dispatcher interface {
	Dispatch(ctx context.Context, credential string, raw []byte) error
}

// Registry is the management surface of the runtime.
type Registry interface {
	RegisterOrRefresh(ctx context.Context, credential string) (*runtime.Session, error)
	InvalidateCommandCache(ctx context.Context, credential string) (bool, error)
	Deactivate(ctx context.Context, credential string) error
	TestCommand(ctx context.Context, credential string, commandID int64, input string) error
	Sessions() []runtime.SessionInfo
}

// Server routes HTTP requests to the runtime.
type Server struct {
	cfg      coreconfig.ServerConfig
	webhook  coreconfig.WebhookConfig
	dispatch Dispatcher
	registry Registry
	mux      *http.ServeMux
}

// New builds the handler tree.
func New(cfg coreconfig.ServerConfig, webhook coreconfig.WebhookConfig, d Dispatcher, reg Registry) *Server {
	s := &Server{cfg: cfg, webhook: webhook, dispatch: d, registry: reg, mux: http.NewServeMux()}

	prefix := "/" + strings.Trim(webhook.PathPrefix, "/")
	s.mux.HandleFunc("POST "+prefix+"/{token}", s.handleWebhook)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("GET /internal/bots", s.admin(s.handleSessions))
	s.mux.Handle("POST /internal/bots/{token}/refresh", s.admin(s.handleRefresh))
	s.mux.Handle("POST /internal/bots/{token}/invalidate", s.admin(s.handleInvalidate))
	s.mux.Handle("DELETE /internal/bots/{token}", s.admin(s.handleDeactivate))
	s.mux.Handle("POST /internal/bots/{token}/commands/{id}/test", s.admin(s.handleTestCommand))
	return s
}

// ServeHTTP implements http.Handler with access logging.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	// Paths carry credentials, so only the route pattern is logged.
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	level := slog.LevelDebug
	if rec.status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	logger.Event(r.Context(), "http", level, "http.request",
		slog.String("method", r.Method),
		slog.String("route", route),
		slog.Int("code", rec.status),
		slog.Duration("duration", logger.Took(start)),
	)
}

// Run serves on cfg.Listen until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: time.Duration(s.cfg.ReadTimeoutMS) * time.Millisecond,
		ReadTimeout:       time.Duration(s.cfg.ReadTimeoutMS) * time.Millisecond,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http", "http.listen", slog.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(s.cfg.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// WebhookURL returns the public delivery URL builder for cfg, or nil when no
// public URL is configured.
func WebhookURL(cfg coreconfig.WebhookConfig) func(credential string) string {
	base := strings.TrimRight(cfg.PublicURL, "/")
	if base == "" {
		return nil
	}
	prefix := "/" + strings.Trim(cfg.PathPrefix, "/")
	return func(credential string) string {
		return base + prefix + "/" + url.PathEscape(credential)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if s.webhook.Secret != "" && !equal(r.Header.Get(secretHeader), s.webhook.Secret) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := s.dispatch.Dispatch(r.Context(), token, body); err != nil {
		logger.Warn(logger.WithBot(r.Context(), platform.Key(token)), "http", "webhook.dispatch",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(s.registry.Sessions())})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.registry.Sessions()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	sess, err := s.registry.RegisterOrRefresh(r.Context(), token)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	resp := map[string]any{"bot": platform.Key(token)}
	if sess != nil {
		snap := sess.Snapshot()
		resp["username"] = sess.Identity().Username
		resp["commands"] = snap.Commands
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	live, err := s.registry.InvalidateCommandCache(r.Context(), token)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot": platform.Key(token), "live": live})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if err := s.registry.Deactivate(r.Context(), token); err != nil {
		writeFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type testRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleTestCommand(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}
	var req testRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	if err := s.registry.TestCommand(r.Context(), token, id, req.Input); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// admin guards management routes. Without a configured token they are off.
func (s *Server) admin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			http.NotFound(w, r)
			return
		}
		if !equal(r.Header.Get(adminHeader), s.cfg.AdminToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	var (
		bf *runtime.BootstrapFault
		ef *sandbox.ExecutionFault
	)
	switch {
	case errors.As(err, &bf):
		writeError(w, http.StatusBadGateway, "bootstrap failed at "+bf.Stage)
	case errors.As(err, &ef):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "command fault",
			"command": ef.Command,
			"pattern": ef.Pattern,
			"message": ef.Message(),
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "command not found")
	case errors.Is(err, runtime.ErrNoAdmin):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout")
	default:
		logger.Error(r.Context(), "http", "admin.fail",
			slog.String("status", "fail"),
			slog.String("route", r.Pattern),
			slog.String("err", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
