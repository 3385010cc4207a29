// Package transport serves MCP sessions over Streamable HTTP on a single path.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"pg-mcp-server/internal/metrics"
	"pg-mcp-server/internal/session"
)

const (
	sessionHeader = "Mcp-Session-Id"
	maxBodyBytes  = 4 << 20
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Sessions is the part of *session.Manager the transport uses.
type Sessions interface {
	Create() (*session.Session, error)
	Lookup(id string) (*session.Session, error)
	Close(id string) error
}

type Options struct {
	Addr     string
	Path     string
	Sessions Sessions
	Health   Pinger
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Server struct {
	chi.Router

	opts   Options
	log    *slog.Logger
	server *http.Server
}

func New(opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	s := &Server{
		Router: chi.NewRouter(),
		opts:   opts,
		log:    opts.Logger,
	}

	s.Use(middleware.RequestID)
	s.Use(middleware.Recoverer)
	s.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Accept", sessionHeader, "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposedHeaders:   []string{sessionHeader},
		AllowCredentials: false,
	}).Handler)
	s.Use(s.logRequests)

	s.Post(opts.Path, s.handlePost)
	s.Get(opts.Path, s.handleGet)
	s.Delete(opts.Path, s.handleDelete)
	s.Get("/healthz", s.handleHealth)
	if opts.Metrics != nil {
		s.Handle("/metrics", opts.Metrics.Handler())
	}
	return s
}

// Start listens on the configured address until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.log.Info("starting server", "addr", s.opts.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if id := r.Header.Get(sessionHeader); id != "" {
		sess, err := s.opts.Sessions.Lookup(id)
		switch {
		case err == nil:
			sess.ServeHTTP(w, r)
			return
		case errors.Is(err, session.ErrSessionClosing):
			writeError(w, http.StatusConflict, codeSessionClosing, "Session is closing", nil)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeParseError, "Parse error", nil)
		return
	}

	p := inspectBody(body)
	switch p.kind {
	case bodyUnparseable:
		writeError(w, http.StatusBadRequest, codeParseError, "Parse error", nil)
		return
	case bodyMalformedHandshake:
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid Request: malformed initialize request", p.id)
		return
	case bodyOther:
		writeError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: No valid session ID provided or not an initialize request.", p.id)
		return
	}

	sess, err := s.opts.Sessions.Create()
	if err != nil {
		s.log.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "Internal error", p.id)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.Header.Del(sessionHeader)
	sess.ServeHTTP(w, r)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.ServeHTTP(w, r)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.opts.Sessions.Close(sess.ID); err != nil {
		s.writeLookupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeError(w, http.StatusNotFound, codeSessionNotFound, "Session not found", nil)
		return nil, false
	}
	sess, err := s.opts.Sessions.Lookup(id)
	if err != nil {
		s.writeLookupError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrSessionClosing) {
		writeError(w, http.StatusConflict, codeSessionClosing, "Session is closing", nil)
		return
	}
	writeError(w, http.StatusNotFound, codeSessionNotFound, "Session not found", nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health.PingContext(ctx); err != nil {
			s.log.Warn("health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		sid := r.Header.Get(sessionHeader)
		if sid == "" {
			sid = ww.Header().Get(sessionHeader)
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		}
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"session", sid,
			"status", status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
