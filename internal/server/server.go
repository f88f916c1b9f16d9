// Package server exposes conversations over HTTP and delivers assistant
// replies to browser-side clients over a per-conversation websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/internal/config"
	"github.com/xkilldash9x/saccessco/internal/conversation"
	"github.com/xkilldash9x/saccessco/internal/hub"
)

// Server hosts the HTTP surface and owns the shutdown of everything behind it.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	registry   *conversation.Registry
	hub        *hub.Hub
	closers    []namedCloser
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// New wires a server around an existing registry and hub.
func New(cfg config.ServerConfig, registry *conversation.Registry, h *hub.Hub, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		registry: registry,
		hub:      h,
	}
	s.upgrader = s.newUpgrader()
	return s
}

// CloseOnShutdown registers a resource released after conversations drain.
// Closers run in registration order.
func (s *Server) CloseOnShutdown(name string, c io.Closer) {
	s.closers = append(s.closers, namedCloser{name: name, closer: c})
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	// No timeout or request logger on the websocket: both break hijacked connections.
	r.Get("/ws/saccessco/ai/{conversation_id}/", s.handleConversationSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}
		r.Get("/healthz", s.handleHealthCheck)
		r.Route("/saccessco", func(r chi.Router) {
			r.Post("/page_change/", s.handlePageChange)
			r.Post("/user_prompt/", s.handleUserPrompt)
		})
	})
	return r
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("address", ln.Addr().String()))
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server Serve error", zap.Error(err))
			s.shutdownBackends(context.Background())
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Received shutdown signal, shutting down gracefully...")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.shutdownBackends(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	<-serveErr
	s.logger.Info("Server stopped.")
	return errors.Join(errs...)
}

// shutdownBackends drains conversations so queued replies still reach
// connected clients, then closes the hub and the registered resources.
func (s *Server) shutdownBackends(ctx context.Context) error {
	var errs []error
	if err := s.registry.Shutdown(ctx); err != nil {
		s.logger.Error("Conversation registry shutdown error", zap.Error(err))
		errs = append(errs, err)
	}
	s.hub.Shutdown()
	for _, nc := range s.closers {
		s.logger.Info("Closing resource", zap.String("resource", nc.name))
		if err := nc.closer.Close(); err != nil {
			s.logger.Error("Failed to close resource", zap.String("resource", nc.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("closing %s: %w", nc.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			if s.allowsAnyOrigin() {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowsAnyOrigin() bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// requestLogger logs each request through zap instead of chi's stdlib logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("HTTP request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		}()
		next.ServeHTTP(ww, r)
	})
}
