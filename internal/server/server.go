// Package server exposes the group channel subsystem over HTTP: REST
// controllers for membership operations, SSE and WebSocket subscribe
// endpoints, health and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jamilxt/spring-chat/internal/auth"
	"github.com/jamilxt/spring-chat/internal/config"
	"github.com/jamilxt/spring-chat/internal/metrics"
	"github.com/jamilxt/spring-chat/internal/service"
	"github.com/jamilxt/spring-chat/internal/subscribe"
	natsclient "github.com/jamilxt/spring-chat/pkg/nats"
)

type Server struct {
	cfg        config.Config
	logger     *zap.Logger
	httpServer *http.Server

	service  *service.GroupChannelService
	registry *subscribe.Registry
	nats     *natsclient.Client
	jwt      *auth.JWTManager
	metrics  *metrics.Registry

	wg sync.WaitGroup
}

func NewServer(
	cfg config.Config,
	logger *zap.Logger,
	svc *service.GroupChannelService,
	registry *subscribe.Registry,
	natsClient *natsclient.Client,
	m *metrics.Registry,
) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		service:  svc,
		registry: registry,
		nats:     natsClient,
		jwt:      auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration),
		metrics:  m,
	}
	s.setupHTTPServer()
	return s
}

func (s *Server) setupHTTPServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/channel/group/create", s.authenticated(s.handleCreate))
	mux.HandleFunc("POST /api/channel/group/invite", s.authenticated(s.handleInvite))
	mux.HandleFunc("POST /api/channel/group/accept", s.authenticated(s.handleAccept))
	mux.HandleFunc("POST /api/channel/group/kick", s.authenticated(s.handleKick))
	mux.HandleFunc("POST /api/channel/group/leave", s.authenticated(s.handleLeave))
	mux.HandleFunc("GET /api/channel/group/list", s.authenticated(s.handleList))
	mux.HandleFunc("GET /api/channel/group/profile", s.authenticated(s.handleProfile))
	mux.HandleFunc("GET /api/user/profile", s.authenticated(s.handleUserProfile))

	mux.HandleFunc("GET /api/channel/group/subscribe/sse", s.handleSubscribeSSE)
	mux.HandleFunc("GET /api/channel/group/subscribe/ws", s.handleSubscribeWS)

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Endpoint, s.metrics.Handler())
	}
	if !s.cfg.Auth.RequireAuth {
		// Development convenience; the account service issues real tokens.
		mux.HandleFunc("GET /auth/token", s.handleDevToken)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
}

// authenticated wraps a handler with JWT verification unless auth is
// disabled for development.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	if !s.cfg.Auth.RequireAuth {
		return next
	}
	return s.jwt.Middleware(next)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server and blocks until a termination signal arrives.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.waitForShutdown()
	return nil
}

func (s *Server) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	s.logger.Info("initiating graceful shutdown", zap.String("signal", sig.String()))
	s.Shutdown()
}

// Shutdown stops the registry first so streaming handlers unblock, then
// drains the HTTP server and closes the bus connection.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.registry.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if err := s.nats.Close(); err != nil {
		s.logger.Warn("NATS close error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("server shutdown complete")
	case <-ctx.Done():
		s.logger.Warn("server shutdown timeout")
	}
}
