// Package server wires the document server: storage, authentication,
// batch writes and watch streams behind one HTTP handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iudanet/fieldsync/internal/config"
	"github.com/iudanet/fieldsync/internal/server/handlers"
	"github.com/iudanet/fieldsync/internal/server/hub"
	"github.com/iudanet/fieldsync/internal/server/jwt"
	"github.com/iudanet/fieldsync/internal/server/metrics"
	"github.com/iudanet/fieldsync/internal/server/middleware"
	"github.com/iudanet/fieldsync/internal/server/storage"
)

// ShutdownTimeout время на завершение активных запросов
const ShutdownTimeout = 10 * time.Second

// Store хранилище сервера
type Store interface {
	handlers.Pinger
	storage.UserStorage
	storage.MemberStorage
	storage.DocumentStorage
}

// Server HTTP сервер документов
type Server struct {
	cfg     *config.Server
	logger  *slog.Logger
	handler http.Handler
	watch   *handlers.WatchHandler
	limiter *middleware.RateLimiter
	hub     *hub.Hub
	metrics *metrics.Metrics
}

// New собирает handlers и middleware поверх store
func New(cfg *config.Server, store Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     hub.New(logger, hub.DefaultBuffer),
		metrics: metrics.New(),
		limiter: middleware.NewRateLimiter(cfg.LoginRate, cfg.LoginBurst, logger),
	}

	tokens := jwt.NewService(cfg.JWTSecret, cfg.TokenTTL)
	authHandler := handlers.NewAuthHandler(logger, store, tokens)
	batchHandler := handlers.NewBatchHandler(logger, store, store, s.hub, s.metrics)
	s.watch = handlers.NewWatchHandler(logger, store, store, s.hub, s.metrics, cfg.PingInterval)
	healthHandler := handlers.NewHealthHandler(logger, store, version)

	requireAuth := middleware.AuthMiddleware(logger, tokens)
	limited := middleware.RateLimitMiddleware(s.limiter, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/auth/register", limited(http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /api/v1/auth/login", limited(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /api/v1/batch", requireAuth(http.HandlerFunc(batchHandler.Commit)))
	mux.Handle("GET /api/v1/surveys/{survey_id}/watch", requireAuth(http.HandlerFunc(s.watch.Watch)))
	mux.HandleFunc("GET /api/v1/health", healthHandler.Health)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// порядок: recovery -> logging -> metrics -> mux
	var h http.Handler = mux
	h = middleware.MetricsMiddleware(s.metrics)(h)
	h = middleware.LoggingWithSkip(logger, []string{"/api/v1/health", "/metrics"})(h)
	h = middleware.RecoveryMiddleware(logger)(h)
	s.handler = h
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	// соединения после Upgrade сервер не закрывает сам
	srv.RegisterOnShutdown(s.watch.Shutdown)

	errC := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", "addr", s.cfg.Addr)
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Close останавливает фоновые задачи и открытые потоки наблюдения
func (s *Server) Close() {
	s.watch.Shutdown()
	s.limiter.Stop()
}
