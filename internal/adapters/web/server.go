// Package web поднимает HTTP-поверхность клонера: проверку живости и JSON-снимки задач.
// Маршрутизация на chi; только чтение, управление идёт через бота.
package web

import (
	"context"
	"net/http"
	"time"

	"channel-cloner/internal/domain/commands"
	"channel-cloner/internal/infra/logger"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const (
	readTimeout     = 15 * time.Second
	writeTimeout    = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server: HTTP-сервер статуса.
type Server struct {
	srv      *http.Server
	executor commands.Executor
}

// NewServer создаёт сервер на addr; слушать начинает Run.
func NewServer(addr string, executor commands.Executor) *Server {
	s := &Server{executor: executor}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler возвращает маршрутизатор (тесты через httptest).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/tasks", s.handleRunning)
	r.Get("/tasks/{operator}", s.handleTasks)
	return r
}

// Name: имя сервиса для логов.
func (s *Server) Name() string { return "web_server" }

// Run слушает адрес до отмены ctx, затем корректно останавливает сервер.
func (s *Server) Run(ctx context.Context) error {
	logger.Info("Starting web server", zap.String("address", s.srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	logger.Info("Shutting down web server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	<-errCh
	return nil
}

// loggingMiddleware логирует все запросы.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr))
		next.ServeHTTP(w, r)
	})
}
