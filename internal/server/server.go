// Пакет server: HTTP-сервер консоли с graceful shutdown.
// Без TLS: HTTP внутри кластера, TLS termination на ingress.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/asset-console/internal/api/handlers"
	"github.com/bigkaa/asset-console/internal/api/middleware"
	"github.com/bigkaa/asset-console/internal/api/openapi"
	"github.com/bigkaa/asset-console/internal/bulkupload"
	"github.com/bigkaa/asset-console/internal/config"
	"github.com/bigkaa/asset-console/internal/domain/permission"
	"github.com/bigkaa/asset-console/internal/i18n"
)

// Server: HTTP-сервер консоли.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// Deps: компоненты, из которых собираются маршруты.
// Auth и Validator могут быть nil (тесты без аутентификации и контракта).
type Deps struct {
	Handler   *handlers.APIHandler
	Auth      *middleware.Auth
	Validator *openapi.Validator
	Catalog   *bulkupload.Catalog
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Handler возвращает корневой обработчик сервера.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// NewRouter собирает маршруты консоли.
// Health и metrics проверяются Kubernetes напрямую, без аутентификации.
func NewRouter(logger *slog.Logger, deps Deps) http.Handler {
	h := deps.Handler
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	router.Use(i18n.Middleware())

	router.NotFound(h.RouteNotFound)

	router.Get("/health/live", h.Health().HealthLive)
	router.Get("/health/ready", h.Health().HealthReady)
	router.Get("/metrics", h.Health().GetMetrics)
	router.Get("/api/v1/openapi.yaml", h.OpenAPISpec)

	router.Route("/api/v1", func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Middleware())
		}
		if deps.Validator != nil {
			r.Use(deps.Validator.Middleware())
		}

		r.Get("/me", h.GetMe)
		r.Get("/me/permissions", h.GetMyPermissions)
		r.Get("/bulk/features", h.ListFeatures)

		r.Route("/bulk/{"+middleware.FeatureParam+"}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireFeature(deps.Catalog, middleware.ImportOf))
				r.Post("/upload", h.UploadFile)
				r.Get("/template", h.DownloadTemplate)
				r.Post("/error-report", h.DownloadErrorReport)
			})
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireFeature(deps.Catalog, middleware.ExportOf))
				r.Get("/export", h.ExportData)
				r.Post("/export", h.ExportData)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Require(permission.Requirement{AnyOf: deps.Catalog.ImportScopes()}))
			r.Get("/bulk-uploads", h.ListUploads)
			r.Get("/bulk-uploads/{id}", h.GetUpload)
			r.Get("/bulk-uploads/{id}/error-report", h.GetUploadErrorReport)
		})

		r.With(middleware.Require(permission.Requirement{
			Permission: permission.Key(permission.ScopeDepreciation, permission.ActionView),
		})).Post("/depreciation/schedule", h.DepreciationSchedule)
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Активные потоки загрузки прерываются по истечении таймаута,
	// незавершённые попытки помечаются при следующем старте.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
