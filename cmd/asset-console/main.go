// Точка входа asset-console: веб-консоль учёта активов.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// создаёт клиентов backend API, сервис массовой загрузки и API handlers,
// запускает topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/asset-console/internal/api/handlers"
	"github.com/bigkaa/asset-console/internal/api/middleware"
	"github.com/bigkaa/asset-console/internal/api/openapi"
	"github.com/bigkaa/asset-console/internal/backend"
	"github.com/bigkaa/asset-console/internal/bulkupload"
	"github.com/bigkaa/asset-console/internal/config"
	"github.com/bigkaa/asset-console/internal/database"
	"github.com/bigkaa/asset-console/internal/i18n"
	"github.com/bigkaa/asset-console/internal/repository"
	"github.com/bigkaa/asset-console/internal/server"
	"github.com/bigkaa/asset-console/internal/service"
)

func main() {
	// 1. Конфигурация: .env (для локального запуска) и переменные окружения
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("Ошибка чтения .env", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Логирование
	logger := config.SetupLogger(cfg)
	logger.Info("asset-console запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// 3. Миграции и пул PostgreSQL
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// Проверка PostgreSQL в topologymetrics идёт через тот же пул
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 4. Каталог фич массовой загрузки
	catalog := bulkupload.DefaultCatalog()
	if cfg.FeaturesFile != "" {
		catalog, err = bulkupload.LoadCatalog(cfg.FeaturesFile)
		if err != nil {
			logger.Error("Ошибка загрузки каталога фич",
				slog.String("path", cfg.FeaturesFile),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}
	logger.Info("Каталог фич загружен", slog.Int("features", len(catalog.All())))

	// 5. Клиенты backend API
	backendClient, err := backend.New(cfg.BackendURL, cfg.BackendMePath, cfg.BackendCACertPath, cfg.BackendTimeout, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	// Токен задаёт сервис на каждый запрос пользователя
	uploadClient, err := bulkupload.NewClient(cfg.BackendURL, cfg.BackendCACertPath, nil, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента загрузок", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Аутентификация: JWKS + профиль пользователя из backend с кэшем
	profiles := backend.NewCachedProfiles(backendClient, cfg.UserCacheSize, cfg.UserCacheTTL)
	auth, err := middleware.NewAuth(middleware.AuthConfig{
		CookieName: cfg.AuthCookie,
		JWKSURL:    cfg.JWTJWKSURL,
		CACertPath: cfg.BackendCACertPath,
		Issuer:     cfg.JWTIssuer,
		Leeway:     cfg.JWTLeeway,
	}, profiles, logger)
	if err != nil {
		logger.Error("Ошибка создания auth middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Переводы
	bundle, err := i18n.Load(logger)
	if err != nil {
		logger.Error("Ошибка загрузки переводов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 8. Сервис загрузок и история попыток
	attempts := repository.NewUploadAttemptRepository(pool)
	reports := service.NewReportStore(cfg.ReportCacheSize, cfg.ReportCacheTTL)
	uploads := service.NewUploadService(catalog, uploadClient, attempts, reports, profiles, logger)

	// Попытки, прерванные остановкой процесса, помечаются как FAILED
	if n, err := uploads.RecoverStale(ctx); err != nil {
		logger.Warn("Не удалось закрыть прерванные попытки", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("Прерванные попытки помечены как FAILED", slog.Int64("count", n))
	}

	// 9. topologymetrics: мониторинг PostgreSQL и backend API
	var deps handlers.DependencyReporter
	dephealthSvc, err := service.NewDephealthService(service.DephealthConfig{
		ServiceID:         "asset-console",
		Group:             cfg.DephealthGroup,
		DB:                pgDB,
		PgConnURL:         cfg.DatabaseURL(),
		BackendURL:        cfg.BackendURL,
		BackendHealthPath: cfg.BackendHealthPath,
		CheckInterval:     cfg.DephealthCheckInterval,
	}, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		dephealthSvc = nil
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		dephealthSvc = nil
	} else {
		deps = dephealthSvc
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 10. Health и API handlers
	healthHandler := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		backend.NewReadinessChecker(backendClient, cfg.BackendHealthPath, cfg.BackendTimeout),
		deps,
	)
	apiHandler := handlers.NewAPIHandler(healthHandler, uploads, catalog, bundle, cfg.MaxUploadBytes, logger)

	// 11. Проверка запросов по OpenAPI-контракту
	doc, err := openapi.Load()
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI-контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}
	validator, err := openapi.NewValidator(doc, bundle, logger)
	if err != nil {
		logger.Error("Ошибка создания OpenAPI-валидатора", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. HTTP-сервер
	srv := server.New(cfg, logger, server.Deps{
		Handler:   apiHandler,
		Auth:      auth,
		Validator: validator,
		Catalog:   catalog,
	})
	runErr := srv.Run()

	// 13. Остановка фоновых задач
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("asset-console остановлен")
}
