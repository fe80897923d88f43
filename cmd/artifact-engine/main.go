// Точка входа Artifact Engine - движка хранения и жизненного цикла артефактов.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// собирает сервисный слой, восстанавливает незавершённые загрузки,
// запускает фоновые задачи (очистка staging, topologymetrics) и HTTP-сервер
// служебных endpoints с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/artifact-engine/internal/api/handlers"
	"github.com/bigkaa/goartstore/artifact-engine/internal/config"
	"github.com/bigkaa/goartstore/artifact-engine/internal/database"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/policy"
	"github.com/bigkaa/goartstore/artifact-engine/internal/repository"
	"github.com/bigkaa/goartstore/artifact-engine/internal/server"
	"github.com/bigkaa/goartstore/artifact-engine/internal/service"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/archive"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/filestore"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Artifact Engine запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("upload_root", cfg.UploadRoot),
	)

	if os.Getenv("AE_DEPHEALTH_GROUP") == "" {
		logger.Warn("AE_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Файловое хранилище и сборщик архивов
	store, err := filestore.New(cfg.UploadRoot)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}
	builder, err := archive.NewBuilder(cfg.ArchiveDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации сборщика архивов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Repositories и сервисы
	repos := repository.New(pool)
	cache := service.NewFileCache(cfg.CacheMaxSize, cfg.CacheTTL)
	engine := service.NewEngine(service.EngineDeps{
		Repos:     repos,
		Tx:        repository.NewTxRunner(pool),
		Store:     store,
		Builder:   builder,
		Validator: policy.NewValidator(cfg.Limits()),
		Cache:     cache,
	}, logger)
	logger.Info("Сервисный слой инициализирован",
		slog.Int("max_file_size_mb", cfg.MaxFileSizeMB),
		slog.Int("max_files_per_knowledge_base", cfg.MaxFilesPerKnowledgeBase),
		slog.Int("cache_max_size", cfg.CacheMaxSize),
	)
	logModerationBacklog(ctx, engine, logger)

	// 7. Восстановление незавершённых загрузок и фоновая очистка
	sweeper := service.NewStagingSweeper(
		store, repos.Artifacts, cfg.ArchiveDir,
		cfg.SweepInterval, cfg.SweepGracePeriod,
		logger,
	)
	result := sweeper.RunOnce(ctx)
	logger.Info("Начальная очистка staging завершена",
		slog.Int("recovered", result.Recovered),
		slog.Int("removed", result.Removed),
		slog.Int("archives_removed", result.ArchivesRemoved),
		slog.Int("errors", result.Errors),
	)
	sweeper.Start(ctx)

	// 8. topologymetrics - мониторинг PostgreSQL
	var dephealthSvc *service.DephealthService
	if cfg.DephealthEnabled {
		dephealthSvc = startDephealth(ctx, cfg, pgDB, logger)
	}

	// 9. HTTP-сервер служебных endpoints
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), store)
	srv := server.New(cfg, logger, healthHandler)

	// 10. Запуск сервера (блокирующий вызов с graceful shutdown)
	runErr := srv.Run(ctx)

	// 11. Остановка фоновых задач
	sweeper.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("Artifact Engine остановлен")
}
