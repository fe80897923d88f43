// sweeper.go - фоновая очистка после аварийно прерванных загрузок.
//
// Sweeper выполняет две задачи:
//  1. Разбирает staging-директории старше grace-периода: если строка
//     артефакта закоммичена, а base path отсутствует, завершает перенос;
//     иначе удаляет staging-директорию
//  2. Удаляет временные файлы .upload-*.tmp, брошенные в директориях
//     артефактов оборванным AddFiles
//  3. Удаляет устаревшие временные архивы
//
// Запускается при старте и далее по тикеру (AE_SWEEP_INTERVAL).
package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/artifact-engine/internal/repository"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/archive"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/filestore"
)

// Prometheus-метрики sweeper.
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ae_sweep_runs_total",
		Help: "Общее количество запусков очистки staging.",
	})

	stagingSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ae_staging_swept_total",
		Help: "Общее количество обработанных staging-директорий по результату.",
	}, []string{"result"})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ae_sweep_duration_seconds",
		Help:    "Длительность очистки staging в секундах.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult - результат одного запуска очистки.
type SweepResult struct {
	// Recovered - staging-директории, перенесённые в base path
	Recovered int
	// Removed - удалённые staging-директории
	Removed int
	// TempRemoved - удалённые брошенные временные файлы загрузки
	TempRemoved int
	// ArchivesRemoved - удалённые временные архивы
	ArchivesRemoved int
	// Errors - ошибки обработки
	Errors int
	// Duration - длительность выполнения
	Duration time.Duration
}

// StagingSweeper - восстановление после сбоев между коммитом и переносом.
type StagingSweeper struct {
	store      *filestore.FileStore
	artifacts  repository.ArtifactRepository
	archiveDir string
	interval   time.Duration
	grace      time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStagingSweeper создаёт sweeper.
func NewStagingSweeper(
	store *filestore.FileStore,
	artifacts repository.ArtifactRepository,
	archiveDir string,
	interval, grace time.Duration,
	logger *slog.Logger,
) *StagingSweeper {
	return &StagingSweeper{
		store:      store,
		artifacts:  artifacts,
		archiveDir: archiveDir,
		interval:   interval,
		grace:      grace,
		logger:     logger.With(slog.String("component", "staging_sweeper")),
		now:        time.Now,
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (s *StagingSweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка staging запущена",
		slog.String("interval", s.interval.String()),
		slog.String("grace", s.grace.String()),
	)
}

// Stop останавливает фоновый процесс и ждёт завершения текущего прохода.
func (s *StagingSweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Очистка staging остановлена")
}

func (s *StagingSweeper) run(ctx context.Context) {
	defer close(s.done)

	// Первый запуск - сразу после старта
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки.
func (s *StagingSweeper) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}
	cutoff := s.now().Add(-s.grace)

	s.sweepStaging(ctx, cutoff, result)
	s.sweepTempFiles(cutoff, result)
	s.sweepArchives(cutoff, result)

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	stagingSweptTotal.WithLabelValues("recovered").Add(float64(result.Recovered))
	stagingSweptTotal.WithLabelValues("removed").Add(float64(result.Removed))
	stagingSweptTotal.WithLabelValues("temp_removed").Add(float64(result.TempRemoved))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("Очистка staging завершена",
		slog.Int("recovered", result.Recovered),
		slog.Int("removed", result.Removed),
		slog.Int("temp_removed", result.TempRemoved),
		slog.Int("archives_removed", result.ArchivesRemoved),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

func (s *StagingSweeper) sweepStaging(ctx context.Context, cutoff time.Time, result *SweepResult) {
	entries, err := s.store.ListStaging()
	if err != nil {
		s.logger.Error("Ошибка чтения staging", slog.String("error", err.Error()))
		result.Errors++
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		// Загрузка ещё может быть в процессе
		if e.ModTime.After(cutoff) {
			continue
		}

		log := s.logger.With(slog.String("artifact_id", e.ArtifactID))

		a, err := s.artifacts.GetByID(ctx, e.ArtifactID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// Транзакция не была закоммичена
		case err != nil:
			log.Error("Ошибка чтения артефакта", slog.String("error", err.Error()))
			result.Errors++
			continue
		case !s.store.Exists(a.BasePath):
			if err := s.store.Promote(e.Path, a.BasePath); err != nil {
				log.Error("Не удалось завершить перенос",
					slog.String("base_path", a.BasePath),
					slog.String("error", err.Error()),
				)
				result.Errors++
				continue
			}
			log.Info("Перенос staging завершён", slog.String("base_path", a.BasePath))
			result.Recovered++
			continue
		}

		if err := s.store.DeleteTree(e.Path); err != nil {
			log.Error("Не удалось удалить staging", slog.String("error", err.Error()))
			result.Errors++
			continue
		}
		log.Info("Staging-директория удалена")
		result.Removed++
	}
}

func (s *StagingSweeper) sweepTempFiles(cutoff time.Time, result *SweepResult) {
	paths, err := s.store.ListStaleTemp(cutoff)
	if err != nil {
		s.logger.Error("Ошибка поиска временных файлов", slog.String("error", err.Error()))
		result.Errors++
		return
	}
	for _, path := range paths {
		if err := s.store.Delete(path); err != nil {
			s.logger.Error("Не удалось удалить временный файл",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.TempRemoved++
	}
}

func (s *StagingSweeper) sweepArchives(cutoff time.Time, result *SweepResult) {
	if s.archiveDir == "" {
		return
	}
	matches, err := filepath.Glob(filepath.Join(s.archiveDir, archive.TempPattern))
	if err != nil {
		result.Errors++
		return
	}
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("Не удалось удалить временный архив",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.ArchivesRemoved++
	}
}
