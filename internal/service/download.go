// download.go - скачивание артефакта zip-архивом.
// Архив собирается по запросу во временный файл; счётчик скачиваний
// увеличивается атомарно и только после успешной сборки.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/repository"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/archive"
)

// Prometheus-метрики скачиваний.
var (
	archiveBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ae_archive_builds_total",
		Help: "Общее количество сборок архивов по результату.",
	}, []string{"status"})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ae_downloads_total",
		Help: "Общее количество скачиваний по виду артефакта.",
	}, []string{"kind"})
)

// NameResolver возвращает отображаемое имя пользователя для архива.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) string
}

// IDNameResolver - имя пользователя совпадает с его идентификатором.
type IDNameResolver struct{}

// DisplayName возвращает userID.
func (IDNameResolver) DisplayName(_ context.Context, userID string) string {
	return userID
}

// DownloadService - выдача артефактов архивом.
type DownloadService struct {
	repos    *repository.Repositories
	builder  *archive.Builder
	cache    *FileCache
	resolver NameResolver
	logger   *slog.Logger
}

// NewDownloadService создаёт сервис скачивания.
// resolver == nil - в имени архива используется идентификатор владельца.
func NewDownloadService(
	repos *repository.Repositories,
	builder *archive.Builder,
	cache *FileCache,
	resolver NameResolver,
	logger *slog.Logger,
) *DownloadService {
	if resolver == nil {
		resolver = IDNameResolver{}
	}
	return &DownloadService{
		repos:    repos,
		builder:  builder,
		cache:    cache,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "download_service")),
	}
}

// Download собирает архив артефакта. Вызывающий код обязан вызвать
// Archive.Cleanup после отдачи файла клиенту.
func (s *DownloadService) Download(ctx context.Context, actor model.Actor, artifactID string) (*model.Archive, error) {
	a, err := loadVisible(ctx, s.repos.Artifacts, actor, artifactID)
	if err != nil {
		return nil, err
	}

	files, err := s.files(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(slog.String("artifact_id", a.ID))

	arc, err := s.builder.Build(ctx, a, files, s.resolver.DisplayName(ctx, a.UploaderID))
	if err != nil {
		archiveBuildsTotal.WithLabelValues("error").Inc()
		var missing *apperr.MissingFilesError
		if errors.As(err, &missing) {
			// Список мог устареть; следующая попытка перечитает его из БД
			s.cache.Invalidate(a.ID)
			log.Error("В архиве отсутствуют файлы", slog.Any("files", missing.Names))
		}
		return nil, err
	}
	archiveBuildsTotal.WithLabelValues("ok").Inc()

	downloads, err := s.repos.Artifacts.IncrementDownloads(ctx, a.ID)
	if err != nil {
		arc.Cleanup()
		return nil, repoError(err, "артефакт "+a.ID)
	}
	downloadsTotal.WithLabelValues(string(a.Kind)).Inc()

	log.Info("Архив собран",
		slog.String("filename", arc.Filename),
		slog.Int64("size", arc.Size),
		slog.Int64("downloads", downloads),
	)
	return arc, nil
}

// files возвращает список файлов артефакта через кэш.
func (s *DownloadService) files(ctx context.Context, artifactID string) ([]model.File, error) {
	if files, ok := s.cache.Get(artifactID); ok {
		return files, nil
	}
	files, err := s.repos.Files.ListByArtifact(ctx, artifactID)
	if err != nil {
		return nil, repoError(err, "файлы артефакта")
	}
	s.cache.Set(artifactID, files)
	return files, nil
}
