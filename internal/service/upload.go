// upload.go - оркестрация загрузки артефактов.
//
// Загрузка идёт через staging-директорию:
//  1. Валидация запроса и файлов (без побочных эффектов)
//  2. Запись файлов в {upload_root}/.staging/{artifact_id}
//  3. Одна транзакция: артефакт, файлы, запись истории
//  4. После коммита - атомарный rename staging → base path
//
// Любая ошибка до коммита удаляет staging и откатывает транзакцию.
// Ошибка rename компенсируется удалением строки артефакта.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/cardversion"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/policy"
	"github.com/bigkaa/goartstore/artifact-engine/internal/repository"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/filestore"
)

// maxBasePathAttempts - попытки подобрать свободную директорию артефакта
// при загрузках одного пользователя в одну секунду.
const maxBasePathAttempts = 100

// Prometheus-метрики загрузок.
var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ae_uploads_total",
		Help: "Общее количество загрузок артефактов по виду и результату.",
	}, []string{"kind", "status"})

	uploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ae_upload_duration_seconds",
		Help:    "Длительность загрузки артефакта в секундах.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"kind"})

	artifactsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ae_artifacts_deleted_total",
		Help: "Общее количество удалённых артефактов.",
	})
)

// UploadService - создание артефактов и изменение их набора файлов.
type UploadService struct {
	repos     *repository.Repositories
	tx        Transactor
	store     *filestore.FileStore
	validator *policy.Validator
	cache     *FileCache
	logger    *slog.Logger
	now       func() time.Time
}

// NewUploadService создаёт сервис загрузки.
func NewUploadService(
	repos *repository.Repositories,
	tx Transactor,
	store *filestore.FileStore,
	validator *policy.Validator,
	cache *FileCache,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		repos:     repos,
		tx:        tx,
		store:     store,
		validator: validator,
		cache:     cache,
		logger:    logger.With(slog.String("component", "upload_service")),
		now:       time.Now,
	}
}

// Upload создаёт артефакт из запроса. Возвращённый артефакт всегда
// private или pending (при RequestPublic).
func (s *UploadService) Upload(ctx context.Context, actor model.Actor, req model.UploadRequest) (*model.Artifact, error) {
	start := time.Now()
	kind := string(req.Kind)

	a, err := s.upload(ctx, actor, req)
	if err != nil {
		uploadsTotal.WithLabelValues(kind, apperr.Code(err)).Inc()
		return nil, err
	}

	uploadsTotal.WithLabelValues(kind, "ok").Inc()
	uploadDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return a, nil
}

func (s *UploadService) upload(ctx context.Context, actor model.Actor, req model.UploadRequest) (*model.Artifact, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	a, err := s.prepare(actor, req)
	if err != nil {
		return nil, err
	}

	exists, err := s.repos.Artifacts.ExistsByName(ctx, a.Kind, a.UploaderID, a.Name)
	if err != nil {
		return nil, repoError(err, "проверка имени артефакта")
	}
	if exists {
		return nil, fmt.Errorf("%w: артефакт %q уже существует", apperr.ErrConflict, a.Name)
	}

	stagingDir := s.store.StagingDir(a.ID)
	log := s.logger.With(
		slog.String("artifact_id", a.ID),
		slog.String("kind", string(a.Kind)),
		slog.String("uploader_id", a.UploaderID),
	)

	// Откат: staging удаляется при любой ошибке до переноса
	cleanupStaging := func() {
		if err := s.store.DeleteTree(stagingDir); err != nil {
			log.Error("Не удалось удалить staging-директорию",
				slog.String("path", stagingDir),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.store.CreateDir(stagingDir); err != nil {
		return nil, storageError(log, "создание staging-директории", err)
	}

	files, err := s.saveAll(ctx, stagingDir, a.ID, req.Files)
	if err != nil {
		cleanupStaging()
		return nil, storageErrorOrCtx(log, "сохранение файлов", err)
	}

	record := &model.UploadRecord{
		ID:         uuid.New().String(),
		TargetID:   a.ID,
		TargetKind: a.Kind,
		UploaderID: a.UploaderID,
		Name:       a.Name,
		Status:     model.UploadPending,
	}

	if err := s.commit(ctx, a, files, record); err != nil {
		cleanupStaging()
		log.Warn("Загрузка отменена", slog.String("error", err.Error()))
		return nil, err
	}

	if err := s.store.Promote(stagingDir, a.BasePath); err != nil {
		s.compensate(log, a)
		cleanupStaging()
		return nil, storageError(log, "перенос файлов артефакта", err,
			slog.String("base_path", a.BasePath))
	}

	log.Info("Артефакт загружен",
		slog.String("name", a.Name),
		slog.Int("files", len(files)),
		slog.String("state", string(a.State())),
	)
	return a, nil
}

// prepare валидирует запрос и строит артефакт. Побочных эффектов нет.
func (s *UploadService) prepare(actor model.Actor, req model.UploadRequest) (*model.Artifact, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: недопустимый вид артефакта %q", apperr.ErrValidation, req.Kind)
	}
	name, err := policy.ArtifactName(req.Name)
	if err != nil {
		return nil, err
	}
	if err := policy.CopyrightOwner(req.CopyrightOwner); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req.Kind, req.Files); err != nil {
		return nil, err
	}

	a := &model.Artifact{
		ID:             uuid.New().String(),
		Kind:           req.Kind,
		Name:           name,
		Description:    req.Description,
		UploaderID:     actor.UserID,
		CopyrightOwner: req.CopyrightOwner,
		Content:        req.Content,
		Tags:           req.Tags,
	}

	if req.Kind == model.KindPersona {
		version, err := cardversion.FromTOML(req.Files[0].Data)
		if err != nil {
			return nil, err
		}
		a.Version = &version
	}

	state := model.StatePrivate
	if req.RequestPublic {
		state = model.StatePending
	}
	a.ApplyState(state, nil)
	return a, nil
}

// saveAll пишет файлы в dir и возвращает их метаданные. При ошибке
// возвращаются и уже записанные файлы.
func (s *UploadService) saveAll(ctx context.Context, dir, artifactID string, uploads []model.FileUpload) ([]model.File, error) {
	files := make([]model.File, 0, len(uploads))
	for _, u := range uploads {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		res, err := s.store.Save(dir, u.Name, bytes.NewReader(u.Data))
		if err != nil {
			return files, err
		}
		files = append(files, model.File{
			ID:           uuid.New().String(),
			ArtifactID:   artifactID,
			OriginalName: u.Name,
			StoredPath:   res.StoredName,
			FileType:     policy.FileType(u.Name),
			Size:         res.Size,
		})
	}
	return files, nil
}

// commit сохраняет артефакт, файлы и запись истории в одной транзакции.
// Занятый base path (та же секунда, тот же пользователь) - повтор с суффиксом.
func (s *UploadService) commit(ctx context.Context, a *model.Artifact, files []model.File, record *model.UploadRecord) error {
	created := s.now()
	for attempt := 0; attempt < maxBasePathAttempts; attempt++ {
		a.BasePath = s.store.ArtifactDir(string(a.Kind), a.UploaderID, created, attempt)
		// Директория могла остаться от аварийно прерванной загрузки
		if s.store.Exists(a.BasePath) {
			continue
		}

		err := s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
			if err := repos.Artifacts.Create(ctx, a); err != nil {
				return err
			}
			for i := range files {
				if err := repos.Files.Add(ctx, &files[i]); err != nil {
					return err
				}
			}
			return repos.Uploads.Create(ctx, record)
		})
		if errors.Is(err, repository.ErrBasePathTaken) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return repoError(err, "сохранение артефакта")
		}
		return nil
	}
	return fmt.Errorf("%w: не удалось подобрать директорию артефакта", apperr.ErrConflict)
}

// compensate удаляет строку артефакта после неудачного переноса файлов.
func (s *UploadService) compensate(log *slog.Logger, a *model.Artifact) {
	// Контекст запроса мог быть отменён - компенсация выполняется до конца
	ctx := context.Background()
	err := s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		if err := repos.Artifacts.Delete(ctx, a.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return repos.Uploads.DeleteByTarget(ctx, a.ID)
	})
	if err != nil {
		log.Error("Не удалось удалить артефакт после ошибки переноса",
			slog.String("error", err.Error()),
		)
	}
}

// AddFiles добавляет файлы к существующему артефакту.
func (s *UploadService) AddFiles(ctx context.Context, actor model.Actor, artifactID string, uploads []model.FileUpload) ([]model.File, error) {
	a, err := s.repos.Artifacts.GetByID(ctx, artifactID)
	if err != nil {
		return nil, repoError(err, "артефакт "+artifactID)
	}
	if err := lifecycle.AuthorizeEdit(actor, a, []string{model.FieldFiles}); err != nil {
		return nil, err
	}

	existing, err := s.repos.Files.CountByArtifact(ctx, a.ID)
	if err != nil {
		return nil, repoError(err, "подсчёт файлов")
	}
	if err := s.validator.ValidateAddition(a.Kind, existing, uploads); err != nil {
		return nil, err
	}

	log := s.logger.With(slog.String("artifact_id", a.ID))

	files, err := s.saveAll(ctx, a.BasePath, a.ID, uploads)
	if err != nil {
		s.removeFiles(log, a.BasePath, files)
		return nil, storageErrorOrCtx(log, "сохранение файлов", err)
	}

	err = s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		for i := range files {
			if err := repos.Files.Add(ctx, &files[i]); err != nil {
				return err
			}
		}
		return repos.Artifacts.UpdateMetadata(ctx, a)
	})
	if err != nil {
		s.removeFiles(log, a.BasePath, files)
		return nil, repoError(err, "регистрация файлов")
	}

	s.cache.Invalidate(a.ID)
	log.Info("Файлы добавлены", slog.Int("files", len(files)))
	return files, nil
}

// RemoveFile удаляет файл артефакта. Удаление последнего файла удаляет
// артефакт целиком; в этом случае возвращается true.
func (s *UploadService) RemoveFile(ctx context.Context, actor model.Actor, artifactID, fileID string) (bool, error) {
	a, err := s.repos.Artifacts.GetByID(ctx, artifactID)
	if err != nil {
		return false, repoError(err, "артефакт "+artifactID)
	}
	if err := lifecycle.AuthorizeEdit(actor, a, []string{model.FieldFiles}); err != nil {
		return false, err
	}

	f, err := s.repos.Files.Get(ctx, a.ID, fileID)
	if err != nil {
		return false, repoError(err, "файл "+fileID)
	}

	// Счётчик читается под блокировкой строки артефакта: два
	// параллельных удаления не оставят артефакт без файлов.
	var last bool
	err = s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		locked, err := repos.Artifacts.GetForUpdate(ctx, a.ID)
		if err != nil {
			return err
		}
		if _, err := repos.Files.Get(ctx, a.ID, f.ID); err != nil {
			return err
		}
		count, err := repos.Files.CountByArtifact(ctx, a.ID)
		if err != nil {
			return err
		}
		if count <= 1 {
			last = true
			return repos.Artifacts.Delete(ctx, a.ID)
		}
		if err := repos.Files.Remove(ctx, a.ID, f.ID); err != nil {
			return err
		}
		return repos.Artifacts.UpdateMetadata(ctx, locked)
	})
	if err != nil {
		return false, repoError(err, "удаление файла "+fileID)
	}
	s.cache.Invalidate(a.ID)

	log := s.logger.With(slog.String("artifact_id", a.ID), slog.String("file_id", f.ID))
	if last {
		artifactsDeletedTotal.Inc()
		if err := s.store.DeleteTree(a.BasePath); err != nil {
			log.Error("Не удалось удалить директорию артефакта",
				slog.String("base_path", a.BasePath),
				slog.String("error", err.Error()),
			)
		}
		log.Info("Удалён последний файл, артефакт удалён", slog.String("name", a.Name))
		return true, nil
	}

	s.removeFiles(log, a.BasePath, []model.File{*f})
	log.Info("Файл удалён")
	return false, nil
}

// Delete удаляет артефакт: сначала директорию, затем строку.
// Если директорию удалить не удалось, строка остаётся.
func (s *UploadService) Delete(ctx context.Context, actor model.Actor, artifactID string) error {
	a, err := s.repos.Artifacts.GetByID(ctx, artifactID)
	if err != nil {
		return repoError(err, "артефакт "+artifactID)
	}
	if err := lifecycle.AuthorizeDelete(actor, a); err != nil {
		return err
	}
	return s.deleteArtifact(ctx, a)
}

func (s *UploadService) deleteArtifact(ctx context.Context, a *model.Artifact) error {
	log := s.logger.With(slog.String("artifact_id", a.ID))

	if err := s.store.DeleteTree(a.BasePath); err != nil {
		return storageError(log, "удаление директории артефакта", err,
			slog.String("base_path", a.BasePath))
	}
	if err := s.repos.Artifacts.Delete(ctx, a.ID); err != nil {
		return repoError(err, "удаление артефакта")
	}

	s.cache.Invalidate(a.ID)
	artifactsDeletedTotal.Inc()
	log.Info("Артефакт удалён", slog.String("name", a.Name))
	return nil
}

// removeFiles удаляет файлы с диска; ошибки только логируются.
func (s *UploadService) removeFiles(log *slog.Logger, dir string, files []model.File) {
	for _, f := range files {
		if err := s.store.Delete(filepath.Join(dir, f.StoredPath)); err != nil {
			log.Error("Не удалось удалить файл",
				slog.String("stored_path", f.StoredPath),
				slog.String("error", err.Error()),
			)
		}
	}
}

// storageErrorOrCtx - отмена контекста возвращается как есть,
// остальные ошибки записи классифицируются как ErrStorage.
func storageErrorOrCtx(logger *slog.Logger, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return storageError(logger, op, err)
}
