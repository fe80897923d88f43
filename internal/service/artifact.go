package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/policy"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/rbac"
	"github.com/bigkaa/goartstore/artifact-engine/internal/repository"
)

// ListResult - страница артефактов.
type ListResult struct {
	Items    []*model.Artifact
	Total    int
	Page     int
	PageSize int
}

// ArtifactService - чтение и редактирование метаданных артефактов
// с учётом видимости.
type ArtifactService struct {
	repos  *repository.Repositories
	tx     Transactor
	cache  *FileCache
	logger *slog.Logger
}

// NewArtifactService создаёт сервис артефактов.
func NewArtifactService(repos *repository.Repositories, tx Transactor, cache *FileCache, logger *slog.Logger) *ArtifactService {
	return &ArtifactService{
		repos:  repos,
		tx:     tx,
		cache:  cache,
		logger: logger.With(slog.String("component", "artifact_service")),
	}
}

// Get возвращает артефакт. Непубличные артефакты видят только владелец
// и модераторы; для остальных это ErrNotFound.
func (s *ArtifactService) Get(ctx context.Context, actor model.Actor, artifactID string) (*model.Artifact, error) {
	return loadVisible(ctx, s.repos.Artifacts, actor, artifactID)
}

// Files возвращает файлы видимого артефакта.
func (s *ArtifactService) Files(ctx context.Context, actor model.Actor, artifactID string) ([]model.File, error) {
	a, err := loadVisible(ctx, s.repos.Artifacts, actor, artifactID)
	if err != nil {
		return nil, err
	}
	if files, ok := s.cache.Get(a.ID); ok {
		return files, nil
	}
	files, err := s.repos.Files.ListByArtifact(ctx, a.ID)
	if err != nil {
		return nil, repoError(err, "файлы артефакта")
	}
	s.cache.Set(a.ID, files)
	return files, nil
}

// List возвращает страницу артефактов. Пользователь без роли модератора
// видит только публичные и собственные артефакты.
func (s *ArtifactService) List(ctx context.Context, actor model.Actor, params repository.ListParams) (*ListResult, error) {
	params = params.Normalize()
	switch {
	case rbac.IsModerator(actor.Role):
	case actor.UserID == "":
		// Анонимный пользователь видит только публичный каталог
		if params.State != "" && params.State != model.StatePublic {
			return &ListResult{Page: params.Page, PageSize: params.PageSize}, nil
		}
		params.State = model.StatePublic
	default:
		params.VisibleTo = actor.UserID
	}

	items, total, err := s.repos.Artifacts.List(ctx, params)
	if err != nil {
		return nil, repoError(err, "список артефактов")
	}
	return &ListResult{Items: items, Total: total, Page: params.Page, PageSize: params.PageSize}, nil
}

// ModerationQueue - артефакты, ожидающие проверки. Только для модераторов.
func (s *ArtifactService) ModerationQueue(ctx context.Context, actor model.Actor, page, pageSize int) (*ListResult, error) {
	if !rbac.IsModerator(actor.Role) {
		return nil, fmt.Errorf("%w: очередь модерации доступна только модераторам", apperr.ErrForbidden)
	}
	return s.List(ctx, actor, repository.ListParams{
		Page:      page,
		PageSize:  pageSize,
		State:     model.StatePending,
		SortBy:    "created_at",
		SortOrder: "asc",
	})
}

// UpdateMetadata применяет частичное обновление метаданных.
// Владелец опубликованного или ожидающего проверки артефакта может менять
// только content.
func (s *ArtifactService) UpdateMetadata(ctx context.Context, actor model.Actor, artifactID string, patch model.MetadataPatch) (*model.Artifact, error) {
	if patch.Name != nil {
		if _, err := policy.ArtifactName(*patch.Name); err != nil {
			return nil, err
		}
	}
	if err := policy.CopyrightOwner(patch.CopyrightOwner); err != nil {
		return nil, err
	}

	var a *model.Artifact
	err := s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		var err error
		a, err = repos.Artifacts.GetForUpdate(ctx, artifactID)
		if err != nil {
			return err
		}
		fields := patch.Fields()
		if err := lifecycle.AuthorizeEdit(actor, a, fields); err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		applyPatch(a, patch)
		return repos.Artifacts.UpdateMetadata(ctx, a)
	})
	if err != nil {
		return nil, repoError(err, "артефакт "+artifactID)
	}

	s.logger.Info("Метаданные артефакта обновлены",
		slog.String("artifact_id", a.ID),
		slog.Any("fields", patch.Fields()),
	)
	return a, nil
}

// ListUploads возвращает историю загрузок пользователя. Чужую историю
// видят только модераторы.
func (s *ArtifactService) ListUploads(ctx context.Context, actor model.Actor, uploaderID string, page, pageSize int) ([]model.UploadRecord, error) {
	if uploaderID == "" {
		uploaderID = actor.UserID
	}
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if uploaderID != actor.UserID && !rbac.IsModerator(actor.Role) {
		return nil, fmt.Errorf("%w: чужая история загрузок", apperr.ErrForbidden)
	}
	p := repository.ListParams{Page: page, PageSize: pageSize}.Normalize()
	records, err := s.repos.Uploads.ListByUploader(ctx, uploaderID, p.PageSize, p.Offset())
	if err != nil {
		return nil, repoError(err, "история загрузок")
	}
	return records, nil
}

func applyPatch(a *model.Artifact, p model.MetadataPatch) {
	if p.Name != nil {
		a.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.CopyrightOwner != nil {
		a.CopyrightOwner = p.CopyrightOwner
	}
	if p.Content != nil {
		a.Content = p.Content
	}
	if p.Tags != nil {
		a.Tags = *p.Tags
	}
}
