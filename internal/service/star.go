package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/repository"
)

// StarService - избранное пользователей.
// Счётчик star_count меняется только вместе со вставкой или удалением
// звезды в одной транзакции репозитория.
type StarService struct {
	repos  *repository.Repositories
	logger *slog.Logger
}

// NewStarService создаёт сервис звёзд.
func NewStarService(repos *repository.Repositories, logger *slog.Logger) *StarService {
	return &StarService{
		repos:  repos,
		logger: logger.With(slog.String("component", "star_service")),
	}
}

// Toggle переключает звезду и возвращает новое состояние.
func (s *StarService) Toggle(ctx context.Context, actor model.Actor, artifactID string) (bool, error) {
	a, err := s.target(ctx, actor, artifactID)
	if err != nil {
		return false, err
	}
	starred, err := s.repos.Stars.Toggle(ctx, actor.UserID, a.ID, a.Kind)
	if err != nil {
		return false, repoError(err, "артефакт "+artifactID)
	}
	s.logger.Debug("Звезда переключена",
		slog.String("artifact_id", a.ID),
		slog.String("user_id", actor.UserID),
		slog.Bool("starred", starred),
	)
	return starred, nil
}

// Add ставит звезду. Повторная звезда - ErrConflict.
func (s *StarService) Add(ctx context.Context, actor model.Actor, artifactID string) error {
	a, err := s.target(ctx, actor, artifactID)
	if err != nil {
		return err
	}
	added, err := s.repos.Stars.Add(ctx, actor.UserID, a.ID, a.Kind)
	if err != nil {
		return repoError(err, "артефакт "+artifactID)
	}
	if !added {
		return fmt.Errorf("%w: звезда уже стоит", apperr.ErrConflict)
	}
	return nil
}

// Remove снимает звезду. Отсутствующая звезда ошибкой не считается;
// возвращается false.
func (s *StarService) Remove(ctx context.Context, actor model.Actor, artifactID string) (bool, error) {
	if err := requireActor(actor); err != nil {
		return false, err
	}
	removed, err := s.repos.Stars.Remove(ctx, actor.UserID, artifactID)
	if err != nil {
		return false, repoError(err, "артефакт "+artifactID)
	}
	return removed, nil
}

// IsStarred проверяет, стоит ли звезда пользователя.
func (s *StarService) IsStarred(ctx context.Context, actor model.Actor, artifactID string) (bool, error) {
	if actor.UserID == "" {
		return false, nil
	}
	ok, err := s.repos.Stars.Exists(ctx, actor.UserID, artifactID)
	if err != nil {
		return false, repoError(err, "артефакт "+artifactID)
	}
	return ok, nil
}

// ListStarred возвращает страницу избранного пользователя.
func (s *StarService) ListStarred(ctx context.Context, actor model.Actor, page, pageSize int) ([]model.Star, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	p := repository.ListParams{Page: page, PageSize: pageSize}.Normalize()
	stars, err := s.repos.Stars.ListByUser(ctx, actor.UserID, p.PageSize, p.Offset())
	if err != nil {
		return nil, repoError(err, "избранное")
	}
	return stars, nil
}

// target - звезду можно поставить только на видимый артефакт.
func (s *StarService) target(ctx context.Context, actor model.Actor, artifactID string) (*model.Artifact, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return loadVisible(ctx, s.repos.Artifacts, actor, artifactID)
}
