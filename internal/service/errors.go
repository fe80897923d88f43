// Пакет service - бизнес-логика движка артефактов: загрузка, модерация,
// звёзды, скачивание архивов и фоновая очистка staging.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/repository"
)

// Transactor выполняет fn с репозиториями, привязанными к одной транзакции.
// Реализуется repository.TxRunner.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(repos *repository.Repositories) error) error
}

// repoError переводит ошибку репозитория в таксономию apperr.
// Уже классифицированные ошибки (TransitionError, ошибки валидации)
// возвращаются как есть.
func repoError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, what)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %s", apperr.ErrConflict, what)
	case errors.Is(err, repository.ErrValueTooLong):
		return fmt.Errorf("%w: %s: значение слишком длинное", apperr.ErrValidation, what)
	case apperr.Code(err) != apperr.CodeInternalError:
		return err
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// storageError логирует ошибку ОС и возвращает ErrStorage с очищенным
// сообщением: пути и текст ОС наружу не попадают.
func storageError(logger *slog.Logger, op string, err error, attrs ...any) error {
	attrs = append(attrs, slog.String("error", err.Error()))
	logger.Error("Ошибка файлового хранилища: "+op, attrs...)
	return fmt.Errorf("%w: %s", apperr.ErrStorage, op)
}

// requireActor - операции изменения требуют идентифицированного пользователя.
func requireActor(actor model.Actor) error {
	if actor.UserID == "" {
		return fmt.Errorf("%w: пользователь не определён", apperr.ErrForbidden)
	}
	return nil
}

// loadVisible возвращает артефакт, если actor имеет право его видеть.
// Невидимый артефакт неотличим от отсутствующего.
func loadVisible(ctx context.Context, repo repository.ArtifactRepository, actor model.Actor, id string) (*model.Artifact, error) {
	a, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, repoError(err, "артефакт "+id)
	}
	if !a.VisibleTo(actor) {
		return nil, fmt.Errorf("%w: артефакт %s", apperr.ErrNotFound, id)
	}
	return a, nil
}
