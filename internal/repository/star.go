package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
)

// StarRepository - звёзды пользователей на артефактах.
// Вставка/удаление звезды и изменение star_count выполняются в одной
// транзакции (savepoint, если репозиторий уже работает внутри транзакции).
type StarRepository interface {
	// Add ставит звезду. false без ошибки - звезда уже стоит.
	Add(ctx context.Context, userID, artifactID string, kind model.Kind) (bool, error)
	// Remove снимает звезду. false без ошибки - звезды не было.
	Remove(ctx context.Context, userID, artifactID string) (bool, error)
	// Toggle переключает звезду. Возвращает новое состояние.
	Toggle(ctx context.Context, userID, artifactID string, kind model.Kind) (bool, error)
	// Exists проверяет наличие звезды.
	Exists(ctx context.Context, userID, artifactID string) (bool, error)
	// ListByUser возвращает звёзды пользователя, новые первыми.
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Star, error)
}

// starRepo - реализация StarRepository.
type starRepo struct {
	db DBTX
}

// NewStarRepository создаёт репозиторий звёзд.
func NewStarRepository(db DBTX) StarRepository {
	return &starRepo{db: db}
}

const (
	insertStarSQL = `INSERT INTO stars (user_id, artifact_id, target_kind) VALUES ($1, $2, $3)`
	deleteStarSQL = `DELETE FROM stars WHERE user_id = $1 AND artifact_id = $2`
	incStarsSQL   = `UPDATE artifacts SET star_count = star_count + 1 WHERE id = $1`
	decStarsSQL   = `UPDATE artifacts SET star_count = GREATEST(star_count - 1, 0) WHERE id = $1`
)

func (r *starRepo) Add(ctx context.Context, userID, artifactID string, kind model.Kind) (bool, error) {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		return insertStar(ctx, tx, userID, artifactID, kind)
	})
	if err != nil {
		// Нарушение первичного ключа - звезда уже стоит
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, starError(err, "ошибка добавления звезды")
	}
	return true, nil
}

func (r *starRepo) Remove(ctx context.Context, userID, artifactID string) (bool, error) {
	var removed bool
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		removed, err = deleteStar(ctx, tx, userID, artifactID)
		return err
	})
	if err != nil {
		if isInvalidText(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка снятия звезды: %w", err)
	}
	return removed, nil
}

func (r *starRepo) Toggle(ctx context.Context, userID, artifactID string, kind model.Kind) (bool, error) {
	var starred bool
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		removed, err := deleteStar(ctx, tx, userID, artifactID)
		if err != nil {
			return err
		}
		if removed {
			starred = false
			return nil
		}
		starred = true
		return insertStar(ctx, tx, userID, artifactID, kind)
	})
	if err != nil {
		// Параллельный toggle того же пользователя уже поставил звезду
		if isUniqueViolation(err) {
			return true, nil
		}
		return false, starError(err, "ошибка переключения звезды")
	}
	return starred, nil
}

func (r *starRepo) Exists(ctx context.Context, userID, artifactID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM stars WHERE user_id = $1 AND artifact_id = $2)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, userID, artifactID).Scan(&exists); err != nil {
		if isInvalidText(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка проверки звезды: %w", err)
	}
	return exists, nil
}

func (r *starRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Star, error) {
	query := `
		SELECT user_id, artifact_id, target_kind, created_at
		FROM stars
		WHERE user_id = $1
		ORDER BY created_at DESC, artifact_id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения звёзд: %w", err)
	}
	defer rows.Close()

	var result []model.Star
	for rows.Next() {
		var s model.Star
		var kind string
		if err := rows.Scan(&s.UserID, &s.ArtifactID, &kind, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования звезды: %w", err)
		}
		s.TargetKind = model.Kind(kind)
		result = append(result, s)
	}
	return result, rows.Err()
}

func insertStar(ctx context.Context, tx pgx.Tx, userID, artifactID string, kind model.Kind) error {
	if _, err := tx.Exec(ctx, insertStarSQL, userID, artifactID, string(kind)); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, incStarsSQL, artifactID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func deleteStar(ctx context.Context, tx pgx.Tx, userID, artifactID string) (bool, error) {
	tag, err := tx.Exec(ctx, deleteStarSQL, userID, artifactID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, decStarsSQL, artifactID); err != nil {
		return false, err
	}
	return true, nil
}

// starError - ссылка на несуществующий артефакт превращается в ErrNotFound.
func starError(err error, msg string) error {
	if errors.Is(err, ErrNotFound) || isForeignKeyViolation(err) || isInvalidText(err) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
