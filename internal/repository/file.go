package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
)

// FileRepository - интерфейс CRUD для таблицы artifact_files.
type FileRepository interface {
	// Add регистрирует файл артефакта.
	Add(ctx context.Context, f *model.File) error
	// Get возвращает файл артефакта по ID.
	Get(ctx context.Context, artifactID, fileID string) (*model.File, error)
	// ListByArtifact возвращает файлы артефакта в порядке добавления.
	ListByArtifact(ctx context.Context, artifactID string) ([]model.File, error)
	// Remove удаляет запись о файле.
	Remove(ctx context.Context, artifactID, fileID string) error
	// CountByArtifact возвращает количество файлов артефакта.
	CountByArtifact(ctx context.Context, artifactID string) (int, error)
}

// fileRepo - реализация FileRepository.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов артефактов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

func (r *fileRepo) Add(ctx context.Context, f *model.File) error {
	query := `
		INSERT INTO artifact_files (id, artifact_id, original_name, stored_path, file_type, size)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		f.ID, f.ArtifactID, f.OriginalName, f.StoredPath, f.FileType, f.Size,
	).Scan(&f.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл %s уже зарегистрирован", ErrConflict, f.StoredPath)
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if isValueTooLong(err) {
			return fmt.Errorf("%w: файл %s", ErrValueTooLong, f.ID)
		}
		return fmt.Errorf("ошибка регистрации файла: %w", err)
	}
	return nil
}

func (r *fileRepo) Get(ctx context.Context, artifactID, fileID string) (*model.File, error) {
	query := `
		SELECT id, artifact_id, original_name, stored_path, file_type, size, created_at
		FROM artifact_files
		WHERE artifact_id = $1 AND id = $2`

	f := &model.File{}
	err := r.db.QueryRow(ctx, query, artifactID, fileID).Scan(
		&f.ID, &f.ArtifactID, &f.OriginalName, &f.StoredPath, &f.FileType, &f.Size, &f.CreatedAt,
	)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *fileRepo) ListByArtifact(ctx context.Context, artifactID string) ([]model.File, error) {
	query := `
		SELECT id, artifact_id, original_name, stored_path, file_type, size, created_at
		FROM artifact_files
		WHERE artifact_id = $1
		ORDER BY created_at, stored_path`

	rows, err := r.db.Query(ctx, query, artifactID)
	if err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	defer rows.Close()

	var result []model.File
	for rows.Next() {
		var f model.File
		if err := rows.Scan(
			&f.ID, &f.ArtifactID, &f.OriginalName, &f.StoredPath, &f.FileType, &f.Size, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *fileRepo) Remove(ctx context.Context, artifactID, fileID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM artifact_files WHERE artifact_id = $1 AND id = $2`, artifactID, fileID)
	if err != nil {
		if isInvalidText(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) CountByArtifact(ctx context.Context, artifactID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM artifact_files WHERE artifact_id = $1`, artifactID).Scan(&count)
	if err != nil {
		if isInvalidText(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка подсчёта файлов: %w", err)
	}
	return count, nil
}
