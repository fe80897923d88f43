package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
)

// UploadRecordRepository - история загрузок.
type UploadRecordRepository interface {
	// Create добавляет запись истории.
	Create(ctx context.Context, rec *model.UploadRecord) error
	// UpdateStatusByTarget синхронизирует статус записей артефакта.
	// Возвращает количество обновлённых записей.
	UpdateStatusByTarget(ctx context.Context, targetID string, status model.UploadStatus) (int, error)
	// ListByUploader возвращает историю пользователя, новые первыми.
	ListByUploader(ctx context.Context, uploaderID string, limit, offset int) ([]model.UploadRecord, error)
	// DeleteByTarget удаляет записи артефакта, который так и не стал видимым
	// (компенсация неудачной загрузки).
	DeleteByTarget(ctx context.Context, targetID string) error
}

// uploadRecordRepo - реализация UploadRecordRepository.
type uploadRecordRepo struct {
	db DBTX
}

// NewUploadRecordRepository создаёт репозиторий истории загрузок.
func NewUploadRecordRepository(db DBTX) UploadRecordRepository {
	return &uploadRecordRepo{db: db}
}

func (r *uploadRecordRepo) Create(ctx context.Context, rec *model.UploadRecord) error {
	query := `
		INSERT INTO upload_records (id, target_id, target_kind, uploader_id, name, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		rec.ID, rec.TargetID, string(rec.TargetKind), rec.UploaderID, rec.Name, string(rec.Status),
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись истории %s уже существует", ErrConflict, rec.ID)
		}
		if isValueTooLong(err) {
			return fmt.Errorf("%w: запись истории %s", ErrValueTooLong, rec.ID)
		}
		return fmt.Errorf("ошибка создания записи истории: %w", err)
	}
	return nil
}

func (r *uploadRecordRepo) UpdateStatusByTarget(ctx context.Context, targetID string, status model.UploadStatus) (int, error) {
	query := `
		UPDATE upload_records
		SET status = $2, updated_at = NOW()
		WHERE target_id = $1 AND status <> $2`

	tag, err := r.db.Exec(ctx, query, targetID, string(status))
	if err != nil {
		return 0, fmt.Errorf("ошибка обновления статуса истории: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *uploadRecordRepo) ListByUploader(ctx context.Context, uploaderID string, limit, offset int) ([]model.UploadRecord, error) {
	query := `
		SELECT id, target_id, target_kind, uploader_id, name, status, created_at, updated_at
		FROM upload_records
		WHERE uploader_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, uploaderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории загрузок: %w", err)
	}
	defer rows.Close()

	var result []model.UploadRecord
	for rows.Next() {
		var rec model.UploadRecord
		var kind, status string
		if err := rows.Scan(
			&rec.ID, &rec.TargetID, &kind, &rec.UploaderID, &rec.Name, &status,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи истории: %w", err)
		}
		rec.TargetKind = model.Kind(kind)
		rec.Status = model.UploadStatus(status)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *uploadRecordRepo) DeleteByTarget(ctx context.Context, targetID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM upload_records WHERE target_id = $1`, targetID); err != nil {
		if isInvalidText(err) {
			return nil
		}
		return fmt.Errorf("ошибка удаления записей истории: %w", err)
	}
	return nil
}
