package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
)

// Параметры постраничной выборки.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ArtifactRepository - интерфейс CRUD для таблицы artifacts.
type ArtifactRepository interface {
	// Create вставляет новый артефакт. BasePath обязателен.
	Create(ctx context.Context, a *model.Artifact) error
	// GetByID возвращает артефакт по UUID.
	GetByID(ctx context.Context, id string) (*model.Artifact, error)
	// GetForUpdate возвращает артефакт с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (*model.Artifact, error)
	// ExistsByName проверяет занятость имени в пределах (kind, uploader).
	ExistsByName(ctx context.Context, kind model.Kind, uploaderID, name string) (bool, error)
	// List возвращает страницу артефактов и общее количество по фильтру.
	List(ctx context.Context, params ListParams) ([]*model.Artifact, int, error)
	// UpdateMetadata сохраняет редактируемые поля метаданных.
	UpdateMetadata(ctx context.Context, a *model.Artifact) error
	// UpdateState сохраняет флаги модерации.
	UpdateState(ctx context.Context, a *model.Artifact) error
	// Delete удаляет артефакт (файлы и звёзды - каскадом).
	Delete(ctx context.Context, id string) error
	// IncrementDownloads атомарно увеличивает счётчик скачиваний.
	IncrementDownloads(ctx context.Context, id string) (int64, error)
}

// ListParams - фильтры, сортировка и пагинация списка артефактов.
type ListParams struct {
	// Page - номер страницы, начиная с 1
	Page int
	// PageSize - размер страницы (по умолчанию 20, максимум 100)
	PageSize int
	// Name - подстрока имени без учёта регистра
	Name string
	// UploaderID - только артефакты владельца
	UploaderID string
	// Kind - только указанный вид
	Kind model.Kind
	// State - только указанное состояние модерации
	State model.State
	// VisibleTo - только публичные или принадлежащие этому пользователю
	VisibleTo string
	// SortBy - created_at, updated_at или star_count
	SortBy string
	// SortOrder - asc или desc (по умолчанию desc)
	SortOrder string
}

// sortColumns - допустимые колонки сортировки.
var sortColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"star_count": true,
}

// Normalize приводит параметры к допустимым значениям.
func (p ListParams) Normalize() ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	if !sortColumns[p.SortBy] {
		p.SortBy = "created_at"
	}
	if strings.ToLower(p.SortOrder) == "asc" {
		p.SortOrder = "ASC"
	} else {
		p.SortOrder = "DESC"
	}
	return p
}

// Offset возвращает смещение для нормализованных параметров.
func (p ListParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}

const artifactColumns = `id, kind, name, description, uploader_id, copyright_owner, content,
	tags, version, base_path, star_count, downloads, is_public, is_pending,
	rejection_reason, created_at, updated_at`

// artifactRepo - реализация ArtifactRepository.
type artifactRepo struct {
	db DBTX
}

// NewArtifactRepository создаёт репозиторий артефактов.
func NewArtifactRepository(db DBTX) ArtifactRepository {
	return &artifactRepo{db: db}
}

func (r *artifactRepo) Create(ctx context.Context, a *model.Artifact) error {
	if a.BasePath == "" {
		return fmt.Errorf("артефакт %s: пустой base_path", a.ID)
	}

	query := `
		INSERT INTO artifacts (id, kind, name, description, uploader_id, copyright_owner,
			content, tags, version, base_path, is_public, is_pending, rejection_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING star_count, downloads, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		a.ID, string(a.Kind), a.Name, a.Description, a.UploaderID, a.CopyrightOwner,
		a.Content, tagsOrEmpty(a.Tags), a.Version, a.BasePath, a.IsPublic, a.IsPending,
		a.RejectionReason,
	).Scan(&a.StarCount, &a.Downloads, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if constraintName(err) == constraintArtifactBasePath {
				return fmt.Errorf("%w: %s", ErrBasePathTaken, a.BasePath)
			}
			return fmt.Errorf("%w: артефакт %q уже существует у пользователя", ErrConflict, a.Name)
		}
		if isValueTooLong(err) {
			return fmt.Errorf("%w: артефакт %s", ErrValueTooLong, a.ID)
		}
		return fmt.Errorf("ошибка создания артефакта: %w", err)
	}
	return nil
}

func (r *artifactRepo) GetByID(ctx context.Context, id string) (*model.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1`
	return r.get(ctx, query, id)
}

func (r *artifactRepo) GetForUpdate(ctx context.Context, id string) (*model.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1 FOR UPDATE`
	return r.get(ctx, query, id)
}

func (r *artifactRepo) get(ctx context.Context, query, id string) (*model.Artifact, error) {
	a, err := scanArtifact(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения артефакта: %w", err)
	}
	return a, nil
}

func (r *artifactRepo) ExistsByName(ctx context.Context, kind model.Kind, uploaderID, name string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM artifacts WHERE kind = $1 AND uploader_id = $2 AND name = $3)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, string(kind), uploaderID, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("ошибка проверки имени артефакта: %w", err)
	}
	return exists, nil
}

// buildArtifactWhere строит WHERE-условие и аргументы для фильтрации артефактов.
func buildArtifactWhere(p ListParams, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if p.Name != "" {
		conditions = append(conditions, fmt.Sprintf("name ILIKE $%d", argNum))
		args = append(args, "%"+escapeLike(p.Name)+"%")
		argNum++
	}
	if p.UploaderID != "" {
		conditions = append(conditions, fmt.Sprintf("uploader_id = $%d", argNum))
		args = append(args, p.UploaderID)
		argNum++
	}
	if p.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argNum))
		args = append(args, string(p.Kind))
		argNum++
	}
	if p.VisibleTo != "" {
		conditions = append(conditions, fmt.Sprintf("(is_public OR uploader_id = $%d)", argNum))
		args = append(args, p.VisibleTo)
	}
	if cond := stateCondition(p.State); cond != "" {
		conditions = append(conditions, cond)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

// stateCondition - условие на флаги для состояния модерации.
func stateCondition(s model.State) string {
	switch s {
	case model.StatePublic:
		return "is_public"
	case model.StatePending:
		return "is_pending"
	case model.StateRejected:
		return "rejection_reason IS NOT NULL"
	case model.StatePrivate:
		return "(NOT is_public AND NOT is_pending AND rejection_reason IS NULL)"
	default:
		return ""
	}
}

func (r *artifactRepo) List(ctx context.Context, params ListParams) ([]*model.Artifact, int, error) {
	p := params.Normalize()
	where, args := buildArtifactWhere(p, 1)

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM artifacts %s`, where)
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта артефактов: %w", err)
	}

	argNum := len(args) + 1
	// Колонка и направление сортировки берутся только из белого списка Normalize
	query := fmt.Sprintf(`
		SELECT %s
		FROM artifacts
		%s
		ORDER BY %s %s, id
		LIMIT $%d OFFSET $%d`, artifactColumns, where, p.SortBy, p.SortOrder, argNum, argNum+1)
	args = append(args, p.PageSize, p.Offset())

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения списка артефактов: %w", err)
	}
	defer rows.Close()

	var result []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка сканирования артефакта: %w", err)
		}
		result = append(result, a)
	}
	return result, total, rows.Err()
}

func (r *artifactRepo) UpdateMetadata(ctx context.Context, a *model.Artifact) error {
	query := `
		UPDATE artifacts
		SET name = $2, description = $3, copyright_owner = $4, content = $5, tags = $6,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		a.ID, a.Name, a.Description, a.CopyrightOwner, a.Content, tagsOrEmpty(a.Tags),
	).Scan(&a.UpdatedAt)
	if err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: артефакт %q уже существует у пользователя", ErrConflict, a.Name)
		}
		if isValueTooLong(err) {
			return fmt.Errorf("%w: артефакт %s", ErrValueTooLong, a.ID)
		}
		return fmt.Errorf("ошибка обновления артефакта: %w", err)
	}
	return nil
}

func (r *artifactRepo) UpdateState(ctx context.Context, a *model.Artifact) error {
	query := `
		UPDATE artifacts
		SET is_public = $2, is_pending = $3, rejection_reason = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query, a.ID, a.IsPublic, a.IsPending, a.RejectionReason).Scan(&a.UpdatedAt)
	if err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления состояния артефакта: %w", err)
	}
	return nil
}

func (r *artifactRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM artifacts WHERE id = $1`, id)
	if err != nil {
		if isInvalidText(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка удаления артефакта: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *artifactRepo) IncrementDownloads(ctx context.Context, id string) (int64, error) {
	query := `UPDATE artifacts SET downloads = downloads + 1 WHERE id = $1 RETURNING downloads`

	var downloads int64
	if err := r.db.QueryRow(ctx, query, id).Scan(&downloads); err != nil {
		if notFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка увеличения счётчика скачиваний: %w", err)
	}
	return downloads, nil
}

// scanArtifact сканирует строку с колонками artifactColumns.
func scanArtifact(row pgx.Row) (*model.Artifact, error) {
	a := &model.Artifact{}
	var kind string
	err := row.Scan(
		&a.ID, &kind, &a.Name, &a.Description, &a.UploaderID, &a.CopyrightOwner, &a.Content,
		&a.Tags, &a.Version, &a.BasePath, &a.StarCount, &a.Downloads, &a.IsPublic, &a.IsPending,
		&a.RejectionReason, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Kind = model.Kind(kind)
	return a, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// escapeLike экранирует спецсимволы шаблона LIKE.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
