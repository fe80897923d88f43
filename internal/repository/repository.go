// Пакет repository - слой доступа к данным PostgreSQL.
// Все запросы - чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound - запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict - конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт - запись уже существует")
	// ErrBasePathTaken - директория артефакта уже занята другим артефактом.
	ErrBasePathTaken = errors.New("директория артефакта уже занята")
	// ErrValueTooLong - значение длиннее колонки.
	ErrValueTooLong = errors.New("значение превышает допустимую длину")
)

// Имена ограничений, по которым различаются конфликты уникальности.
const (
	constraintArtifactBasePath = "artifacts_base_path_key"
)

// DBTX - интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
// Begin внутри pgx.Tx открывает savepoint.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repositories - набор репозиториев, привязанных к одному DBTX.
type Repositories struct {
	Artifacts ArtifactRepository
	Files     FileRepository
	Stars     StarRepository
	Uploads   UploadRecordRepository
}

// New создаёт набор репозиториев поверх db (пул или транзакция).
func New(db DBTX) *Repositories {
	return &Repositories{
		Artifacts: NewArtifactRepository(db),
		Files:     NewFileRepository(db),
		Stars:     NewStarRepository(db),
		Uploads:   NewUploadRecordRepository(db),
	}
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn с репозиториями, привязанными к одной транзакции.
// При ошибке fn - транзакция откатывается. При успехе - коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(repos *Repositories) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита - no-op

	if err := fn(New(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	return pgCode(err) == "23505"
}

// isForeignKeyViolation - ссылка на несуществующую запись.
func isForeignKeyViolation(err error) bool {
	return pgCode(err) == "23503"
}

// isInvalidText - значение не приводится к типу колонки (например, не UUID).
func isInvalidText(err error) bool {
	return pgCode(err) == "22P02"
}

// isValueTooLong - строка длиннее VARCHAR(n).
func isValueTooLong(err error) bool {
	return pgCode(err) == "22001"
}

// constraintName возвращает имя нарушенного ограничения.
func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// notFound переводит отсутствие строки и некорректный идентификатор в ErrNotFound.
func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || isInvalidText(err)
}
