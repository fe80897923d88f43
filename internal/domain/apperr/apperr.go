// Пакет apperr - таксономия ошибок движка артефактов.
// Все слои оборачивают одну из sentinel-ошибок через fmt.Errorf("%w: ...")
// так, чтобы вызывающий код (route-слой) мог классифицировать ошибку
// через errors.Is и получить машиночитаемый код через Code.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeStorageError    = "STORAGE_ERROR"
	CodeConflict        = "CONFLICT"
	CodeInternalError   = "INTERNAL_ERROR"
)

var (
	// ErrValidation - некорректные входные данные (тип, размер, количество
	// файлов, обязательные поля, отсутствие версии, недопустимое состояние).
	ErrValidation = errors.New("ошибка валидации")
	// ErrForbidden - недостаточно прав (не владелец, роль ниже требуемой).
	ErrForbidden = errors.New("недостаточно прав")
	// ErrNotFound - артефакт или файл не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrStorage - ошибка файлового хранилища. Текст ОС в сообщение не попадает.
	ErrStorage = errors.New("ошибка хранилища")
	// ErrConflict - ресурс уже существует (повторная звезда, дубль имени).
	ErrConflict = errors.New("конфликт - ресурс уже существует")
)

// Code возвращает машиночитаемый код для ошибки.
// Неклассифицированные ошибки считаются внутренними.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidationError
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrStorage):
		return CodeStorageError
	default:
		return CodeInternalError
	}
}

// MissingFilesError - при сборке архива часть файлов отсутствует на диске.
// Names - отображаемые имена отсутствующих файлов.
type MissingFilesError struct {
	Names []string
}

func (e *MissingFilesError) Error() string {
	return fmt.Sprintf("%s: файлы отсутствуют на диске: %s", ErrStorage, strings.Join(e.Names, ", "))
}

// Unwrap относит ошибку к классу ErrStorage.
func (e *MissingFilesError) Unwrap() error {
	return ErrStorage
}
