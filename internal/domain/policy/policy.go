// Пакет policy - проверки загружаемых файлов по политике вида артефакта.
// Чистые функции над данными в памяти: без обращений к диску и БД.
// Первая найденная ошибка отклоняет весь пакет файлов.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
)

// Значения по умолчанию.
const (
	DefaultMaxFileSizeMB       = 10
	DefaultMaxKnowledgeFiles   = 100
	PersonaMaxFiles            = 1
	DefaultPersonaFilename     = "bot_config.toml"
	bytesInMB                  = 1024 * 1024
	defaultKnowledgeExtensions = ".txt,.json"
	defaultPersonaExtensions   = ".toml"

	// MaxNameLength - максимальная длина имени артефакта, отображаемого
	// имени файла и правообладателя в символах (VARCHAR(255) в схеме БД)
	MaxNameLength = 255
)

// Limits - лимиты загрузки. Передаются в конструкторы явно,
// без глобального состояния.
type Limits struct {
	// MaxFileSize - максимальный размер одного файла в байтах
	MaxFileSize int64
	// MaxKnowledgeFiles - максимум файлов в базе знаний
	MaxKnowledgeFiles int
	// MaxPersonaFiles - максимум файлов в карточке персонажа (всегда 1)
	MaxPersonaFiles int
	// KnowledgeExtensions - допустимые расширения для базы знаний
	KnowledgeExtensions []string
	// PersonaExtensions - допустимые расширения для карточки персонажа
	PersonaExtensions []string
	// PersonaFilename - обязательное имя файла карточки
	PersonaFilename string
}

// DefaultLimits возвращает лимиты по умолчанию.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:         DefaultMaxFileSizeMB * bytesInMB,
		MaxKnowledgeFiles:   DefaultMaxKnowledgeFiles,
		MaxPersonaFiles:     PersonaMaxFiles,
		KnowledgeExtensions: strings.Split(defaultKnowledgeExtensions, ","),
		PersonaExtensions:   strings.Split(defaultPersonaExtensions, ","),
		PersonaFilename:     DefaultPersonaFilename,
	}
}

// MBToBytes переводит мегабайты в байты.
func MBToBytes(mb int) int64 {
	return int64(mb) * bytesInMB
}

// Validator проверяет пакеты файлов по лимитам.
type Validator struct {
	limits    Limits
	knowledge map[string]bool
	persona   map[string]bool
}

// NewValidator создаёт валидатор. Расширения нормализуются к виду ".ext".
func NewValidator(limits Limits) *Validator {
	return &Validator{
		limits:    limits,
		knowledge: extensionSet(limits.KnowledgeExtensions),
		persona:   extensionSet(limits.PersonaExtensions),
	}
}

// Limits возвращает лимиты валидатора.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate проверяет новый пакет файлов для создания артефакта.
func (v *Validator) Validate(kind model.Kind, files []model.FileUpload) error {
	return v.ValidateAddition(kind, 0, files)
}

// ValidateAddition проверяет пакет файлов, добавляемый к артефакту,
// в котором уже есть existing файлов.
func (v *Validator) ValidateAddition(kind model.Kind, existing int, files []model.FileUpload) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: не передано ни одного файла", apperr.ErrValidation)
	}

	switch kind {
	case model.KindKnowledge:
		return v.validateKnowledge(existing, files)
	case model.KindPersona:
		return v.validatePersona(existing, files)
	default:
		return fmt.Errorf("%w: неизвестный вид артефакта %q", apperr.ErrValidation, kind)
	}
}

func (v *Validator) validateKnowledge(existing int, files []model.FileUpload) error {
	if total := existing + len(files); total > v.limits.MaxKnowledgeFiles {
		return fmt.Errorf("%w: база знаний может содержать не более %d файлов, получено %d",
			apperr.ErrValidation, v.limits.MaxKnowledgeFiles, total)
	}

	for _, f := range files {
		if err := v.checkName(f.Name); err != nil {
			return err
		}
		if ext := Extension(f.Name); !v.knowledge[ext] {
			return fmt.Errorf("%w: файл %q: недопустимый тип %q, допустимые: %s",
				apperr.ErrValidation, f.Name, ext, strings.Join(v.limits.KnowledgeExtensions, ", "))
		}
		if err := v.checkSize(f); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validatePersona(existing int, files []model.FileUpload) error {
	if total := existing + len(files); total > v.limits.MaxPersonaFiles {
		return fmt.Errorf("%w: карточка персонажа содержит ровно %d файл, получено %d",
			apperr.ErrValidation, v.limits.MaxPersonaFiles, total)
	}

	for _, f := range files {
		if err := v.checkName(f.Name); err != nil {
			return err
		}
		if f.Name != v.limits.PersonaFilename {
			return fmt.Errorf("%w: файл карточки должен называться %q, получено %q",
				apperr.ErrValidation, v.limits.PersonaFilename, f.Name)
		}
		if ext := Extension(f.Name); !v.persona[ext] {
			return fmt.Errorf("%w: файл %q: недопустимый тип %q, допустимые: %s",
				apperr.ErrValidation, f.Name, ext, strings.Join(v.limits.PersonaExtensions, ", "))
		}
		if err := v.checkSize(f); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: пустое имя файла", apperr.ErrValidation)
	}
	return checkLength("имя файла", name)
}

// ArtifactName проверяет имя артефакта и возвращает его без пробелов по краям.
func ArtifactName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: имя артефакта обязательно", apperr.ErrValidation)
	}
	if err := checkLength("имя артефакта", name); err != nil {
		return "", err
	}
	return name, nil
}

// CopyrightOwner проверяет длину правообладателя; nil допустим.
func CopyrightOwner(owner *string) error {
	if owner == nil {
		return nil
	}
	return checkLength("правообладатель", *owner)
}

func checkLength(what, s string) error {
	if n := utf8.RuneCountInString(s); n > MaxNameLength {
		return fmt.Errorf("%w: %s длиннее %d символов (%d)", apperr.ErrValidation, what, MaxNameLength, n)
	}
	return nil
}

func (v *Validator) checkSize(f model.FileUpload) error {
	if f.Size() > v.limits.MaxFileSize {
		return fmt.Errorf("%w: файл %q: размер %d байт превышает максимум %d байт",
			apperr.ErrValidation, f.Name, f.Size(), v.limits.MaxFileSize)
	}
	return nil
}

// Extension возвращает расширение имени файла в нижнем регистре с точкой.
func Extension(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// FileType возвращает тег типа файла: расширение без точки.
func FileType(name string) string {
	return strings.TrimPrefix(Extension(name), ".")
}

func extensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}
