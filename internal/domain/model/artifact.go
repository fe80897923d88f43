// Пакет model - доменные модели движка артефактов.
// Artifact - общий агрегат для двух видов: база знаний и карточка персонажа.
package model

import (
	"fmt"
	"time"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/rbac"
)

// Kind - вид артефакта. Определяет политику валидации и каталог на диске.
type Kind string

const (
	// KindKnowledge - база знаний (набор .txt/.json файлов)
	KindKnowledge Kind = "knowledge"
	// KindPersona - карточка персонажа (единственный bot_config.toml)
	KindPersona Kind = "persona"
)

// ParseKind преобразует строку в Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("недопустимый вид артефакта: %q, допустимые: knowledge, persona", s)
	}
	return k, nil
}

// Valid проверяет, является ли значение известным видом.
func (k Kind) Valid() bool {
	return k == KindKnowledge || k == KindPersona
}

// State - состояние модерации, вычисляемое из флагов артефакта.
type State string

const (
	// StatePrivate - не публичный, не на проверке, без причины отклонения
	StatePrivate State = "private"
	// StatePending - ожидает проверки модератором
	StatePending State = "pending"
	// StatePublic - опубликован
	StatePublic State = "public"
	// StateRejected - отклонён модератором (есть причина)
	StateRejected State = "rejected"
)

// ParseState преобразует строку в State.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StatePrivate, StatePending, StatePublic, StateRejected:
		return st, nil
	default:
		return "", fmt.Errorf("недопустимое состояние: %q, допустимые: private, pending, public, rejected", s)
	}
}

// Artifact - метаданные одного артефакта. Хранится в таблице artifacts.
type Artifact struct {
	// ID - UUID, задаётся при создании и не меняется
	ID string `json:"id"`
	// Kind - вид артефакта
	Kind Kind `json:"kind"`
	// Name - уникально в пределах (Kind, UploaderID)
	Name string `json:"name"`
	// Description - описание
	Description string `json:"description"`
	// UploaderID - идентификатор владельца
	UploaderID string `json:"uploader_id"`
	// CopyrightOwner - правообладатель (опционально)
	CopyrightOwner *string `json:"copyright_owner,omitempty"`
	// Content - дополнительное содержимое. Единственное поле, которое
	// владелец может менять в состояниях public и pending.
	Content *string `json:"content,omitempty"`
	// Tags - теги
	Tags []string `json:"tags,omitempty"`
	// Version - версия из bot_config.toml (только persona)
	Version *string `json:"version,omitempty"`
	// BasePath - директория артефакта на диске, принадлежит только ему
	BasePath string `json:"base_path"`
	// StarCount - количество звёзд
	StarCount int64 `json:"star_count"`
	// Downloads - количество скачиваний
	Downloads int64 `json:"downloads"`
	// IsPublic - опубликован
	IsPublic bool `json:"is_public"`
	// IsPending - ожидает модерации
	IsPending bool `json:"is_pending"`
	// RejectionReason - причина отклонения
	RejectionReason *string `json:"rejection_reason,omitempty"`
	// CreatedAt - время создания
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt - время последнего изменения
	UpdatedAt time.Time `json:"updated_at"`
}

// State вычисляет состояние модерации из флагов.
func (a *Artifact) State() State {
	switch {
	case a.IsPending:
		return StatePending
	case a.IsPublic:
		return StatePublic
	case a.RejectionReason != nil:
		return StateRejected
	default:
		return StatePrivate
	}
}

// ApplyState выставляет флаги, соответствующие состоянию.
// reason учитывается только для StateRejected.
func (a *Artifact) ApplyState(s State, reason *string) {
	a.IsPublic = s == StatePublic
	a.IsPending = s == StatePending
	a.RejectionReason = nil
	if s == StateRejected {
		a.RejectionReason = reason
	}
}

// CheckInvariants проверяет инварианты флагов видимости.
func (a *Artifact) CheckInvariants() error {
	if a.IsPublic && a.IsPending {
		return fmt.Errorf("артефакт %s одновременно public и pending", a.ID)
	}
	if a.RejectionReason != nil && (a.IsPublic || a.IsPending) {
		return fmt.Errorf("артефакт %s с причиной отклонения не может быть public или pending", a.ID)
	}
	return nil
}

// IsOwnedBy - владелец ли actor.
func (a *Artifact) IsOwnedBy(actor Actor) bool {
	return actor.UserID != "" && a.UploaderID == actor.UserID
}

// VisibleTo - может ли actor видеть артефакт: публичные видят все,
// остальные - владелец и модераторы.
func (a *Artifact) VisibleTo(actor Actor) bool {
	return a.IsPublic || a.IsOwnedBy(actor) || rbac.IsModerator(actor.Role)
}

// Actor - проверенная внешним слоем идентичность пользователя.
type Actor struct {
	UserID string
	Role   rbac.Role
}
