// Пакет lifecycle - конечный автомат модерации артефактов.
//
// Состояния вычисляются из флагов артефакта (model.Artifact.State):
//
//	private ──request_review──▶ pending ──approve──▶ public
//	                               │                   │
//	                               └──reject──▶ rejected
//	public ──revert (admin)──▶ pending
//
// Дополнительно модератор может напрямую опубликовать или скрыть артефакт
// (publish / unpublish). Из rejected переходов нет: повторная подача - это
// новый артефакт.
//
// Автомат не хранит состояние: источник истины - строка в БД. Plan проверяет
// роль, затем состояние, и возвращает Transition, которую сервис применяет
// к артефакту и сохраняет в одной транзакции.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/rbac"
)

// Action - действие модерации.
type Action string

const (
	// ActionRequestReview - владелец (или модератор) отправляет на проверку
	ActionRequestReview Action = "request_review"
	// ActionApprove - модератор одобряет
	ActionApprove Action = "approve"
	// ActionReject - модератор отклоняет с причиной
	ActionReject Action = "reject"
	// ActionRevert - администратор возвращает опубликованный артефакт на проверку
	ActionRevert Action = "revert"
	// ActionPublish - модератор публикует напрямую
	ActionPublish Action = "publish"
	// ActionUnpublish - модератор скрывает артефакт
	ActionUnpublish Action = "unpublish"
)

// Коды ошибок переходов.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeForbidden         = "FORBIDDEN"
	CodeReasonRequired    = "REASON_REQUIRED"
	CodeFieldFrozen       = "FIELD_FROZEN"
)

// who - кому разрешено действие.
type who int

const (
	ownerOrModerator who = iota
	moderatorOnly
	adminOnly
)

// rule - описание перехода: допустимые исходные состояния, целевое
// состояние и требуемая роль.
type rule struct {
	from map[model.State]bool
	to   model.State
	who  who
}

// rules - матрица допустимых переходов.
var rules = map[Action]rule{
	ActionRequestReview: {from: states(model.StatePrivate), to: model.StatePending, who: ownerOrModerator},
	ActionApprove:       {from: states(model.StatePending), to: model.StatePublic, who: moderatorOnly},
	ActionReject:        {from: states(model.StatePending), to: model.StateRejected, who: moderatorOnly},
	ActionRevert:        {from: states(model.StatePublic), to: model.StatePending, who: adminOnly},
	ActionPublish:       {from: states(model.StatePrivate, model.StatePending), to: model.StatePublic, who: moderatorOnly},
	ActionUnpublish:     {from: states(model.StatePublic, model.StatePending), to: model.StatePrivate, who: moderatorOnly},
}

// frozenFields - поля, которые владелец не может менять в public и pending.
var frozenFields = map[string]bool{
	model.FieldName:           true,
	model.FieldDescription:    true,
	model.FieldCopyrightOwner: true,
	model.FieldTags:           true,
	model.FieldFiles:          true,
}

// Transition - запланированный переход.
type Transition struct {
	Action  Action
	From    model.State
	To      model.State
	Reason  *string
	Subject string
	At      time.Time
}

// Apply выставляет флаги артефакта согласно переходу.
func (t Transition) Apply(a *model.Artifact) {
	a.ApplyState(t.To, t.Reason)
	a.UpdatedAt = t.At
}

// Plan проверяет допустимость действия для actor над артефактом и
// возвращает переход. Сначала проверяется роль, затем текущее состояние,
// затем причина (для reject).
func Plan(actor model.Actor, a *model.Artifact, action Action, reason string) (Transition, error) {
	r, ok := rules[action]
	if !ok {
		return Transition{}, &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("неизвестное действие: %q", action),
			kind:    apperr.ErrValidation,
		}
	}

	if !allowed(r.who, actor, a) {
		return Transition{}, &TransitionError{
			Code:    CodeForbidden,
			Message: fmt.Sprintf("действие %s требует роли %s", action, describe(r.who)),
			kind:    apperr.ErrForbidden,
		}
	}

	current := a.State()
	if !r.from[current] {
		return Transition{}, &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("действие %s недопустимо в состоянии %s", action, current),
			kind:    apperr.ErrValidation,
		}
	}

	t := Transition{
		Action:  action,
		From:    current,
		To:      r.to,
		Subject: actor.UserID,
		At:      time.Now().UTC(),
	}

	if action == ActionReject {
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return Transition{}, &TransitionError{
				Code:    CodeReasonRequired,
				Message: "отклонение требует непустой причины",
				kind:    apperr.ErrValidation,
			}
		}
		t.Reason = &reason
	}

	return t, nil
}

// CanTransition проверяет, существует ли действие, переводящее from в to.
func CanTransition(from, to model.State) bool {
	for _, r := range rules {
		if r.from[from] && r.to == to {
			return true
		}
	}
	return false
}

// AuthorizeEdit проверяет право actor изменить перечисленные поля.
// Владелец в состояниях public и pending может менять только content;
// модераторы и администраторы могут менять любые поля.
func AuthorizeEdit(actor model.Actor, a *model.Artifact, fields []string) error {
	if rbac.IsModerator(actor.Role) {
		return nil
	}
	if !a.IsOwnedBy(actor) {
		return &TransitionError{
			Code:    CodeForbidden,
			Message: "изменять артефакт может только владелец или модератор",
			kind:    apperr.ErrForbidden,
		}
	}

	state := a.State()
	if state != model.StatePublic && state != model.StatePending {
		return nil
	}
	for _, f := range fields {
		if frozenFields[f] {
			return &TransitionError{
				Code:    CodeFieldFrozen,
				Message: fmt.Sprintf("поле %s нельзя менять в состоянии %s", f, state),
				kind:    apperr.ErrForbidden,
			}
		}
	}
	return nil
}

// AuthorizeDelete - удалять может владелец или модератор.
func AuthorizeDelete(actor model.Actor, a *model.Artifact) error {
	if a.IsOwnedBy(actor) || rbac.IsModerator(actor.Role) {
		return nil
	}
	return &TransitionError{
		Code:    CodeForbidden,
		Message: "удалить артефакт может только владелец или модератор",
		kind:    apperr.ErrForbidden,
	}
}

// TransitionError - ошибка перехода или проверки прав.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, FORBIDDEN, ...)
	Message string // Человекочитаемое описание
	kind    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap относит ошибку к классу apperr (ErrForbidden или ErrValidation).
func (e *TransitionError) Unwrap() error {
	return e.kind
}

func allowed(w who, actor model.Actor, a *model.Artifact) bool {
	switch w {
	case ownerOrModerator:
		return a.IsOwnedBy(actor) || rbac.IsModerator(actor.Role)
	case moderatorOnly:
		return rbac.IsModerator(actor.Role)
	case adminOnly:
		return rbac.IsAdmin(actor.Role)
	default:
		return false
	}
}

func describe(w who) string {
	switch w {
	case ownerOrModerator:
		return "владельца или модератора"
	case moderatorOnly:
		return "модератора"
	default:
		return "администратора"
	}
}

func states(ss ...model.State) map[model.State]bool {
	m := make(map[model.State]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
