// moderation.go - переходы модерации артефактов.
// Каждый переход выполняется в транзакции с блокировкой строки артефакта:
// чтение состояния, проверка автоматом lifecycle, запись флагов и
// синхронизация статуса истории загрузок.
package service

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/repository"
)

// moderationTransitionsTotal - переходы модерации по действию и результату.
var moderationTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ae_moderation_transitions_total",
	Help: "Общее количество переходов модерации по действию и результату.",
}, []string{"action", "status"})

// Notifier уведомляет владельца о решении модератора.
type Notifier interface {
	NotifyRejected(ctx context.Context, a *model.Artifact, reason string) error
}

// LogNotifier - Notifier, который пишет уведомление в лог.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notifier"))}
}

// NotifyRejected пишет уведомление об отклонении.
func (n *LogNotifier) NotifyRejected(_ context.Context, a *model.Artifact, reason string) error {
	n.logger.Info("Артефакт отклонён модератором",
		slog.String("artifact_id", a.ID),
		slog.String("uploader_id", a.UploaderID),
		slog.String("name", a.Name),
		slog.String("reason", reason),
	)
	return nil
}

// ModerationService - workflow модерации.
type ModerationService struct {
	tx       Transactor
	notifier Notifier
	logger   *slog.Logger
}

// NewModerationService создаёт сервис модерации.
// notifier == nil - уведомления пишутся в лог.
func NewModerationService(tx Transactor, notifier Notifier, logger *slog.Logger) *ModerationService {
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &ModerationService{
		tx:       tx,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "moderation_service")),
	}
}

// RequestReview отправляет артефакт на проверку: private → pending.
func (s *ModerationService) RequestReview(ctx context.Context, actor model.Actor, artifactID string) (*model.Artifact, error) {
	return s.transition(ctx, actor, artifactID, lifecycle.ActionRequestReview, "")
}

// Approve одобряет артефакт: pending → public.
func (s *ModerationService) Approve(ctx context.Context, actor model.Actor, artifactID string) (*model.Artifact, error) {
	return s.transition(ctx, actor, artifactID, lifecycle.ActionApprove, "")
}

// Reject отклоняет артефакт с причиной: pending → rejected.
// Владелец получает уведомление.
func (s *ModerationService) Reject(ctx context.Context, actor model.Actor, artifactID, reason string) (*model.Artifact, error) {
	return s.transition(ctx, actor, artifactID, lifecycle.ActionReject, reason)
}

// Revert возвращает опубликованный артефакт на проверку: public → pending.
func (s *ModerationService) Revert(ctx context.Context, actor model.Actor, artifactID string) (*model.Artifact, error) {
	return s.transition(ctx, actor, artifactID, lifecycle.ActionRevert, "")
}

// SetVisibility напрямую публикует или скрывает артефакт.
func (s *ModerationService) SetVisibility(ctx context.Context, actor model.Actor, artifactID string, public bool) (*model.Artifact, error) {
	action := lifecycle.ActionUnpublish
	if public {
		action = lifecycle.ActionPublish
	}
	return s.transition(ctx, actor, artifactID, action, "")
}

func (s *ModerationService) transition(
	ctx context.Context,
	actor model.Actor,
	artifactID string,
	action lifecycle.Action,
	reason string,
) (*model.Artifact, error) {
	var (
		a *model.Artifact
		t lifecycle.Transition
	)

	err := s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		var err error
		a, err = repos.Artifacts.GetForUpdate(ctx, artifactID)
		if err != nil {
			return err
		}
		t, err = lifecycle.Plan(actor, a, action, reason)
		if err != nil {
			return err
		}
		t.Apply(a)
		if err := a.CheckInvariants(); err != nil {
			return err
		}
		if err := repos.Artifacts.UpdateState(ctx, a); err != nil {
			return err
		}
		// Скрытие артефакта модератором историю загрузки не меняет
		if t.To == model.StatePrivate {
			return nil
		}
		_, err = repos.Uploads.UpdateStatusByTarget(ctx, a.ID, model.UploadStatusFor(t.To))
		return err
	})
	if err != nil {
		moderationTransitionsTotal.WithLabelValues(string(action), "error").Inc()
		return nil, repoError(err, "артефакт "+artifactID)
	}
	moderationTransitionsTotal.WithLabelValues(string(action), "ok").Inc()

	s.logger.Info("Переход модерации",
		slog.String("artifact_id", a.ID),
		slog.String("action", string(t.Action)),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
		slog.String("actor", t.Subject),
	)

	if action == lifecycle.ActionReject {
		if err := s.notifier.NotifyRejected(ctx, a, *t.Reason); err != nil {
			s.logger.Warn("Не удалось уведомить владельца",
				slog.String("artifact_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return a, nil
}
