package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strings"

	"github.com/bigkaa/goartstore/artifact-engine/internal/config"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/rbac"
	"github.com/bigkaa/goartstore/artifact-engine/internal/service"
)

const defaultServiceID = "artifact-engine"

// systemActor - служебный актор для чтения очереди модерации при старте.
var systemActor = model.Actor{UserID: "system", Role: rbac.RoleAdmin}

// startDephealth создаёт и запускает мониторинг PostgreSQL.
// Ошибки не фатальны: движок работает и без topologymetrics.
func startDephealth(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) *service.DephealthService {
	svc, err := service.NewDephealthService(
		dephealthServiceID(),
		cfg.DephealthGroup,
		db,
		cfg.DatabaseURL("postgres"),
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("topologymetrics запущен",
		slog.String("group", cfg.DephealthGroup),
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return svc
}

// logModerationBacklog пишет в лог размер очереди модерации.
func logModerationBacklog(ctx context.Context, engine *service.Engine, logger *slog.Logger) {
	queue, err := engine.Artifacts.ModerationQueue(ctx, systemActor, 1, 1)
	if err != nil {
		logger.Warn("Не удалось прочитать очередь модерации", slog.String("error", err.Error()))
		return
	}
	logger.Info("Очередь модерации", slog.Int("pending", queue.Total))
}

// dephealthServiceID - имя вершины графа зависимостей: владелец пода
// (Deployment/StatefulSet), извлечённый из hostname.
func dephealthServiceID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return defaultServiceID
	}
	return parseOwnerName(hostname)
}

// parseOwnerName отрезает от имени пода суффиксы контроллера:
// "{deployment}-{rs hash}-{pod id}" → "{deployment}",
// "{statefulset}-{ordinal}" → "{statefulset}".
// Остальные имена возвращаются как есть.
func parseOwnerName(hostname string) string {
	parts := strings.Split(hostname, "-")
	n := len(parts)

	if n >= 3 && isAlnumLower(parts[n-1], 5, 5) && isAlnumLower(parts[n-2], 6, 10) {
		return strings.Join(parts[:n-2], "-")
	}
	if n >= 2 && isDigits(parts[n-1]) {
		return strings.Join(parts[:n-1], "-")
	}
	return hostname
}

func isAlnumLower(s string, minLen, maxLen int) bool {
	if len(s) < minLen || len(s) > maxLen {
		return false
	}
	hasDigit := false
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return hasDigit
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
