package service

import (
	"log/slog"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/policy"
	"github.com/bigkaa/goartstore/artifact-engine/internal/repository"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/archive"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/filestore"
)

// EngineDeps - зависимости движка артефактов.
type EngineDeps struct {
	Repos     *repository.Repositories
	Tx        Transactor
	Store     *filestore.FileStore
	Builder   *archive.Builder
	Validator *policy.Validator
	Cache     *FileCache
	// Notifier - уведомление владельца об отклонении (nil - только лог)
	Notifier Notifier
	// Resolver - отображаемые имена для манифеста архива (nil - user_id)
	Resolver NameResolver
}

// Engine объединяет сервисы движка артефактов. Это точка входа для
// транспортного слоя: все операции принимают проверенного Actor.
type Engine struct {
	Uploads    *UploadService
	Moderation *ModerationService
	Stars      *StarService
	Downloads  *DownloadService
	Artifacts  *ArtifactService
}

// NewEngine создаёт сервисы с общим кэшем списков файлов.
func NewEngine(deps EngineDeps, logger *slog.Logger) *Engine {
	return &Engine{
		Uploads:    NewUploadService(deps.Repos, deps.Tx, deps.Store, deps.Validator, deps.Cache, logger),
		Moderation: NewModerationService(deps.Tx, deps.Notifier, logger),
		Stars:      NewStarService(deps.Repos, logger),
		Downloads:  NewDownloadService(deps.Repos, deps.Builder, deps.Cache, deps.Resolver, logger),
		Artifacts:  NewArtifactService(deps.Repos, deps.Tx, deps.Cache, logger),
	}
}
