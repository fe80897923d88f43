package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/policy"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/rbac"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/archive"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/filestore"
)

var (
	owner     = model.Actor{UserID: "u1", Role: rbac.RoleUser}
	stranger  = model.Actor{UserID: "u2", Role: rbac.RoleUser}
	moderator = model.Actor{UserID: "m1", Role: rbac.RoleModerator}
	admin     = model.Actor{UserID: "a1", Role: rbac.RoleAdmin}
	anonymous = model.Actor{}
)

// testEnv - сервисы поверх memDB и временных директорий.
type testEnv struct {
	db         *memDB
	uploadRoot string
	archiveDir string
	store      *filestore.FileStore
	cache      *FileCache
	notifier   *recordingNotifier

	uploads    *UploadService
	moderation *ModerationService
	stars      *StarService
	downloads  *DownloadService
	artifacts  *ArtifactService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	env := &testEnv{
		db:         newMemDB(),
		uploadRoot: filepath.Join(root, "uploads"),
		archiveDir: filepath.Join(root, "archives"),
		cache:      NewFileCache(100, time.Minute),
		notifier:   &recordingNotifier{},
	}

	store, err := filestore.New(env.uploadRoot)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	env.store = store

	logger := discardLogger()
	builder, err := archive.NewBuilder(env.archiveDir, logger)
	if err != nil {
		t.Fatalf("archive.NewBuilder: %v", err)
	}

	engine := NewEngine(EngineDeps{
		Repos:     env.db.repos(),
		Tx:        env.db,
		Store:     store,
		Builder:   builder,
		Validator: policy.NewValidator(policy.DefaultLimits()),
		Cache:     env.cache,
		Notifier:  env.notifier,
	}, logger)
	env.uploads = engine.Uploads
	env.moderation = engine.Moderation
	env.stars = engine.Stars
	env.downloads = engine.Downloads
	env.artifacts = engine.Artifacts
	return env
}

// uploadKnowledge загружает базу знаний из пар имя → содержимое.
func (e *testEnv) uploadKnowledge(t *testing.T, actor model.Actor, name string, files ...model.FileUpload) *model.Artifact {
	t.Helper()
	a, err := e.uploads.Upload(context.Background(), actor, model.UploadRequest{
		Kind:  model.KindKnowledge,
		Name:  name,
		Files: files,
	})
	if err != nil {
		t.Fatalf("Upload(%s): %v", name, err)
	}
	return a
}

// setState выставляет состояние модерации напрямую в memDB.
func (e *testEnv) setState(t *testing.T, id string, s model.State) {
	t.Helper()
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	a, ok := e.db.artifacts[id]
	if !ok {
		t.Fatalf("артефакт %s не найден", id)
	}
	reason := "причина"
	a.ApplyState(s, &reason)
	e.db.artifacts[id] = a
}

// assertStagingEmpty проверяет, что в staging не осталось директорий.
func (e *testEnv) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := e.store.ListStaging()
	if err != nil {
		t.Fatalf("ListStaging: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("в staging осталось %d директорий", len(entries))
	}
}

// assertNoArtifactDirs проверяет, что в корне загрузок нет ничего, кроме staging.
func (e *testEnv) assertNoArtifactDirs(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.uploadRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() == filestore.StagingDirName {
			continue
		}
		sub, _ := os.ReadDir(filepath.Join(e.uploadRoot, entry.Name()))
		if len(sub) > 0 {
			t.Errorf("в %s остались директории артефактов: %d", entry.Name(), len(sub))
		}
	}
}

func file(name, content string) model.FileUpload {
	return model.FileUpload{Name: name, Data: []byte(content)}
}
