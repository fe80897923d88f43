package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
)

// TestUpload_SameDisplayNameTwice - два файла с одинаковым именем
// сохраняются как два разных файла.
func TestUpload_SameDisplayNameTwice(t *testing.T) {
	env := newTestEnv(t)

	a := env.uploadKnowledge(t, owner, "Notes", file("a.txt", "first"), file("a.txt", "second"))

	if a.State() != model.StatePrivate {
		t.Errorf("состояние = %s, ожидалось private", a.State())
	}
	if a.StarCount != 0 || a.Downloads != 0 {
		t.Errorf("счётчики = (%d, %d), ожидались нули", a.StarCount, a.Downloads)
	}

	files, err := env.db.repos().Files.ListByArtifact(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("ListByArtifact: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("файлов = %d, ожидалось 2", len(files))
	}
	if files[0].StoredPath == files[1].StoredPath {
		t.Errorf("оба файла сохранены под именем %q", files[0].StoredPath)
	}

	want := map[string]bool{"first": true, "second": true}
	for _, f := range files {
		if f.OriginalName != "a.txt" || f.FileType != "txt" {
			t.Errorf("файл %+v: ожидалось имя a.txt и тип txt", f)
		}
		data, err := os.ReadFile(filepath.Join(a.BasePath, f.StoredPath))
		if err != nil {
			t.Fatalf("файл %s отсутствует на диске: %v", f.StoredPath, err)
		}
		if !want[string(data)] {
			t.Errorf("неожиданное содержимое %q", data)
		}
		delete(want, string(data))
	}

	env.assertStagingEmpty(t)

	if !strings.HasPrefix(a.BasePath, filepath.Join(env.uploadRoot, "knowledge", "u1_")) {
		t.Errorf("BasePath = %s, ожидался префикс knowledge/u1_", a.BasePath)
	}

	records := env.db.uploadRecords()
	if len(records) != 1 || records[0].Status != model.UploadPending || records[0].TargetID != a.ID {
		t.Errorf("история загрузок = %+v", records)
	}
}

func TestUpload_RequestPublicGoesPending(t *testing.T) {
	env := newTestEnv(t)

	a, err := env.uploads.Upload(context.Background(), owner, model.UploadRequest{
		Kind:          model.KindKnowledge,
		Name:          "kb",
		RequestPublic: true,
		Files:         []model.FileUpload{file("a.json", "{}")},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if a.State() != model.StatePending {
		t.Errorf("состояние = %s, ожидалось pending", a.State())
	}
	if a.IsPublic {
		t.Error("загруженный артефакт не может быть публичным")
	}
}

func TestUpload_PersonaVersion(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"верхний уровень", `version = "1.2.0"`, "1.2.0"},
		{"секция meta", "[meta]\nversion = 3", "3"},
		{"вложенная таблица", "[bot]\n[bot.info]\nversion = 2.5", "2.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			a, err := env.uploads.Upload(context.Background(), owner, model.UploadRequest{
				Kind:  model.KindPersona,
				Name:  "card",
				Files: []model.FileUpload{file("bot_config.toml", tt.content)},
			})
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if a.Version == nil || *a.Version != tt.want {
				t.Errorf("Version = %v, ожидалось %q", a.Version, tt.want)
			}
			if !strings.HasPrefix(a.BasePath, filepath.Join(env.uploadRoot, "persona")) {
				t.Errorf("BasePath = %s, ожидалась директория persona", a.BasePath)
			}
		})
	}
}

// TestUpload_RejectedWithoutSideEffects - отклонённая загрузка не оставляет
// ни строк в БД, ни файлов на диске.
func TestUpload_RejectedWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name  string
		actor model.Actor
		req   model.UploadRequest
		want  error
	}{
		{
			name:  "анонимный пользователь",
			actor: anonymous,
			req:   model.UploadRequest{Kind: model.KindKnowledge, Name: "kb", Files: []model.FileUpload{file("a.txt", "x")}},
			want:  apperr.ErrForbidden,
		},
		{
			name:  "неизвестный вид",
			actor: owner,
			req:   model.UploadRequest{Kind: "video", Name: "kb", Files: []model.FileUpload{file("a.txt", "x")}},
			want:  apperr.ErrValidation,
		},
		{
			name:  "пустое имя",
			actor: owner,
			req:   model.UploadRequest{Kind: model.KindKnowledge, Name: "  ", Files: []model.FileUpload{file("a.txt", "x")}},
			want:  apperr.ErrValidation,
		},
		{
			name:  "без файлов",
			actor: owner,
			req:   model.UploadRequest{Kind: model.KindKnowledge, Name: "kb"},
			want:  apperr.ErrValidation,
		},
		{
			name:  "недопустимое расширение во втором файле",
			actor: owner,
			req: model.UploadRequest{Kind: model.KindKnowledge, Name: "kb",
				Files: []model.FileUpload{file("a.txt", "x"), file("b.exe", "y")}},
			want: apperr.ErrValidation,
		},
		{
			name:  "карточка без версии",
			actor: owner,
			req: model.UploadRequest{Kind: model.KindPersona, Name: "card",
				Files: []model.FileUpload{file("bot_config.toml", `name = "bot"`)}},
			want: apperr.ErrValidation,
		},
		{
			name:  "карточка с некорректным TOML",
			actor: owner,
			req: model.UploadRequest{Kind: model.KindPersona, Name: "card",
				Files: []model.FileUpload{file("bot_config.toml", "version = ")}},
			want: apperr.ErrValidation,
		},
		{
			name:  "слишком длинное имя артефакта",
			actor: owner,
			req: model.UploadRequest{Kind: model.KindKnowledge, Name: strings.Repeat("n", 300),
				Files: []model.FileUpload{file("a.txt", "x")}},
			want: apperr.ErrValidation,
		},
		{
			name:  "слишком длинное имя файла",
			actor: owner,
			req: model.UploadRequest{Kind: model.KindKnowledge, Name: "kb",
				Files: []model.FileUpload{file(strings.Repeat("f", 300)+".txt", "x")}},
			want: apperr.ErrValidation,
		},
		{
			name:  "карточка со слишком длинной версией",
			actor: owner,
			req: model.UploadRequest{Kind: model.KindPersona, Name: "card",
				Files: []model.FileUpload{file("bot_config.toml", `version = "`+strings.Repeat("9", 65)+`"`)}},
			want: apperr.ErrValidation,
		},
		{
			name:  "карточка с чужим именем файла",
			actor: owner,
			req: model.UploadRequest{Kind: model.KindPersona, Name: "card",
				Files: []model.FileUpload{file("config.toml", `version = "1"`)}},
			want: apperr.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.uploads.Upload(context.Background(), tt.actor, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ошибка = %v, ожидалась %v", err, tt.want)
			}
			if len(env.db.artifacts) != 0 || len(env.db.uploads) != 0 {
				t.Error("после отклонённой загрузки остались записи в БД")
			}
			env.assertStagingEmpty(t)
			env.assertNoArtifactDirs(t)
		})
	}
}

func TestUpload_NameConflict(t *testing.T) {
	env := newTestEnv(t)
	env.uploadKnowledge(t, owner, "kb", file("a.txt", "x"))

	_, err := env.uploads.Upload(context.Background(), owner, model.UploadRequest{
		Kind: model.KindKnowledge, Name: "kb", Files: []model.FileUpload{file("b.txt", "y")},
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("ошибка = %v, ожидалась ErrConflict", err)
	}

	// Другой пользователь может использовать то же имя
	env.uploadKnowledge(t, stranger, "kb", file("a.txt", "x"))
}

// TestUpload_DatabaseFailureRollsBack - ошибка на середине транзакции
// откатывает все строки и удаляет staging.
func TestUpload_DatabaseFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.db.failFileAdd = errors.New("соединение потеряно")

	_, err := env.uploads.Upload(context.Background(), owner, model.UploadRequest{
		Kind:  model.KindKnowledge,
		Name:  "kb",
		Files: []model.FileUpload{file("a.txt", "x"), file("b.txt", "y")},
	})
	if err == nil {
		t.Fatal("ожидалась ошибка")
	}
	if len(env.db.artifacts) != 0 || len(env.db.files) != 0 || len(env.db.uploads) != 0 {
		t.Error("транзакция не откатилась")
	}
	env.assertStagingEmpty(t)
	env.assertNoArtifactDirs(t)
}

func TestUpload_BasePathCollisionRetries(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	env.uploads.now = func() time.Time { return fixed }

	first := env.uploadKnowledge(t, owner, "one", file("a.txt", "x"))
	second := env.uploadKnowledge(t, owner, "two", file("a.txt", "x"))

	if first.BasePath == second.BasePath {
		t.Fatalf("два артефакта в одной директории %s", first.BasePath)
	}
	if !strings.HasSuffix(first.BasePath, "u1_20250301_120000") {
		t.Errorf("BasePath = %s", first.BasePath)
	}
	if !strings.HasSuffix(second.BasePath, "u1_20250301_120000_1") {
		t.Errorf("BasePath = %s, ожидался суффикс _1", second.BasePath)
	}

	// Конфликт, обнаруженный только базой данных
	env.db.basePathTakenFor = 2
	third := env.uploadKnowledge(t, owner, "three", file("a.txt", "x"))
	if !strings.HasSuffix(third.BasePath, "_4") {
		t.Errorf("BasePath = %s, ожидался суффикс _4", third.BasePath)
	}
}

// TestUpload_PromoteFailureCompensates - ошибка переноса после коммита
// удаляет строку артефакта и staging.
func TestUpload_PromoteFailureCompensates(t *testing.T) {
	env := newTestEnv(t)

	// Файл на месте директории вида не даёт создать base path
	if err := os.WriteFile(filepath.Join(env.uploadRoot, "knowledge"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := env.uploads.Upload(context.Background(), owner, model.UploadRequest{
		Kind: model.KindKnowledge, Name: "kb", Files: []model.FileUpload{file("a.txt", "x")},
	})
	if !errors.Is(err, apperr.ErrStorage) {
		t.Fatalf("ошибка = %v, ожидалась ErrStorage", err)
	}
	if strings.Contains(err.Error(), env.uploadRoot) {
		t.Errorf("сообщение содержит путь на диске: %v", err)
	}
	if len(env.db.artifacts) != 0 || len(env.db.uploads) != 0 {
		t.Error("строки не удалены после ошибки переноса")
	}
	env.assertStagingEmpty(t)
}

func TestUpload_CancelledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.uploads.Upload(ctx, owner, model.UploadRequest{
		Kind: model.KindKnowledge, Name: "kb", Files: []model.FileUpload{file("a.txt", "x")},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ошибка = %v, ожидалась context.Canceled", err)
	}
	if len(env.db.artifacts) != 0 {
		t.Error("отменённая загрузка создала артефакт")
	}
	env.assertStagingEmpty(t)
}

func TestAddFiles(t *testing.T) {
	ctx := context.Background()

	t.Run("владелец добавляет файл в private", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "x"))
		env.cache.Set(a.ID, nil)

		added, err := env.uploads.AddFiles(ctx, owner, a.ID, []model.FileUpload{file("a.txt", "y")})
		if err != nil {
			t.Fatalf("AddFiles: %v", err)
		}
		if len(added) != 1 || env.db.fileCount(a.ID) != 2 {
			t.Fatalf("файлов = %d, ожидалось 2", env.db.fileCount(a.ID))
		}
		if _, err := os.Stat(filepath.Join(a.BasePath, added[0].StoredPath)); err != nil {
			t.Errorf("новый файл отсутствует на диске: %v", err)
		}
		if _, ok := env.cache.Get(a.ID); ok {
			t.Error("кэш файлов не инвалидирован")
		}
	})

	t.Run("владелец не может менять файлы опубликованного", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "x"))
		env.setState(t, a.ID, model.StatePublic)

		_, err := env.uploads.AddFiles(ctx, owner, a.ID, []model.FileUpload{file("b.txt", "y")})
		if !errors.Is(err, apperr.ErrForbidden) {
			t.Fatalf("ошибка = %v, ожидалась ErrForbidden", err)
		}
		entries, _ := os.ReadDir(a.BasePath)
		if len(entries) != 1 {
			t.Errorf("на диске %d файлов, ожидался 1", len(entries))
		}
	})

	t.Run("модератор может менять файлы опубликованного", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "x"))
		env.setState(t, a.ID, model.StatePublic)

		if _, err := env.uploads.AddFiles(ctx, moderator, a.ID, []model.FileUpload{file("b.txt", "y")}); err != nil {
			t.Fatalf("AddFiles: %v", err)
		}
	})

	t.Run("чужой пользователь", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "x"))

		_, err := env.uploads.AddFiles(ctx, stranger, a.ID, []model.FileUpload{file("b.txt", "y")})
		if !errors.Is(err, apperr.ErrForbidden) {
			t.Fatalf("ошибка = %v, ожидалась ErrForbidden", err)
		}
	})

	t.Run("вторая карточка персонажа", func(t *testing.T) {
		env := newTestEnv(t)
		a, err := env.uploads.Upload(ctx, owner, model.UploadRequest{
			Kind: model.KindPersona, Name: "card",
			Files: []model.FileUpload{file("bot_config.toml", `version = "1"`)},
		})
		if err != nil {
			t.Fatalf("Upload: %v", err)
		}
		_, err = env.uploads.AddFiles(ctx, owner, a.ID, []model.FileUpload{file("bot_config.toml", `version = "2"`)})
		if !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("ошибка = %v, ожидалась ErrValidation", err)
		}
	})

	t.Run("ошибка БД удаляет записанные файлы", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "x"))
		env.db.failFileAdd = errors.New("соединение потеряно")

		if _, err := env.uploads.AddFiles(ctx, owner, a.ID, []model.FileUpload{file("b.txt", "y")}); err == nil {
			t.Fatal("ожидалась ошибка")
		}
		entries, _ := os.ReadDir(a.BasePath)
		if len(entries) != 1 {
			t.Errorf("на диске %d файлов, ожидался 1", len(entries))
		}
	})

	t.Run("несуществующий артефакт", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.uploads.AddFiles(ctx, owner, "missing", []model.FileUpload{file("b.txt", "y")})
		if !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("ошибка = %v, ожидалась ErrNotFound", err)
		}
	})
}

func TestRemoveFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "x"), file("b.txt", "y"))
	files, _ := env.db.repos().Files.ListByArtifact(ctx, a.ID)

	deleted, err := env.uploads.RemoveFile(ctx, owner, a.ID, files[0].ID)
	if err != nil || deleted {
		t.Fatalf("RemoveFile = (%v, %v), ожидалось (false, nil)", deleted, err)
	}
	if _, err := os.Stat(filepath.Join(a.BasePath, files[0].StoredPath)); !os.IsNotExist(err) {
		t.Error("удалённый файл остался на диске")
	}
	if env.db.fileCount(a.ID) != 1 {
		t.Errorf("файлов = %d, ожидался 1", env.db.fileCount(a.ID))
	}

	if _, err := env.uploads.RemoveFile(ctx, owner, a.ID, files[0].ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("повторное удаление: %v, ожидалась ErrNotFound", err)
	}

	// Последний файл удаляет артефакт
	deleted, err = env.uploads.RemoveFile(ctx, owner, a.ID, files[1].ID)
	if err != nil || !deleted {
		t.Fatalf("RemoveFile = (%v, %v), ожидалось (true, nil)", deleted, err)
	}
	if _, ok := env.db.artifact(a.ID); ok {
		t.Error("артефакт без файлов не удалён")
	}
	if _, err := os.Stat(a.BasePath); !os.IsNotExist(err) {
		t.Error("директория артефакта не удалена")
	}
}

// TestRemoveFile_ConcurrentLastFiles - параллельное удаление всех
// файлов: артефакт удаляется ровно одним вызовом, без пустого остатка.
func TestRemoveFile_ConcurrentLastFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "x"), file("b.txt", "y"), file("c.txt", "z"))
	files, _ := env.db.repos().Files.ListByArtifact(ctx, a.ID)

	var deletedCount atomic.Int32
	var g errgroup.Group
	for _, f := range files {
		g.Go(func() error {
			deleted, err := env.uploads.RemoveFile(ctx, owner, a.ID, f.ID)
			if deleted {
				deletedCount.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}

	if n := deletedCount.Load(); n != 1 {
		t.Errorf("артефакт удалён %d раз, ожидался 1", n)
	}
	if _, ok := env.db.artifact(a.ID); ok {
		t.Error("артефакт без файлов остался в БД")
	}
	if _, err := os.Stat(a.BasePath); !os.IsNotExist(err) {
		t.Error("директория артефакта не удалена")
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		actor model.Actor
		want  error
	}{
		{"владелец", owner, nil},
		{"модератор", moderator, nil},
		{"администратор", admin, nil},
		{"чужой пользователь", stranger, apperr.ErrForbidden},
		{"анонимный", anonymous, apperr.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "x"))
			env.uploadKnowledge(t, stranger, "other", file("a.txt", "x"))
			if _, err := env.stars.Toggle(ctx, stranger, a.ID); err == nil {
				t.Fatal("звезда на чужом private артефакте должна быть недоступна")
			}

			err := env.uploads.Delete(ctx, tt.actor, a.ID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ошибка = %v, ожидалась %v", err, tt.want)
			}

			_, exists := env.db.artifact(a.ID)
			_, statErr := os.Stat(a.BasePath)
			if tt.want == nil {
				if exists || !os.IsNotExist(statErr) {
					t.Error("артефакт не удалён полностью")
				}
				// История загрузок переживает удаление
				if len(env.db.uploadRecords()) != 2 {
					t.Error("история загрузок удалена вместе с артефактом")
				}
				return
			}
			if !exists || statErr != nil {
				t.Error("артефакт удалён без прав")
			}
		})
	}
}
