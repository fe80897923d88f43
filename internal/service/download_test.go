package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/archive"
)

// TestDownloadService_ArchiveCompleteness - архив содержит K файлов и манифест.
func TestDownloadService_ArchiveCompleteness(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "1"), file("a.txt", "2"), file("b.json", "{}"))

	arc, err := env.downloads.Download(ctx, owner, a.ID)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer arc.Cleanup()

	zr, err := zip.OpenReader(arc.Path)
	if err != nil {
		t.Fatalf("zip.OpenReader: %v", err)
	}
	defer zr.Close()

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"a.txt", "a (1).txt", "b.json", archive.ManifestName} {
		if !names[want] {
			t.Errorf("в архиве нет записи %q, есть %v", want, names)
		}
	}
	if len(zr.File) != 4 {
		t.Errorf("записей = %d, ожидалось 4", len(zr.File))
	}

	if got, _ := env.db.artifact(a.ID); got.Downloads != 1 {
		t.Errorf("downloads = %d, ожидался 1", got.Downloads)
	}

	arc.Cleanup()
	if _, err := os.Stat(arc.Path); !os.IsNotExist(err) {
		t.Error("Cleanup не удалил временный архив")
	}
}

// TestDownloadService_MissingFile - отсутствующий файл срывает сборку,
// архив не остаётся на диске, счётчик не меняется.
func TestDownloadService_MissingFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "1"), file("b.txt", "2"))

	files, _ := env.db.repos().Files.ListByArtifact(ctx, a.ID)
	if err := os.Remove(filepath.Join(a.BasePath, files[1].StoredPath)); err != nil {
		t.Fatal(err)
	}

	_, err := env.downloads.Download(ctx, owner, a.ID)
	var missing *apperr.MissingFilesError
	if !errors.As(err, &missing) {
		t.Fatalf("ошибка = %v, ожидалась MissingFilesError", err)
	}
	if len(missing.Names) != 1 || missing.Names[0] != "b.txt" {
		t.Errorf("отсутствующие файлы = %v", missing.Names)
	}
	if !errors.Is(err, apperr.ErrStorage) {
		t.Error("MissingFilesError должна относиться к ErrStorage")
	}

	entries, _ := os.ReadDir(env.archiveDir)
	if len(entries) != 0 {
		t.Errorf("в директории архивов остались файлы: %d", len(entries))
	}
	if got, _ := env.db.artifact(a.ID); got.Downloads != 0 {
		t.Errorf("downloads = %d, ожидался 0", got.Downloads)
	}
	if _, ok := env.cache.Get(a.ID); ok {
		t.Error("кэш файлов не инвалидирован после ошибки")
	}
}

func TestDownloadService_Visibility(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "1"))

	if _, err := env.downloads.Download(ctx, stranger, a.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("чужой private: %v, ожидалась ErrNotFound", err)
	}
	if _, err := env.downloads.Download(ctx, anonymous, a.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("анонимный private: %v, ожидалась ErrNotFound", err)
	}

	arc, err := env.downloads.Download(ctx, moderator, a.ID)
	if err != nil {
		t.Fatalf("модератор: %v", err)
	}
	arc.Cleanup()

	env.setState(t, a.ID, model.StatePublic)
	arc, err = env.downloads.Download(ctx, anonymous, a.ID)
	if err != nil {
		t.Fatalf("анонимный public: %v", err)
	}
	arc.Cleanup()
}

// TestDownloadService_ConcurrentDownloads - N параллельных скачиваний дают +N.
func TestDownloadService_ConcurrentDownloads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "1"))
	env.setState(t, a.ID, model.StatePublic)

	const n = 25
	var g errgroup.Group
	for range n {
		g.Go(func() error {
			arc, err := env.downloads.Download(ctx, stranger, a.ID)
			if err != nil {
				return err
			}
			arc.Cleanup()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got, _ := env.db.artifact(a.ID); got.Downloads != n {
		t.Errorf("downloads = %d, ожидался %d", got.Downloads, n)
	}
}

type staticResolver string

func (r staticResolver) DisplayName(context.Context, string) string { return string(r) }

func TestDownloadService_ArchiveFilename(t *testing.T) {
	env := newTestEnv(t)
	a := env.uploadKnowledge(t, owner, "kb", file("a.txt", "1"))
	env.downloads.resolver = staticResolver("alice")

	arc, err := env.downloads.Download(context.Background(), owner, a.ID)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer arc.Cleanup()

	if matched, _ := filepath.Match("kb_alice_????????_??????.zip", arc.Filename); !matched {
		t.Errorf("Filename = %q", arc.Filename)
	}
}
