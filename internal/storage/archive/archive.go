// Пакет archive - сборка zip-архива артефакта для скачивания.
// Архив пишется во временный файл в директории архивов; вызывающий код
// удаляет его через Archive.Cleanup после отдачи клиенту.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/storage/filestore"
)

const (
	// ManifestName - имя служебной записи с описанием артефакта
	ManifestName = "MANIFEST.txt"
	// TempPattern - шаблон имени временного файла архива
	TempPattern = "archive-*.zip"
	// filenameLayout - формат метки времени в имени архива
	filenameLayout = "20060102_150405"
	// fallbackEntryName - имя записи для отображаемого имени без базовой части
	fallbackEntryName = "file"
)

// Builder собирает zip-архивы артефактов.
type Builder struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder создаёт Builder. dir - директория временных архивов
// (AE_ARCHIVE_DIR), создаётся при отсутствии.
func NewBuilder(dir string, logger *slog.Logger) (*Builder, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию архивов %s: %w", dir, err)
	}
	return &Builder{
		dir:    dir,
		logger: logger.With(slog.String("component", "archive")),
		now:    time.Now,
	}, nil
}

// Dir возвращает директорию временных архивов.
func (b *Builder) Dir() string {
	return b.dir
}

// Build собирает архив из файлов артефакта. Каждая запись получает
// отображаемое имя файла; повторяющиеся имена получают суффикс " (n)".
// Дополнительно пишется MANIFEST.txt.
//
// Если хотя бы одного файла нет на диске, возвращается
// *apperr.MissingFilesError и архив не создаётся.
func (b *Builder) Build(ctx context.Context, a *model.Artifact, files []model.File, uploaderName string) (*model.Archive, error) {
	var missing []string
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(a.BasePath, f.StoredPath)); err != nil {
			missing = append(missing, f.OriginalName)
		}
	}
	if len(missing) > 0 {
		return nil, &apperr.MissingFilesError{Names: missing}
	}

	tmp, err := os.CreateTemp(b.dir, TempPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка создания временного архива: %v", apperr.ErrStorage, err)
	}
	tmpPath := tmp.Name()

	size, err := b.write(ctx, tmp, a, files, uploaderName)
	if err != nil {
		tmp.Close()
		b.remove(tmpPath)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		b.remove(tmpPath)
		return nil, fmt.Errorf("%w: ошибка закрытия архива: %v", apperr.ErrStorage, err)
	}

	return &model.Archive{
		Path:     tmpPath,
		Filename: Filename(a.Name, uploaderName, b.now()),
		Size:     size,
		Cleanup:  func() { b.remove(tmpPath) },
	}, nil
}

func (b *Builder) write(ctx context.Context, out *os.File, a *model.Artifact, files []model.File, uploaderName string) (int64, error) {
	zw := zip.NewWriter(out)
	names := newNameSet(ManifestName)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		entry := names.claim(EntryName(f.OriginalName))
		if err := b.addFile(zw, entry, filepath.Join(a.BasePath, f.StoredPath), f.CreatedAt); err != nil {
			return 0, err
		}
	}

	manifest, err := zw.CreateHeader(&zip.FileHeader{
		Name:     ManifestName,
		Method:   zip.Deflate,
		Modified: b.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: ошибка записи манифеста: %v", apperr.ErrStorage, err)
	}
	if _, err := io.WriteString(manifest, Manifest(a, files, uploaderName)); err != nil {
		return 0, fmt.Errorf("%w: ошибка записи манифеста: %v", apperr.ErrStorage, err)
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("%w: ошибка завершения архива: %v", apperr.ErrStorage, err)
	}
	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("%w: ошибка fsync архива: %v", apperr.ErrStorage, err)
	}

	info, err := out.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperr.ErrStorage, err)
	}
	return info.Size(), nil
}

func (b *Builder) addFile(zw *zip.Writer, entry, path string, modified time.Time) error {
	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Файл удалён между проверкой и чтением
			return &apperr.MissingFilesError{Names: []string{entry}}
		}
		return fmt.Errorf("%w: ошибка чтения файла %s: %v", apperr.ErrStorage, entry, err)
	}
	defer src.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entry,
		Method:   zip.Deflate,
		Modified: modified.UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: ошибка создания записи %s: %v", apperr.ErrStorage, entry, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("%w: ошибка записи %s: %v", apperr.ErrStorage, entry, err)
	}
	return nil
}

func (b *Builder) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.logger.Warn("Не удалось удалить временный архив",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// Filename формирует имя архива для скачивания:
// {artifact_name}_{uploader_name}_{yyyyMMdd_HHmmss}.zip
func Filename(artifactName, uploaderName string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s.zip",
		filenamePart(artifactName), filenamePart(uploaderName), t.UTC().Format(filenameLayout))
}

// Manifest формирует текст MANIFEST.txt.
func Manifest(a *model.Artifact, files []model.File, uploaderName string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Name: %s\n", a.Name)
	fmt.Fprintf(&sb, "Kind: %s\n", a.Kind)
	fmt.Fprintf(&sb, "Description: %s\n", a.Description)
	fmt.Fprintf(&sb, "Uploader: %s\n", uploaderName)
	if a.CopyrightOwner != nil {
		fmt.Fprintf(&sb, "Copyright owner: %s\n", *a.CopyrightOwner)
	}
	if a.Version != nil {
		fmt.Fprintf(&sb, "Version: %s\n", *a.Version)
	}
	fmt.Fprintf(&sb, "Created: %s\n", a.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Updated: %s\n", a.UpdatedAt.UTC().Format(time.RFC3339))

	sb.WriteString("\nFiles:\n")
	var total int64
	for _, f := range files {
		fmt.Fprintf(&sb, "  %s\t%d bytes\n", f.OriginalName, f.Size)
		total += f.Size
	}
	fmt.Fprintf(&sb, "\nTotal: %d files, %d bytes\n", len(files), total)

	return sb.String()
}

// EntryName возвращает имя записи архива для отображаемого имени файла:
// исходное имя без компонентов пути. Пробелы, скобки и юникод сохраняются.
// Имена без базовой части ("", ".", "..") заменяются на fallbackEntryName.
func EntryName(display string) string {
	name := path.Base(strings.ReplaceAll(display, `\`, "/"))
	name = strings.TrimSpace(name)
	switch name {
	case "", ".", "..", "/":
		return fallbackEntryName
	}
	return name
}

// nameSet выдаёт уникальные имена записей архива.
// Сравнение без учёта регистра.
type nameSet map[string]bool

func newNameSet(reserved ...string) nameSet {
	s := make(nameSet)
	for _, r := range reserved {
		s[strings.ToLower(r)] = true
	}
	return s
}

// claim возвращает name или name с суффиксом " (n)" перед расширением.
func (s nameSet) claim(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := name
	for n := 1; s[strings.ToLower(candidate)]; n++ {
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
	s[strings.ToLower(candidate)] = true
	return candidate
}

// filenamePart - безопасный компонент имени архива.
func filenamePart(s string) string {
	name := filestore.SafeName(strings.ReplaceAll(s, " ", "_"))
	return strings.ReplaceAll(name, ".", "_")
}
