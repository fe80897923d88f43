// Пакет filestore - операции с физическими файлами артефактов на диске.
// Обеспечивает запись без перезаписи с подсчётом SHA-256 на лету,
// staging-директории для загрузок и атомарный перенос в финальный путь.
//
// Раскладка:
//
//	{root}/{knowledge|persona}/{uploader_id}_{yyyyMMdd_HHmmss}/  - директория артефакта
//	{root}/.staging/{artifact_id}/                              - незавершённые загрузки
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	// StagingDirName - имя служебной директории незавершённых загрузок
	StagingDirName = ".staging"
	// TempPattern - временный файл Save до публикации под итоговым именем
	TempPattern = ".upload-*.tmp"
	// maxStemLen - ограничение длины имени файла (без расширения) в рунах
	maxStemLen = 100
	// maxCollisionAttempts - число попыток подобрать свободное имя
	maxCollisionAttempts = 1000
	// dirTimestampLayout - формат метки времени в имени директории артефакта
	dirTimestampLayout = "20060102_150405"
	// fileTimestampLayout - формат суффикса при коллизии имён файлов
	fileTimestampLayout = "20060102150405"
	dirPerm             = 0o750
)

var (
	// ErrFileNotFound - файл или директория отсутствует на диске.
	ErrFileNotFound = errors.New("файл не найден")
	// ErrTargetExists - целевой путь уже занят.
	ErrTargetExists = errors.New("целевой путь уже существует")
)

// FileStore - управление физическими файлами артефактов.
type FileStore struct {
	// root - корневая директория загрузок (AE_UPLOAD_ROOT)
	root string
	// now - источник времени (подменяется в тестах)
	now func() time.Time
}

// SaveResult - результат сохранения файла на диск.
type SaveResult struct {
	// StoredName - имя файла в директории (может содержать суффикс коллизии)
	StoredName string
	// FullPath - абсолютный путь файла на диске
	FullPath string
	// Size - размер записанных данных в байтах
	Size int64
	// Checksum - SHA-256 хэш содержимого файла
	Checksum string
}

// StagingEntry - директория незавершённой загрузки.
type StagingEntry struct {
	ArtifactID string
	Path       string
	ModTime    time.Time
}

// New создаёт FileStore. Создаёт корневую и staging-директории,
// если они не существуют.
func New(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, StagingDirName), dirPerm); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию загрузок %s: %w", root, err)
	}
	return &FileStore{root: root, now: time.Now}, nil
}

// Root возвращает корневую директорию загрузок.
func (s *FileStore) Root() string {
	return s.root
}

// StagingDir возвращает путь staging-директории артефакта.
func (s *FileStore) StagingDir(artifactID string) string {
	return filepath.Join(s.root, StagingDirName, sanitize(artifactID))
}

// ArtifactDir возвращает финальный путь директории артефакта.
// attempt > 0 добавляет суффикс _{attempt} (коллизия в пределах секунды).
func (s *FileStore) ArtifactDir(kind, uploaderID string, t time.Time, attempt int) string {
	name := sanitize(uploaderID) + "_" + t.UTC().Format(dirTimestampLayout)
	if attempt > 0 {
		name += "_" + strconv.Itoa(attempt)
	}
	return filepath.Join(s.root, sanitize(kind), name)
}

// CreateDir создаёт директорию со всеми родительскими.
func (s *FileStore) CreateDir(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("ошибка создания директории %s: %w", dir, err)
	}
	return nil
}

// Save записывает данные из reader в dir под безопасным именем,
// производным от displayName. Существующие файлы никогда не
// перезаписываются: при занятом имени добавляется суффикс
// _{yyyyMMddHHmmss}, затем _{n}.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → hard link в
// свободное имя → удаление temp. При ошибке temp файл удаляется.
func (s *FileStore) Save(dir, displayName string, reader io.Reader) (*SaveResult, error) {
	if err := s.CreateDir(dir); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(dir, TempPattern)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(reader, hasher))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	stem, ext := splitName(SafeName(displayName))
	ts := s.now().UTC().Format(fileTimestampLayout)

	for attempt := 0; attempt < maxCollisionAttempts; attempt++ {
		name := candidateName(stem, ext, ts, attempt)
		fullPath := filepath.Join(dir, name)

		// link не перезаписывает существующий файл
		err := os.Link(tmpPath, fullPath)
		if err == nil {
			return &SaveResult{
				StoredName: name,
				FullPath:   fullPath,
				Size:       size,
				Checksum:   hex.EncodeToString(hasher.Sum(nil)),
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("ошибка публикации файла %s: %w", name, err)
		}
	}

	return nil, fmt.Errorf("%w: не удалось подобрать свободное имя для %s", ErrTargetExists, displayName)
}

// Open открывает файл для чтения. Вызывающий код обязан закрыть файл.
func (s *FileStore) Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	return f, nil
}

// Exists проверяет существование пути на диске.
func (s *FileStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Delete удаляет файл. Отсутствующий файл ошибкой не считается.
func (s *FileStore) Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// DeleteTree рекурсивно удаляет директорию. Отсутствующая директория
// ошибкой не считается. Удаление корня хранилища запрещено.
func (s *FileStore) DeleteTree(dir string) error {
	clean := filepath.Clean(dir)
	if clean == filepath.Clean(s.root) || clean == "." || clean == string(filepath.Separator) {
		return fmt.Errorf("отказ удалять корневую директорию %s", dir)
	}
	if err := os.RemoveAll(clean); err != nil {
		return fmt.Errorf("ошибка удаления директории %s: %w", dir, err)
	}
	return nil
}

// Promote атомарно переносит staging-директорию в финальный путь.
// Занятый финальный путь - ErrTargetExists.
func (s *FileStore) Promote(stagingDir, finalDir string) error {
	if _, err := os.Lstat(finalDir); err == nil {
		return fmt.Errorf("%w: %s", ErrTargetExists, finalDir)
	}
	if err := s.CreateDir(filepath.Dir(finalDir)); err != nil {
		return err
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, stagingDir)
		}
		return fmt.Errorf("ошибка переноса %s → %s: %w", stagingDir, finalDir, err)
	}
	return nil
}

// ListStaging возвращает staging-директории незавершённых загрузок.
func (s *FileStore) ListStaging() ([]StagingEntry, error) {
	stagingRoot := filepath.Join(s.root, StagingDirName)
	entries, err := os.ReadDir(stagingRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения %s: %w", stagingRoot, err)
	}

	result := make([]StagingEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Директория удалена между ReadDir и Info
			continue
		}
		result = append(result, StagingEntry{
			ArtifactID: e.Name(),
			Path:       filepath.Join(stagingRoot, e.Name()),
			ModTime:    info.ModTime(),
		})
	}
	return result, nil
}

// ListStaleTemp возвращает временные файлы Save в директориях
// артефактов, не менявшиеся с cutoff. Такие файлы остаются после
// падения процесса посреди AddFiles. Staging не просматривается:
// он удаляется целиком.
func (s *FileStore) ListStaleTemp(cutoff time.Time) ([]string, error) {
	pattern := filepath.Join(s.root, "*", "*", TempPattern)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска временных файлов: %w", err)
	}

	stagingRoot := filepath.Join(s.root, StagingDirName) + string(filepath.Separator)
	var stale []string
	for _, path := range matches {
		if strings.HasPrefix(path, stagingRoot) {
			continue
		}
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || info.ModTime().After(cutoff) {
			continue
		}
		stale = append(stale, path)
	}
	return stale, nil
}

// SafeName приводит отображаемое имя к безопасному имени файла:
// базовое имя без пути, только буквы, цифры, дефис, подчёркивание и
// точка, без ведущих точек. Пустой результат заменяется на "file".
func SafeName(displayName string) string {
	base := filepath.Base(strings.ReplaceAll(displayName, `\`, "/"))

	var b strings.Builder
	for _, r := range base {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		}
	}

	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		return "file"
	}

	stem, ext := splitName(name)
	if runes := []rune(stem); len(runes) > maxStemLen {
		stem = string(runes[:maxStemLen])
	}
	return stem + ext
}

func splitName(name string) (string, string) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		return name, ""
	}
	return stem, ext
}

// candidateName: attempt 0 - исходное имя, 1 - с меткой времени,
// далее - с меткой времени и счётчиком.
func candidateName(stem, ext, ts string, attempt int) string {
	switch attempt {
	case 0:
		return stem + ext
	case 1:
		return fmt.Sprintf("%s_%s%s", stem, ts, ext)
	default:
		return fmt.Sprintf("%s_%s_%d%s", stem, ts, attempt-1, ext)
	}
}

// sanitize убирает небезопасные символы из компонента пути.
// Оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "unknown"
	}
	return result.String()
}

// CheckReady проверяет, что корень загрузок доступен на запись.
// Пробный файл пишется в staging-директорию и сразу удаляется.
func (s *FileStore) CheckReady() (status, message string) {
	marker := filepath.Join(s.root, StagingDirName, ".health_check")
	if err := os.WriteFile(marker, []byte("ok"), 0o600); err != nil {
		return "fail", "Директория загрузок недоступна для записи: " + err.Error()
	}
	_ = os.Remove(marker)
	return "ok", ""
}
