package model

import "time"

// File - физический файл артефакта. Хранится в таблице artifact_files.
type File struct {
	// ID - UUID файла
	ID string `json:"id"`
	// ArtifactID - родительский артефакт
	ArtifactID string `json:"artifact_id"`
	// OriginalName - имя файла при загрузке (отображаемое)
	OriginalName string `json:"original_name"`
	// StoredPath - имя на диске относительно BasePath артефакта.
	// При коллизии имён содержит суффикс-разрешитель.
	StoredPath string `json:"stored_path"`
	// FileType - расширение в нижнем регистре без точки
	FileType string `json:"file_type"`
	// Size - размер в байтах
	Size int64 `json:"size"`
	// CreatedAt - время добавления
	CreatedAt time.Time `json:"created_at"`
}

// FileUpload - загружаемый файл: имя и содержимое.
// Разбор multipart выполняет route-слой.
type FileUpload struct {
	Name string
	Data []byte
}

// Size возвращает размер содержимого.
func (f FileUpload) Size() int64 {
	return int64(len(f.Data))
}
