package model

import "time"

// Star - отметка «в избранном» пользователя на артефакте.
// Первичный ключ (UserID, ArtifactID).
type Star struct {
	UserID     string    `json:"user_id"`
	ArtifactID string    `json:"artifact_id"`
	TargetKind Kind      `json:"target_kind"`
	CreatedAt  time.Time `json:"created_at"`
}

// UploadStatus - статус записи истории загрузок.
type UploadStatus string

const (
	UploadPending  UploadStatus = "pending"
	UploadApproved UploadStatus = "approved"
	UploadRejected UploadStatus = "rejected"
)

// UploadRecord - запись истории загрузок. Синхронизируется с переходами
// модерации, но переживает удаление артефакта.
type UploadRecord struct {
	ID         string       `json:"id"`
	TargetID   string       `json:"target_id"`
	TargetKind Kind         `json:"target_kind"`
	UploaderID string       `json:"uploader_id"`
	Name       string       `json:"name"`
	Status     UploadStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// UploadStatusFor возвращает статус истории, соответствующий состоянию модерации.
func UploadStatusFor(s State) UploadStatus {
	switch s {
	case StatePending:
		return UploadPending
	case StateRejected:
		return UploadRejected
	default:
		return UploadApproved
	}
}

// UploadRequest - параметры создания артефакта.
type UploadRequest struct {
	Kind           Kind
	Name           string
	Description    string
	CopyrightOwner *string
	Content        *string
	Tags           []string
	// RequestPublic - владелец сразу просит публикацию (private → pending)
	RequestPublic bool
	Files         []FileUpload
}

// MetadataPatch - частичное обновление метаданных. nil - поле не меняется.
type MetadataPatch struct {
	Name           *string
	Description    *string
	CopyrightOwner *string
	Content        *string
	Tags           *[]string
}

// Fields возвращает имена изменяемых полей.
func (p MetadataPatch) Fields() []string {
	var fields []string
	if p.Name != nil {
		fields = append(fields, FieldName)
	}
	if p.Description != nil {
		fields = append(fields, FieldDescription)
	}
	if p.CopyrightOwner != nil {
		fields = append(fields, FieldCopyrightOwner)
	}
	if p.Content != nil {
		fields = append(fields, FieldContent)
	}
	if p.Tags != nil {
		fields = append(fields, FieldTags)
	}
	return fields
}

// Имена редактируемых полей артефакта.
const (
	FieldName           = "name"
	FieldDescription    = "description"
	FieldCopyrightOwner = "copyright_owner"
	FieldContent        = "content"
	FieldTags           = "tags"
	FieldFiles          = "files"
)

// Archive - собранный архив для скачивания.
type Archive struct {
	// Path - путь к временному файлу архива
	Path string
	// Filename - имя файла для Content-Disposition
	Filename string
	// Size - размер архива в байтах
	Size int64
	// Cleanup удаляет временный файл после отдачи клиенту
	Cleanup func()
}
