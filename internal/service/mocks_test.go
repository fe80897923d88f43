package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
	"github.com/bigkaa/goartstore/artifact-engine/internal/repository"
)

// memDB - in-memory реализация репозиториев и Transactor для unit-тестов.
// Транзакция - снимок состояния, восстанавливаемый при ошибке fn.
type memDB struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	artifacts map[string]model.Artifact
	files     map[string][]model.File
	stars     map[[2]string]model.Star
	uploads   []model.UploadRecord

	// Внедряемые ошибки
	failFileAdd      error
	basePathTakenFor int
	txCount          int
}

func newMemDB() *memDB {
	return &memDB{
		artifacts: make(map[string]model.Artifact),
		files:     make(map[string][]model.File),
		stars:     make(map[[2]string]model.Star),
	}
}

func (db *memDB) repos() *repository.Repositories {
	return &repository.Repositories{
		Artifacts: &memArtifacts{db: db},
		Files:     &memFiles{db: db},
		Stars:     &memStars{db: db},
		Uploads:   &memUploads{db: db},
	}
}

type memSnapshot struct {
	artifacts map[string]model.Artifact
	files     map[string][]model.File
	stars     map[[2]string]model.Star
	uploads   []model.UploadRecord
}

func (db *memDB) snapshot() memSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := memSnapshot{
		artifacts: make(map[string]model.Artifact, len(db.artifacts)),
		files:     make(map[string][]model.File, len(db.files)),
		stars:     make(map[[2]string]model.Star, len(db.stars)),
		uploads:   append([]model.UploadRecord(nil), db.uploads...),
	}
	for k, v := range db.artifacts {
		s.artifacts[k] = v
	}
	for k, v := range db.files {
		s.files[k] = append([]model.File(nil), v...)
	}
	for k, v := range db.stars {
		s.stars[k] = v
	}
	return s
}

func (db *memDB) restore(s memSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.artifacts, db.files, db.stars, db.uploads = s.artifacts, s.files, s.stars, s.uploads
}

func (db *memDB) RunInTx(_ context.Context, fn func(repos *repository.Repositories) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	db.mu.Lock()
	db.txCount++
	db.mu.Unlock()

	snap := db.snapshot()
	if err := fn(db.repos()); err != nil {
		db.restore(snap)
		return err
	}
	return nil
}

func (db *memDB) artifact(id string) (model.Artifact, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.artifacts[id]
	return a, ok
}

func (db *memDB) fileCount(id string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.files[id])
}

func (db *memDB) uploadRecords() []model.UploadRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.UploadRecord(nil), db.uploads...)
}

// --- ArtifactRepository ---

type memArtifacts struct{ db *memDB }

func (r *memArtifacts) Create(_ context.Context, a *model.Artifact) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if a.BasePath == "" {
		return fmt.Errorf("base path обязателен")
	}
	if db.basePathTakenFor > 0 {
		db.basePathTakenFor--
		return repository.ErrBasePathTaken
	}
	for _, other := range db.artifacts {
		if other.Kind == a.Kind && other.UploaderID == a.UploaderID && other.Name == a.Name {
			return fmt.Errorf("%w: %s", repository.ErrConflict, a.Name)
		}
		if other.BasePath == a.BasePath {
			return repository.ErrBasePathTaken
		}
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	db.artifacts[a.ID] = cloneArtifact(*a)
	return nil
}

func (r *memArtifacts) GetByID(_ context.Context, id string) (*model.Artifact, error) {
	a, ok := r.db.artifact(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := cloneArtifact(a)
	return &c, nil
}

func (r *memArtifacts) GetForUpdate(ctx context.Context, id string) (*model.Artifact, error) {
	return r.GetByID(ctx, id)
}

func (r *memArtifacts) ExistsByName(_ context.Context, kind model.Kind, uploaderID, name string) (bool, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, a := range db.artifacts {
		if a.Kind == kind && a.UploaderID == uploaderID && a.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (r *memArtifacts) List(_ context.Context, params repository.ListParams) ([]*model.Artifact, int, error) {
	p := params.Normalize()
	db := r.db
	db.mu.Lock()
	var matched []model.Artifact
	for _, a := range db.artifacts {
		switch {
		case p.Name != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(p.Name)):
		case p.UploaderID != "" && a.UploaderID != p.UploaderID:
		case p.Kind != "" && a.Kind != p.Kind:
		case p.VisibleTo != "" && !a.IsPublic && a.UploaderID != p.VisibleTo:
		case p.State != "" && a.State() != p.State:
		default:
			matched = append(matched, cloneArtifact(a))
		}
	}
	db.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	total := len(matched)
	start := min(p.Offset(), total)
	end := min(start+p.PageSize, total)

	items := make([]*model.Artifact, 0, end-start)
	for i := start; i < end; i++ {
		items = append(items, &matched[i])
	}
	return items, total, nil
}

func (r *memArtifacts) UpdateMetadata(_ context.Context, a *model.Artifact) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	cur, ok := db.artifacts[a.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.Name, cur.Description, cur.CopyrightOwner = a.Name, a.Description, a.CopyrightOwner
	cur.Content, cur.Tags = a.Content, a.Tags
	cur.UpdatedAt = time.Now().UTC()
	a.UpdatedAt = cur.UpdatedAt
	db.artifacts[a.ID] = cur
	return nil
}

func (r *memArtifacts) UpdateState(_ context.Context, a *model.Artifact) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	cur, ok := db.artifacts[a.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.IsPublic, cur.IsPending, cur.RejectionReason = a.IsPublic, a.IsPending, a.RejectionReason
	cur.UpdatedAt = time.Now().UTC()
	a.UpdatedAt = cur.UpdatedAt
	db.artifacts[a.ID] = cur
	return nil
}

func (r *memArtifacts) Delete(_ context.Context, id string) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.artifacts[id]; !ok {
		return repository.ErrNotFound
	}
	delete(db.artifacts, id)
	delete(db.files, id)
	for k := range db.stars {
		if k[1] == id {
			delete(db.stars, k)
		}
	}
	return nil
}

func (r *memArtifacts) IncrementDownloads(_ context.Context, id string) (int64, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.artifacts[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	a.Downloads++
	db.artifacts[id] = a
	return a.Downloads, nil
}

// --- FileRepository ---

type memFiles struct{ db *memDB }

func (r *memFiles) Add(_ context.Context, f *model.File) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.failFileAdd != nil {
		return db.failFileAdd
	}
	if _, ok := db.artifacts[f.ArtifactID]; !ok {
		return repository.ErrNotFound
	}
	f.CreatedAt = time.Now().UTC()
	db.files[f.ArtifactID] = append(db.files[f.ArtifactID], *f)
	return nil
}

func (r *memFiles) Get(_ context.Context, artifactID, fileID string) (*model.File, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, f := range db.files[artifactID] {
		if f.ID == fileID {
			c := f
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memFiles) ListByArtifact(_ context.Context, artifactID string) ([]model.File, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.File(nil), db.files[artifactID]...), nil
}

func (r *memFiles) Remove(_ context.Context, artifactID, fileID string) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	files := db.files[artifactID]
	for i, f := range files {
		if f.ID == fileID {
			db.files[artifactID] = append(files[:i:i], files[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *memFiles) CountByArtifact(_ context.Context, artifactID string) (int, error) {
	return r.db.fileCount(artifactID), nil
}

// --- StarRepository ---

type memStars struct{ db *memDB }

func (r *memStars) Add(_ context.Context, userID, artifactID string, kind model.Kind) (bool, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.addStar(userID, artifactID, kind)
}

func (r *memStars) Remove(_ context.Context, userID, artifactID string) (bool, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.removeStar(userID, artifactID), nil
}

func (r *memStars) Toggle(_ context.Context, userID, artifactID string, kind model.Kind) (bool, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.removeStar(userID, artifactID) {
		return false, nil
	}
	return db.addStar(userID, artifactID, kind)
}

func (r *memStars) Exists(_ context.Context, userID, artifactID string) (bool, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.stars[[2]string{userID, artifactID}]
	return ok, nil
}

func (r *memStars) ListByUser(_ context.Context, userID string, limit, offset int) ([]model.Star, error) {
	db := r.db
	db.mu.Lock()
	var result []model.Star
	for k, s := range db.stars {
		if k[0] == userID {
			result = append(result, s)
		}
	}
	db.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ArtifactID < result[j].ArtifactID })
	start := min(offset, len(result))
	end := min(start+limit, len(result))
	return result[start:end], nil
}

// addStar и removeStar вызываются под db.mu.
func (db *memDB) addStar(userID, artifactID string, kind model.Kind) (bool, error) {
	a, ok := db.artifacts[artifactID]
	if !ok {
		return false, repository.ErrNotFound
	}
	key := [2]string{userID, artifactID}
	if _, ok := db.stars[key]; ok {
		return false, nil
	}
	db.stars[key] = model.Star{UserID: userID, ArtifactID: artifactID, TargetKind: kind, CreatedAt: time.Now().UTC()}
	a.StarCount++
	db.artifacts[artifactID] = a
	return true, nil
}

func (db *memDB) removeStar(userID, artifactID string) bool {
	key := [2]string{userID, artifactID}
	if _, ok := db.stars[key]; !ok {
		return false
	}
	delete(db.stars, key)
	if a, ok := db.artifacts[artifactID]; ok && a.StarCount > 0 {
		a.StarCount--
		db.artifacts[artifactID] = a
	}
	return true
}

// --- UploadRecordRepository ---

type memUploads struct{ db *memDB }

func (r *memUploads) Create(_ context.Context, rec *model.UploadRecord) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	db.uploads = append(db.uploads, *rec)
	return nil
}

func (r *memUploads) UpdateStatusByTarget(_ context.Context, targetID string, status model.UploadStatus) (int, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for i := range db.uploads {
		if db.uploads[i].TargetID == targetID && db.uploads[i].Status != status {
			db.uploads[i].Status = status
			n++
		}
	}
	return n, nil
}

func (r *memUploads) ListByUploader(_ context.Context, uploaderID string, limit, offset int) ([]model.UploadRecord, error) {
	var result []model.UploadRecord
	for _, rec := range r.db.uploadRecords() {
		if rec.UploaderID == uploaderID {
			result = append(result, rec)
		}
	}
	start := min(offset, len(result))
	end := min(start+limit, len(result))
	return result[start:end], nil
}

func (r *memUploads) DeleteByTarget(_ context.Context, targetID string) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	kept := db.uploads[:0:0]
	for _, rec := range db.uploads {
		if rec.TargetID != targetID {
			kept = append(kept, rec)
		}
	}
	db.uploads = kept
	return nil
}

func cloneArtifact(a model.Artifact) model.Artifact {
	a.Tags = append([]string(nil), a.Tags...)
	return a
}

// discardLogger - логгер без вывода.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingNotifier - Notifier, запоминающий уведомления.
type recordingNotifier struct {
	mu       sync.Mutex
	rejected []string
}

func (n *recordingNotifier) NotifyRejected(_ context.Context, a *model.Artifact, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected = append(n.rejected, a.ID+":"+reason)
	return nil
}
