package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ae_file_cache_hits_total",
		Help: "Общее количество попаданий в кэш списков файлов.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ae_file_cache_misses_total",
		Help: "Общее количество промахов кэша списков файлов.",
	})
)

// FileCache - LRU-кэш списков файлов артефактов с TTL.
// Кэш per-instance; любая мутация файлов артефакта обязана вызвать Invalidate.
type FileCache struct {
	cache *expirable.LRU[string, []model.File]
}

// NewFileCache создаёт кэш на maxSize артефактов с временем жизни ttl.
func NewFileCache(maxSize int, ttl time.Duration) *FileCache {
	return &FileCache{cache: expirable.NewLRU[string, []model.File](maxSize, nil, ttl)}
}

// Get возвращает копию списка файлов артефакта.
func (c *FileCache) Get(artifactID string) ([]model.File, bool) {
	files, ok := c.cache.Get(artifactID)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, false
	}
	cacheHitsTotal.Inc()
	return append([]model.File(nil), files...), true
}

// Set сохраняет копию списка файлов.
func (c *FileCache) Set(artifactID string, files []model.File) {
	c.cache.Add(artifactID, append([]model.File(nil), files...))
}

// Invalidate удаляет запись артефакта.
func (c *FileCache) Invalidate(artifactID string) {
	c.cache.Remove(artifactID)
}

// Len - количество записей (для тестов и отладки).
func (c *FileCache) Len() int {
	return c.cache.Len()
}
