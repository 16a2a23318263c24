// Пакет service — бизнес-логика файлового сервиса: каскадное получение
// файлов, миграция со старого сервера, сверка БД и диска.
//
// CacheService — кэш метаданных (hashicorp/golang-lru/v2/expirable).
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_cache_hits_total",
		Help: "Попадания в кэш метаданных файлов.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_cache_misses_total",
		Help: "Промахи кэша метаданных файлов.",
	})
)

// CacheService — LRU-кэш записей zakaz_files с TTL.
// Кэш локален для экземпляра: удаление на соседнем экземпляре видно
// здесь не позже чем через TTL. Записи хранятся и отдаются копиями,
// изменение полученной записи кэш не затрагивает.
type CacheService struct {
	lru *expirable.LRU[string, model.FileRecord]
}

// NewCacheService создаёт кэш на maxSize записей.
func NewCacheService(maxSize int, ttl time.Duration) *CacheService {
	return &CacheService{lru: expirable.NewLRU[string, model.FileRecord](maxSize, nil, ttl)}
}

// Get возвращает копию записи по идентификатору файла.
func (c *CacheService) Get(fileID string) (*model.FileRecord, bool) {
	rec, ok := c.lru.Get(fileID)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, false
	}
	cacheHitsTotal.Inc()
	return &rec, true
}

// Set сохраняет копию записи.
func (c *CacheService) Set(record *model.FileRecord) {
	c.lru.Add(record.ID, *record)
}

// Delete удаляет запись из кэша.
func (c *CacheService) Delete(fileID string) {
	c.lru.Remove(fileID)
}

// Len — число записей, включая ещё не вычищенные просроченные.
func (c *CacheService) Len() int {
	return c.lru.Len()
}
