// Package cache provides caching for rendered maps and JSON query results.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	MapCacheSizeMB int
	MapTTL         time.Duration
	QueryCacheSize int
}

// Manager manages map and query caches.
type Manager struct {
	mapCache   *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MapTTL <= 0 {
		cfg.MapTTL = 10 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	mapCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.MapTTL,
		CleanWindow:        cfg.MapTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024, // hex maps are larger than map tiles
		HardMaxCacheSize:   cfg.MapCacheSizeMB,
		Verbose:            false,
	}

	mapCache, err := bigcache.New(context.Background(), mapCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create map cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		mapCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		mapCache:   mapCache,
		queryCache: queryCache,
	}, nil
}

// GetMap retrieves a rendered map from cache.
func (m *Manager) GetMap(key string) ([]byte, bool) {
	data, err := m.mapCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetMap stores a rendered map in cache.
func (m *Manager) SetMap(key string, data []byte) error {
	return m.mapCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// Purge drops every cached entry, e.g. after a dataset is re-analysed.
func (m *Manager) Purge() error {
	m.queryCache.Purge()
	return m.mapCache.Reset()
}

// MapKey generates a cache key for a rendered sample map.
func MapKey(dataset, sample, layer, colormap string) string {
	return fmt.Sprintf("map:%s/%s/%s:%s", dataset, sample, layer, colormap)
}

// QueryKey generates a cache key for a JSON response.
func QueryKey(dataset string, parts ...string) string {
	return "q:" + dataset + "/" + strings.Join(parts, "/")
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	s := m.mapCache.Stats()
	return map[string]interface{}{
		"map_cache_len":    m.mapCache.Len(),
		"map_cache_cap":    m.mapCache.Capacity(),
		"map_cache_hits":   s.Hits,
		"map_cache_misses": s.Misses,
		"query_cache_len":  m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.mapCache.Close()
}
