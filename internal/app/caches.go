package app

import (
	"strconv"

	"ranchd/internal/cache"
	"ranchd/internal/director"
	"ranchd/internal/entity"
	"ranchd/internal/storage"
	"ranchd/internal/tick"
	logx "ranchd/pkg/logx"
)

func uidKey(k uint32) string { return strconv.FormatUint(uint64(k), 10) }

func newEntityCache[K comparable, V any](b storage.Backend, kind string, keyFn func(K) string, log logx.Logger, m cache.Metrics) *cache.Cache[K, V] {
	repo := storage.NewRepository[K, V](b, kind, keyFn)
	return cache.New(cache.Options[K, V]{
		Name:     kind,
		Retrieve: repo.Retrieve,
		Store:    repo.Store,
		Health:   repo.Health,
		Logger:   log,
		Metrics:  m,
	})
}

// buildCaches creates one cache per entity kind over the same backend.
func buildCaches(b storage.Backend, log logx.Logger, m cache.Metrics) (director.Caches, []tick.Cache) {
	c := director.Caches{
		Users:      newEntityCache[string, entity.User](b, entity.KindUser, func(k string) string { return k }, log, m),
		Characters: newEntityCache[uint32, entity.Character](b, entity.KindCharacter, uidKey, log, m),
		Horses:     newEntityCache[uint32, entity.Horse](b, entity.KindHorse, uidKey, log, m),
		Ranches:    newEntityCache[uint32, entity.Ranch](b, entity.KindRanch, uidKey, log, m),
	}
	return c, []tick.Cache{c.Users, c.Characters, c.Horses, c.Ranches}
}

// CacheStats is one cache's line in Snapshot.
type CacheStats struct {
	Entries int `json:"entries"`
	Dirty   int `json:"dirty"`
}

type sizer interface {
	Len() int
	Dirty() int
}

func cacheStats(list []tick.Cache) map[string]CacheStats {
	out := make(map[string]CacheStats, len(list))
	for _, c := range list {
		s, ok := c.(sizer)
		if !ok {
			continue
		}
		out[c.Name()] = CacheStats{Entries: s.Len(), Dirty: s.Dirty()}
	}
	return out
}
