package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/asset-console/internal/domain/model"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ac_user_cache_hits_total",
		Help: "Общее количество попаданий в кэш профилей пользователей.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ac_user_cache_misses_total",
		Help: "Общее количество промахов кэша профилей пользователей.",
	})
)

// ProfileSource: источник профиля по токену.
type ProfileSource interface {
	Me(ctx context.Context, token string) (*model.User, error)
}

// CachedProfiles: LRU-кэш профилей поверх ProfileSource.
// Ключ: SHA-256 токена, сами токены в памяти не хранятся.
type CachedProfiles struct {
	source ProfileSource
	cache  *expirable.LRU[string, *model.User]
}

// NewCachedProfiles создаёт кэш с максимальным размером и TTL записи.
func NewCachedProfiles(source ProfileSource, maxSize int, ttl time.Duration) *CachedProfiles {
	return &CachedProfiles{
		source: source,
		cache:  expirable.NewLRU[string, *model.User](maxSize, nil, ttl),
	}
}

// Me возвращает профиль из кэша или запрашивает его у источника.
// Ошибки не кэшируются.
func (c *CachedProfiles) Me(ctx context.Context, token string) (*model.User, error) {
	key := tokenKey(token)
	if user, ok := c.cache.Get(key); ok {
		cacheHitsTotal.Inc()
		return user, nil
	}
	cacheMissesTotal.Inc()

	user, err := c.source.Me(ctx, token)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, user)
	return user, nil
}

// Invalidate удаляет профиль владельца токена (например, после смены ролей).
func (c *CachedProfiles) Invalidate(token string) {
	c.cache.Remove(tokenKey(token))
}

// Len: количество профилей в кэше.
func (c *CachedProfiles) Len() int {
	return c.cache.Len()
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
