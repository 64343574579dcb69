package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"waitline/internal/models"

	"github.com/go-redis/redis/v8"
)

var cacheCtx = context.Background()

// SettingsCache кэширует настройки точек в Redis.
// Настройки читаются на каждой регистрации и каждом подключении дашборда,
// а меняются редко, поэтому кэш с TTL окупается.
type SettingsCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSettingsCache(client *redis.Client) *SettingsCache {
	return &SettingsCache{client: client, ttl: time.Hour}
}

func settingsKey(locationID uint) string {
	return fmt.Sprintf("location_settings_%d", locationID)
}

func (c *SettingsCache) Get(locationID uint) (models.LocationSettings, bool) {
	if c == nil || c.client == nil {
		return models.LocationSettings{}, false
	}
	cached, err := c.client.Get(cacheCtx, settingsKey(locationID)).Result()
	if err != nil || cached == "" {
		return models.LocationSettings{}, false
	}
	var settings models.LocationSettings
	if err := json.Unmarshal([]byte(cached), &settings); err != nil {
		return models.LocationSettings{}, false
	}
	return settings, true
}

func (c *SettingsCache) Put(locationID uint, settings models.LocationSettings) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return
	}
	c.client.Set(cacheCtx, settingsKey(locationID), string(data), c.ttl)
}

// Invalidate сбрасывает кэш точки после изменения настроек.
func (c *SettingsCache) Invalidate(locationID uint) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(cacheCtx, settingsKey(locationID))
}
