package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyPrefix      = "settings:invoice:"
	invalidationChannel = "settings.invalidate"
)

// Cache stores serialised settings in Redis. A nil Cache or client disables caching.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(orgID int64) string {
	return cacheKeyPrefix + strconv.FormatInt(orgID, 10)
}

// Fetch returns the cached settings for orgID or stores the loader result.
func (c *Cache) Fetch(ctx context.Context, orgID int64, loader func(context.Context) (Settings, error)) (Settings, error) {
	if loader == nil {
		return Settings{}, errors.New("settings cache: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := cacheKey(orgID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached Settings
		if jsonErr := json.Unmarshal(payload, &cached); jsonErr == nil {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return loader(ctx)
	}
	value, err := loader(ctx)
	if err != nil {
		return Settings{}, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Settings{}, err
	}
	// A failed write only costs a reload on the next call.
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
	return value, nil
}

// Delete drops the cached copy and tells other listeners about it.
func (c *Cache) Delete(ctx context.Context, orgID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, cacheKey(orgID)).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, invalidationChannel, strconv.FormatInt(orgID, 10)).Err()
}

// ListenForInvalidation calls fn for each organization id published on the
// invalidation channel until ctx is cancelled.
func (c *Cache) ListenForInvalidation(ctx context.Context, fn func(orgID int64)) error {
	if c == nil || c.client == nil || fn == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, invalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if id, err := strconv.ParseInt(msg.Payload, 10, 64); err == nil {
					fn(id)
				}
			}
		}
	}()
	return nil
}
