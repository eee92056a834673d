package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"material-market/internal/config"
	"material-market/internal/models"
)

// RedisCache keeps a short rolling list of recent fills per material for
// the fills endpoint and websocket snapshots. It is a read-side convenience:
// losing it never affects the order book.
//
// Layout: "fills:{material}" is a list, newest first, trimmed to keep
// entries and expiring after ttl without new fills.
type RedisCache struct {
	client *redis.Client
	keep   int64
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache initializes a Redis connection.
func NewRedisCache(cfg *config.Config, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return newRedisCache(client, int64(cfg.RecentFills), logger), nil
}

func newRedisCache(client *redis.Client, keep int64, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keep <= 0 {
		keep = 100
	}
	return &RedisCache{
		client: client,
		keep:   keep,
		ttl:    24 * time.Hour,
		logger: logger,
	}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func fillsKey(material string) string {
	return "fills:" + material
}

// RecordFill pushes f onto its material's recent-fill list.
func (c *RedisCache) RecordFill(ctx context.Context, f *models.Fill) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	key := fillsKey(f.Material)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, c.keep-1)
	pipe.Expire(ctx, key, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentFills returns up to limit fills for material, newest first.
func (c *RedisCache) RecentFills(ctx context.Context, material string, limit int64) ([]*models.Fill, error) {
	if limit <= 0 || limit > c.keep {
		limit = c.keep
	}
	values, err := c.client.LRange(ctx, fillsKey(material), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return decodeFills(values, c.logger), nil
}

func decodeFills(values []string, logger *zap.Logger) []*models.Fill {
	fills := make([]*models.Fill, 0, len(values))
	for _, v := range values {
		var f models.Fill
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			logger.Warn("skipping unreadable cached fill", zap.Error(err))
			continue
		}
		fills = append(fills, &f)
	}
	return fills
}
