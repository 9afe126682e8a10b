package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"klinikpos/backend/internal/domain"
)

type RedisSummaryCache struct {
	client *redis.Client
}

func NewRedisSummaryCache(addr string, password string, db int) *RedisSummaryCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSummaryCache{client: client}
}

func (c *RedisSummaryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSummaryCache) Close() error {
	return c.client.Close()
}

func cacheKey(summaryID string) string {
	return "eod:summary:" + summaryID
}

func (c *RedisSummaryCache) Get(ctx context.Context, summaryID string) (*domain.DailyCashSummary, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(summaryID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.DailyCashSummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisSummaryCache) Set(ctx context.Context, summaryID string, summary *domain.DailyCashSummary, ttl time.Duration) error {
	if summary == nil {
		return nil
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(summaryID), payload, ttl).Err()
}

func (c *RedisSummaryCache) Invalidate(ctx context.Context, summaryID string) error {
	return c.client.Del(ctx, cacheKey(summaryID)).Err()
}
