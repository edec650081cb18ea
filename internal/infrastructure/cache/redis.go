package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"storefront-checkout/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// CartCache mirrors a customer's cart lines keyed by email.
type CartCache interface {
	Get(ctx context.Context, email string) ([]domain.StockLine, error)
	Set(ctx context.Context, email string, lines []domain.StockLine) error
	Delete(ctx context.Context, email string) error
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client:  client,
		baseTTL: 15 * time.Minute,
	}
}

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func (r *RedisCache) Get(ctx context.Context, email string) ([]domain.StockLine, error) {
	data, err := r.client.Get(ctx, cacheKey(email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var lines []domain.StockLine
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return lines, nil
}

func (r *RedisCache) Set(ctx context.Context, email string, lines []domain.StockLine) error {
	data, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}

	jitter := time.Duration(rand.IntN(5)) * time.Minute
	if err := r.client.Set(ctx, cacheKey(email), data, r.baseTTL+jitter).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, email string) error {
	if err := r.client.Del(ctx, cacheKey(email)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// NopCache is used when no Redis address is configured.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]domain.StockLine, error) { return nil, ErrCacheMiss }
func (NopCache) Set(context.Context, string, []domain.StockLine) error   { return nil }
func (NopCache) Delete(context.Context, string) error                    { return nil }

func cacheKey(email string) string {
	return fmt.Sprintf("cart:%s", email)
}
