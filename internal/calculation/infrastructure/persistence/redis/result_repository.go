// Package redis 计算结果的 Redis 缓存仓储
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wyfcoding/cashflowengine/internal/calculation/domain"
	"github.com/wyfcoding/cashflowengine/pkg/cache"
)

const resultKeyPrefix = "calc:result:"

// ResultRepo 指纹 → 计算结果缓存。相同指纹的重复请求直接命中
// 缓存结果，不触发重算。
type ResultRepo struct {
	cache *cache.RedisCache
}

func NewResultRepo(c *cache.RedisCache) domain.ResultCacheRepository {
	return &ResultRepo{cache: c}
}

// Get 按输入指纹读取缓存结果，未命中返回 (nil, nil)
func (r *ResultRepo) Get(ctx context.Context, inputHash string) (*domain.CalculationResult, error) {
	data, err := r.cache.Get(ctx, resultKeyPrefix+inputHash)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached result: %w", err)
	}
	if data == "" {
		return nil, nil
	}

	var result domain.CalculationResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &result, nil
}

// Put 写入缓存结果
func (r *ResultRepo) Put(ctx context.Context, inputHash string, result *domain.CalculationResult, ttl time.Duration) error {
	if err := r.cache.SetJSON(ctx, resultKeyPrefix+inputHash, result, ttl); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}
