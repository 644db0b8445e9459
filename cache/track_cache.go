package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"Resona/model"

	"github.com/go-redis/redis/v8"
)

// GetLoadKey 生成加载结果的缓存键,标识符经sha1散列避免键中出现URL特殊字符
func GetLoadKey(identifier string) string {
	sum := sha1.Sum([]byte(identifier))
	return "resona:load:" + hex.EncodeToString(sum[:])
}

// GetLoadResult 从缓存读取加载结果,未命中时返回(nil, nil)
func GetLoadResult(ctx context.Context, identifier string) (*model.LoadResult, error) {
	if RedisClient == nil {
		return nil, nil
	}

	data, err := RedisClient.Get(ctx, GetLoadKey(identifier)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get load result from cache: %w", err)
	}

	var result model.LoadResult
	if err := json.Unmarshal(data, &result); err != nil {
		// 缓存内容损坏,当作未命中并删除脏数据
		RedisClient.Del(ctx, GetLoadKey(identifier))
		return nil, fmt.Errorf("failed to unmarshal cached load result: %w", err)
	}

	return &result, nil
}

// SetLoadResult 将加载结果写入缓存
func SetLoadResult(ctx context.Context, identifier string, result *model.LoadResult, ttl time.Duration) error {
	if RedisClient == nil {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal load result: %w", err)
	}

	if err := RedisClient.Set(ctx, GetLoadKey(identifier), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set load result to cache: %w", err)
	}

	return nil
}
