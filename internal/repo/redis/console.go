/**
 * 仓库层:控制台日志缓存
 * @description: 控制台日志缓存(Redis存储,多个实例共享同一份拉取结果)
 * @func: 单纯数据访问,不包含业务逻辑
 */
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ConsoleRepository Redis控制台日志缓存
type ConsoleRepository struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewConsoleRepository 创建控制台日志缓存实例
// ttl 为 0 表示不过期
func NewConsoleRepository(client *redis.Client, keyPrefix string, ttl time.Duration) *ConsoleRepository {
	if keyPrefix == "" {
		keyPrefix = "buildpulse"
	}
	return &ConsoleRepository{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// Get 读取构建的控制台日志，未命中时返回 false
func (r *ConsoleRepository) Get(ctx context.Context, buildID string) (string, bool, error) {
	data, err := r.client.Get(ctx, r.getConsoleKey(buildID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get console: %w", err)
	}
	return data, true, nil
}

// Set 写入构建的控制台日志
func (r *ConsoleRepository) Set(ctx context.Context, buildID, console string) error {
	if err := r.client.Set(ctx, r.getConsoleKey(buildID), console, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store console: %w", err)
	}
	return nil
}

// Delete 删除构建的控制台日志
func (r *ConsoleRepository) Delete(ctx context.Context, buildID string) error {
	if err := r.client.Del(ctx, r.getConsoleKey(buildID)).Err(); err != nil {
		return fmt.Errorf("failed to delete console: %w", err)
	}
	return nil
}

// getConsoleKey 生成缓存键[KEY:{prefix}:console:{buildID}]
func (r *ConsoleRepository) getConsoleKey(buildID string) string {
	return fmt.Sprintf("%s:console:%s", r.keyPrefix, buildID)
}
