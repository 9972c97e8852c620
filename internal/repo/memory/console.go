/**
 * 仓库层:控制台日志缓存
 * @description: 控制台日志缓存(内存存储,适合单实例部署)
 * @note: 和 internal/repo/redis/console.go 保持一致(可在配置文件中配置,二选一)
 */
package memory

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ConsoleRepository 内存控制台日志缓存
// 按日志字节数计费，超出容量时由准入策略淘汰访问频率低的条目
type ConsoleRepository struct {
	cache *ristretto.Cache[string, string]
	ttl   time.Duration
}

// NewConsoleRepository 创建内存缓存实例
// maxBytes 限制缓存总大小，0 表示不限制；ttl 为 0 表示不过期
func NewConsoleRepository(ttl time.Duration, maxBytes int64) (*ConsoleRepository, error) {
	if maxBytes <= 0 {
		maxBytes = math.MaxInt64
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters:        1e5,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create console cache: %w", err)
	}
	return &ConsoleRepository{cache: cache, ttl: ttl}, nil
}

// Get 读取构建的控制台日志
func (r *ConsoleRepository) Get(_ context.Context, buildID string) (string, bool, error) {
	console, ok := r.cache.Get(buildID)
	return console, ok, nil
}

// Set 写入构建的控制台日志
// 超过容量的单条日志不会被缓存
func (r *ConsoleRepository) Set(_ context.Context, buildID, console string) error {
	if r.cache.SetWithTTL(buildID, console, int64(len(console)), r.ttl) {
		r.cache.Wait()
	}
	return nil
}

// Delete 删除构建的控制台日志
func (r *ConsoleRepository) Delete(_ context.Context, buildID string) error {
	r.cache.Del(buildID)
	return nil
}

// Close 释放缓存的后台协程
func (r *ConsoleRepository) Close() {
	r.cache.Close()
}
