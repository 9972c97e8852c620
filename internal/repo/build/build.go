/**
 * 构建仓库层:增量存储
 * @description: 记录哪些构建已经扫描、每个构建的标签命中与同步批次
 * @func: 单纯数据访问,不包含业务逻辑
 * 包含：
 * - claim.go: 认领、入库、释放、失效(一次同步批次内的写路径)
 * - query.go: 命中、构建列表与统计(报告读路径)
 * - pass.go: 同步批次记录
 */
package build

import (
	"context"
	"errors"
	"time"

	"buildpulse/internal/model"

	"gorm.io/gorm"
)

// ErrLogNotFound 没有缓存该构建的控制台日志
var ErrLogNotFound = errors.New("build log not found")

// BuildRepository 构建仓库接口定义
type BuildRepository interface {
	// 写路径
	IsScanned(ctx context.Context, buildID string) (bool, error)
	// Claim 认领构建，并发认领时只有一个成功
	Claim(ctx context.Context, ref model.BuildRef, passID string, ttl time.Duration) (bool, error)
	// Record 单事务写入命中并标记已扫描，已扫描的构建为空操作并返回 false
	Record(ctx context.Context, build *model.Build, matches []model.MatchResult, schema string, storeLog bool) (bool, error)
	// Release 释放认领，构建保持未扫描，下次同步重试
	Release(ctx context.Context, buildID, passID string, cause error) error
	ReleaseStaleClaims(ctx context.Context, ttl time.Duration) (int64, error)
	// InvalidateSchema 标签定义变化时将旧结果标记为过期
	InvalidateSchema(ctx context.Context, schema string) (int64, error)
	// Force 强制重新扫描，buildIDs 为空表示全部
	Force(ctx context.Context, buildIDs []string) (int64, error)

	// 排除列表
	Blocklisted(jobName string) bool
	PurgeBlocklisted(ctx context.Context) (int64, error)

	// 读路径
	AllMatches(ctx context.Context) ([]model.MatchRecord, error)
	Builds(ctx context.Context) ([]model.BuildSummary, error)
	Statistics(ctx context.Context) (*model.Statistics, error)
	LoadLog(ctx context.Context, buildID string) (*model.BuildLog, error)
	// Artifacts 构建保存的产物(含内容)，按路径排序
	Artifacts(ctx context.Context, buildID string) ([]model.Artifact, error)
	// StaleRetaggable 无需拉取即可重新打标的过期构建
	StaleRetaggable(ctx context.Context) ([]model.ScanRecord, error)

	// 同步批次
	StartPass(ctx context.Context, pass *model.ScanPass) error
	FinishPass(ctx context.Context, pass *model.ScanPass) error
	LastPass(ctx context.Context) (*model.ScanPass, error)
}

// buildRepository 构建仓库实现
type buildRepository struct {
	db        *gorm.DB
	blocklist map[string]struct{}
}

// NewBuildRepository 创建构建仓库实例
// blocklist 中的 Job 永远不会入库
func NewBuildRepository(db *gorm.DB, blocklist []string) BuildRepository {
	set := make(map[string]struct{}, len(blocklist))
	for _, job := range blocklist {
		set[job] = struct{}{}
	}
	return &buildRepository{db: db, blocklist: set}
}

// Blocklisted 判断 Job 是否被排除
func (r *buildRepository) Blocklisted(jobName string) bool {
	_, ok := r.blocklist[jobName]
	return ok
}

func (r *buildRepository) blocklistNames() []string {
	names := make([]string, 0, len(r.blocklist))
	for name := range r.blocklist {
		names = append(names, name)
	}
	return names
}

// deleteMatches 删除构建的命中与片段，调用方负责事务
func deleteMatches(tx *gorm.DB, buildIDs interface{}) error {
	matchIDs := tx.Model(&model.Match{}).Select("id").Where("build_id IN (?)", buildIDs)
	if err := tx.Where("match_id IN (?)", matchIDs).Delete(&model.MatchSnippet{}).Error; err != nil {
		return err
	}
	return tx.Where("build_id IN (?)", buildIDs).Delete(&model.Match{}).Error
}
