/**
 * 应用装配
 * @description: 按配置装配增量存储、构建源、分类器、同步编排器与报告构造器
 *   - run/sync/report 命令使用一次性的 App
 *   - serve 模式下 App 常驻，配置变化时通过 Reload 替换标签、视图与排除列表
 */
package pulse

import (
	"context"
	"fmt"
	"sync"

	"buildpulse/internal/config"
	"buildpulse/internal/model"
	"buildpulse/internal/pkg/database"
	"buildpulse/internal/pkg/logger"
	"buildpulse/internal/pkg/metrics"
	buildrepo "buildpulse/internal/repo/build"
	"buildpulse/internal/repo/memory"
	redisrepo "buildpulse/internal/repo/redis"
	"buildpulse/internal/service/prioritizer"
	"buildpulse/internal/service/report"
	"buildpulse/internal/service/source"
	"buildpulse/internal/service/syncer"
	"buildpulse/internal/service/tagging"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 未启用 Redis 时进程内日志缓存的容量上限
const memoryCacheBytes = 256 << 20

// Options 命令行覆盖项
type Options struct {
	Fresh   bool // 丢弃已有存储重新开始
	Force   bool // 重新扫描已扫描的构建
	Workers int  // 覆盖 scan.workers，<=0 使用配置
}

// App 应用程序结构体
type App struct {
	opts    Options
	db      *gorm.DB
	redis   *redis.Client
	memory  *memory.ConsoleRepository
	source  *source.JenkinsClient
	metrics *metrics.Metrics

	// 同一进程内同步批次串行
	syncMu sync.Mutex

	mu       sync.RWMutex
	cfg      *config.Config
	registry *tagging.Registry
	repo     buildrepo.BuildRepository
	syncer   *syncer.Orchestrator
	prio     *prioritizer.Prioritizer
	reports  *report.Builder
}

// NewApp 创建应用实例
// 标签定义先于存储校验，配置错误时不会触碰数据库
func NewApp(cfg *config.Config, opts Options) (*App, error) {
	registry, err := tagging.NewRegistry(cfg.Tags)
	if err != nil {
		return nil, err
	}

	if opts.Fresh {
		if err := database.Reset(cfg.Database, &cfg.Storage); err != nil {
			return nil, err
		}
		logger.LogSystemEvent("app", "store_reset", "Existing store discarded", logrus.InfoLevel, map[string]interface{}{
			"database": cfg.Database,
			"driver":   cfg.Storage.Driver,
		})
	}

	db, err := database.NewConnection(cfg.Database, &cfg.Storage)
	if err != nil {
		return nil, err
	}

	app := &App{
		opts:    opts,
		db:      db,
		metrics: metrics.New(),
	}
	cache, err := app.consoleCache(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.source = source.NewJenkinsClient(source.OptionsFromConfig(cfg), nil).
		WithConsoleCache(cache).
		WithMetrics(app.metrics)

	if err := app.setup(cfg, registry); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// consoleCache 选择控制台日志缓存，Redis 不可用时退回进程内缓存
func (a *App) consoleCache(cfg *config.Config) (source.ConsoleCache, error) {
	if cfg.Redis.Enabled {
		client, err := database.NewRedisConnection(&cfg.Redis)
		if err == nil {
			a.redis = client
			return redisrepo.NewConsoleRepository(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL), nil
		}
		logger.LogError(err, "app", "connect_redis", map[string]interface{}{
			"host":     cfg.Redis.Host,
			"port":     cfg.Redis.Port,
			"fallback": "memory",
		})
	}
	cache, err := memory.NewConsoleRepository(cfg.Redis.TTL, memoryCacheBytes)
	if err != nil {
		return nil, err
	}
	a.memory = cache
	return cache, nil
}

// setup 根据配置与标签注册表构造业务组件
func (a *App) setup(cfg *config.Config, registry *tagging.Registry) error {
	prioOpts, err := prioritizer.OptionsFromConfig(&cfg.Report)
	if err != nil {
		return err
	}

	workers := cfg.Scan.Workers
	if a.opts.Workers > 0 {
		workers = a.opts.Workers
	}

	repo := buildrepo.NewBuildRepository(a.db, cfg.Blocklist)
	classifier := tagging.NewClassifier(registry, tagging.ClassifierOptions{
		MaxMatchesPerTag: cfg.Scan.MaxMatchesPerTag,
		MaxSnippetBytes:  cfg.Scan.MaxSnippetBytes,
		Timeout:          cfg.Scan.ClassifyTimeout,
	})
	orchestrator := syncer.NewOrchestrator(a.source, repo, classifier, syncer.Options{
		Workers:   workers,
		ClaimTTL:  cfg.Scan.ClaimTTL,
		StoreLogs: cfg.Scan.StoreLogs,
		Force:     a.opts.Force,
	}).WithMetrics(a.metrics)
	prio := prioritizer.New(repo, registry, prioOpts)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.registry = registry
	a.repo = repo
	a.syncer = orchestrator
	a.prio = prio
	a.reports = report.NewBuilder(cfg, repo, prio)
	return nil
}

// Reload 应用新配置中的标签、视图、排除列表与报告参数
// 新配置无效时保留当前组件；构建源与存储的变化需要重启才生效
func (a *App) Reload(cfg *config.Config) error {
	registry, err := tagging.NewRegistry(cfg.Tags)
	if err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}

	old := a.Config()
	if old.JenkinsURL != cfg.JenkinsURL || old.Project != cfg.Project || old.Database != cfg.Database {
		logger.LogSystemEvent("app", "reload_partial", "Source and storage changes require a restart", logrus.WarnLevel, nil)
	}

	// 进行中的批次使用旧组件完成
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	// Force 只作用于启动后的第一次同步
	a.opts.Force = false
	if err := a.setup(cfg, registry); err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}
	logger.LogSystemEvent("app", "config_reloaded", "Configuration reloaded", logrus.InfoLevel, map[string]interface{}{
		"tags":   registry.Len(),
		"views":  len(cfg.Views),
		"schema": registry.Schema(),
	})
	return nil
}

// Sync 执行一次同步批次
func (a *App) Sync(ctx context.Context) (*syncer.Summary, error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	a.mu.RLock()
	orchestrator := a.syncer
	a.mu.RUnlock()

	summary, err := orchestrator.Run(ctx)
	if err == nil && a.opts.Force {
		a.opts.Force = false
		a.mu.RLock()
		cfg, registry := a.cfg, a.registry
		a.mu.RUnlock()
		err = a.setup(cfg, registry)
	}
	return summary, err
}

// Report 从存储当前状态生成报告
func (a *App) Report(ctx context.Context) (*report.Report, error) {
	a.mu.RLock()
	builder := a.reports
	a.mu.RUnlock()
	return builder.Build(ctx)
}

// Issues 当前排名的问题列表
func (a *App) Issues(ctx context.Context) ([]model.PrioritizedIssue, error) {
	a.mu.RLock()
	prio := a.prio
	a.mu.RUnlock()
	return prio.Prioritize(ctx)
}

// Repo 增量存储
func (a *App) Repo() buildrepo.BuildRepository {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.repo
}

// Config 当前生效的配置
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Metrics 指标
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Ping 检查存储是否可用
func (a *App) Ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库与 Redis 连接
func (a *App) Close() error {
	if a.memory != nil {
		a.memory.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.LogError(err, "app", "close_redis", nil)
		}
	}
	return database.Close(a.db)
}
