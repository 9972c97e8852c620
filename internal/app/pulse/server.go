package pulse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"buildpulse/internal/config"
	"buildpulse/internal/pkg/logger"
	"buildpulse/internal/service/source"
	"buildpulse/internal/service/syncer"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// 优雅关闭等待时间
const shutdownTimeout = 5 * time.Second

// Server serve 模式: 只读 HTTP 视图 + 周期同步 + 配置热加载
type Server struct {
	app        *App
	router     *Router
	httpServer *http.Server
	configPath string
	env        string
	watch      bool
}

// NewServer 创建 serve 模式服务
// watch 为 true 时监听配置文件变化，configPath 为空使用默认配置目录
func NewServer(app *App, configPath, env string, watch bool) *Server {
	cfg := app.Config()
	router := NewRouter(app, cfg.Server.Mode)
	router.SetupRoutes()

	return &Server{
		app:    app,
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		configPath: configPath,
		env:        env,
		watch:      watch,
	}
}

// Run 阻塞运行直到 ctx 取消或 HTTP 服务失败
func (s *Server) Run(ctx context.Context) error {
	if s.watch {
		watcher, err := s.watchConfig()
		if err != nil {
			return err
		}
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.LogSystemEvent("server", "http_started", "HTTP server listening", logrus.InfoLevel, map[string]interface{}{
			"addr": s.httpServer.Addr,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.syncLoop(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.LogSystemEvent("server", "http_stopped", "HTTP server stopped", logrus.InfoLevel, nil)
		return nil
	})

	return g.Wait()
}

// watchConfig 配置变化时重载标签、视图与日志级别
func (s *Server) watchConfig() (*config.ConfigWatcher, error) {
	watcher, err := config.NewConfigWatcher(s.configPath, s.env, s.app.Config(), logger.GetLogger())
	if err != nil {
		return nil, err
	}
	watcher.AddCallback(func(_, newConfig *config.Config) error {
		if err := s.app.Reload(newConfig); err != nil {
			return err
		}
		if logger.LoggerInstance != nil {
			if err := logger.LoggerInstance.UpdateConfig(&newConfig.Log); err != nil {
				logger.LogError(err, "server", "update_log_config", nil)
			}
		}
		return nil
	})
	if err := watcher.Start(); err != nil {
		return nil, err
	}
	return watcher, nil
}

// syncLoop 按 server.sync_interval 周期同步，间隔为 0 时只提供只读视图
// 单次批次失败(包括认证失败)只记录日志，下个周期重试；存储错误终止服务
func (s *Server) syncLoop(ctx context.Context) error {
	interval := s.app.Config().Server.SyncInterval
	if interval <= 0 {
		logger.LogSystemEvent("server", "sync_disabled", "Periodic sync disabled", logrus.InfoLevel, nil)
		return nil
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		summary, err := s.app.Sync(ctx)
		switch {
		case err == nil:
			logger.LogSystemEvent("server", "sync_finished", "Periodic sync finished", logrus.InfoLevel, summary.Fields())
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, syncer.ErrStoreFailure):
			logger.LogError(err, "server", "periodic_sync", nil)
			return fmt.Errorf("periodic sync failed: %w", err)
		case errors.Is(err, source.ErrUnauthorized):
			logger.LogError(err, "server", "periodic_sync", map[string]interface{}{"hint": "check username and password"})
		default:
			logger.LogError(err, "server", "periodic_sync", nil)
		}

		// 重载后可能改变间隔
		if next := s.app.Config().Server.SyncInterval; next > 0 {
			interval = next
		}
		timer.Reset(interval)
	}
}
