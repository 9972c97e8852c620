/*
ConfigWatcher 配置文件监听器
监听配置文件所在目录，配置文件写入或重建后(防抖 500ms)重新加载配置并调用回调。
serve 模式下用于在两次同步之间刷新标签定义。
*/
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify" // 文件系统监听库
	"github.com/sirupsen/logrus"
)

// ConfigWatcher 配置文件监听器
type ConfigWatcher struct {
	watcher    *fsnotify.Watcher  // 文件系统监听器
	configFile string             // 配置文件路径
	env        string             // 环境标识
	callbacks  []ReloadCallback   // 重载回调函数列表
	current    *Config            // 当前配置
	log        logrus.FieldLogger // 日志
	debounce   time.Duration      // 防抖时间
	mu         sync.RWMutex       // 读写锁
	ctx        context.Context    // 上下文
	cancel     context.CancelFunc // 取消函数
	done       chan struct{}      // 完成信号
}

// ReloadCallback 配置重载回调函数类型
type ReloadCallback func(oldConfig, newConfig *Config) error

// NewConfigWatcher 创建配置文件监听器
func NewConfigWatcher(configPath, env string, current *Config, log logrus.FieldLogger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if configPath == "" {
		configPath = getDefaultConfigPath()
	}
	if env == "" {
		env = getEnvFromEnvironment()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ConfigWatcher{
		watcher:    watcher,
		configFile: getConfigFileName(configPath, env),
		env:        env,
		callbacks:  make([]ReloadCallback, 0),
		current:    current,
		log:        log,
		debounce:   500 * time.Millisecond,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

// Start 启动配置文件监听
func (cw *ConfigWatcher) Start() error {
	// 监听目录而不是文件，编辑器保存时常常是替换文件
	dir := filepath.Dir(cw.configFile)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to add config path to watcher: %w", err)
	}

	go cw.watchLoop()

	cw.log.WithField("file", cw.configFile).Info("Config watcher started")
	return nil
}

// Stop 停止配置文件监听
func (cw *ConfigWatcher) Stop() error {
	cw.cancel()

	// 等待监听协程结束
	select {
	case <-cw.done:
	case <-time.After(5 * time.Second):
		cw.log.Warn("Config watcher stop timeout")
	}

	return cw.watcher.Close()
}

// AddCallback 添加配置重载回调函数
func (cw *ConfigWatcher) AddCallback(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Current 返回最近一次成功加载的配置
func (cw *ConfigWatcher) Current() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.current
}

// watchLoop 监听循环
func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)

	// 防抖动定时器
	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}

	for {
		select {
		case <-cw.ctx.Done():
			cw.log.Debug("Config watcher stopped")
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			// 只处理写入和创建事件
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.configFile) {
				continue
			}
			cw.log.WithField("file", event.Name).Debug("Config file changed")
			debounceTimer.Reset(cw.debounce)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.WithError(err).Warn("Config watcher error")

		case <-debounceTimer.C:
			if err := cw.reloadConfig(); err != nil {
				// 新配置无效时保留旧配置继续运行
				cw.log.WithError(err).Error("Failed to reload config, keeping previous one")
			}
		}
	}
}

// reloadConfig 重载配置
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configFile, cw.env)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	cw.mu.Lock()
	oldConfig := cw.current
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			// 回调拒绝新配置(例如标签无效)时不切换
			return fmt.Errorf("config reload rejected: %w", err)
		}
	}

	cw.mu.Lock()
	cw.current = newConfig
	cw.mu.Unlock()

	cw.log.Info("Config reloaded successfully")
	return nil
}
