// Package source 构建源适配层
// 负责列出候选构建、拉取构建详情与控制台日志，包含超时、限速与退避重试
package source

import (
	"context"
	"errors"
	"path"
	"time"

	"buildpulse/internal/config"
	"buildpulse/internal/model"
)

var (
	// ErrUnauthorized 认证失败，整个同步批次失败
	ErrUnauthorized = errors.New("build source rejected credentials")
	// ErrNotFound 资源不存在，单个构建跳过
	ErrNotFound = errors.New("build source resource not found")
	// ErrMalformed 响应无法解析，单个构建跳过
	ErrMalformed = errors.New("malformed build source response")
)

// BuildSource 构建源
type BuildSource interface {
	// ListBuilds 列出候选构建(有序)
	ListBuilds(ctx context.Context) ([]model.BuildRef, error)
	// FetchBuild 拉取构建详情与控制台日志
	FetchBuild(ctx context.Context, ref model.BuildRef) (*model.Build, error)
}

// ConsoleCache 控制台日志缓存
type ConsoleCache interface {
	Get(ctx context.Context, buildID string) (string, bool, error)
	Set(ctx context.Context, buildID, console string) error
}

// Options Jenkins 客户端参数
type Options struct {
	BaseURL           string
	Project           string
	Username          string
	Password          string
	RequestTimeout    time.Duration
	BuildTimeout      time.Duration
	MaxRetries        int
	RetryInterval     time.Duration
	MaxRetryInterval  time.Duration
	RequestsPerSecond float64
	Burst             int
	BuildsPerJob      int
	ConsoleStatuses   []model.BuildStatus
	MaxConsoleBytes   int64
	UserAgent         string
	Artifacts         []string // 产物相对路径通配符，为空时不拉取
	MaxArtifactBytes  int64
}

// OptionsFromConfig 从配置构造客户端参数
func OptionsFromConfig(cfg *config.Config) Options {
	statuses := make([]model.BuildStatus, 0, len(cfg.Source.ConsoleStatuses))
	for _, s := range cfg.Source.ConsoleStatuses {
		statuses = append(statuses, model.ParseBuildStatus(s))
	}
	return Options{
		BaseURL:           cfg.JenkinsURL,
		Project:           cfg.Project,
		Username:          cfg.Username,
		Password:          cfg.Password,
		RequestTimeout:    cfg.Source.RequestTimeout,
		BuildTimeout:      cfg.Source.BuildTimeout,
		MaxRetries:        cfg.Source.MaxRetries,
		RetryInterval:     cfg.Source.RetryInterval,
		MaxRetryInterval:  cfg.Source.MaxRetryInterval,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		Burst:             cfg.Source.Burst,
		BuildsPerJob:      cfg.Source.BuildsPerJob,
		ConsoleStatuses:   statuses,
		MaxConsoleBytes:   cfg.Source.MaxConsoleBytes,
		UserAgent:         cfg.Source.UserAgent,
		Artifacts:         cfg.Source.Artifacts,
		MaxArtifactBytes:  cfg.Source.MaxArtifactBytes,
	}
}

// wantsArtifact 产物路径是否匹配配置的通配符
func (o Options) wantsArtifact(relativePath string) bool {
	for _, pattern := range o.Artifacts {
		if ok, err := path.Match(pattern, relativePath); err == nil && ok {
			return true
		}
	}
	return false
}

// wantsConsole 该状态的构建是否需要拉取控制台日志
func (o Options) wantsConsole(status model.BuildStatus) bool {
	for _, s := range o.ConsoleStatuses {
		if s == status {
			return true
		}
	}
	return false
}
