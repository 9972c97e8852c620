// Package report 报告生成
// 汇总统计、问题排名、视图与构建列表，输出为 html/json/csv/yaml
package report

import (
	"context"
	"fmt"
	"time"

	"buildpulse/internal/config"
	"buildpulse/internal/model"
	buildrepo "buildpulse/internal/repo/build"
	"buildpulse/internal/service/prioritizer"
)

// Report 一份完整的报告
type Report struct {
	Title       string                   `json:"title" yaml:"title"`
	Project     string                   `json:"project" yaml:"project"`
	SourceURL   string                   `json:"source_url" yaml:"source_url"`
	GeneratedAt time.Time                `json:"generated_at" yaml:"generated_at"`
	Timezone    string                   `json:"timezone" yaml:"timezone"`
	Statistics  *model.Statistics        `json:"statistics" yaml:"statistics"`
	Issues      []model.PrioritizedIssue `json:"issues" yaml:"issues"`
	Views       []ViewResult             `json:"views,omitempty" yaml:"views,omitempty"`
	Builds      []model.BuildSummary     `json:"builds" yaml:"builds"`

	location *time.Location
}

// Location 报告使用的时区
func (r *Report) Location() *time.Location {
	if r.location == nil {
		return time.UTC
	}
	return r.location
}

// Builder 从增量存储构造报告
type Builder struct {
	cfg         *config.Config
	repo        buildrepo.BuildRepository
	prioritizer *prioritizer.Prioritizer
}

// NewBuilder 创建报告构造器
func NewBuilder(cfg *config.Config, repo buildrepo.BuildRepository, p *prioritizer.Prioritizer) *Builder {
	return &Builder{cfg: cfg, repo: repo, prioritizer: p}
}

// Build 读取存储当前状态生成报告，不修改存储
func (b *Builder) Build(ctx context.Context) (*Report, error) {
	stats, err := b.repo.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	issues, err := b.prioritizer.Prioritize(ctx)
	if err != nil {
		return nil, err
	}
	builds, err := b.repo.Builds(ctx)
	if err != nil {
		return nil, err
	}
	views, err := EvaluateViews(b.cfg.Views, builds)
	if err != nil {
		return nil, err
	}

	loc := b.cfg.Location()
	title := b.cfg.Report.Title
	if title == "" {
		title = fmt.Sprintf("%s build report", b.cfg.Project)
	}
	return &Report{
		Title:       title,
		Project:     b.cfg.Project,
		SourceURL:   b.cfg.JenkinsURL,
		GeneratedAt: time.Now().In(loc),
		Timezone:    loc.String(),
		Statistics:  stats,
		Issues:      issues,
		Views:       views,
		Builds:      builds,
		location:    loc,
	}, nil
}
