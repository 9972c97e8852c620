// Package prioritizer 问题排名
// 将增量存储中的全部命中按标签聚合，按严重级别与影响面排序
package prioritizer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"buildpulse/internal/config"
	"buildpulse/internal/model"
	"buildpulse/internal/service/tagging"
)

const (
	DefaultRepresentatives = 5
	DefaultMaxVariants     = 3
)

// Options 排名参数
type Options struct {
	Representatives     int            // 每个问题的代表构建数
	MinSeverity         model.Severity // 参与排名的最低严重级别
	SimilarityThreshold float64        // 片段聚类的相似度阈值，(0,1]
	MaxVariants         int            // 每个问题保留的片段变体数
}

// OptionsFromConfig 从报告配置构造排名参数
func OptionsFromConfig(cfg *config.ReportConfig) (Options, error) {
	opts := Options{
		Representatives:     cfg.Representatives,
		MinSeverity:         model.SeverityMetadata,
		SimilarityThreshold: cfg.SimilarityThreshold,
		MaxVariants:         cfg.MaxVariants,
	}
	if cfg.MinSeverity != "" {
		sev, err := model.ParseSeverity(cfg.MinSeverity)
		if err != nil {
			return opts, fmt.Errorf("report.min_severity: %w", err)
		}
		opts.MinSeverity = sev
	}
	return opts, nil
}

// MatchSource 命中来源
type MatchSource interface {
	AllMatches(ctx context.Context) ([]model.MatchRecord, error)
}

// Prioritizer 问题排名器，只读，可重复调用
type Prioritizer struct {
	store    MatchSource
	registry *tagging.Registry
	opts     Options
}

// New 创建排名器
func New(store MatchSource, registry *tagging.Registry, opts Options) *Prioritizer {
	return &Prioritizer{store: store, registry: registry, opts: opts}
}

// Prioritize 读取全部命中并排名
func (p *Prioritizer) Prioritize(ctx context.Context) ([]model.PrioritizedIssue, error) {
	records, err := p.store.AllMatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Rank(records, p.registry, p.opts), nil
}

// group 一个标签的聚合状态
type group struct {
	issue    model.PrioritizedIssue
	defined  bool // 标签仍在当前定义中
	builds   map[string]time.Time
	snippets []model.MatchRecord
}

// Rank 按标签聚合并排序，相同输入得到相同输出
// 顺序: 严重级别降序、受影响构建数降序、出现次数降序、标签名升序
func Rank(records []model.MatchRecord, registry *tagging.Registry, opts Options) []model.PrioritizedIssue {
	if opts.Representatives <= 0 {
		opts.Representatives = DefaultRepresentatives
	}
	if opts.MaxVariants <= 0 {
		opts.MaxVariants = DefaultMaxVariants
	}

	groups := make(map[string]*group)
	for _, rec := range records {
		g, ok := groups[rec.TagName]
		if !ok {
			g = &group{
				issue: model.PrioritizedIssue{
					Tag:      rec.TagName,
					Severity: rec.Severity,
					Field:    rec.Field,
				},
				builds: make(map[string]time.Time),
			}
			// 以当前标签定义为准
			if registry != nil {
				if tag, ok := registry.Lookup(rec.TagName); ok {
					g.issue.Severity = tag.Severity
					g.issue.Field = tag.Field
					g.issue.Desc = tag.Desc
					g.defined = true
				}
			}
			groups[rec.TagName] = g
		} else if !g.defined {
			// 标签已删除时取存储的最高级别，与记录顺序无关
			mergeStored(&g.issue, rec)
		}
		g.issue.TotalOccurrences += rec.Occurrences
		if ts, seen := g.builds[rec.BuildID]; !seen || rec.BuildTime.After(ts) {
			g.builds[rec.BuildID] = rec.BuildTime
		}
		if len(rec.Snippets) > 0 {
			g.snippets = append(g.snippets, rec)
		}
	}

	issues := make([]model.PrioritizedIssue, 0, len(groups))
	for _, g := range groups {
		if g.issue.Severity.Rank() < opts.MinSeverity.Rank() {
			continue
		}
		g.issue.DistinctBuilds = len(g.builds)
		g.issue.RepresentativeBuildIDs = representatives(g.builds, opts.Representatives)
		g.issue.Variants = variants(g.snippets, opts.SimilarityThreshold, opts.MaxVariants)
		issues = append(issues, g.issue)
	}

	sort.Slice(issues, func(i, j int) bool {
		return Less(issues[i], issues[j])
	})
	return issues
}

func mergeStored(issue *model.PrioritizedIssue, rec model.MatchRecord) {
	switch {
	case rec.Severity.Rank() > issue.Severity.Rank():
		issue.Severity = rec.Severity
		issue.Field = rec.Field
	case rec.Severity.Rank() == issue.Severity.Rank() && rec.Field < issue.Field:
		issue.Field = rec.Field
	}
}

// Less 问题排序规则
func Less(a, b model.PrioritizedIssue) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if a.DistinctBuilds != b.DistinctBuilds {
		return a.DistinctBuilds > b.DistinctBuilds
	}
	if a.TotalOccurrences != b.TotalOccurrences {
		return a.TotalOccurrences > b.TotalOccurrences
	}
	return a.Tag < b.Tag
}

// representatives 最近的 n 个构建: 时间降序，ID 升序
func representatives(builds map[string]time.Time, n int) []string {
	ids := make([]string, 0, len(builds))
	for id := range builds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := builds[ids[i]], builds[ids[j]]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return ids[i] < ids[j]
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
