package report

import (
	"fmt"

	"buildpulse/internal/config"
	"buildpulse/internal/model"
	"buildpulse/internal/pkg/matcher"
)

// ViewResult 一个视图筛选出的构建
type ViewResult struct {
	Name   string               `json:"name" yaml:"name"`
	Desc   string               `json:"desc" yaml:"desc"`
	Builds []model.BuildSummary `json:"builds" yaml:"builds"`
}

// Facts 视图规则可用的构建字段
func Facts(b model.BuildSummary) map[string]interface{} {
	tags := make([]string, 0, len(b.Tags))
	severities := make([]string, 0, len(b.Tags))
	seen := make(map[model.Severity]bool)
	issues := 0
	for _, t := range b.Tags {
		tags = append(tags, t.Tag)
		if !seen[t.Severity] {
			seen[t.Severity] = true
			severities = append(severities, t.Severity.String())
		}
		if t.Severity != model.SeverityMetadata {
			issues++
		}
	}
	return map[string]interface{}{
		"job":         b.JobName,
		"number":      b.Number,
		"run_name":    b.RunName,
		"status":      string(b.Status),
		"tags":        tags,
		"severities":  severities,
		"issue_count": issues,
		"unknown":     b.Unknown,
	}
}

// EvaluateViews 按视图规则筛选构建，保持构建原有顺序
func EvaluateViews(views []config.ViewConfig, builds []model.BuildSummary) ([]ViewResult, error) {
	if len(views) == 0 {
		return nil, nil
	}

	facts := make([]map[string]interface{}, len(builds))
	for i, b := range builds {
		facts[i] = Facts(b)
	}

	results := make([]ViewResult, 0, len(views))
	for _, view := range views {
		result := ViewResult{Name: view.Name, Desc: view.Desc, Builds: []model.BuildSummary{}}
		for i, b := range builds {
			matched, err := matcher.Match(facts[i], view.Rule)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate view %q: %w", view.Name, err)
			}
			if matched {
				result.Builds = append(result.Builds, b)
			}
		}
		results = append(results, result)
	}
	return results, nil
}
