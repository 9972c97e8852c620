package model

import "time"

// SnippetResult 分类器产出的去重片段
type SnippetResult struct {
	Text       string `json:"text"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Duplicates int    `json:"duplicates"`
}

// MatchResult 分类器对一个构建、一个标签的结果(内存态)
type MatchResult struct {
	TagName     string          `json:"tag_name"`
	Severity    Severity        `json:"severity"`
	Field       Field           `json:"field"`
	Occurrences int             `json:"occurrences"`
	Snippets    []SnippetResult `json:"snippets"`
}

// MatchRecord 存储中读出的命中，附带构建信息，供排名使用
type MatchRecord struct {
	BuildID     string          `json:"build_id"`
	JobName     string          `json:"job_name"`
	RunName     string          `json:"run_name"`
	Status      BuildStatus     `json:"status"`
	BuildTime   time.Time       `json:"build_time"`
	TagName     string          `json:"tag_name"`
	Severity    Severity        `json:"severity"`
	Field       Field           `json:"field"`
	Occurrences int             `json:"occurrences"`
	Snippets    []SnippetResult `json:"snippets"`
}

// SnippetVariant 相似片段聚类后的代表
type SnippetVariant struct {
	Text        string `json:"text" yaml:"text"`
	Occurrences int    `json:"occurrences" yaml:"occurrences"`
	Builds      int    `json:"builds" yaml:"builds"`
}

// PrioritizedIssue 按标签聚合后的问题，每次生成报告时重新计算
type PrioritizedIssue struct {
	Tag                    string           `json:"tag" yaml:"tag"`
	Desc                   string           `json:"desc" yaml:"desc"`
	Severity               Severity         `json:"severity" yaml:"severity"`
	Field                  Field            `json:"field" yaml:"field"`
	TotalOccurrences       int              `json:"total_occurrences" yaml:"total_occurrences"`
	DistinctBuilds         int              `json:"distinct_builds" yaml:"distinct_builds"`
	RepresentativeBuildIDs []string         `json:"representative_build_ids" yaml:"representative_build_ids"`
	Variants               []SnippetVariant `json:"variants,omitempty" yaml:"variants,omitempty"`
}

// TagHit 单个构建上的标签命中摘要
type TagHit struct {
	Tag         string   `json:"tag" yaml:"tag"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Occurrences int      `json:"occurrences" yaml:"occurrences"`
	Snippet     string   `json:"snippet,omitempty" yaml:"snippet,omitempty"`
}

// BuildSummary 报告中的单个构建
type BuildSummary struct {
	BuildID   string      `json:"build_id" yaml:"build_id"`
	JobName   string      `json:"job_name" yaml:"job_name"`
	Number    int         `json:"number" yaml:"number"`
	RunName   string      `json:"run_name" yaml:"run_name"`
	Status    BuildStatus `json:"status" yaml:"status"`
	BuildTime time.Time   `json:"build_time" yaml:"build_time"`
	Tags      []TagHit    `json:"tags" yaml:"tags"`
	Unknown   bool        `json:"unknown" yaml:"unknown"` // 失败但没有识别出任何非 Metadata 问题

	Artifacts []ArtifactInfo `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// Statistics 存储整体统计
type Statistics struct {
	Builds          int                 `json:"builds" yaml:"builds"`
	Scanned         int                 `json:"scanned" yaml:"scanned"`
	Pending         int                 `json:"pending" yaml:"pending"`
	Jobs            int                 `json:"jobs" yaml:"jobs"`
	FailedJobs      int                 `json:"failed_jobs" yaml:"failed_jobs"`
	ByStatus        map[BuildStatus]int `json:"by_status" yaml:"by_status"`
	IssuesFound     int                 `json:"issues_found" yaml:"issues_found"`         // 非 Metadata 命中数
	UnknownFailures int                 `json:"unknown_failures" yaml:"unknown_failures"` // 未识别原因的失败构建
	LastPass        *ScanPass           `json:"last_pass,omitempty" yaml:"last_pass,omitempty"`
}
