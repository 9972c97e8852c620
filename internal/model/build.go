package model

import (
	"strings"
	"time"
)

// BuildStatus 构建结果
type BuildStatus string

const (
	StatusSuccess  BuildStatus = "SUCCESS"
	StatusFailure  BuildStatus = "FAILURE"
	StatusUnstable BuildStatus = "UNSTABLE"
	StatusAborted  BuildStatus = "ABORTED"
	StatusNotBuilt BuildStatus = "NOT_BUILT"
	StatusUnknown  BuildStatus = "UNKNOWN"
)

// Statuses 报告中状态的展示顺序
var Statuses = []BuildStatus{StatusFailure, StatusUnstable, StatusAborted, StatusSuccess, StatusNotBuilt, StatusUnknown}

// ParseBuildStatus 解析 Jenkins 返回的 result 字段
func ParseBuildStatus(s string) BuildStatus {
	switch BuildStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusSuccess:
		return StatusSuccess
	case StatusFailure:
		return StatusFailure
	case StatusUnstable:
		return StatusUnstable
	case StatusAborted:
		return StatusAborted
	case StatusNotBuilt:
		return StatusNotBuilt
	default:
		return StatusUnknown
	}
}

// IsFailed 构建是否失败(失败、不稳定或中止)
func (s BuildStatus) IsFailed() bool {
	return s == StatusFailure || s == StatusUnstable || s == StatusAborted
}

// BuildRef 构建源列出的候选构建
type BuildRef struct {
	ID        string      `json:"id"`       // 构建唯一标识(运行 URL)
	JobName   string      `json:"job_name"` // Job 名称
	Number    int         `json:"number"`   // 构建号
	Status    BuildStatus `json:"status"`   // 列表中看到的结果(可能为空)
	Timestamp time.Time   `json:"timestamp"`
}

// Build 一次构建的完整信息
type Build struct {
	BuildRef
	RunName          string `json:"run_name"`          // 运行名称
	Console          string `json:"-"`                 // 控制台日志
	ConsoleTruncated bool   `json:"console_truncated"` // 控制台日志是否被截断
	ConsoleFetched   bool   `json:"-"`                 // 是否拉取过控制台日志
	Building         bool   `json:"building"`          // 是否仍在运行

	Artifacts []Artifact `json:"-"` // 按配置拉取的构建产物
}
