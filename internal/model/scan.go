// 增量存储模型
// ScanRecord 是每个构建的断点记录，Match/MatchSnippet 是分类结果
package model

import (
	"time"

	"buildpulse/internal/model/basemodel"
)

// ScanState 扫描状态
type ScanState string

const (
	ScanStateClaimed ScanState = "claimed" // 已被某次同步认领，处理中
	ScanStateScanned ScanState = "scanned" // 已扫描并入库
	ScanStateFailed  ScanState = "failed"  // 上次处理失败，等待重试
	ScanStateStale   ScanState = "stale"   // 标签定义变化，等待重新打标
)

// ScanRecord 构建扫描记录，每个构建至多一条，创建后不删除
type ScanRecord struct {
	basemodel.BaseModel
	BuildID     string      `json:"build_id" gorm:"size:512;not null;uniqueIndex"` // 构建标识(运行 URL)
	JobName     string      `json:"job_name" gorm:"size:255;index"`                // Job 名称
	Number      int         `json:"number"`                                        // 构建号
	RunName     string      `json:"run_name" gorm:"size:512"`                      // 运行名称
	Status      BuildStatus `json:"status" gorm:"size:20;index"`                   // 构建结果
	BuildTime   time.Time   `json:"build_time" gorm:"index"`                       // 构建开始时间
	State       ScanState   `json:"state" gorm:"size:20;not null;index"`           // 扫描状态
	ClaimedBy   string      `json:"claimed_by" gorm:"size:36;index"`               // 认领者(同步批次ID)
	ClaimedAt   *time.Time  `json:"claimed_at"`                                    // 认领时间
	ScannedAt   *time.Time  `json:"scanned_at"`                                    // 入库时间
	TagSchema   string      `json:"tag_schema" gorm:"size:64"`                     // 打标时的标签集合摘要
	RunNameOnly bool        `json:"run_name_only" gorm:"default:false"`            // 未拉取控制台日志，只按运行名称分类
	Attempts    int         `json:"attempts" gorm:"default:0"`                     // 处理次数
	LastError   string      `json:"last_error" gorm:"type:text"`                   // 最近一次错误
}

func (ScanRecord) TableName() string {
	return "scan_records"
}

// Match 一个标签在一个构建上的命中，(build_id, tag_name) 唯一
type Match struct {
	basemodel.BaseModel
	BuildID     string         `json:"build_id" gorm:"size:512;not null;uniqueIndex:idx_build_tag"`
	TagName     string         `json:"tag_name" gorm:"size:128;not null;uniqueIndex:idx_build_tag;index"`
	Severity    Severity       `json:"severity" gorm:"type:varchar(16);not null"`
	Field       Field          `json:"field" gorm:"size:16"`
	Occurrences int            `json:"occurrences"`                                // 非重叠命中次数
	Start       int            `json:"start"`                                      // 首个命中起始偏移
	End         int            `json:"end"`                                        // 首个命中结束偏移
	Snippet     string         `json:"snippet" gorm:"type:text"`                   // 首个命中文本
	Snippets    []MatchSnippet `json:"snippets" gorm:"constraint:OnDelete:CASCADE"` // 去重后的命中文本
}

func (Match) TableName() string {
	return "matches"
}

// MatchSnippet 去重后的命中片段，相同文本合并计数
type MatchSnippet struct {
	ID         uint64 `json:"id" gorm:"primaryKey;autoIncrement"`
	MatchID    uint64 `json:"match_id" gorm:"index;not null"`
	Text       string `json:"text" gorm:"type:text"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Duplicates int    `json:"duplicates"` // 同一构建中相同文本出现的次数
}

func (MatchSnippet) TableName() string {
	return "match_snippets"
}

// BuildLog 缓存的控制台日志，标签变化时无需重新拉取即可重新打标
type BuildLog struct {
	basemodel.BaseModel
	BuildID   string `gorm:"size:512;not null;uniqueIndex"`
	Content   string `gorm:"type:longtext"`
	Truncated bool
}

func (BuildLog) TableName() string {
	return "build_logs"
}

// ScanPass 一次同步批次
type ScanPass struct {
	basemodel.BaseModel
	PassID      string     `json:"pass_id" gorm:"size:36;not null;uniqueIndex"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	Status      string     `json:"status" gorm:"size:20"` // running, completed, cancelled, failed
	TagSchema   string     `json:"tag_schema" gorm:"size:64"`
	Listed      int        `json:"listed"`
	Blocklisted int        `json:"blocklisted"`
	Processed   int        `json:"processed"`
	Skipped     int        `json:"skipped"`
	Deferred    int        `json:"deferred"`
	Matches     int        `json:"matches"`
	Error       string     `json:"error" gorm:"type:text"`
}

func (ScanPass) TableName() string {
	return "scan_passes"
}

// AllModels 需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{&ScanRecord{}, &Match{}, &MatchSnippet{}, &BuildLog{}, &Artifact{}, &ScanPass{}}
}
