package syncer

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
)

// Summary 同步批次结果
type Summary struct {
	PassID         string        `json:"pass_id"`
	Status         string        `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Listed         int           `json:"listed"`          // 构建源列出的构建数
	Blocklisted    int           `json:"blocklisted"`     // 因排除列表跳过
	AlreadyScanned int           `json:"already_scanned"` // 之前已扫描
	Invalidated    int64         `json:"invalidated"`     // 因标签变化失效
	Processed      int           `json:"processed"`       // 本次拉取并入库
	Retagged       int           `json:"retagged"`        // 使用缓存日志重新打标
	Skipped        int           `json:"skipped"`         // 失败跳过，下次重试
	Deferred       int           `json:"deferred"`        // 仍在运行，下次处理
	Contended      int           `json:"contended"`       // 被其他批次认领
	Matches        int           `json:"matches"`         // 写入的命中数
	Error          string        `json:"error,omitempty"`
}

// Fields 日志字段
func (s *Summary) Fields() map[string]interface{} {
	return map[string]interface{}{
		"status":          s.Status,
		"duration":        s.Duration.String(),
		"listed":          s.Listed,
		"blocklisted":     s.Blocklisted,
		"already_scanned": s.AlreadyScanned,
		"invalidated":     s.Invalidated,
		"processed":       s.Processed,
		"retagged":        s.Retagged,
		"skipped":         s.Skipped,
		"deferred":        s.Deferred,
		"contended":       s.Contended,
		"matches":         s.Matches,
	}
}

// Print 以表格形式输出批次结果
func (s *Summary) Print(w io.Writer) error {
	tableData := pterm.TableData{
		{"Pass", s.PassID},
		{"Status", s.Status},
		{"Duration", s.Duration.Round(time.Millisecond).String()},
		{"Listed", strconv.Itoa(s.Listed)},
		{"Blocklisted", strconv.Itoa(s.Blocklisted)},
		{"Already scanned", strconv.Itoa(s.AlreadyScanned)},
		{"Invalidated", strconv.FormatInt(s.Invalidated, 10)},
		{"Processed", strconv.Itoa(s.Processed)},
		{"Re-tagged", strconv.Itoa(s.Retagged)},
		{"Skipped", strconv.Itoa(s.Skipped)},
		{"Deferred", strconv.Itoa(s.Deferred)},
		{"Matches", strconv.Itoa(s.Matches)},
	}
	if s.Error != "" {
		tableData = append(tableData, []string{"Error", s.Error})
	}

	out, err := pterm.DefaultTable.
		WithBoxed(false).
		WithData(tableData).
		Srender()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	_, err = fmt.Fprintln(w, out)
	return err
}
