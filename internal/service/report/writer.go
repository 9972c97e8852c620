package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// 支持的报告格式
const (
	FormatHTML = "html"
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatYAML = "yaml"
)

// Renderer 将报告渲染到输出
type Renderer interface {
	Render(w io.Writer, r *Report) error
}

// RendererFunc 函数适配器
type RendererFunc func(w io.Writer, r *Report) error

func (f RendererFunc) Render(w io.Writer, r *Report) error {
	return f(w, r)
}

// NewRenderer 按格式创建渲染器
func NewRenderer(format string) (Renderer, error) {
	switch format {
	case FormatHTML:
		return RendererFunc(renderHTML), nil
	case FormatJSON:
		return RendererFunc(renderJSON), nil
	case FormatCSV:
		return RendererFunc(renderCSV), nil
	case FormatYAML:
		return RendererFunc(renderYAML), nil
	default:
		return nil, fmt.Errorf("unsupported report format: %s", format)
	}
}

// DetectFormat 确定报告格式: 显式指定优先，其次是输出文件扩展名，默认 html
func DetectFormat(output, format string) (string, error) {
	if format != "" {
		format = strings.ToLower(format)
		if format == "yml" {
			format = FormatYAML
		}
		if _, err := NewRenderer(format); err != nil {
			return "", err
		}
		return format, nil
	}

	switch strings.ToLower(filepath.Ext(output)) {
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return FormatHTML, nil
	}
}

// Write 写出报告，output 为空或 "-" 时写到 stdout
func Write(output, format string, r *Report, stdout io.Writer) error {
	format, err := DetectFormat(output, format)
	if err != nil {
		return err
	}
	renderer, err := NewRenderer(format)
	if err != nil {
		return err
	}

	if output == "" || output == "-" {
		return renderer.Render(stdout, r)
	}

	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	// 先写临时文件再重命名，失败时不会留下半份报告
	tmp := output + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := renderer.Render(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write report file: %w", err)
	}
	if err := os.Rename(tmp, output); err != nil {
		return fmt.Errorf("failed to move report into place: %w", err)
	}
	return nil
}

func renderJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode json report: %w", err)
	}
	return nil
}

func renderYAML(w io.Writer, r *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode yaml report: %w", err)
	}
	return enc.Close()
}

// renderCSV 每个问题一行
func renderCSV(w io.Writer, r *Report) error {
	// 写入 UTF-8 BOM，防止 Excel 打开乱码
	if _, err := io.WriteString(w, "\xEF\xBB\xBF"); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"rank", "tag", "severity", "distinct_builds", "total_occurrences", "description", "representative_builds", "example"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, issue := range r.Issues {
		example := ""
		if len(issue.Variants) > 0 {
			example = issue.Variants[0].Text
		}
		row := []string{
			strconv.Itoa(i + 1),
			issue.Tag,
			issue.Severity.String(),
			strconv.Itoa(issue.DistinctBuilds),
			strconv.Itoa(issue.TotalOccurrences),
			issue.Desc,
			strings.Join(issue.RepresentativeBuildIDs, " "),
			example,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to write csv report: %w", err)
	}
	return nil
}
