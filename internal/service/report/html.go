package report

import (
	"embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"io"
	"net/url"
	"strings"
	"time"

	"buildpulse/internal/model"

	"github.com/Masterminds/sprig"
	"github.com/dustin/go-humanize"
)

//go:embed templates/report.html.tmpl
var templateFS embed.FS

const timeLayout = "2006-01-02 15:04:05 MST"

// newTemplate 创建报告模板，时间按报告时区渲染
func newTemplate(loc *time.Location) (*template.Template, error) {
	funcs := sprig.HtmlFuncMap()
	funcs["ts"] = func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.In(loc).Format(timeLayout)
	}
	funcs["ago"] = humanize.Time
	funcs["comma"] = func(n int) string {
		return humanize.Comma(int64(n))
	}
	funcs["console"] = func(buildID string) string {
		return strings.TrimRight(buildID, "/") + "/consoleText"
	}
	funcs["buildLabel"] = buildLabel
	funcs["bytes"] = func(n int) string {
		return humanize.Bytes(uint64(n))
	}
	funcs["artifactURI"] = artifactURI
	funcs["artifactText"] = func(a model.ArtifactInfo) string {
		return string(a.Contents)
	}

	tmpl, err := template.New("report.html.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse report template: %w", err)
	}
	return tmpl, nil
}

// buildLabel 构建链接的显示文本，去掉服务器地址只保留路径
func buildLabel(buildID string) string {
	u, err := url.Parse(buildID)
	if err != nil || u.Path == "" {
		return buildID
	}
	path := strings.Trim(u.Path, "/")
	path = strings.TrimPrefix(path, "job/")
	return strings.ReplaceAll(path, "/job/", "/")
}

// artifactURI 图片产物内嵌为 data URI，其他格式返回空
func artifactURI(a model.ArtifactInfo) template.URL {
	var mime string
	switch a.Format {
	case model.ArtifactPNG:
		mime = "image/png"
	case model.ArtifactSVG:
		mime = "image/svg+xml"
	default:
		return ""
	}
	return template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(a.Contents))
}

func renderHTML(w io.Writer, r *Report) error {
	tmpl, err := newTemplate(r.Location())
	if err != nil {
		return err
	}
	if err := tmpl.Execute(w, r); err != nil {
		return fmt.Errorf("failed to render html report: %w", err)
	}
	return nil
}
