/**
 * 处理器: 只读 HTTP 视图
 * @description: 健康检查、统计、问题排名、构建列表、缓存日志与报告页面
 */
package pulse

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"buildpulse/internal/model"
	"buildpulse/internal/pkg/logger"
	buildrepo "buildpulse/internal/repo/build"
	"buildpulse/internal/service/report"

	"github.com/gin-gonic/gin"
)

// healthCheck 健康检查处理器
func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": logger.NowFormatted(),
	})
}

// readinessCheck 就绪检查处理器，存储不可用时返回 503
func (r *Router) readinessCheck(c *gin.Context) {
	if err := r.app.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unavailable",
			"error":     err.Error(),
			"timestamp": logger.NowFormatted(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": logger.NowFormatted(),
	})
}

func (r *Router) redirectToReport(c *gin.Context) {
	c.Redirect(http.StatusFound, "/report")
}

// renderReport 输出报告，默认 html，?format=json|csv|yaml
func (r *Router) renderReport(c *gin.Context) {
	format := c.DefaultQuery("format", report.FormatHTML)
	renderer, err := report.NewRenderer(strings.ToLower(format))
	if err != nil {
		r.fail(c, http.StatusBadRequest, "invalid report format", err)
		return
	}

	rep, err := r.app.Report(c.Request.Context())
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "failed to build report", err)
		return
	}

	c.Status(http.StatusOK)
	c.Header("Content-Type", contentType(format))
	if err := renderer.Render(c.Writer, rep); err != nil {
		logger.LogError(err, "http", "render_report", map[string]interface{}{"format": format})
	}
}

func contentType(format string) string {
	switch format {
	case report.FormatJSON:
		return "application/json; charset=utf-8"
	case report.FormatCSV:
		return "text/csv; charset=utf-8"
	case report.FormatYAML:
		return "application/yaml; charset=utf-8"
	default:
		return "text/html; charset=utf-8"
	}
}

// getStatistics 存储统计
func (r *Router) getStatistics(c *gin.Context) {
	stats, err := r.app.Repo().Statistics(c.Request.Context())
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "failed to load statistics", err)
		return
	}
	r.ok(c, "statistics", stats)
}

// listIssues 排名后的问题
// ?min_severity=Warning 只返回不低于该级别的问题，?limit=N 截取前 N 个
func (r *Router) listIssues(c *gin.Context) {
	minSeverity := model.SeverityMetadata
	if s := c.Query("min_severity"); s != "" {
		sev, err := model.ParseSeverity(s)
		if err != nil {
			r.fail(c, http.StatusBadRequest, "invalid min_severity", err)
			return
		}
		minSeverity = sev
	}
	limit, err := queryLimit(c)
	if err != nil {
		r.fail(c, http.StatusBadRequest, "invalid limit", err)
		return
	}

	issues, err := r.app.Issues(c.Request.Context())
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "failed to rank issues", err)
		return
	}

	filtered := make([]model.PrioritizedIssue, 0, len(issues))
	for _, issue := range issues {
		if issue.Severity.Rank() >= minSeverity.Rank() {
			filtered = append(filtered, issue)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	r.ok(c, "issues", model.IssueListResponse{Total: len(filtered), Issues: filtered})
}

// listBuilds 已扫描构建
// ?status=FAILURE 按状态过滤，?tag=name 只返回带该标签的构建，?unknown=true 只返回未识别原因的失败
func (r *Router) listBuilds(c *gin.Context) {
	builds, err := r.app.Repo().Builds(c.Request.Context())
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "failed to load builds", err)
		return
	}

	status := c.Query("status")
	tag := c.Query("tag")
	unknown := c.Query("unknown") == "true"
	limit, err := queryLimit(c)
	if err != nil {
		r.fail(c, http.StatusBadRequest, "invalid limit", err)
		return
	}

	filtered := make([]model.BuildSummary, 0, len(builds))
	for _, b := range builds {
		if status != "" && b.Status != model.ParseBuildStatus(status) {
			continue
		}
		if tag != "" && !hasTag(b, tag) {
			continue
		}
		if unknown && !b.Unknown {
			continue
		}
		filtered = append(filtered, b)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	r.ok(c, "builds", model.BuildListResponse{Total: len(filtered), Builds: filtered})
}

// getBuildLog 缓存的控制台日志(text/plain)，?id=<build id>
func (r *Router) getBuildLog(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		r.fail(c, http.StatusBadRequest, "missing build id", errors.New("query parameter id is required"))
		return
	}
	buildLog, err := r.app.Repo().LoadLog(c.Request.Context(), id)
	if errors.Is(err, buildrepo.ErrLogNotFound) {
		r.fail(c, http.StatusNotFound, "build log not cached", err)
		return
	}
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "failed to load build log", err)
		return
	}
	if buildLog.Truncated {
		c.Header("X-Log-Truncated", "true")
	}
	c.String(http.StatusOK, buildLog.Content)
}

// listArtifacts 构建保存的产物列表，?id=<build id>
func (r *Router) listArtifacts(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		r.fail(c, http.StatusBadRequest, "missing build id", errors.New("query parameter id is required"))
		return
	}
	artifacts, err := r.app.Repo().Artifacts(c.Request.Context(), id)
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "failed to load artifacts", err)
		return
	}
	infos := make([]model.ArtifactInfo, 0, len(artifacts))
	for _, a := range artifacts {
		infos = append(infos, a.Info())
	}
	r.ok(c, "artifacts", infos)
}

// getArtifact 下载单个产物，?id=<build id>&path=<relative path>
func (r *Router) getArtifact(c *gin.Context) {
	id, path := c.Query("id"), c.Query("path")
	if id == "" || path == "" {
		r.fail(c, http.StatusBadRequest, "missing artifact", errors.New("query parameters id and path are required"))
		return
	}
	artifacts, err := r.app.Repo().Artifacts(c.Request.Context(), id)
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "failed to load artifacts", err)
		return
	}
	for _, a := range artifacts {
		if a.Path == path {
			c.Data(http.StatusOK, artifactContentType(a.Format()), a.Contents)
			return
		}
	}
	r.fail(c, http.StatusNotFound, "artifact not found", fmt.Errorf("build %s has no artifact %s", id, path))
}

func artifactContentType(format model.ArtifactFormat) string {
	switch format {
	case model.ArtifactPNG:
		return "image/png"
	case model.ArtifactSVG:
		return "image/svg+xml"
	case model.ArtifactText, model.ArtifactEmpty:
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// getLastPass 最近一次完成的同步批次
func (r *Router) getLastPass(c *gin.Context) {
	pass, err := r.app.Repo().LastPass(c.Request.Context())
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "failed to load last pass", err)
		return
	}
	if pass == nil {
		r.fail(c, http.StatusNotFound, "no finished sync pass", errors.New("store has never been synced"))
		return
	}
	r.ok(c, "last pass", pass)
}

func (r *Router) ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, model.APIResponse{
		Code:    http.StatusOK,
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

func (r *Router) fail(c *gin.Context, code int, message string, err error) {
	if code >= http.StatusInternalServerError {
		logger.LogError(err, "http", c.FullPath(), nil)
	}
	c.JSON(code, model.APIResponse{
		Code:    code,
		Status:  "error",
		Message: message,
		Error:   err.Error(),
	})
}

func queryLimit(c *gin.Context) (int, error) {
	s := c.Query("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func hasTag(b model.BuildSummary, name string) bool {
	for _, t := range b.Tags {
		if t.Tag == name {
			return true
		}
	}
	return false
}
