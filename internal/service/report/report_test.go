package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"buildpulse/internal/config"
	"buildpulse/internal/model"
	"buildpulse/internal/pkg/database"
	"buildpulse/internal/pkg/matcher"
	buildrepo "buildpulse/internal/repo/build"
	"buildpulse/internal/service/prioritizer"
	"buildpulse/internal/service/tagging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var buildTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleReport() *Report {
	loc := time.FixedZone("UTC-5", -5*3600)
	return &Report{
		Title:       "mpich build report",
		Project:     "mpich",
		SourceURL:   "https://jenkins.example.org",
		GeneratedAt: buildTime,
		Timezone:    loc.String(),
		Statistics: &model.Statistics{
			Builds: 2, Scanned: 2, Jobs: 1, FailedJobs: 1,
			ByStatus:    map[model.BuildStatus]int{model.StatusFailure: 1, model.StatusSuccess: 1},
			IssuesFound: 1,
		},
		Issues: []model.PrioritizedIssue{{
			Tag: "configure_error", Desc: "configure failed", Severity: model.SeverityError, Field: model.FieldConsole,
			TotalOccurrences: 1, DistinctBuilds: 1,
			RepresentativeBuildIDs: []string{"https://jenkins.example.org/job/mpich-main/label=ubuntu/7/"},
			Variants:               []model.SnippetVariant{{Text: "configure: error: <no cc>", Occurrences: 1, Builds: 1}},
		}},
		Builds: []model.BuildSummary{{
			BuildID: "https://jenkins.example.org/job/mpich-main/label=ubuntu/7/", JobName: "mpich-main", Number: 7,
			RunName: "mpich-main-ubuntu-gnu", Status: model.StatusFailure, BuildTime: buildTime,
			Tags: []model.TagHit{{Tag: "configure_error", Severity: model.SeverityError, Occurrences: 1}},
		}},
		location: loc,
	}
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		output, format, want string
	}{
		{"report.html", "", FormatHTML},
		{"out/report.JSON", "", FormatJSON},
		{"report.csv", "", FormatCSV},
		{"report.yml", "", FormatYAML},
		{"", "", FormatHTML},
		{"report.html", "json", FormatJSON},
		{"", "yml", FormatYAML},
	}
	for _, c := range cases {
		got, err := DetectFormat(c.output, c.format)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%s/%s", c.output, c.format)
	}

	_, err := DetectFormat("report.html", "pdf")
	assert.Error(t, err)
}

func TestRenderHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write("", FormatHTML, sampleReport(), &buf))
	html := buf.String()

	assert.Contains(t, html, "<title>mpich build report</title>")
	assert.Contains(t, html, "configure_error")
	// 时间按配置时区渲染
	assert.Contains(t, html, "2024-05-01 07:00:00 UTC-5")
	// 片段被转义
	assert.Contains(t, html, "configure: error: &lt;no cc&gt;")
	assert.Contains(t, html, "label=ubuntu/7/consoleText")
	assert.Contains(t, html, "0 out of 1 jobs healthy")
}

func TestRenderHTMLEmbedsArtifacts(t *testing.T) {
	r := sampleReport()
	png := []byte("\x89PNG\r\n\x1a\nrest")
	r.Builds[0].Artifacts = []model.ArtifactInfo{
		{Path: "logs/config.log", Format: model.ArtifactText, Size: 19, Contents: []byte("checking for <gcc>\n")},
		{Path: "plots/latency.png", Format: model.ArtifactPNG, Size: len(png), Contents: png},
		{Path: "core.1234", Format: model.ArtifactBinary, Size: 3, Contents: []byte{0xff, 0xfe, 0x00}},
	}

	var buf bytes.Buffer
	require.NoError(t, Write("", FormatHTML, r, &buf))
	html := buf.String()

	assert.Contains(t, html, "<pre>checking for &lt;gcc&gt;\n</pre>")
	assert.Contains(t, html, `src="data:image/png;base64,`+base64.StdEncoding.EncodeToString(png)+`"`)
	assert.Contains(t, html, "core.1234 <small>3 B</small>")
	assert.Contains(t, html, "<small>binary</small>")

	// JSON 只输出摘要
	buf.Reset()
	require.NoError(t, Write("-", FormatJSON, r, &buf))
	assert.Contains(t, buf.String(), `"format": "png"`)
	assert.NotContains(t, buf.String(), "checking for")
}

func TestRenderJSONAndYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write("-", FormatJSON, sampleReport(), &buf))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	issues := decoded["issues"].([]interface{})
	require.Len(t, issues, 1)
	assert.Equal(t, "Error", issues[0].(map[string]interface{})["severity"])

	buf.Reset()
	require.NoError(t, Write("", FormatYAML, sampleReport(), &buf))
	var y map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &y))
	assert.Equal(t, "mpich", y["project"])
}

func TestRenderCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.csv")
	require.NoError(t, Write(path, "", sampleReport(), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\xEF\xBB\xBF")))
	lines := strings.Split(strings.TrimSpace(string(data[3:])), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "rank,tag,severity"))
	assert.True(t, strings.HasPrefix(lines[1], "1,configure_error,Error,1,1"))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestEvaluateViews(t *testing.T) {
	builds := []model.BuildSummary{
		{BuildID: "b1", JobName: "mpich-main", Status: model.StatusFailure, RunName: "ch4-ofi-ubuntu-gnu",
			Tags: []model.TagHit{{Tag: "ch4-ofi", Severity: model.SeverityMetadata}, {Tag: "segfault", Severity: model.SeverityError}}},
		{BuildID: "b2", JobName: "mpich-main", Status: model.StatusFailure, RunName: "ch4-ucx-centos-intel",
			Tags: []model.TagHit{{Tag: "ch4-ucx", Severity: model.SeverityMetadata}}, Unknown: true},
		{BuildID: "b3", JobName: "mpich-review", Status: model.StatusSuccess},
	}
	views := []config.ViewConfig{
		{Name: "ofi failures", Rule: matcher.MatchRule{And: []matcher.MatchRule{
			{Field: "tags", Operator: "list_contains", Value: "ch4-ofi"},
			{Field: "status", Operator: "in", Value: []interface{}{"FAILURE", "UNSTABLE"}},
		}}},
		{Name: "unknown", Rule: matcher.MatchRule{Field: "unknown", Operator: "equals", Value: true}},
		{Name: "not main", Rule: matcher.MatchRule{Not: &matcher.MatchRule{Field: "job", Operator: "equals", Value: "mpich-main"}}},
		{Name: "everything"},
	}

	results, err := EvaluateViews(views, builds)
	require.NoError(t, err)
	require.Len(t, results, 4)

	ids := func(v ViewResult) []string {
		var out []string
		for _, b := range v.Builds {
			out = append(out, b.BuildID)
		}
		return out
	}
	assert.Equal(t, []string{"b1"}, ids(results[0]))
	assert.Equal(t, []string{"b2"}, ids(results[1]))
	assert.Equal(t, []string{"b3"}, ids(results[2]))
	assert.Equal(t, []string{"b1", "b2", "b3"}, ids(results[3]))

	facts := Facts(builds[0])
	assert.Equal(t, 1, facts["issue_count"])
	assert.Equal(t, []string{"Metadata", "Error"}, facts["severities"])
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintSummary(&buf, sampleReport(), 10))
	assert.Contains(t, buf.String(), "configure_error")
	assert.Contains(t, buf.String(), "2 builds scanned")

	buf.Reset()
	require.NoError(t, PrintSummary(&buf, &Report{}, 10))
	assert.Contains(t, buf.String(), "No issues found")
}

func TestBuilder(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewConnection(filepath.Join(t.TempDir(), "pulse.db"), &config.StorageConfig{Driver: "sqlite", LogLevel: "silent"})
	require.NoError(t, err)
	defer database.Close(db)

	cfg := &config.Config{
		JenkinsURL: "https://jenkins.example.org",
		Project:    "mpich",
		Timezone:   -5,
		Tags: []config.TagConfig{
			{Name: "configure_error", Pattern: `^configure: error: .*$`, From: "Console", Severity: "Error"},
		},
		Views: []config.ViewConfig{{Name: "all"}},
	}
	reg, err := tagging.NewRegistry(cfg.Tags)
	require.NoError(t, err)
	repo := buildrepo.NewBuildRepository(db, nil)

	build := &model.Build{
		BuildRef: model.BuildRef{ID: "https://jenkins.example.org/job/mpich-main/1/", JobName: "mpich-main", Number: 1, Status: model.StatusFailure, Timestamp: buildTime},
		Console:  "configure: error: no cc\n",
	}
	matches, err := tagging.NewClassifier(reg, tagging.ClassifierOptions{}).Classify(ctx, build)
	require.NoError(t, err)
	_, err = repo.Record(ctx, build, matches, reg.Schema(), false)
	require.NoError(t, err)

	r, err := NewBuilder(cfg, repo, prioritizer.New(repo, reg, prioritizer.Options{})).Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mpich build report", r.Title)
	assert.Equal(t, "UTC-5", r.Timezone)
	require.Len(t, r.Issues, 1)
	assert.Equal(t, "configure_error", r.Issues[0].Tag)
	require.Len(t, r.Views, 1)
	assert.Len(t, r.Views[0].Builds, 1)
	assert.Equal(t, 1, r.Statistics.IssuesFound)
}
