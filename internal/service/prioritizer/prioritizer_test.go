package prioritizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"buildpulse/internal/config"
	"buildpulse/internal/model"
	"buildpulse/internal/service/tagging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(build, tag string, sev model.Severity, occurrences int, offset time.Duration, snippets ...string) model.MatchRecord {
	r := model.MatchRecord{
		BuildID:     build,
		JobName:     "mpich-main",
		BuildTime:   base.Add(offset),
		TagName:     tag,
		Severity:    sev,
		Field:       model.FieldConsole,
		Occurrences: occurrences,
	}
	for _, s := range snippets {
		r.Snippets = append(r.Snippets, model.SnippetResult{Text: s, Duplicates: 1})
	}
	return r
}

func tagNames(issues []model.PrioritizedIssue) []string {
	names := make([]string, 0, len(issues))
	for _, i := range issues {
		names = append(names, i.Tag)
	}
	return names
}

func TestRankOrdering(t *testing.T) {
	records := []model.MatchRecord{
		rec("b1", "timeout", model.SeverityWarning, 4, 0),
		rec("b2", "timeout", model.SeverityWarning, 1, time.Minute),
		rec("b1", "segfault", model.SeverityError, 1, 0),
		rec("b3", "abort", model.SeverityError, 2, 0),
		rec("b4", "abort", model.SeverityError, 1, 0),
		rec("b5", "leak", model.SeverityError, 5, 0),
		rec("b6", "leak", model.SeverityError, 1, 0),
		rec("b1", "ubuntu", model.SeverityMetadata, 1, 0),
		rec("b1", "deprecated", model.SeverityInfo, 9, 0),
	}

	issues := Rank(records, nil, Options{})
	// leak 与 abort 构建数相同，按出现次数；segfault 只影响一个构建
	assert.Equal(t, []string{"leak", "abort", "segfault", "timeout", "deprecated", "ubuntu"}, tagNames(issues))

	leak := issues[0]
	assert.Equal(t, 6, leak.TotalOccurrences)
	assert.Equal(t, 2, leak.DistinctBuilds)
}

func TestRankSeverityDominatesFrequency(t *testing.T) {
	var records []model.MatchRecord
	for i := 0; i < 1000; i++ {
		records = append(records, rec(fmt.Sprintf("w%04d", i), "warning", model.SeverityWarning, 1, 0))
	}
	records = append(records, rec("e1", "error", model.SeverityError, 1, 0))

	issues := Rank(records, nil, Options{})
	assert.Equal(t, []string{"error", "warning"}, tagNames(issues))
}

func TestRankTieBreakByName(t *testing.T) {
	records := []model.MatchRecord{
		rec("b1", "zeta", model.SeverityError, 1, 0),
		rec("b2", "alpha", model.SeverityError, 1, 0),
		rec("b3", "mu", model.SeverityError, 1, 0),
	}
	assert.Equal(t, []string{"alpha", "mu", "zeta"}, tagNames(Rank(records, nil, Options{})))
}

func TestRankIsDeterministic(t *testing.T) {
	var records []model.MatchRecord
	for i := 0; i < 200; i++ {
		tag := fmt.Sprintf("tag%d", i%17)
		sev := model.Severities[i%4]
		records = append(records, rec(fmt.Sprintf("b%d", i%23), tag, sev, i%5+1, time.Duration(i%7)*time.Minute,
			fmt.Sprintf("error %d in module", i%3)))
	}

	first, err := json.Marshal(Rank(records, nil, Options{SimilarityThreshold: 0.8}))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 5; n++ {
		shuffled := append([]model.MatchRecord(nil), records...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		again, err := json.Marshal(Rank(shuffled, nil, Options{SimilarityThreshold: 0.8}))
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestRankRemovedTagTakesHighestStoredSeverity(t *testing.T) {
	records := []model.MatchRecord{
		rec("b1", "oom", model.SeverityInfo, 1, 0),
		rec("b2", "oom", model.SeverityError, 1, 0),
		rec("b3", "oom", model.SeverityWarning, 1, 0),
		rec("b4", "timeout", model.SeverityWarning, 5, 0),
	}
	for _, order := range [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}} {
		shuffled := make([]model.MatchRecord, 0, len(records))
		for _, i := range order {
			shuffled = append(shuffled, records[i])
		}
		issues := Rank(shuffled, nil, Options{})
		require.Len(t, issues, 2)
		assert.Equal(t, "oom", issues[0].Tag)
		assert.Equal(t, model.SeverityError, issues[0].Severity)
	}
}

func TestRepresentatives(t *testing.T) {
	records := []model.MatchRecord{
		rec("old", "abort", model.SeverityError, 1, -time.Hour),
		rec("b", "abort", model.SeverityError, 1, time.Hour),
		rec("a", "abort", model.SeverityError, 1, time.Hour),
		rec("mid", "abort", model.SeverityError, 1, 0),
	}
	issues := Rank(records, nil, Options{Representatives: 3})
	require.Len(t, issues, 1)
	assert.Equal(t, []string{"a", "b", "mid"}, issues[0].RepresentativeBuildIDs)
}

func TestRankUsesCurrentTagDefinition(t *testing.T) {
	reg, err := tagging.NewRegistry([]config.TagConfig{
		{Name: "timeout", Desc: "Test timeout", Pattern: `timed out`, From: "Console", Severity: "Error"},
	})
	require.NoError(t, err)

	records := []model.MatchRecord{
		rec("b1", "timeout", model.SeverityWarning, 1, 0),
		rec("b2", "removed", model.SeverityInfo, 1, 0),
	}
	issues := Rank(records, reg, Options{})
	require.Len(t, issues, 2)
	assert.Equal(t, model.SeverityError, issues[0].Severity)
	assert.Equal(t, "Test timeout", issues[0].Desc)
	assert.Equal(t, model.SeverityInfo, issues[1].Severity)
}

func TestRankMinSeverity(t *testing.T) {
	records := []model.MatchRecord{
		rec("b1", "error", model.SeverityError, 1, 0),
		rec("b1", "warning", model.SeverityWarning, 1, 0),
		rec("b1", "meta", model.SeverityMetadata, 1, 0),
	}
	issues := Rank(records, nil, Options{MinSeverity: model.SeverityWarning})
	assert.Equal(t, []string{"error", "warning"}, tagNames(issues))
}

func TestVariantsClusterSimilarSnippets(t *testing.T) {
	records := []model.MatchRecord{
		rec("b1", "segfault", model.SeverityError, 1, 0, "Segmentation fault in rank 1"),
		rec("b2", "segfault", model.SeverityError, 1, 0, "Segmentation fault in rank 2"),
		rec("b3", "segfault", model.SeverityError, 1, 0, "Segmentation fault in rank 1"),
		rec("b4", "segfault", model.SeverityError, 1, 0, "double free or corruption (out)"),
	}

	issues := Rank(records, nil, Options{SimilarityThreshold: 0.8})
	require.Len(t, issues, 1)
	v := issues[0].Variants
	require.Len(t, v, 2)
	assert.Equal(t, "Segmentation fault in rank 1", v[0].Text)
	assert.Equal(t, 3, v[0].Occurrences)
	assert.Equal(t, 3, v[0].Builds)
	assert.Equal(t, "double free or corruption (out)", v[1].Text)

	// 阈值为 1 时只合并完全相同的文本
	issues = Rank(records, nil, Options{SimilarityThreshold: 1})
	assert.Len(t, issues[0].Variants, 3)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity([]rune("abc"), []rune("abc")))
	assert.Equal(t, 1.0, Similarity(nil, nil))
	assert.Less(t, Similarity([]rune("abc"), []rune("xyz")), 0.5)
}

type fakeStore struct {
	records []model.MatchRecord
	err     error
}

func (f fakeStore) AllMatches(context.Context) ([]model.MatchRecord, error) {
	return f.records, f.err
}

func TestPrioritize(t *testing.T) {
	p := New(fakeStore{records: []model.MatchRecord{rec("b1", "abort", model.SeverityError, 1, 0)}}, nil, Options{})
	issues, err := p.Prioritize(context.Background())
	require.NoError(t, err)
	assert.Len(t, issues, 1)

	p = New(fakeStore{err: errors.New("disk I/O error")}, nil, Options{})
	_, err = p.Prioritize(context.Background())
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(&config.ReportConfig{MinSeverity: "warning", Representatives: 2})
	require.NoError(t, err)
	assert.Equal(t, model.SeverityWarning, opts.MinSeverity)
	assert.Equal(t, 2, opts.Representatives)

	_, err = OptionsFromConfig(&config.ReportConfig{MinSeverity: "fatal"})
	assert.Error(t, err)
}
