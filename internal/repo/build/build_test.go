package build

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buildpulse/internal/config"
	"buildpulse/internal/model"
	"buildpulse/internal/pkg/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupRepo(t *testing.T, blocklist ...string) (BuildRepository, *gorm.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.db")
	db, err := database.NewConnection(path, &config.StorageConfig{Driver: "sqlite", LogLevel: "silent"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return NewBuildRepository(db, blocklist), db
}

func testBuild(id, job string, status model.BuildStatus, ts time.Time) *model.Build {
	return &model.Build{
		BuildRef: model.BuildRef{ID: id, JobName: job, Number: 1, Status: status, Timestamp: ts},
		RunName:  job + "-ubuntu-gnu",
		Console:  "configure: error: boom\n",
	}
}

func errorMatch(tag string, occurrences int, snippets ...string) model.MatchResult {
	m := model.MatchResult{TagName: tag, Severity: model.SeverityError, Field: model.FieldConsole, Occurrences: occurrences}
	for i, s := range snippets {
		m.Snippets = append(m.Snippets, model.SnippetResult{Text: s, Start: i * 10, End: i*10 + len(s), Duplicates: 1})
	}
	return m
}

func TestClaimAndRecord(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepo(t)
	b := testBuild("http://ci/job/a/1/", "a", model.StatusFailure, time.Now())

	scanned, err := repo.IsScanned(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, scanned)

	ok, err := repo.Claim(ctx, b.BuildRef, "pass-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// 同一构建不能被第二次认领
	ok, err = repo.Claim(ctx, b.BuildRef, "pass-2", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	recorded, err := repo.Record(ctx, b, []model.MatchResult{errorMatch("configure", 1, "configure: error")}, "schema-1", true)
	require.NoError(t, err)
	assert.True(t, recorded)

	scanned, err = repo.IsScanned(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, scanned)

	ok, err = repo.Claim(ctx, b.BuildRef, "pass-3", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "scanned builds are never reclaimed")
}

func TestRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)
	b := testBuild("http://ci/job/a/2/", "a", model.StatusFailure, time.Now())
	matches := []model.MatchResult{errorMatch("configure", 2, "configure: error", "configure: error again")}

	recorded, err := repo.Record(ctx, b, matches, "s", false)
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = repo.Record(ctx, b, matches, "s", false)
	require.NoError(t, err)
	assert.False(t, recorded)

	var count int64
	require.NoError(t, db.Model(&model.Match{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	require.NoError(t, db.Model(&model.MatchSnippet{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	all, err := repo.AllMatches(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Occurrences)
	assert.Equal(t, "a", all[0].JobName)
	assert.Equal(t, model.SeverityError, all[0].Severity)
	require.Len(t, all[0].Snippets, 2)
	assert.Equal(t, "configure: error", all[0].Snippets[0].Text)
}

func TestConcurrentClaimAtMostOnce(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepo(t)
	ref := model.BuildRef{ID: "http://ci/job/a/3/", JobName: "a", Status: model.StatusFailure}

	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := repo.Claim(ctx, ref, "pass", time.Hour)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&winners, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners)
}

func TestReleaseAndReclaim(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)
	ref := model.BuildRef{ID: "http://ci/job/a/4/", JobName: "a"}

	ok, err := repo.Claim(ctx, ref, "pass-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// 其他批次不能释放不属于自己的认领
	require.NoError(t, repo.Release(ctx, ref.ID, "pass-x", errors.New("boom")))
	ok, err = repo.Claim(ctx, ref, "pass-2", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Release(ctx, ref.ID, "pass-1", errors.New("connection reset")))
	var record model.ScanRecord
	require.NoError(t, db.Where("build_id = ?", ref.ID).Take(&record).Error)
	assert.Equal(t, model.ScanStateFailed, record.State)
	assert.Equal(t, "connection reset", record.LastError)

	ok, err = repo.Claim(ctx, ref, "pass-2", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, db.Where("build_id = ?", ref.ID).Take(&record).Error)
	assert.Equal(t, 2, record.Attempts)
	assert.Equal(t, "pass-2", record.ClaimedBy)
}

func TestStaleClaims(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)
	ref := model.BuildRef{ID: "http://ci/job/a/5/", JobName: "a"}

	ok, err := repo.Claim(ctx, ref, "crashed", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, db.Model(&model.ScanRecord{}).Where("build_id = ?", ref.ID).Update("claimed_at", old).Error)

	// 超时的认领可以直接被接管
	ok, err = repo.Claim(ctx, ref, "next", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.Model(&model.ScanRecord{}).Where("build_id = ?", ref.ID).Update("claimed_at", old).Error)
	n, err := repo.ReleaseStaleClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestBlocklist(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t, "mpich-review")
	blocked := testBuild("http://ci/job/mpich-review/1/", "mpich-review", model.StatusFailure, time.Now())
	allowed := testBuild("http://ci/job/mpich-main/1/", "mpich-main", model.StatusFailure, time.Now())

	assert.True(t, repo.Blocklisted("mpich-review"))
	assert.False(t, repo.Blocklisted("mpich-main"))

	ok, err := repo.Claim(ctx, blocked.BuildRef, "p", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	recorded, err := repo.Record(ctx, blocked, []model.MatchResult{errorMatch("configure", 1, "x")}, "s", true)
	require.NoError(t, err)
	assert.False(t, recorded)

	_, err = repo.Record(ctx, allowed, []model.MatchResult{errorMatch("configure", 1, "x")}, "s", true)
	require.NoError(t, err)

	all, err := repo.AllMatches(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, allowed.ID, all[0].BuildID)

	// 以前入库、后来加入排除列表的数据会被清理
	require.NoError(t, db.Create(&model.ScanRecord{BuildID: "http://ci/job/mpich-review/0/", JobName: "mpich-review", State: model.ScanStateScanned}).Error)
	n, err := repo.PurgeBlocklisted(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestInvalidateSchemaAndStaleLogs(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t)
	withLog := testBuild("http://ci/job/a/6/", "a", model.StatusFailure, time.Now())
	withoutLog := testBuild("http://ci/job/a/7/", "a", model.StatusFailure, time.Now())
	runNameOnly := testBuild("http://ci/job/a/8/", "a", model.StatusSuccess, time.Now())
	runNameOnly.Console = ""

	_, err := repo.Record(ctx, withLog, []model.MatchResult{errorMatch("configure", 1, "x")}, "old", true)
	require.NoError(t, err)
	_, err = repo.Record(ctx, withoutLog, nil, "old", false)
	require.NoError(t, err)
	_, err = repo.Record(ctx, runNameOnly, []model.MatchResult{{TagName: "gnu", Severity: model.SeverityMetadata, Field: model.FieldRunName, Occurrences: 1}}, "old", true)
	require.NoError(t, err)

	n, err := repo.InvalidateSchema(ctx, "old")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = repo.InvalidateSchema(ctx, "new")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	var count int64
	require.NoError(t, db.Model(&model.Match{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	// 未缓存日志且拉取过控制台的构建需要重新拉取
	stale, err := repo.StaleRetaggable(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, withLog.ID, stale[0].BuildID)
	assert.False(t, stale[0].RunNameOnly)
	assert.Equal(t, runNameOnly.ID, stale[1].BuildID)
	assert.True(t, stale[1].RunNameOnly)

	buildLog, err := repo.LoadLog(ctx, withLog.ID)
	require.NoError(t, err)
	assert.Equal(t, withLog.Console, buildLog.Content)
	_, err = repo.LoadLog(ctx, withoutLog.ID)
	assert.ErrorIs(t, err, ErrLogNotFound)

	// 过期的构建可以重新入库
	recorded, err := repo.Record(ctx, withLog, []model.MatchResult{errorMatch("configure", 3, "x")}, "new", true)
	require.NoError(t, err)
	assert.True(t, recorded)
	all, err := repo.AllMatches(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 3, all[0].Occurrences)
}

func TestForce(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepo(t)
	for _, id := range []string{"b1", "b2"} {
		_, err := repo.Record(ctx, testBuild(id, "a", model.StatusFailure, time.Now()), nil, "s", false)
		require.NoError(t, err)
	}

	n, err := repo.Force(ctx, []string{"b1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	scanned, err := repo.IsScanned(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, scanned)

	n, err = repo.Force(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestBuildsAndStatistics(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepo(t)
	now := time.Now().UTC().Truncate(time.Second)

	failed := testBuild("b1", "mpich-main", model.StatusFailure, now)
	unknown := testBuild("b2", "mpich-main", model.StatusUnstable, now.Add(time.Minute))
	passed := testBuild("b3", "mpich-ofi", model.StatusSuccess, now.Add(-time.Minute))

	meta := model.MatchResult{TagName: "ubuntu", Severity: model.SeverityMetadata, Field: model.FieldRunName, Occurrences: 1,
		Snippets: []model.SnippetResult{{Text: "ubuntu", Duplicates: 1}}}
	_, err := repo.Record(ctx, failed, []model.MatchResult{meta, errorMatch("configure", 1, "configure: error")}, "s", false)
	require.NoError(t, err)
	_, err = repo.Record(ctx, unknown, []model.MatchResult{meta}, "s", false)
	require.NoError(t, err)
	_, err = repo.Record(ctx, passed, nil, "s", false)
	require.NoError(t, err)
	_, err = repo.Claim(ctx, model.BuildRef{ID: "b4", JobName: "mpich-ofi"}, "p", time.Hour)
	require.NoError(t, err)

	builds, err := repo.Builds(ctx)
	require.NoError(t, err)
	require.Len(t, builds, 3)
	assert.Equal(t, []string{"b2", "b1", "b3"}, []string{builds[0].BuildID, builds[1].BuildID, builds[2].BuildID})
	assert.True(t, builds[0].Unknown)
	assert.False(t, builds[1].Unknown)
	require.Len(t, builds[1].Tags, 2)
	assert.Equal(t, "configure", builds[1].Tags[0].Tag, "higher severity first")

	require.NoError(t, repo.StartPass(ctx, &model.ScanPass{PassID: "p", StartedAt: now, Status: "running"}))
	last, err := repo.LastPass(ctx)
	require.NoError(t, err)
	assert.Nil(t, last, "running passes are not reported")

	stats, err := repo.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Builds)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 2, stats.Jobs)
	assert.Equal(t, 1, stats.FailedJobs)
	assert.Equal(t, 1, stats.IssuesFound)
	assert.Equal(t, 1, stats.UnknownFailures)
	assert.Equal(t, 1, stats.ByStatus[model.StatusSuccess])
}

func TestPasses(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepo(t)

	pass := &model.ScanPass{PassID: "p1", StartedAt: time.Now(), Status: "running"}
	require.NoError(t, repo.StartPass(ctx, pass))
	finished := time.Now()
	pass.FinishedAt = &finished
	pass.Status = "completed"
	pass.Processed = 3
	require.NoError(t, repo.FinishPass(ctx, pass))

	last, err := repo.LastPass(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "p1", last.PassID)
	assert.Equal(t, 3, last.Processed)
}

func TestRecordArtifacts(t *testing.T) {
	ctx := context.Background()
	repo, db := setupRepo(t, "mpich-review")
	b := testBuild("http://ci/job/a/9/", "a", model.StatusFailure, time.Now())
	b.ConsoleFetched = true
	b.Artifacts = []model.Artifact{
		{Path: "plots/latency.png", Contents: []byte("\x89PNG\r\n\x1a\nrest")},
		{Path: "logs/config.log", Contents: []byte("checking for gcc... no\n")},
	}

	_, err := repo.Record(ctx, b, nil, "s1", true)
	require.NoError(t, err)

	artifacts, err := repo.Artifacts(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "logs/config.log", artifacts[0].Path)
	assert.Equal(t, model.ArtifactText, artifacts[0].Format())
	assert.Equal(t, model.ArtifactPNG, artifacts[1].Format())

	builds, err := repo.Builds(ctx)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	require.Len(t, builds[0].Artifacts, 2)
	assert.Equal(t, model.ArtifactInfo{Path: "logs/config.log", Format: model.ArtifactText, Size: 23, Contents: []byte("checking for gcc... no\n")}, builds[0].Artifacts[0])

	// 离线重新打标不带产物，保留已保存的
	_, err = repo.InvalidateSchema(ctx, "s2")
	require.NoError(t, err)
	retag := &model.Build{BuildRef: b.BuildRef, RunName: b.RunName, Console: b.Console, ConsoleFetched: true}
	_, err = repo.Record(ctx, retag, nil, "s2", true)
	require.NoError(t, err)
	artifacts, err = repo.Artifacts(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)

	// 重新拉取时整体替换
	_, err = repo.Force(ctx, []string{b.ID})
	require.NoError(t, err)
	b.Artifacts = []model.Artifact{{Path: "logs/config.log", Contents: []byte("checking for gcc... yes\n")}}
	_, err = repo.Record(ctx, b, nil, "s2", true)
	require.NoError(t, err)
	artifacts, err = repo.Artifacts(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "checking for gcc... yes\n", string(artifacts[0].Contents))

	// 排除列表清理同时删除产物
	require.NoError(t, db.Create(&model.ScanRecord{BuildID: "http://ci/job/mpich-review/0/", JobName: "mpich-review", State: model.ScanStateScanned}).Error)
	require.NoError(t, db.Create(&model.Artifact{BuildID: "http://ci/job/mpich-review/0/", Path: "x.log", Contents: []byte("x")}).Error)
	_, err = repo.PurgeBlocklisted(ctx)
	require.NoError(t, err)
	var count int64
	require.NoError(t, db.Model(&model.Artifact{}).Where("build_id = ?", "http://ci/job/mpich-review/0/").Count(&count).Error)
	assert.Zero(t, count)
}
