package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buildpulse/internal/model"
	"buildpulse/internal/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJenkins 最小化的 Jenkins JSON API
type fakeJenkins struct {
	srv      *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

func newFakeJenkins(t *testing.T) *fakeJenkins {
	t.Helper()
	fj := &fakeJenkins{handlers: map[string]http.HandlerFunc{}, hits: map[string]int{}}
	fj.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fj.mu.Lock()
		fj.hits[r.URL.Path]++
		h, ok := fj.handlers[r.URL.Path]
		fj.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(fj.srv.Close)
	return fj
}

func (fj *fakeJenkins) handle(path string, h http.HandlerFunc) {
	fj.mu.Lock()
	defer fj.mu.Unlock()
	fj.handlers[path] = h
}

func (fj *fakeJenkins) json(path, body string) {
	fj.handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
}

func (fj *fakeJenkins) hitCount(path string) int {
	fj.mu.Lock()
	defer fj.mu.Unlock()
	return fj.hits[path]
}

func testOptions(base string) Options {
	return Options{
		BaseURL:          base,
		Project:          "mpich",
		RequestTimeout:   2 * time.Second,
		BuildTimeout:     5 * time.Second,
		MaxRetries:       2,
		RetryInterval:    time.Millisecond,
		MaxRetryInterval: 5 * time.Millisecond,
		BuildsPerJob:     1,
		ConsoleStatuses:  []model.BuildStatus{model.StatusFailure, model.StatusUnstable, model.StatusAborted},
	}
}

func TestListBuildsExpandsMatrixRuns(t *testing.T) {
	fj := newFakeJenkins(t)
	base := fj.srv.URL
	fj.json("/view/mpich/api/json", fmt.Sprintf(`{"jobs":[
		{"name":"mpich-main-ch4","url":"%[1]s/job/mpich-main-ch4/","builds":[
			{"number":12,"url":"%[1]s/job/mpich-main-ch4/12/","timestamp":1700000000000,"result":"FAILURE",
			 "runs":[
				{"number":12,"url":"%[1]s/job/mpich-main-ch4/label=ubuntu,compiler=gnu/12/"},
				{"number":12,"url":"%[1]s/job/mpich-main-ch4/label=centos,compiler=intel/12/"},
				{"number":11,"url":"%[1]s/job/mpich-main-ch4/label=freebsd,compiler=clang/11/"}
			 ]}
		]},
		{"name":"mpich-freestyle","url":"%[1]s/job/mpich-freestyle/","builds":[
			{"number":3,"url":"%[1]s/job/mpich-freestyle/3/","timestamp":1700000100000,"result":null,"building":true}
		]},
		{"name":"mpich-empty","url":"%[1]s/job/mpich-empty/","builds":[]}
	]}`, base))

	client := NewJenkinsClient(testOptions(base), nil)
	refs, err := client.ListBuilds(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 3)

	assert.Equal(t, base+"/job/mpich-main-ch4/label=ubuntu,compiler=gnu/12/", refs[0].ID)
	assert.Equal(t, "mpich-main-ch4", refs[0].JobName)
	assert.Equal(t, 12, refs[0].Number)
	assert.Equal(t, model.StatusFailure, refs[0].Status)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), refs[0].Timestamp)

	// 不属于本次构建号的运行被过滤
	for _, ref := range refs {
		assert.NotContains(t, ref.ID, "freebsd")
	}

	// 非矩阵构建自身就是构建单元
	assert.Equal(t, base+"/job/mpich-freestyle/3/", refs[2].ID)
	assert.Equal(t, model.StatusUnknown, refs[2].Status)
}

func TestFetchBuildFailureFetchesConsole(t *testing.T) {
	fj := newFakeJenkins(t)
	runPath := "/job/mpich-main-ch4/label=ubuntu/12"
	fj.json(runPath+"/api/json", `{"number":12,"result":"FAILURE","timestamp":1700000000000,"building":false,
		"displayName":"#12","fullDisplayName":"mpich-main-ch4-ofi-global-ubuntu22.04-gnu"}`)
	fj.handle(runPath+"/consoleText", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("configure: error: C compiler cannot create executables\n"))
	})

	client := NewJenkinsClient(testOptions(fj.srv.URL), nil)
	build, err := client.FetchBuild(context.Background(), model.BuildRef{ID: fj.srv.URL + runPath + "/", JobName: "mpich-main-ch4"})
	require.NoError(t, err)

	assert.Equal(t, "mpich-main-ch4-ofi-global-ubuntu22.04-gnu", build.RunName)
	assert.Equal(t, model.StatusFailure, build.Status)
	assert.Equal(t, "mpich-main-ch4", build.JobName)
	assert.Contains(t, build.Console, "configure: error")
	assert.False(t, build.Building)
}

func TestFetchBuildDownloadsMatchingArtifacts(t *testing.T) {
	fj := newFakeJenkins(t)
	runPath := "/job/mpich-main-ch4/7"
	fj.json(runPath+"/api/json", `{"number":7,"result":"FAILURE","timestamp":1,"displayName":"#7","artifacts":[
		{"relativePath":"logs/config.log"},
		{"relativePath":"plots/latency.png"},
		{"relativePath":"logs/huge.log"},
		{"relativePath":"logs/gone.log"},
		{"relativePath":"core.1234"}
	]}`)
	fj.handle(runPath+"/consoleText", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("make: *** [all] Error 2\n"))
	})
	fj.handle(runPath+"/artifact/logs/config.log", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("checking for gcc... no\n"))
	})
	fj.handle(runPath+"/artifact/plots/latency.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nrest"))
	})
	fj.handle(runPath+"/artifact/logs/huge.log", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 128)))
	})

	opts := testOptions(fj.srv.URL)
	opts.Artifacts = []string{"logs/*.log", "plots/*"}
	opts.MaxArtifactBytes = 64
	client := NewJenkinsClient(opts, nil)
	build, err := client.FetchBuild(context.Background(), model.BuildRef{ID: fj.srv.URL + runPath + "/"})
	require.NoError(t, err)

	require.Len(t, build.Artifacts, 2)
	assert.Equal(t, "logs/config.log", build.Artifacts[0].Path)
	assert.Equal(t, model.ArtifactText, build.Artifacts[0].Format())
	assert.Equal(t, "plots/latency.png", build.Artifacts[1].Path)
	assert.Equal(t, model.ArtifactPNG, build.Artifacts[1].Format())
	assert.Equal(t, fj.srv.URL+runPath+"/", build.Artifacts[1].BuildID)

	// 超限与 404 的产物被跳过，未匹配的产物不下载
	assert.Equal(t, 1, fj.hitCount(runPath+"/artifact/logs/huge.log"))
	assert.Equal(t, 1, fj.hitCount(runPath+"/artifact/logs/gone.log"))
	assert.Equal(t, 0, fj.hitCount(runPath+"/artifact/core.1234"))
}

func TestFetchBuildWithoutArtifactPatternsSkipsArtifacts(t *testing.T) {
	fj := newFakeJenkins(t)
	runPath := "/job/a/8"
	fj.handle(runPath+"/api/json", func(w http.ResponseWriter, r *http.Request) {
		assert.NotContains(t, r.URL.Query().Get("tree"), "artifacts")
		_, _ = w.Write([]byte(`{"number":8,"result":"FAILURE","artifacts":[{"relativePath":"x.log"}]}`))
	})
	fj.handle(runPath+"/consoleText", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("boom\n"))
	})

	client := NewJenkinsClient(testOptions(fj.srv.URL), nil)
	build, err := client.FetchBuild(context.Background(), model.BuildRef{ID: fj.srv.URL + runPath + "/"})
	require.NoError(t, err)
	assert.Empty(t, build.Artifacts)
	assert.Equal(t, 0, fj.hitCount(runPath+"/artifact/x.log"))
}

func TestFetchBuildSuccessSkipsConsole(t *testing.T) {
	fj := newFakeJenkins(t)
	runPath := "/job/a/1"
	fj.json(runPath+"/api/json", `{"number":1,"result":"SUCCESS","timestamp":1,"displayName":"#1"}`)

	client := NewJenkinsClient(testOptions(fj.srv.URL), nil)
	build, err := client.FetchBuild(context.Background(), model.BuildRef{ID: fj.srv.URL + runPath + "/"})
	require.NoError(t, err)

	assert.Equal(t, "#1", build.RunName)
	assert.Empty(t, build.Console)
	assert.Equal(t, 0, fj.hitCount(runPath+"/consoleText"))
}

func TestFetchBuildStillRunning(t *testing.T) {
	fj := newFakeJenkins(t)
	fj.json("/job/a/2/api/json", `{"number":2,"result":null,"building":true}`)

	client := NewJenkinsClient(testOptions(fj.srv.URL), nil)
	build, err := client.FetchBuild(context.Background(), model.BuildRef{ID: fj.srv.URL + "/job/a/2/"})
	require.NoError(t, err)
	assert.True(t, build.Building)
	assert.Equal(t, 0, fj.hitCount("/job/a/2/consoleText"))
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	fj := newFakeJenkins(t)
	fj.handle("/view/mpich/api/json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := NewJenkinsClient(testOptions(fj.srv.URL), nil)
	_, err := client.ListBuilds(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, fj.hitCount("/view/mpich/api/json"))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	fj := newFakeJenkins(t)
	var calls int32
	fj.handle("/job/a/3/api/json", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"number":3,"result":"SUCCESS"}`))
	})

	m := metrics.New()
	client := NewJenkinsClient(testOptions(fj.srv.URL), nil).WithMetrics(m)
	build, err := client.FetchBuild(context.Background(), model.BuildRef{ID: fj.srv.URL + "/job/a/3/"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, build.Status)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetriesTotal))
}

func TestRetriesAreBounded(t *testing.T) {
	fj := newFakeJenkins(t)
	fj.handle("/job/a/4/api/json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	client := NewJenkinsClient(testOptions(fj.srv.URL), nil)
	_, err := client.FetchBuild(context.Background(), model.BuildRef{ID: fj.srv.URL + "/job/a/4/"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	// 首次请求 + 2 次重试
	assert.Equal(t, 3, fj.hitCount("/job/a/4/api/json"))
}

func TestNotFoundAndMalformed(t *testing.T) {
	fj := newFakeJenkins(t)
	fj.json("/job/a/6/api/json", `{"number":`)

	client := NewJenkinsClient(testOptions(fj.srv.URL), nil)
	_, err := client.FetchBuild(context.Background(), model.BuildRef{ID: fj.srv.URL + "/job/a/5/"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, fj.hitCount("/job/a/5/api/json"))

	_, err = client.FetchBuild(context.Background(), model.BuildRef{ID: fj.srv.URL + "/job/a/6/"})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, 1, fj.hitCount("/job/a/6/api/json"))
}

func TestBasicAuthAndUserAgent(t *testing.T) {
	fj := newFakeJenkins(t)
	fj.handle("/view/mpich/api/json", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ci" || pass != "token" || r.UserAgent() != "buildpulse-test" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"jobs":[]}`))
	})

	opts := testOptions(fj.srv.URL)
	opts.Username, opts.Password, opts.UserAgent = "ci", "token", "buildpulse-test"
	refs, err := NewJenkinsClient(opts, nil).ListBuilds(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)

	opts.Password = "wrong"
	_, err = NewJenkinsClient(opts, nil).ListBuilds(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBuildTimeout(t *testing.T) {
	fj := newFakeJenkins(t)
	fj.handle("/job/slow/1/api/json", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	opts := testOptions(fj.srv.URL)
	opts.BuildTimeout = 50 * time.Millisecond
	opts.MaxRetries = 0
	_, err := NewJenkinsClient(opts, nil).FetchBuild(context.Background(), model.BuildRef{ID: fj.srv.URL + "/job/slow/1/"})
	assert.Error(t, err)
}

// memoryCache 测试用缓存
type memoryCache struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryCache) Get(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[id]
	return v, ok, nil
}

func (m *memoryCache) Set(_ context.Context, id, console string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = console
	return nil
}

func TestConsoleCache(t *testing.T) {
	fj := newFakeJenkins(t)
	fj.json("/job/a/7/api/json", `{"number":7,"result":"FAILURE"}`)
	fj.handle("/job/a/7/consoleText", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("boom\n"))
	})

	cache := &memoryCache{data: map[string]string{}}
	client := NewJenkinsClient(testOptions(fj.srv.URL), nil).WithConsoleCache(cache)
	ref := model.BuildRef{ID: fj.srv.URL + "/job/a/7/"}

	for i := 0; i < 2; i++ {
		build, err := client.FetchBuild(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, "boom\n", build.Console)
	}
	assert.Equal(t, 1, fj.hitCount("/job/a/7/consoleText"))
}

func TestReadTail(t *testing.T) {
	out, truncated, err := readTail(strings.NewReader("a\nb\nc\n"), 0)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "a\nb\nc\n", out)

	var sb strings.Builder
	for i := 0; i < 100000; i++ {
		fmt.Fprintf(&sb, "line %06d\n", i)
	}
	out, truncated, err = readTail(strings.NewReader(sb.String()), 1000)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(out), 1000)
	assert.True(t, strings.HasPrefix(out, "line "), "partial first line dropped")
	assert.True(t, strings.HasSuffix(out, "line 099999\n"))
}
