package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"buildpulse/internal/model"
	"buildpulse/internal/pkg/logger"
	"buildpulse/internal/pkg/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Jenkins JSON API 响应结构(只取需要的字段)
type viewResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

type jobResponse struct {
	Name   string          `json:"name"`
	URL    string          `json:"url"`
	Builds []buildResponse `json:"builds"`
}

type buildResponse struct {
	Number          int           `json:"number"`
	URL             string        `json:"url"`
	Timestamp       int64         `json:"timestamp"`
	Result          *string       `json:"result"`
	Building        bool          `json:"building"`
	DisplayName     string        `json:"displayName"`
	FullDisplayName string        `json:"fullDisplayName"`
	Runs            []runResponse `json:"runs"`
	Artifacts       []struct {
		RelativePath string `json:"relativePath"`
	} `json:"artifacts"`
}

type runResponse struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

const buildFields = "number,url,timestamp,result,building,displayName,fullDisplayName"

// JenkinsClient 基于 Jenkins JSON API 的构建源
type JenkinsClient struct {
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      ConsoleCache
	metrics    *metrics.Metrics
}

// NewJenkinsClient 创建 Jenkins 客户端，httpClient 为空时使用默认客户端
func NewJenkinsClient(opts Options, httpClient *http.Client) *JenkinsClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BuildsPerJob <= 0 {
		opts.BuildsPerJob = 1
	}

	c := &JenkinsClient{opts: opts, httpClient: httpClient}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// WithConsoleCache 设置控制台日志缓存
func (c *JenkinsClient) WithConsoleCache(cache ConsoleCache) *JenkinsClient {
	c.cache = cache
	return c
}

// WithMetrics 设置指标
func (c *JenkinsClient) WithMetrics(m *metrics.Metrics) *JenkinsClient {
	c.metrics = m
	return c
}

// ListBuilds 列出视图下每个 Job 最近的构建
// 矩阵构建展开为各个配置的运行，每个运行是一个独立的构建单元
func (c *JenkinsClient) ListBuilds(ctx context.Context) ([]model.BuildRef, error) {
	tree := fmt.Sprintf("jobs[name,url,builds[%s,runs[number,url]]{0,%d}]", buildFields, c.opts.BuildsPerJob)
	endpoint := fmt.Sprintf("%s/view/%s/api/json?tree=%s", c.opts.BaseURL, url.PathEscape(c.opts.Project), url.QueryEscape(tree))

	var view viewResponse
	if err := c.getJSON(ctx, "view", endpoint, &view); err != nil {
		return nil, fmt.Errorf("failed to list jobs of %s: %w", c.opts.Project, err)
	}

	var refs []model.BuildRef
	for _, job := range view.Jobs {
		if len(job.Builds) == 0 {
			logger.WithFields(logrus.Fields{"type": logger.SyncLog, "job": job.Name}).Debug("Job has no builds")
			continue
		}
		for _, b := range job.Builds {
			status := model.StatusUnknown
			if b.Result != nil {
				status = model.ParseBuildStatus(*b.Result)
			}
			ts := time.UnixMilli(b.Timestamp).UTC()

			// runs 中可能混入其他构建号的运行，只保留属于本次构建的
			var runs []runResponse
			for _, r := range b.Runs {
				if r.Number == b.Number && r.URL != "" {
					runs = append(runs, r)
				}
			}

			if len(runs) == 0 {
				refs = append(refs, model.BuildRef{ID: b.URL, JobName: job.Name, Number: b.Number, Status: status, Timestamp: ts})
				continue
			}
			for _, r := range runs {
				refs = append(refs, model.BuildRef{ID: r.URL, JobName: job.Name, Number: b.Number, Status: status, Timestamp: ts})
			}
		}
	}
	return refs, nil
}

// FetchBuild 拉取构建详情，失败状态的构建同时拉取控制台日志
func (c *JenkinsClient) FetchBuild(ctx context.Context, ref model.BuildRef) (*model.Build, error) {
	if c.opts.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.BuildTimeout)
		defer cancel()
	}

	fields := buildFields
	if len(c.opts.Artifacts) > 0 {
		fields += ",artifacts[relativePath]"
	}
	endpoint := fmt.Sprintf("%s/api/json?tree=%s", strings.TrimRight(ref.ID, "/"), url.QueryEscape(fields))
	var detail buildResponse
	if err := c.getJSON(ctx, "build", endpoint, &detail); err != nil {
		return nil, fmt.Errorf("failed to fetch build %s: %w", ref.ID, err)
	}

	build := &model.Build{BuildRef: ref, Building: detail.Building}
	build.RunName = detail.FullDisplayName
	if build.RunName == "" {
		build.RunName = detail.DisplayName
	}
	if detail.Timestamp > 0 {
		build.Timestamp = time.UnixMilli(detail.Timestamp).UTC()
	}
	build.Status = model.StatusUnknown
	if detail.Result != nil {
		build.Status = model.ParseBuildStatus(*detail.Result)
	}
	if detail.Number > 0 {
		build.Number = detail.Number
	}

	if build.Building || !c.opts.wantsConsole(build.Status) {
		return build, nil
	}

	console, truncated, err := c.fetchConsole(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch console of %s: %w", ref.ID, err)
	}
	build.Console = console
	build.ConsoleTruncated = truncated
	build.ConsoleFetched = true

	for _, a := range detail.Artifacts {
		if !c.opts.wantsArtifact(a.RelativePath) {
			continue
		}
		artifact, err := c.fetchArtifact(ctx, ref.ID, a.RelativePath)
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return nil, fmt.Errorf("failed to fetch artifact %s of %s: %w", a.RelativePath, ref.ID, err)
		}
		if err != nil {
			logger.WithFields(logrus.Fields{"type": logger.SyncLog, "build_id": ref.ID, "artifact": a.RelativePath}).
				WithError(err).Warn("Skipping artifact")
			continue
		}
		build.Artifacts = append(build.Artifacts, *artifact)
	}
	return build, nil
}

// errArtifactTooLarge 产物超过 max_artifact_bytes
var errArtifactTooLarge = errors.New("artifact exceeds size limit")

// fetchArtifact 下载单个产物，超过大小限制的不保存
func (c *JenkinsClient) fetchArtifact(ctx context.Context, buildID, relativePath string) (*model.Artifact, error) {
	segments := strings.Split(relativePath, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	endpoint := strings.TrimRight(buildID, "/") + "/artifact/" + strings.Join(segments, "/")

	var contents []byte
	err := c.do(ctx, "artifact", endpoint, func(body io.Reader) error {
		r := body
		if c.opts.MaxArtifactBytes > 0 {
			r = io.LimitReader(body, c.opts.MaxArtifactBytes+1)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		if c.opts.MaxArtifactBytes > 0 && int64(len(data)) > c.opts.MaxArtifactBytes {
			return backoff.Permanent(errArtifactTooLarge)
		}
		contents = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &model.Artifact{BuildID: buildID, Path: relativePath, Contents: contents}, nil
}

// fetchConsole 拉取控制台日志，优先读缓存
func (c *JenkinsClient) fetchConsole(ctx context.Context, buildID string) (string, bool, error) {
	if c.cache != nil {
		if console, ok, err := c.cache.Get(ctx, buildID); err == nil && ok {
			return console, false, nil
		} else if err != nil {
			logger.WithFields(logrus.Fields{"type": logger.SyncLog, "build_id": buildID}).
				WithError(err).Warn("Console cache read failed")
		}
	}

	endpoint := strings.TrimRight(buildID, "/") + "/consoleText"
	var (
		console   string
		truncated bool
	)
	err := c.do(ctx, "console", endpoint, func(body io.Reader) error {
		var err error
		console, truncated, err = readTail(body, c.opts.MaxConsoleBytes)
		return err
	})
	if err != nil {
		return "", false, err
	}

	if c.cache != nil && !truncated {
		if err := c.cache.Set(ctx, buildID, console); err != nil {
			logger.WithFields(logrus.Fields{"type": logger.SyncLog, "build_id": buildID}).
				WithError(err).Warn("Console cache write failed")
		}
	}
	return console, truncated, nil
}

// getJSON GET 并解析 JSON
func (c *JenkinsClient) getJSON(ctx context.Context, name, endpoint string, out interface{}) error {
	return c.do(ctx, name, endpoint, func(body io.Reader) error {
		if err := json.NewDecoder(body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformed, err))
		}
		return nil
	})
}

// do 带限速、单次超时与指数退避的 GET 请求
// 认证失败、404、响应格式错误不重试；网络错误、429、5xx 重试
func (c *JenkinsClient) do(ctx context.Context, name, endpoint string, read func(io.Reader) error) error {
	op := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		reqCtx := ctx
		if c.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		if c.opts.Username != "" {
			req.SetBasicAuth(c.opts.Username, c.opts.Password)
		}
		if c.opts.UserAgent != "" {
			req.Header.Set("User-Agent", c.opts.UserAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.observe(name, "error")
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			c.observe(name, "unauthorized")
			return backoff.Permanent(fmt.Errorf("%w: %s returned %d", ErrUnauthorized, endpoint, resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			c.observe(name, "not_found")
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, endpoint))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.observe(name, "retryable")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
		case resp.StatusCode >= 400:
			c.observe(name, "client_error")
			return backoff.Permanent(fmt.Errorf("%s returned %d", endpoint, resp.StatusCode))
		}

		if err := read(resp.Body); err != nil {
			c.observe(name, "read_error")
			return err
		}
		c.observe(name, "ok")
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	if c.opts.RetryInterval > 0 {
		eb.InitialInterval = c.opts.RetryInterval
	}
	if c.opts.MaxRetryInterval > 0 {
		eb.MaxInterval = c.opts.MaxRetryInterval
	}
	// 重试次数与 ctx 共同限制总时长
	eb.MaxElapsedTime = 0

	retries := c.opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	notify := func(err error, wait time.Duration) {
		if c.metrics != nil {
			c.metrics.RetriesTotal.Inc()
		}
		logger.WithFields(logrus.Fields{
			"type":     logger.SyncLog,
			"endpoint": endpoint,
			"wait":     wait.String(),
		}).WithError(err).Warn("Build source request failed, retrying")
	}

	return backoff.RetryNotify(op, b, notify)
}

func (c *JenkinsClient) observe(endpoint, outcome string) {
	if c.metrics != nil {
		c.metrics.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	}
}

// readTail 读取全部内容但只保留最后 max 字节，失败信息通常在日志末尾
// 截断时丢弃第一个不完整的行
func readTail(r io.Reader, max int64) (string, bool, error) {
	if max <= 0 {
		data, err := io.ReadAll(r)
		return string(data), false, err
	}

	var (
		buf       bytes.Buffer
		truncated bool
		chunk     = make([]byte, 64<<10)
	)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if int64(buf.Len()) > 2*max {
				tail := buf.Bytes()[int64(buf.Len())-max:]
				rest := make([]byte, len(tail))
				copy(rest, tail)
				buf.Reset()
				buf.Write(rest)
				truncated = true
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", false, err
		}
	}

	data := buf.Bytes()
	if int64(len(data)) > max {
		data = data[int64(len(data))-max:]
		truncated = true
	}
	if truncated {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	return string(data), truncated, nil
}
