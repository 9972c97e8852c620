// Package syncer 同步编排
// 一次同步批次: 列出候选构建，找出尚未扫描的构建，拉取、分类并写回增量存储
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"buildpulse/internal/model"
	"buildpulse/internal/pkg/logger"
	"buildpulse/internal/pkg/metrics"
	buildrepo "buildpulse/internal/repo/build"
	"buildpulse/internal/service/source"
	"buildpulse/internal/service/tagging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// 同步批次状态
const (
	PassRunning   = "running"
	PassCompleted = "completed"
	PassCancelled = "cancelled"
	PassFailed    = "failed"
)

var (
	// ErrStoreFailure 增量存储读写失败，批次终止
	ErrStoreFailure = errors.New("store failure")

	// errStillBuilding 构建仍在运行，推迟到下次同步
	errStillBuilding = errors.New("build is still running")
)

// Options 编排参数
type Options struct {
	Workers   int           // 并发 worker 数
	ClaimTTL  time.Duration // 认领过期时间
	StoreLogs bool          // 是否缓存控制台日志用于离线重新打标
	Force     bool          // 重新扫描全部已扫描构建
}

// Orchestrator 同步编排器
type Orchestrator struct {
	source     source.BuildSource
	repo       buildrepo.BuildRepository
	classifier *tagging.Classifier
	metrics    *metrics.Metrics
	opts       Options
}

// NewOrchestrator 创建同步编排器
func NewOrchestrator(src source.BuildSource, repo buildrepo.BuildRepository, classifier *tagging.Classifier, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Orchestrator{
		source:     src,
		repo:       repo,
		classifier: classifier,
		opts:       opts,
	}
}

// WithMetrics 设置指标
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// pass 一次同步批次的运行状态
type pass struct {
	id      string
	schema  string
	mu      sync.Mutex
	summary *Summary
}

func (p *pass) add(fn func(s *Summary)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.summary)
}

// Run 执行一次同步批次
// 单个构建的失败只记录并跳过；认证失败与存储错误终止整个批次
// 取消时已提交的构建保持提交，处理中的构建保持未扫描
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	registry := o.classifier.Registry()
	p := &pass{
		id:     uuid.NewString(),
		schema: registry.Schema(),
		summary: &Summary{
			StartedAt: time.Now(),
			Status:    PassRunning,
		},
	}
	p.summary.PassID = p.id

	record := &model.ScanPass{
		PassID:    p.id,
		StartedAt: p.summary.StartedAt,
		Status:    PassRunning,
		TagSchema: p.schema,
	}
	if err := o.repo.StartPass(ctx, record); err != nil {
		return nil, storeError(err)
	}
	logger.LogSyncEvent(p.id, "", "pass_started", "Sync pass started", logrus.InfoLevel, map[string]interface{}{
		"workers": o.opts.Workers,
		"tags":    registry.Len(),
	})

	runErr := o.run(ctx, p)

	summary := p.summary
	summary.Duration = time.Since(summary.StartedAt)
	switch {
	case runErr != nil && ctx.Err() != nil:
		summary.Status = PassCancelled
		runErr = ctx.Err()
	case runErr != nil:
		summary.Status = PassFailed
	case ctx.Err() != nil:
		summary.Status = PassCancelled
		runErr = ctx.Err()
	default:
		summary.Status = PassCompleted
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	o.finish(ctx, record, summary)
	return summary, runErr
}

// run 批次主体
func (o *Orchestrator) run(ctx context.Context, p *pass) error {
	if n, err := o.repo.ReleaseStaleClaims(ctx, o.opts.ClaimTTL); err != nil {
		return storeError(err)
	} else if n > 0 {
		logger.LogSyncEvent(p.id, "", "stale_claims", "Released expired claims", logrus.WarnLevel, map[string]interface{}{"count": n})
	}

	if _, err := o.repo.PurgeBlocklisted(ctx); err != nil {
		return storeError(err)
	}

	if o.opts.Force {
		n, err := o.repo.Force(ctx, nil)
		if err != nil {
			return storeError(err)
		}
		p.summary.Invalidated += n
	}

	n, err := o.repo.InvalidateSchema(ctx, p.schema)
	if err != nil {
		return storeError(err)
	}
	p.summary.Invalidated += n
	if n > 0 {
		logger.LogSyncEvent(p.id, "", "schema_changed", "Tag definitions changed, previous results invalidated", logrus.InfoLevel,
			map[string]interface{}{"builds": n, "schema": p.schema})
	}

	refs, err := o.source.ListBuilds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list builds: %w", err)
	}

	stale, err := o.retaggable(ctx, refs)
	if err != nil {
		return err
	}

	pending, err := o.pending(ctx, p, refs, stale)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for _, rec := range stale {
		if gctx.Err() != nil {
			break
		}
		rec := rec
		g.Go(func() error { return o.retag(gctx, p, rec) })
	}
	for _, ref := range pending {
		if gctx.Err() != nil {
			break
		}
		ref := ref
		g.Go(func() error { return o.process(gctx, p, ref) })
	}
	return g.Wait()
}

// retaggable 离线重新打标的过期构建
// 缓存了日志的总是离线处理；只按运行名称分类的构建仍在列表中时重新拉取，已轮转出列表的使用存储的运行名称
func (o *Orchestrator) retaggable(ctx context.Context, refs []model.BuildRef) ([]model.ScanRecord, error) {
	stale, err := o.repo.StaleRetaggable(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	listed := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		listed[ref.ID] = struct{}{}
	}

	kept := stale[:0]
	for _, rec := range stale {
		if _, ok := listed[rec.BuildID]; ok && rec.RunNameOnly {
			continue
		}
		kept = append(kept, rec)
	}
	return kept, nil
}

// pending 过滤出需要处理的构建: 去重、排除列表、已扫描、将离线重新打标的
func (o *Orchestrator) pending(ctx context.Context, p *pass, refs []model.BuildRef, stale []model.ScanRecord) ([]model.BuildRef, error) {
	seen := make(map[string]struct{}, len(refs)+len(stale))
	for _, rec := range stale {
		seen[rec.BuildID] = struct{}{}
	}

	p.summary.Listed = len(refs)
	var pending []model.BuildRef
	for _, ref := range refs {
		if _, ok := seen[ref.ID]; ok {
			continue
		}
		seen[ref.ID] = struct{}{}

		if o.repo.Blocklisted(ref.JobName) {
			p.summary.Blocklisted++
			o.count("blocklisted")
			continue
		}
		scanned, err := o.repo.IsScanned(ctx, ref.ID)
		if err != nil {
			return nil, storeError(err)
		}
		if scanned {
			p.summary.AlreadyScanned++
			continue
		}
		pending = append(pending, ref)
	}
	return pending, nil
}

// process 处理单个构建: 认领、拉取、分类、入库
// 只有需要终止批次的错误才返回
func (o *Orchestrator) process(ctx context.Context, p *pass, ref model.BuildRef) error {
	claimed, err := o.repo.Claim(ctx, ref, p.id, o.opts.ClaimTTL)
	if err != nil {
		return o.storeFailure(ctx, err)
	}
	if !claimed {
		p.add(func(s *Summary) { s.Contended++ })
		return nil
	}

	build, err := o.source.FetchBuild(ctx, ref)
	if err != nil {
		if errors.Is(err, source.ErrUnauthorized) {
			_ = o.release(ctx, p, ref.ID, err)
			return err
		}
		return o.skip(ctx, p, ref.ID, err)
	}
	if build.Building {
		p.add(func(s *Summary) { s.Deferred++ })
		o.count("deferred")
		logger.LogSyncEvent(p.id, ref.ID, "deferred", "Build still running, deferred", logrus.DebugLevel, nil)
		return o.release(ctx, p, ref.ID, errStillBuilding)
	}

	return o.classifyAndRecord(ctx, p, build, o.opts.StoreLogs, "processed")
}

// retag 使用缓存的日志或存储的运行名称离线重新打标
func (o *Orchestrator) retag(ctx context.Context, p *pass, rec model.ScanRecord) error {
	ref := model.BuildRef{ID: rec.BuildID, JobName: rec.JobName, Number: rec.Number, Status: rec.Status, Timestamp: rec.BuildTime}
	claimed, err := o.repo.Claim(ctx, ref, p.id, o.opts.ClaimTTL)
	if err != nil {
		return o.storeFailure(ctx, err)
	}
	if !claimed {
		p.add(func(s *Summary) { s.Contended++ })
		return nil
	}

	build := &model.Build{BuildRef: ref, RunName: rec.RunName}
	buildLog, err := o.repo.LoadLog(ctx, rec.BuildID)
	switch {
	case err == nil:
		build.Console = buildLog.Content
		build.ConsoleTruncated = buildLog.Truncated
		build.ConsoleFetched = true
	case errors.Is(err, buildrepo.ErrLogNotFound) && rec.RunNameOnly:
	case errors.Is(err, buildrepo.ErrLogNotFound):
		return o.skip(ctx, p, rec.BuildID, err)
	default:
		_ = o.release(ctx, p, rec.BuildID, err)
		return o.storeFailure(ctx, err)
	}
	return o.classifyAndRecord(ctx, p, build, false, "cached")
}

func (o *Orchestrator) classifyAndRecord(ctx context.Context, p *pass, build *model.Build, storeLog bool, outcome string) error {
	start := time.Now()
	matches, err := o.classifier.Classify(ctx, build)
	if o.metrics != nil {
		o.metrics.ClassifySeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return o.skip(ctx, p, build.ID, err)
	}

	recorded, err := o.repo.Record(ctx, build, matches, p.schema, storeLog)
	if err != nil {
		if ctx.Err() != nil {
			return o.release(ctx, p, build.ID, err)
		}
		_ = o.release(ctx, p, build.ID, err)
		return o.storeFailure(ctx, err)
	}
	if !recorded {
		p.add(func(s *Summary) { s.AlreadyScanned++ })
		return nil
	}

	p.add(func(s *Summary) {
		if outcome == "cached" {
			s.Retagged++
		} else {
			s.Processed++
		}
		s.Matches += len(matches)
	})
	o.count(outcome)
	if o.metrics != nil {
		for _, m := range matches {
			o.metrics.MatchesTotal.WithLabelValues(m.Severity.String()).Inc()
		}
	}
	logger.LogSyncEvent(p.id, build.ID, "recorded", "Build classified", logrus.DebugLevel, map[string]interface{}{
		"job":     build.JobName,
		"status":  string(build.Status),
		"tags":    tagging.TagNames(matches),
		"outcome": outcome,
	})
	return nil
}

// skip 单个构建失败: 记录日志并释放认领，下次同步重试
func (o *Orchestrator) skip(ctx context.Context, p *pass, buildID string, cause error) error {
	if ctx.Err() == nil {
		p.add(func(s *Summary) { s.Skipped++ })
		o.count("skipped")
		logger.LogSyncEvent(p.id, buildID, "skipped", "Build skipped: "+cause.Error(), logrus.WarnLevel, nil)
	}
	return o.release(ctx, p, buildID, cause)
}

// release 释放认领，批次被取消时同样需要释放
func (o *Orchestrator) release(ctx context.Context, p *pass, buildID string, cause error) error {
	if err := o.repo.Release(context.WithoutCancel(ctx), buildID, p.id, cause); err != nil {
		return o.storeFailure(ctx, err)
	}
	return nil
}

// storeFailure 存储错误终止批次，取消导致的错误除外
func (o *Orchestrator) storeFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return storeError(err)
}

func storeError(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreFailure, err)
}

// finish 记录批次结果
func (o *Orchestrator) finish(ctx context.Context, record *model.ScanPass, summary *Summary) {
	finished := time.Now()
	record.FinishedAt = &finished
	record.Status = summary.Status
	record.Listed = summary.Listed
	record.Blocklisted = summary.Blocklisted
	record.Processed = summary.Processed + summary.Retagged
	record.Skipped = summary.Skipped
	record.Deferred = summary.Deferred
	record.Matches = summary.Matches
	record.Error = summary.Error

	if err := o.repo.FinishPass(context.WithoutCancel(ctx), record); err != nil {
		logger.LogError(err, "syncer", "FinishPass", map[string]interface{}{"pass_id": summary.PassID})
	}

	if o.metrics != nil {
		o.metrics.PassDuration.WithLabelValues(summary.Status).Observe(summary.Duration.Seconds())
		if summary.Status == PassCompleted {
			o.metrics.LastPassTime.SetToCurrentTime()
		}
	}

	level := logrus.InfoLevel
	if summary.Status != PassCompleted {
		level = logrus.WarnLevel
	}
	logger.LogSyncEvent(summary.PassID, "", "pass_finished", "Sync pass finished", level, summary.Fields())
}

func (o *Orchestrator) count(outcome string) {
	if o.metrics != nil {
		o.metrics.BuildsTotal.WithLabelValues(outcome).Inc()
	}
}
