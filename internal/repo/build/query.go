package build

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"buildpulse/internal/model"

	"gorm.io/gorm"
)

// scannedIDs 已扫描构建ID子查询
func (r *buildRepository) scannedIDs(db *gorm.DB) *gorm.DB {
	return db.Model(&model.ScanRecord{}).Select("build_id").Where("state = ?", model.ScanStateScanned)
}

// scannedRecords 已扫描且未被排除的构建记录
func (r *buildRepository) scannedRecords(db *gorm.DB) (map[string]*model.ScanRecord, []*model.ScanRecord, error) {
	var records []*model.ScanRecord
	err := db.Where("state = ?", model.ScanStateScanned).
		Order("build_time DESC, build_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]*model.ScanRecord, len(records))
	kept := records[:0]
	for _, rec := range records {
		if r.Blocklisted(rec.JobName) {
			continue
		}
		byID[rec.BuildID] = rec
		kept = append(kept, rec)
	}
	return byID, kept, nil
}

// AllMatches 读取全部已扫描构建的命中，附带构建信息与去重片段
// 片段单独查询，避免大量构建时 IN 参数超出数据库限制
func (r *buildRepository) AllMatches(ctx context.Context) ([]model.MatchRecord, error) {
	db := r.db.WithContext(ctx)

	byID, _, err := r.scannedRecords(db)
	if err != nil {
		return nil, fmt.Errorf("failed to load scan records: %w", err)
	}

	var matches []model.Match
	err = db.Where("build_id IN (?)", r.scannedIDs(db)).
		Order("build_id ASC, tag_name ASC").
		Find(&matches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}

	var snippets []model.MatchSnippet
	matchIDs := db.Model(&model.Match{}).Select("id").Where("build_id IN (?)", r.scannedIDs(db))
	err = db.Where("match_id IN (?)", matchIDs).
		Order("match_id ASC, id ASC").
		Find(&snippets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load match snippets: %w", err)
	}
	snippetsByMatch := make(map[uint64][]model.SnippetResult)
	for _, s := range snippets {
		snippetsByMatch[s.MatchID] = append(snippetsByMatch[s.MatchID], model.SnippetResult{
			Text:       s.Text,
			Start:      s.Start,
			End:        s.End,
			Duplicates: s.Duplicates,
		})
	}

	records := make([]model.MatchRecord, 0, len(matches))
	for _, m := range matches {
		rec, ok := byID[m.BuildID]
		if !ok {
			continue
		}
		records = append(records, model.MatchRecord{
			BuildID:     m.BuildID,
			JobName:     rec.JobName,
			RunName:     rec.RunName,
			Status:      rec.Status,
			BuildTime:   rec.BuildTime,
			TagName:     m.TagName,
			Severity:    m.Severity,
			Field:       m.Field,
			Occurrences: m.Occurrences,
			Snippets:    snippetsByMatch[m.ID],
		})
	}
	return records, nil
}

// Builds 已扫描构建列表(最近的在前)，每个构建附带命中的标签
func (r *buildRepository) Builds(ctx context.Context) ([]model.BuildSummary, error) {
	db := r.db.WithContext(ctx)

	_, records, err := r.scannedRecords(db)
	if err != nil {
		return nil, fmt.Errorf("failed to load scan records: %w", err)
	}

	var matches []model.Match
	err = db.Select("build_id", "tag_name", "severity", "occurrences", "snippet").
		Where("build_id IN (?)", r.scannedIDs(db)).
		Find(&matches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}
	hits := make(map[string][]model.TagHit)
	for _, m := range matches {
		hits[m.BuildID] = append(hits[m.BuildID], model.TagHit{
			Tag:         m.TagName,
			Severity:    m.Severity,
			Occurrences: m.Occurrences,
			Snippet:     m.Snippet,
		})
	}

	var artifacts []model.Artifact
	err = db.Where("build_id IN (?)", r.scannedIDs(db)).Order("path ASC").Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts: %w", err)
	}
	infos := make(map[string][]model.ArtifactInfo)
	for _, a := range artifacts {
		info := a.Info()
		info.Contents = a.Contents
		infos[a.BuildID] = append(infos[a.BuildID], info)
	}

	builds := make([]model.BuildSummary, 0, len(records))
	for _, rec := range records {
		tags := hits[rec.BuildID]
		sort.Slice(tags, func(i, j int) bool {
			if tags[i].Severity != tags[j].Severity {
				return tags[i].Severity.Rank() > tags[j].Severity.Rank()
			}
			return tags[i].Tag < tags[j].Tag
		})
		builds = append(builds, model.BuildSummary{
			BuildID:   rec.BuildID,
			JobName:   rec.JobName,
			Number:    rec.Number,
			RunName:   rec.RunName,
			Status:    rec.Status,
			BuildTime: rec.BuildTime,
			Tags:      tags,
			Unknown:   rec.Status.IsFailed() && !hasIssue(tags),
			Artifacts: infos[rec.BuildID],
		})
	}
	return builds, nil
}

// hasIssue 是否命中了 Metadata 以外的标签
func hasIssue(tags []model.TagHit) bool {
	for _, t := range tags {
		if t.Severity != model.SeverityMetadata {
			return true
		}
	}
	return false
}

// Statistics 统计存储中的构建与问题
func (r *buildRepository) Statistics(ctx context.Context) (*model.Statistics, error) {
	db := r.db.WithContext(ctx)

	var records []model.ScanRecord
	if err := db.Select("build_id", "job_name", "status", "state").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load scan records: %w", err)
	}

	var flagged []string
	err := db.Model(&model.Match{}).
		Where("severity <> ? AND build_id IN (?)", model.SeverityMetadata, r.scannedIDs(db)).
		Distinct().Pluck("build_id", &flagged).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load flagged builds: %w", err)
	}
	flaggedSet := make(map[string]struct{}, len(flagged))
	for _, id := range flagged {
		flaggedSet[id] = struct{}{}
	}

	var issues int64
	err = db.Model(&model.Match{}).
		Where("severity <> ? AND build_id IN (?)", model.SeverityMetadata, r.scannedIDs(db)).
		Count(&issues).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count issues: %w", err)
	}

	stats := &model.Statistics{
		ByStatus:    make(map[model.BuildStatus]int),
		IssuesFound: int(issues),
	}
	jobs := make(map[string]struct{})
	failedJobs := make(map[string]struct{})
	for _, rec := range records {
		if r.Blocklisted(rec.JobName) {
			continue
		}
		stats.Builds++
		jobs[rec.JobName] = struct{}{}
		if rec.State != model.ScanStateScanned {
			stats.Pending++
			continue
		}
		stats.Scanned++
		stats.ByStatus[rec.Status]++
		if rec.Status.IsFailed() {
			failedJobs[rec.JobName] = struct{}{}
			if _, ok := flaggedSet[rec.BuildID]; !ok {
				stats.UnknownFailures++
			}
		}
	}
	stats.Jobs = len(jobs)
	stats.FailedJobs = len(failedJobs)

	last, err := r.LastPass(ctx)
	if err != nil {
		return nil, err
	}
	stats.LastPass = last
	return stats, nil
}

// LoadLog 读取缓存的控制台日志
func (r *buildRepository) LoadLog(ctx context.Context, buildID string) (*model.BuildLog, error) {
	var buildLog model.BuildLog
	err := r.db.WithContext(ctx).Where("build_id = ?", buildID).Take(&buildLog).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load build log %s: %w", buildID, err)
	}
	return &buildLog, nil
}

func (r *buildRepository) Artifacts(ctx context.Context, buildID string) ([]model.Artifact, error) {
	var artifacts []model.Artifact
	err := r.db.WithContext(ctx).Where("build_id = ?", buildID).Order("path ASC").Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts of %s: %w", buildID, err)
	}
	return artifacts, nil
}

// StaleRetaggable 可以离线重新打标的过期构建: 缓存了控制台日志，或者只按运行名称分类过
func (r *buildRepository) StaleRetaggable(ctx context.Context) ([]model.ScanRecord, error) {
	db := r.db.WithContext(ctx)
	var records []model.ScanRecord
	err := db.Where("state = ?", model.ScanStateStale).
		Where(db.Where("run_name_only = ?", true).Or("build_id IN (?)", db.Model(&model.BuildLog{}).Select("build_id"))).
		Order("build_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load stale builds: %w", err)
	}

	kept := records[:0]
	for _, rec := range records {
		if !r.Blocklisted(rec.JobName) {
			kept = append(kept, rec)
		}
	}
	return kept, nil
}
