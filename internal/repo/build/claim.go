package build

import (
	"context"
	"errors"
	"fmt"
	"time"

	"buildpulse/internal/model"
	"buildpulse/internal/pkg/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IsScanned 构建是否已经扫描入库
func (r *buildRepository) IsScanned(ctx context.Context, buildID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.ScanRecord{}).
		Where("build_id = ? AND state = ?", buildID, model.ScanStateScanned).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check scan record %s: %w", buildID, err)
	}
	return count > 0, nil
}

// Claim 认领构建
// 不存在记录时插入，存在时只有 failed/stale 或认领已超时的记录可以被重新认领
// 依赖影响行数判断是否认领成功，并发认领同一构建时至多一个返回 true
func (r *buildRepository) Claim(ctx context.Context, ref model.BuildRef, passID string, ttl time.Duration) (bool, error) {
	if r.Blocklisted(ref.JobName) {
		return false, nil
	}

	now := time.Now()
	record := &model.ScanRecord{
		BuildID:   ref.ID,
		JobName:   ref.JobName,
		Number:    ref.Number,
		Status:    ref.Status,
		BuildTime: ref.Timestamp,
		State:     model.ScanStateClaimed,
		ClaimedBy: passID,
		ClaimedAt: &now,
		Attempts:  1,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "build_id"}}, DoNothing: true}).
		Create(record)
	if result.Error != nil {
		logger.LogError(result.Error, "build_repo", "Claim", map[string]interface{}{"build_id": ref.ID})
		return false, fmt.Errorf("failed to claim build %s: %w", ref.ID, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	query := r.db.WithContext(ctx).Model(&model.ScanRecord{}).Where("build_id = ?", ref.ID)
	reclaimable := []model.ScanState{model.ScanStateFailed, model.ScanStateStale}
	if ttl > 0 {
		query = query.Where("(state IN ? OR (state = ? AND claimed_at < ?))", reclaimable, model.ScanStateClaimed, now.Add(-ttl))
	} else {
		query = query.Where("state IN ?", reclaimable)
	}
	result = query.Updates(map[string]interface{}{
		"state":      model.ScanStateClaimed,
		"claimed_by": passID,
		"claimed_at": now,
		"attempts":   gorm.Expr("attempts + 1"),
		"job_name":   ref.JobName,
		"number":     ref.Number,
		"status":     ref.Status,
		"build_time": ref.Timestamp,
	})
	if result.Error != nil {
		logger.LogError(result.Error, "build_repo", "Claim", map[string]interface{}{"build_id": ref.ID})
		return false, fmt.Errorf("failed to claim build %s: %w", ref.ID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Record 单事务写入构建的全部命中并标记为已扫描
// 已扫描的构建直接返回 false，不会产生重复命中
func (r *buildRepository) Record(ctx context.Context, build *model.Build, matches []model.MatchResult, schema string, storeLog bool) (bool, error) {
	if build == nil || build.ID == "" {
		return false, errors.New("build id is required")
	}
	if r.Blocklisted(build.JobName) {
		return false, nil
	}

	recorded := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record model.ScanRecord
		err := tx.Where("build_id = ?", build.ID).Take(&record).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			record = model.ScanRecord{BuildID: build.ID, Attempts: 1}
		case err != nil:
			return err
		case record.State == model.ScanStateScanned:
			return nil
		}

		// 过期结果或上次失败留下的残余
		if err := deleteMatches(tx, []string{build.ID}); err != nil {
			return err
		}

		for _, m := range matches {
			if err := tx.Create(newMatch(build.ID, m)).Error; err != nil {
				return err
			}
		}

		if storeLog && build.Console != "" {
			buildLog := &model.BuildLog{BuildID: build.ID, Content: build.Console, Truncated: build.ConsoleTruncated}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "build_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"content", "truncated", "updated_at"}),
			}).Create(buildLog).Error
			if err != nil {
				return err
			}
		}

		// 离线重新打标时没有产物，保留上次拉取的
		if len(build.Artifacts) > 0 {
			if err := tx.Where("build_id = ?", build.ID).Delete(&model.Artifact{}).Error; err != nil {
				return err
			}
			for _, a := range build.Artifacts {
				row := &model.Artifact{BuildID: build.ID, Path: a.Path, Contents: a.Contents}
				if err := tx.Create(row).Error; err != nil {
					return err
				}
			}
		}

		now := time.Now()
		record.JobName = build.JobName
		record.Number = build.Number
		record.RunName = build.RunName
		record.Status = build.Status
		record.BuildTime = build.Timestamp
		record.State = model.ScanStateScanned
		record.ClaimedBy = ""
		record.ClaimedAt = nil
		record.ScannedAt = &now
		record.TagSchema = schema
		record.RunNameOnly = !build.ConsoleFetched && build.Console == ""
		record.LastError = ""
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		logger.LogError(err, "build_repo", "Record", map[string]interface{}{"build_id": build.ID, "matches": len(matches)})
		return false, fmt.Errorf("failed to record build %s: %w", build.ID, err)
	}
	return recorded, nil
}

// newMatch 分类结果转为存储模型，首个片段冗余存放在主表
func newMatch(buildID string, m model.MatchResult) *model.Match {
	row := &model.Match{
		BuildID:     buildID,
		TagName:     m.TagName,
		Severity:    m.Severity,
		Field:       m.Field,
		Occurrences: m.Occurrences,
	}
	if len(m.Snippets) > 0 {
		row.Start = m.Snippets[0].Start
		row.End = m.Snippets[0].End
		row.Snippet = m.Snippets[0].Text
	}
	row.Snippets = make([]model.MatchSnippet, 0, len(m.Snippets))
	for _, s := range m.Snippets {
		row.Snippets = append(row.Snippets, model.MatchSnippet{
			Text:       s.Text,
			Start:      s.Start,
			End:        s.End,
			Duplicates: s.Duplicates,
		})
	}
	return row
}

// Release 释放认领，只释放本批次持有的认领
func (r *buildRepository) Release(ctx context.Context, buildID, passID string, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	err := r.db.WithContext(ctx).Model(&model.ScanRecord{}).
		Where("build_id = ? AND state = ? AND claimed_by = ?", buildID, model.ScanStateClaimed, passID).
		Updates(map[string]interface{}{
			"state":      model.ScanStateFailed,
			"claimed_by": "",
			"claimed_at": nil,
			"last_error": lastError,
		}).Error
	if err != nil {
		logger.LogError(err, "build_repo", "Release", map[string]interface{}{"build_id": buildID})
		return fmt.Errorf("failed to release build %s: %w", buildID, err)
	}
	return nil
}

// ReleaseStaleClaims 释放超过 ttl 仍未完成的认领(进程崩溃或被强制结束)
func (r *buildRepository) ReleaseStaleClaims(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&model.ScanRecord{}).
		Where("state = ? AND claimed_at < ?", model.ScanStateClaimed, time.Now().Add(-ttl)).
		Updates(map[string]interface{}{
			"state":      model.ScanStateFailed,
			"claimed_by": "",
			"claimed_at": nil,
			"last_error": "claim expired",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// InvalidateSchema 标签集合摘要不一致的已扫描构建标记为过期并删除旧命中
func (r *buildRepository) InvalidateSchema(ctx context.Context, schema string) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outdated := tx.Model(&model.ScanRecord{}).Select("build_id").
			Where("state = ? AND tag_schema <> ?", model.ScanStateScanned, schema)
		if err := deleteMatches(tx, outdated); err != nil {
			return err
		}
		result := tx.Model(&model.ScanRecord{}).
			Where("state = ? AND tag_schema <> ?", model.ScanStateScanned, schema).
			Update("state", model.ScanStateStale)
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		logger.LogError(err, "build_repo", "InvalidateSchema", nil)
		return 0, fmt.Errorf("failed to invalidate tag schema: %w", err)
	}
	return affected, nil
}

// Force 将已扫描构建标记为过期，下次同步重新打标
func (r *buildRepository) Force(ctx context.Context, buildIDs []string) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := func() *gorm.DB {
			q := tx.Model(&model.ScanRecord{}).Where("state = ?", model.ScanStateScanned)
			if len(buildIDs) > 0 {
				q = q.Where("build_id IN ?", buildIDs)
			}
			return q
		}
		if err := deleteMatches(tx, scope().Select("build_id")); err != nil {
			return err
		}
		result := scope().Update("state", model.ScanStateStale)
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		logger.LogError(err, "build_repo", "Force", map[string]interface{}{"builds": len(buildIDs)})
		return 0, fmt.Errorf("failed to force rescan: %w", err)
	}
	return affected, nil
}

// PurgeBlocklisted 删除排除列表中 Job 的全部数据
func (r *buildRepository) PurgeBlocklisted(ctx context.Context) (int64, error) {
	names := r.blocklistNames()
	if len(names) == 0 {
		return 0, nil
	}

	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&model.ScanRecord{}).Select("build_id").Where("job_name IN ?", names)
		if err := deleteMatches(tx, ids); err != nil {
			return err
		}
		if err := tx.Where("build_id IN (?)", ids).Delete(&model.BuildLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("build_id IN (?)", ids).Delete(&model.Artifact{}).Error; err != nil {
			return err
		}
		result := tx.Where("job_name IN ?", names).Delete(&model.ScanRecord{})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		logger.LogError(err, "build_repo", "PurgeBlocklisted", nil)
		return 0, fmt.Errorf("failed to purge blocklisted jobs: %w", err)
	}
	return affected, nil
}
