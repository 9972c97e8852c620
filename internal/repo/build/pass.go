package build

import (
	"context"
	"errors"
	"fmt"

	"buildpulse/internal/model"

	"gorm.io/gorm"
)

// StartPass 记录同步批次开始
func (r *buildRepository) StartPass(ctx context.Context, pass *model.ScanPass) error {
	if err := r.db.WithContext(ctx).Create(pass).Error; err != nil {
		return fmt.Errorf("failed to start pass %s: %w", pass.PassID, err)
	}
	return nil
}

// FinishPass 记录同步批次结果
func (r *buildRepository) FinishPass(ctx context.Context, pass *model.ScanPass) error {
	if err := r.db.WithContext(ctx).Save(pass).Error; err != nil {
		return fmt.Errorf("failed to finish pass %s: %w", pass.PassID, err)
	}
	return nil
}

// LastPass 最近一次结束的同步批次，没有时返回 nil
func (r *buildRepository) LastPass(ctx context.Context) (*model.ScanPass, error) {
	var pass model.ScanPass
	err := r.db.WithContext(ctx).
		Where("finished_at IS NOT NULL").
		Order("started_at DESC, id DESC").
		Take(&pass).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last pass: %w", err)
	}
	return &pass, nil
}
