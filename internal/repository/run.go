package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"satei-lead-relay/internal/model"
)

// RunRepository keeps the ingestion run history.
type RunRepository struct {
	db *gorm.DB
}

func (r *RunRepository) Record(ctx context.Context, run *model.IngestRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record ingest run %s: %w", run.RunID, err)
	}
	return nil
}

// List returns runs newest first along with the total count.
func (r *RunRepository) List(ctx context.Context, page, limit int) ([]model.IngestRun, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.IngestRun{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count ingest runs: %w", err)
	}

	var runs []model.IngestRun
	err := r.db.WithContext(ctx).
		Order("started_at DESC").Order("id DESC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch ingest runs: %w", err)
	}
	return runs, total, nil
}

func (r *RunRepository) Get(ctx context.Context, runID string) (*model.IngestRun, error) {
	var run model.IngestRun
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error; err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}
