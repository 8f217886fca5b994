package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/xbutler/internal/domain"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
)

// JobRepository persists the write-ahead ingest job records.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job.
func (r *JobRepository) Create(ctx context.Context, job *domain.IngestJob) error {
	if err := r.db.WithContext(ctx).Clauses(dbresolver.Write).Create(job).Error; err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// Get retrieves a job by id from the primary, so status polling never lags behind the worker.
func (r *JobRepository) Get(ctx context.Context, id string) (*domain.IngestJob, error) {
	var job domain.IngestJob
	err := r.db.WithContext(ctx).Clauses(dbresolver.Write).First(&job, "id = ?", id).Error
	if err := readErr(fmt.Sprintf("get job %s", id), err); err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkRunning moves a job to running and records its start time.
func (r *JobRepository) MarkRunning(ctx context.Context, id, contentHash string) error {
	now := time.Now()
	return r.update(ctx, id, map[string]interface{}{
		"status":       domain.JobStatusRunning,
		"stage":        domain.JobStageExtracting,
		"content_hash": contentHash,
		"started_at":   &now,
	})
}

// SetStage records the last stage a running job reached.
func (r *JobRepository) SetStage(ctx context.Context, id string, stage domain.JobStage) error {
	return r.update(ctx, id, map[string]interface{}{"stage": stage})
}

// Finish stores the terminal state of a job.
func (r *JobRepository) Finish(ctx context.Context, job *domain.IngestJob) error {
	now := time.Now()
	job.CompletedAt = &now
	fields := map[string]interface{}{
		"status":       job.Status,
		"resource_id":  job.ResourceID,
		"duplicate_of": job.DuplicateOf,
		"keyword_ids":  job.KeywordIDs,
		"error_log":    job.ErrorLog,
		"completed_at": job.CompletedAt,
	}
	// An empty stage keeps the last one recorded, which is where a failed job stopped.
	if job.Stage != "" {
		fields["stage"] = job.Stage
	}
	return r.update(ctx, job.ID, fields)
}

// ListUnfinished returns jobs that never reached a terminal status, oldest first.
// After a crash these are the jobs whose stores may need inspection.
func (r *JobRepository) ListUnfinished(ctx context.Context, limit int) ([]domain.IngestJob, error) {
	var jobs []domain.IngestJob
	err := r.db.WithContext(ctx).Clauses(dbresolver.Read).
		Where("status IN ?", []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning}).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, readErr("list unfinished jobs", err)
	}
	return jobs, nil
}

func (r *JobRepository) update(ctx context.Context, id string, fields map[string]interface{}) error {
	err := r.db.WithContext(ctx).Clauses(dbresolver.Write).
		Model(&domain.IngestJob{}).
		Where("id = ?", id).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return nil
}
