package domain

import "time"

// JobStatus represents the status of an ingest job.
// Values include JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusDuplicate, and JobStatusFailed.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusDuplicate JobStatus = "duplicate"
	JobStatusFailed    JobStatus = "failed"
)

// JobStage is the last write an ingest job reached. It is recorded before moving on,
// so a failed job shows exactly which stores may need attention.
type JobStage string

const (
	JobStageQueued          JobStage = "queued"
	JobStageExtracting      JobStage = "extracting"
	JobStageMatching        JobStage = "matching"
	JobStageBlobWritten     JobStage = "blob_written"
	JobStageKeywordsWritten JobStage = "keywords_written"
	JobStageResourceWritten JobStage = "resource_written"
	JobStageDone            JobStage = "done"
)

// IngestJob is the write-ahead record of one upload's ingestion.
type IngestJob struct {
	ID          string     `gorm:"type:text;primaryKey" json:"id"`
	Filename    string     `gorm:"type:text;not null" json:"filename"`
	ContentType string     `gorm:"type:text;not null" json:"content_type"`
	ContentHash string     `gorm:"type:text;index:idx_ingest_jobs_hash" json:"content_hash"`
	Status      JobStatus  `gorm:"type:text;index:idx_ingest_jobs_status;default:queued" json:"status"`
	Stage       JobStage   `gorm:"type:text;default:queued" json:"stage"`
	ResourceID  *uint      `json:"resource_id,omitempty"`
	DuplicateOf *uint      `json:"duplicate_of,omitempty"`
	KeywordIDs  IDArray    `gorm:"column:keyword_ids;type:text" json:"keyword_ids,omitempty"`
	ErrorLog    string     `gorm:"type:text" json:"error_log,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for IngestJob.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (IngestJob) TableName() string {
	return "ingest_jobs"
}

// Finished reports whether the job has reached a terminal status.
func (j *IngestJob) Finished() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusDuplicate, JobStatusFailed:
		return true
	}
	return false
}
