package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/logger"
	"github.com/timmy/xbutler/internal/source"
)

// ErrQueueFull is returned by Submit when every worker is busy and the queue is at capacity.
var ErrQueueFull = errors.New("ingest queue is full")

// ErrIngestStopped is returned by Submit after Stop.
var ErrIngestStopped = errors.New("ingest service stopped")

// JobStore persists ingest jobs.
type JobStore interface {
	StageRecorder
	Create(ctx context.Context, job *domain.IngestJob) error
	Get(ctx context.Context, id string) (*domain.IngestJob, error)
	Finish(ctx context.Context, job *domain.IngestJob) error
	ListUnfinished(ctx context.Context, limit int) ([]domain.IngestJob, error)
}

// IngestService runs the deduplication engine off the request path on a bounded worker pool.
type IngestService struct {
	engine  *DedupEngine
	jobs    JobStore
	logger  *logger.Logger
	metrics *Metrics
	workers int

	queue   chan *queuedUpload
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

// IngestConfig holds configuration for the ingest service
type IngestConfig struct {
	Workers   int
	QueueSize int
}

type queuedUpload struct {
	ctx    context.Context
	upload *Upload
}

// NewIngestService creates a new ingest service. Workers start with Start.
func NewIngestService(engine *DedupEngine, jobs JobStore, log *logger.Logger, cfg *IngestConfig) *IngestService {
	workers, queueSize := 2, 64
	if cfg != nil {
		if cfg.Workers > 0 {
			workers = cfg.Workers
		}
		if cfg.QueueSize > 0 {
			queueSize = cfg.QueueSize
		}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &IngestService{
		engine:  engine,
		jobs:    jobs,
		logger:  log,
		metrics: NewMetrics(),
		workers: workers,
		queue:   make(chan *queuedUpload, queueSize),
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *IngestService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Start launches the worker pool.
func (s *IngestService) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func(workerID int) {
			defer s.wg.Done()
			s.worker(workerID)
		}(i)
	}
}

// Stop refuses new uploads and waits for queued ones to drain, or for ctx to end.
func (s *IngestService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates an upload, records a queued job and hands the upload to a worker.
// The run is detached from ctx: cancelling the request does not cancel ingestion.
// Parameters:
//   - ctx: request context; its logger fields are carried into the run.
//   - up: media to ingest.
//
// Returns:
//   - *domain.IngestJob: the queued job.
//   - error: validation errors, ErrQueueFull, ErrIngestStopped, or a job store failure.
func (s *IngestService) Submit(ctx context.Context, up *Upload) (*domain.IngestJob, error) {
	if _, err := Validate(up); err != nil {
		s.metrics.IngestTotal.WithLabelValues(OutcomeRejected).Inc()
		return nil, err
	}

	job := newJob(up)
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	up.JobID = job.ID

	runCtx := logger.SetJobID(context.WithoutCancel(ctx), job.ID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		s.failJob(runCtx, job, ErrIngestStopped)
		return nil, ErrIngestStopped
	}
	select {
	case s.queue <- &queuedUpload{ctx: runCtx, upload: up}:
		s.metrics.QueueDepth.Inc()
	default:
		s.failJob(runCtx, job, ErrQueueFull)
		return nil, ErrQueueFull
	}

	s.log(runCtx).WithFields(logger.Fields{
		logger.FieldFilename: up.Filename,
		logger.FieldSize:     len(up.Data),
	}).Info("Ingest job queued")
	return job, nil
}

// IngestNow runs one upload synchronously under a recorded job.
func (s *IngestService) IngestNow(ctx context.Context, up *Upload) (*IngestResult, *domain.IngestJob, error) {
	if _, err := Validate(up); err != nil {
		s.metrics.IngestTotal.WithLabelValues(OutcomeRejected).Inc()
		return nil, nil, err
	}
	job := newJob(up)
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, nil, err
	}
	up.JobID = job.ID
	res, err := s.run(logger.SetJobID(ctx, job.ID), job, up)
	return res, job, err
}

// GetJob returns the recorded state of an ingest job.
func (s *IngestService) GetJob(ctx context.Context, id string) (*domain.IngestJob, error) {
	return s.jobs.Get(ctx, id)
}

// RecoverUnfinished fails jobs left queued or running by a previous process.
// Their bytes were never persisted outside the blob store, so they cannot be resumed;
// the recorded stage tells an operator which stores to inspect.
func (s *IngestService) RecoverUnfinished(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListUnfinished(ctx, 1000)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		job := &jobs[i]
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldJobID: job.ID,
			logger.FieldStage: job.Stage,
		}).Warn("Failing interrupted ingest job")
		s.failJob(ctx, job, errors.New("interrupted by shutdown"))
	}
	return len(jobs), nil
}

func newJob(up *Upload) *domain.IngestJob {
	return &domain.IngestJob{
		ID:          uuid.New().String(),
		Filename:    up.Filename,
		ContentType: up.ContentType,
		Status:      domain.JobStatusQueued,
		Stage:       domain.JobStageQueued,
	}
}

func (s *IngestService) worker(workerID int) {
	for item := range s.queue {
		s.metrics.QueueDepth.Dec()
		job := &domain.IngestJob{ID: item.upload.JobID}
		ctx := logger.WithField(item.ctx, "worker", workerID)
		_, _ = s.run(ctx, job, item.upload)
	}
}

// run executes the engine and stores the job's terminal state.
func (s *IngestService) run(ctx context.Context, job *domain.IngestJob, up *Upload) (*IngestResult, error) {
	res, err := s.engine.Ingest(ctx, up)
	if err != nil {
		s.log(ctx).WithError(err).Error("Ingest job failed")
		s.failJob(ctx, job, err)
		return nil, err
	}

	job.Stage = domain.JobStageDone
	job.KeywordIDs = res.KeywordIDs
	id := res.ResourceID
	if res.Duplicate {
		job.Status = domain.JobStatusDuplicate
		job.DuplicateOf = &id
	} else {
		job.Status = domain.JobStatusCompleted
		job.ResourceID = &id
	}
	if err := s.jobs.Finish(ctx, job); err != nil {
		s.log(ctx).WithError(err).Error("Failed to record job result")
	}
	return res, nil
}

func (s *IngestService) failJob(ctx context.Context, job *domain.IngestJob, cause error) {
	job.Status = domain.JobStatusFailed
	job.Stage = ""
	job.ErrorLog = cause.Error()
	if err := s.jobs.Finish(ctx, job); err != nil {
		s.log(ctx).WithError(err).Error("Failed to record job failure")
	}
}

// IngestStats holds statistics for a bulk ingestion run
type IngestStats struct {
	TotalItems     int64     `json:"total_items"`
	CreatedItems   int64     `json:"created_items"`
	DuplicateItems int64     `json:"duplicate_items"`
	FailedItems    int64     `json:"failed_items"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}

// IngestFromSource ingests up to limit items from a source synchronously with the configured workers.
func (s *IngestService) IngestFromSource(ctx context.Context, src source.Source, limit int) (*IngestStats, error) {
	stats := &IngestStats{StartTime: time.Now()}

	s.log(ctx).WithFields(logger.Fields{
		"source": src.GetSourceID(),
		"limit":  limit,
	}).Info("Starting ingestion")

	itemsChan := make(chan source.Item, s.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range itemsChan {
				s.ingestItem(ctx, stats, item)
			}
		}()
	}

	var fetchErr error
	cursor := ""
	totalFetched := 0
fetch:
	for ctx.Err() == nil {
		remaining := limit - totalFetched
		if remaining <= 0 {
			break
		}
		items, nextCursor, err := src.FetchBatch(ctx, cursor, min(remaining, 32))
		if err != nil {
			fetchErr = fmt.Errorf("fetch batch: %w", err)
			break
		}
		if len(items) == 0 {
			break
		}
		atomic.AddInt64(&stats.TotalItems, int64(len(items)))
		totalFetched += len(items)

		for _, item := range items {
			select {
			case itemsChan <- item:
			case <-ctx.Done():
				break fetch
			}
		}
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	close(itemsChan)
	wg.Wait()
	stats.EndTime = time.Now()

	s.log(ctx).WithFields(logger.Fields{
		"total":     stats.TotalItems,
		"created":   stats.CreatedItems,
		"duplicate": stats.DuplicateItems,
		"failed":    stats.FailedItems,
		"duration":  stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Ingestion completed")

	return stats, fetchErr
}

func (s *IngestService) ingestItem(ctx context.Context, stats *IngestStats, item source.Item) {
	data, err := os.ReadFile(item.LocalPath)
	if err != nil {
		atomic.AddInt64(&stats.FailedItems, 1)
		s.log(ctx).WithField("source_id", item.SourceID).WithError(err).Error("Failed to read item")
		return
	}
	res, _, err := s.IngestNow(ctx, &Upload{
		Filename:    item.Filename,
		ContentType: item.ContentType,
		Data:        data,
	})
	switch {
	case err != nil:
		atomic.AddInt64(&stats.FailedItems, 1)
		s.log(ctx).WithField("source_id", item.SourceID).WithError(err).Error("Failed to process item")
	case res.Duplicate:
		atomic.AddInt64(&stats.DuplicateItems, 1)
	default:
		atomic.AddInt64(&stats.CreatedItems, 1)
	}
}
