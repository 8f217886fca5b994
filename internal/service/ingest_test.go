package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/source/localdir"
)

func TestSubmitRunsDetachedFromRequest(t *testing.T) {
	h := newHarness()
	svc := NewIngestService(h.engine, h.jobs, nil, &IngestConfig{Workers: 1, QueueSize: 4})
	svc.Start()

	ctx, cancel := context.WithCancel(context.Background())
	job, err := svc.Submit(ctx, upload("cat.png", "bytes"))
	require.NoError(t, err)
	cancel()
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, svc.Stop(stopCtx))

	got, err := svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, domain.JobStageDone, got.Stage)
	require.NotNil(t, got.ResourceID)
	assert.Equal(t, h.resources.only().ID, *got.ResourceID)
}

func TestSubmitRejectsInvalidUploadWithoutJob(t *testing.T) {
	h := newHarness()
	svc := NewIngestService(h.engine, h.jobs, nil, nil)

	_, err := svc.Submit(context.Background(), &Upload{Filename: "a.pdf", ContentType: "application/pdf", Data: []byte("x")})
	assert.ErrorIs(t, err, domain.ErrUnsupportedMediaType)
	assert.Empty(t, h.jobs.jobs)
}

func TestSubmitQueueFull(t *testing.T) {
	h := newHarness()
	// Workers are never started, so the single slot stays taken.
	svc := NewIngestService(h.engine, h.jobs, nil, &IngestConfig{Workers: 1, QueueSize: 1})

	_, err := svc.Submit(context.Background(), upload("a.png", "a"))
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), upload("b.png", "b"))
	assert.ErrorIs(t, err, ErrQueueFull)

	failed := 0
	for _, j := range h.jobs.jobs {
		if j.Status == domain.JobStatusFailed {
			failed++
			assert.Contains(t, j.ErrorLog, "queue is full")
		}
	}
	assert.Equal(t, 1, failed)
}

func TestSubmitAfterStop(t *testing.T) {
	h := newHarness()
	svc := NewIngestService(h.engine, h.jobs, nil, nil)
	svc.Start()
	require.NoError(t, svc.Stop(context.Background()))

	_, err := svc.Submit(context.Background(), upload("a.png", "a"))
	assert.ErrorIs(t, err, ErrIngestStopped)
}

func TestIngestNowRecordsDuplicate(t *testing.T) {
	h := newHarness()
	svc := NewIngestService(h.engine, h.jobs, nil, nil)

	first, _, err := svc.IngestNow(context.Background(), upload("a.png", "same"))
	require.NoError(t, err)
	second, job, err := svc.IngestNow(context.Background(), upload("b.png", "same"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	got, err := svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDuplicate, got.Status)
	require.NotNil(t, got.DuplicateOf)
	assert.Equal(t, first.ResourceID, *got.DuplicateOf)
}

func TestIngestNowRecordsFailureStage(t *testing.T) {
	h := newHarness()
	h.resIndex.insertErr = assert.AnError
	svc := NewIngestService(h.engine, h.jobs, nil, nil)

	_, job, err := svc.IngestNow(context.Background(), upload("a.png", "a"))
	require.ErrorIs(t, err, domain.ErrPartialCommit)

	got, err := svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, domain.JobStageResourceWritten, got.Stage, "stage where the run stopped is kept")
	assert.NotEmpty(t, got.ErrorLog)
}

func TestRecoverUnfinished(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.jobs.Create(context.Background(), &domain.IngestJob{ID: "stale", Status: domain.JobStatusRunning}))
	svc := NewIngestService(h.engine, h.jobs, nil, nil)

	n, err := svc.RecoverUnfinished(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.JobStatusFailed, h.jobs.jobs["stale"].Status)
}

func TestIngestFromSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.mp4"), []byte("two"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("three"), 0o644))
	for i := range 6 {
		name := fmt.Sprintf("extra-%d.png", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	// Identical bytes are one creation and one duplicate whether the items run
	// one at a time or in parallel across workers.
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			h := newHarness()
			// Distinct content needs a distinct embedding to avoid the near-duplicate path.
			h.resIndex.script = func([]float32) []domain.Match { return nil }
			svc := NewIngestService(h.engine, h.jobs, nil, &IngestConfig{Workers: workers})

			stats, err := svc.IngestFromSource(context.Background(), localdir.NewAdapter(dir), 20)
			require.NoError(t, err)
			assert.Equal(t, int64(9), stats.TotalItems)
			assert.Equal(t, int64(8), stats.CreatedItems)
			assert.Equal(t, int64(1), stats.DuplicateItems)
			assert.Equal(t, int64(0), stats.FailedItems)
			assert.Equal(t, 8, h.resources.count())
		})
	}
}
