package service

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/xbutler/internal/domain"
)

func upload(name string, data string) *Upload {
	return &Upload{Filename: name, ContentType: domain.ContentTypeForFile(name), Data: []byte(data)}
}

func TestIngestDuplicateShortCircuit(t *testing.T) {
	h := newHarness()
	_, err := h.resIndex.Insert(context.Background(), 7, basis(0))
	require.NoError(t, err)
	h.extractor.keywords = []domain.ExtractedKeyword{{Word: "cat", Category: "subject"}}
	h.extractor.textVecs["cat"] = basis(1)

	res, err := h.engine.Ingest(context.Background(), upload("cat.png", "bytes"))
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Equal(t, uint(7), res.ResourceID)
	assert.True(t, h.noWrites())
	assert.Equal(t, []uint{7}, h.resIndex.payloads())
}

func TestIngestNovelCommit(t *testing.T) {
	h := newHarness()
	h.extractor.keywords = []domain.ExtractedKeyword{
		{Word: "cat", Category: "subject"},
		{Word: "happy", Category: "emotion"},
	}
	h.extractor.textVecs["cat"] = basis(1)
	h.extractor.textVecs["happy"] = basis(2)

	job := &domain.IngestJob{ID: "job-1", Status: domain.JobStatusQueued}
	require.NoError(t, h.jobs.Create(context.Background(), job))
	up := upload("cat.png", "bytes")
	up.JobID = job.ID

	res, err := h.engine.Ingest(context.Background(), up)
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	assert.Equal(t, 1, h.blobs.uploads)
	assert.Equal(t, 1, h.resources.count())
	stored := h.resources.only()
	require.NotNil(t, stored)
	assert.Equal(t, res.ResourceID, stored.ID)
	assert.Len(t, stored.KeywordIDs, 2)
	assert.Equal(t, uint(1), stored.ResourceTypeID)
	assert.Equal(t, res.ContentHash, stored.ContentHash)
	assert.Equal(t, 2, h.keywords.count())
	assert.ElementsMatch(t, res.KeywordIDs, h.kwIndex.payloads())
	assert.Equal(t, []uint{res.ResourceID}, h.resIndex.payloads())
	assert.Equal(t, res.KeywordIDs, res.NewKeywordIDs)

	assert.Equal(t, []domain.JobStage{
		domain.JobStageExtracting,
		domain.JobStageMatching,
		domain.JobStageBlobWritten,
		domain.JobStageKeywordsWritten,
		domain.JobStageResourceWritten,
		domain.JobStageDone,
	}, h.jobs.stages[job.ID])
}

func TestKeywordResolutionIndependence(t *testing.T) {
	h := newHarness()
	_, err := h.kwIndex.Insert(context.Background(), 42, basis(1))
	require.NoError(t, err)
	h.extractor.keywords = []domain.ExtractedKeyword{
		{Word: "cat", Category: "subject"},
		{Word: "happy", Category: "emotion"},
	}
	h.extractor.textVecs["cat"] = basis(1)
	h.extractor.textVecs["happy"] = basis(2)

	res, err := h.engine.Ingest(context.Background(), upload("cat.png", "bytes"))
	require.NoError(t, err)

	require.Len(t, res.KeywordIDs, 2)
	assert.Equal(t, uint(42), res.KeywordIDs[0], "resolved keyword keeps extraction position")
	assert.NotEqual(t, uint(42), res.KeywordIDs[1])
	assert.Equal(t, 1, h.keywords.count())
	assert.Equal(t, []uint{42, res.KeywordIDs[1]}, h.kwIndex.payloads())
	assert.Equal(t, domain.IDArray(res.KeywordIDs), h.resources.only().KeywordIDs)
}

func TestThresholdBoundary(t *testing.T) {
	threshold := float32(0.95)
	tests := []struct {
		name       string
		similarity float32
		duplicate  bool
	}{
		{"equal counts as match", threshold, true},
		{"one ulp below does not", math.Nextafter32(threshold, 0), false},
		{"above", 0.99, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.resIndex.script = func([]float32) []domain.Match {
				return []domain.Match{{Similarity: tt.similarity, PayloadID: 9}}
			}

			res, err := h.engine.Ingest(context.Background(), upload("a.png", "a"))
			require.NoError(t, err)
			assert.Equal(t, tt.duplicate, res.Duplicate)
			if tt.duplicate {
				assert.Equal(t, uint(9), res.ResourceID)
				assert.True(t, h.noWrites())
			} else {
				assert.Equal(t, 1, h.resources.count())
			}
		})
	}
}

func TestIdenticalUploadsCreateOneResource(t *testing.T) {
	h := newHarness()
	h.extractor.block = make(chan struct{})

	const n = 4
	results := make([]*IngestResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.engine.Ingest(context.Background(), upload("same.png", "identical bytes"))
		}(i)
	}
	close(h.extractor.block)
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !results[i].Duplicate {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, h.resources.count())
	id := h.resources.only().ID
	for _, r := range results {
		assert.Equal(t, id, r.ResourceID)
	}
	assert.Len(t, h.resIndex.payloads(), 1)
}

func TestHashFastPathSkipsExtraction(t *testing.T) {
	h := newHarness()
	first, err := h.engine.Ingest(context.Background(), upload("a.png", "same"))
	require.NoError(t, err)

	// Even with a dissimilar embedding, identical bytes are a duplicate.
	h.extractor.imageVec = basis(3)
	second, err := h.engine.Ingest(context.Background(), upload("b.png", "same"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ResourceID, second.ResourceID)
	assert.Equal(t, int32(1), h.extractor.calls.Load())
}

func TestEmptyExtraction(t *testing.T) {
	h := newHarness()
	h.extractor.keywords = []domain.ExtractedKeyword{}

	res, err := h.engine.Ingest(context.Background(), upload("clip.mp4", "video bytes"))
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.Empty(t, res.KeywordIDs)
	assert.Equal(t, 0, h.keywords.count())
	assert.Empty(t, h.kwIndex.payloads())
	stored := h.resources.only()
	assert.Empty(t, stored.KeywordIDs)
	assert.Equal(t, uint(2), stored.ResourceTypeID, "video type row")
}

func TestRejectedBeforeAnyWork(t *testing.T) {
	tests := []struct {
		name string
		up   *Upload
		want error
	}{
		{"unsupported type", &Upload{Filename: "doc.pdf", ContentType: "application/pdf", Data: []byte("x")}, domain.ErrUnsupportedMediaType},
		{"empty upload", &Upload{Filename: "a.png", ContentType: "image/png"}, domain.ErrInvalidInput},
		{"no extension", &Upload{Filename: "noext", ContentType: "image/png", Data: []byte("x")}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			_, err := h.engine.Ingest(context.Background(), tt.up)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(0), h.extractor.calls.Load())
			assert.True(t, h.noWrites())
			assert.Empty(t, h.resIndex.payloads())
		})
	}
}

func TestExtractionFailureWritesNothing(t *testing.T) {
	h := newHarness()
	h.extractor.err = errors.New("model timeout")

	_, err := h.engine.Ingest(context.Background(), upload("a.png", "a"))
	assert.ErrorIs(t, err, domain.ErrExtractionFailure)
	assert.True(t, h.noWrites())
	assert.Empty(t, h.resIndex.payloads())
}

func TestUnavailableStoreIsNotTreatedAsNoMatch(t *testing.T) {
	t.Run("content hash lookup", func(t *testing.T) {
		h := newHarness()
		h.resources.hashErr = domain.ErrStoreUnavailable
		_, err := h.engine.Ingest(context.Background(), upload("a.png", "a"))
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.Equal(t, int32(0), h.extractor.calls.Load())
		assert.True(t, h.noWrites())
	})
	t.Run("resource index search", func(t *testing.T) {
		h := newHarness()
		h.resIndex.searchErr = errors.New("connection refused")
		_, err := h.engine.Ingest(context.Background(), upload("a.png", "a"))
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.True(t, h.noWrites())
	})
}

func TestResourceEmbeddingFailureCompensates(t *testing.T) {
	h := newHarness()
	h.extractor.keywords = []domain.ExtractedKeyword{{Word: "cat", Category: "subject"}}
	h.extractor.textVecs["cat"] = basis(1)
	h.resIndex.insertErr = errors.New("index down")

	_, err := h.engine.Ingest(context.Background(), upload("a.png", "a"))
	require.ErrorIs(t, err, domain.ErrPartialCommit)

	assert.Equal(t, 0, h.resources.count(), "resource row rolled back")
	exists, _ := h.blobs.Exists(context.Background(), "a.png")
	assert.False(t, exists, "blob rolled back")
	assert.Equal(t, 1, h.keywords.count(), "fully committed keyword is kept")
	assert.Len(t, h.kwIndex.payloads(), 1)
}

func TestKeywordEmbeddingFailureRemovesKeywordRow(t *testing.T) {
	h := newHarness()
	h.extractor.keywords = []domain.ExtractedKeyword{{Word: "cat", Category: "subject"}}
	h.extractor.textVecs["cat"] = basis(1)
	h.kwIndex.insertErr = errors.New("index down")

	_, err := h.engine.Ingest(context.Background(), upload("a.png", "a"))
	require.ErrorIs(t, err, domain.ErrPartialCommit)

	assert.Equal(t, 0, h.keywords.count())
	assert.Equal(t, 0, h.resources.count())
	exists, _ := h.blobs.Exists(context.Background(), "a.png")
	assert.False(t, exists)
}

func TestMissingCategoryIsLookupFailure(t *testing.T) {
	h := newHarness()
	h.extractor.keywords = []domain.ExtractedKeyword{{Word: "red", Category: "color"}}
	h.extractor.textVecs["red"] = basis(1)

	_, err := h.engine.Ingest(context.Background(), upload("a.png", "a"))
	assert.ErrorIs(t, err, domain.ErrLookupFailure)
	assert.ErrorIs(t, err, domain.ErrPartialCommit)
	assert.Equal(t, 0, h.resources.count())
	exists, _ := h.blobs.Exists(context.Background(), "a.png")
	assert.False(t, exists)
}

func TestPreexistingBlobIsNotDeletedOnRollback(t *testing.T) {
	h := newHarness()
	h.blobs.objects["a.png"] = []byte("older")
	h.resIndex.insertErr = errors.New("index down")

	_, err := h.engine.Ingest(context.Background(), upload("a.png", "a"))
	require.ErrorIs(t, err, domain.ErrPartialCommit)

	exists, _ := h.blobs.Exists(context.Background(), "a.png")
	assert.True(t, exists)
}

func TestRepeatedNovelKeywordCreatesOneEntity(t *testing.T) {
	h := newHarness()
	h.extractor.keywords = []domain.ExtractedKeyword{
		{Word: "cat", Category: "subject"},
		{Word: "cat", Category: "subject"},
	}
	h.extractor.textVecs["cat"] = basis(1)

	res, err := h.engine.Ingest(context.Background(), upload("a.png", "a"))
	require.NoError(t, err)

	require.Len(t, res.KeywordIDs, 2)
	assert.Equal(t, res.KeywordIDs[0], res.KeywordIDs[1])
	assert.Equal(t, 1, h.keywords.count())
	assert.Len(t, h.kwIndex.payloads(), 1)
	assert.Len(t, res.NewKeywordIDs, 1)
}

func TestConcurrentWriterWinsContentHash(t *testing.T) {
	tests := []struct {
		name       string
		winnerName string
		keepBlob   bool
	}{
		{"winner under another name", "winner.png", false},
		{"winner under the same name", "a.png", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness()
			h.resources.raceWinner = tt.winnerName
			up := upload("a.png", "a")

			res, err := h.engine.Ingest(ctx, up)
			require.NoError(t, err)

			assert.True(t, res.Duplicate)
			winner := h.resources.only()
			assert.Equal(t, winner.ID, res.ResourceID)
			assert.Empty(t, h.resIndex.payloads())

			body, err := h.blobs.Download(ctx, "a.png")
			if !tt.keepBlob {
				assert.ErrorIs(t, err, domain.ErrNotFound, "loser's blob rolled back")
				return
			}
			require.NoError(t, err, "winner's blob must survive the loser's rollback")
			defer body.Close()
			stored, err := io.ReadAll(body)
			require.NoError(t, err)
			assert.Equal(t, up.Data, stored)
		})
	}
}

func TestNewDedupEngineThresholdDefault(t *testing.T) {
	e := NewDedupEngine(nil, nil, nil, nil, nil, nil, nil, nil, &DedupConfig{Threshold: 1.5})
	assert.Equal(t, domain.DefaultMatchThreshold, e.Threshold())
}
