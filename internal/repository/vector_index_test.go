package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/xbutler/internal/domain"
)

func newChromemIndex(t *testing.T, dim int) *ChromemIndex {
	t.Helper()
	store, err := NewChromemStore("", false)
	require.NoError(t, err)
	idx, err := store.Index("resource_embd", PayloadResourceID, dim)
	require.NoError(t, err)
	return idx
}

func TestChromemEmptySearchIsNotAnError(t *testing.T) {
	idx := newChromemIndex(t, 3)
	got, err := idx.Search(context.Background(), []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChromemSearchRanksAndCapsTopK(t *testing.T) {
	ctx := context.Background()
	idx := newChromemIndex(t, 3)

	_, err := idx.Insert(ctx, 10, []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = idx.Insert(ctx, 20, []float32{0, 1, 0})
	require.NoError(t, err)

	got, err := idx.Search(ctx, []float32{0.9, 0.1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint(10), got[0].PayloadID)
	assert.Equal(t, uint(20), got[1].PayloadID)
	assert.Greater(t, got[0].Similarity, got[1].Similarity)
}

func TestChromemTiesGoToFirstInserted(t *testing.T) {
	ctx := context.Background()
	idx := newChromemIndex(t, 2)

	for _, id := range []uint{3, 1, 2} {
		_, err := idx.Insert(ctx, id, []float32{0, 1})
		require.NoError(t, err)
	}

	got, err := idx.Search(ctx, []float32{0, 1}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []uint{3, 1, 2}, []uint{got[0].PayloadID, got[1].PayloadID, got[2].PayloadID})
}

func TestChromemTopOneTieGoesToFirstInserted(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		count int
	}{
		{"inside initial window", 8},
		{"wider than initial window", 3*tieWindow + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := newChromemIndex(t, 2)
			for id := 1; id <= tt.count; id++ {
				_, err := idx.Insert(ctx, uint(id), []float32{1, 1})
				require.NoError(t, err)
			}

			// chromem scans concurrently, so repeat to make an arbitrary pick visible.
			for range 50 {
				got, err := idx.Search(ctx, []float32{1, 1}, domain.MatchTopK)
				require.NoError(t, err)
				require.Len(t, got, 1)
				require.Equal(t, uint(1), got[0].PayloadID)
			}
		})
	}
}

func TestChromemDeleteAndDimensionCheck(t *testing.T) {
	ctx := context.Background()
	idx := newChromemIndex(t, 2)

	_, err := idx.Insert(ctx, 1, []float32{1, 0, 0})
	assert.Error(t, err)

	pointID, err := idx.Insert(ctx, 1, []float32{1, 0})
	require.NoError(t, err)
	require.NoError(t, idx.Delete(ctx, pointID))

	got, err := idx.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRankHits(t *testing.T) {
	got := rankHits([]rankedHit{
		{match: domain.Match{Similarity: 0.5, PayloadID: 1}, insertedAt: 1},
		{match: domain.Match{Similarity: 0.9, PayloadID: 2}, insertedAt: 5},
		{match: domain.Match{Similarity: 0.9, PayloadID: 3}, insertedAt: 2},
	})
	assert.Equal(t, []domain.Match{
		{Similarity: 0.9, PayloadID: 3},
		{Similarity: 0.9, PayloadID: 2},
		{Similarity: 0.5, PayloadID: 1},
	}, got)
}

// shuffledFetcher serves the first limit points of a fixed pool in the given
// order, like a backend that orders exact ties however it likes.
func shuffledFetcher(pool []rankedHit, limits *[]int) hitFetcher {
	return func(_ context.Context, limit int) ([]rankedHit, bool, error) {
		*limits = append(*limits, limit)
		if limit >= len(pool) {
			return append([]rankedHit(nil), pool...), true, nil
		}
		return append([]rankedHit(nil), pool[:limit]...), false, nil
	}
}

func TestSearchRankedWidensUntilTiesAreSeen(t *testing.T) {
	// Thirty tied points, the first-inserted one served last.
	var pool []rankedHit
	for i := 30; i >= 1; i-- {
		pool = append(pool, rankedHit{match: domain.Match{Similarity: 0.97, PayloadID: uint(i)}, insertedAt: int64(i)})
	}
	pool = append(pool, rankedHit{match: domain.Match{Similarity: 0.2, PayloadID: 99}, insertedAt: 0})

	var limits []int
	got, err := searchRanked(context.Background(), 1, shuffledFetcher(pool, &limits))
	require.NoError(t, err)
	assert.Equal(t, []domain.Match{{Similarity: 0.97, PayloadID: 1}}, got)
	assert.Equal(t, []int{1 + tieWindow, 2 * (1 + tieWindow), 4 * (1 + tieWindow)}, limits)
}

func TestSearchRankedStopsBelowCutoff(t *testing.T) {
	pool := []rankedHit{
		{match: domain.Match{Similarity: 0.9, PayloadID: 2}, insertedAt: 2},
		{match: domain.Match{Similarity: 0.9, PayloadID: 1}, insertedAt: 1},
	}
	for i := 0; i < 2*tieWindow; i++ {
		pool = append(pool, rankedHit{match: domain.Match{Similarity: 0.1, PayloadID: uint(100 + i)}, insertedAt: int64(100 + i)})
	}

	var limits []int
	got, err := searchRanked(context.Background(), 2, shuffledFetcher(pool, &limits))
	require.NoError(t, err)
	assert.Equal(t, []domain.Match{{Similarity: 0.9, PayloadID: 1}, {Similarity: 0.9, PayloadID: 2}}, got)
	assert.Equal(t, []int{2 + tieWindow}, limits)
}

func TestSearchRankedPropagatesFetchError(t *testing.T) {
	boom := errors.New("index down")
	_, err := searchRanked(context.Background(), 1, func(context.Context, int) ([]rankedHit, bool, error) {
		return nil, false, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := searchRanked(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
