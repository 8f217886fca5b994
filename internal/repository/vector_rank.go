package repository

import (
	"context"
	"sort"

	"github.com/timmy/xbutler/internal/domain"
)

// Payload keys shared by every vector backend.
const (
	PayloadResourceID  = "resource_id"
	PayloadKeywordID   = "keyword_id"
	payloadInsertedKey = "inserted_at"
)

// tieWindow is how many hits past topK are requested so points tied at the cut-off come back too.
const tieWindow = 8

type rankedHit struct {
	match      domain.Match
	insertedAt int64
}

// rankHits orders hits by similarity descending; equal similarities keep the first-inserted point first.
func rankHits(hits []rankedHit) []domain.Match {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].match.Similarity != hits[j].match.Similarity {
			return hits[i].match.Similarity > hits[j].match.Similarity
		}
		return hits[i].insertedAt < hits[j].insertedAt
	})

	out := make([]domain.Match, len(hits))
	for i, h := range hits {
		out[i] = h.match
	}
	return out
}

// hitFetcher asks a backend for its best limit hits. exhausted reports that the
// collection holds no further points beyond the ones returned.
type hitFetcher func(ctx context.Context, limit int) (hits []rankedHit, exhausted bool, err error)

// searchRanked keeps widening the fetch window until every point tied with the
// topK-th hit is inside it, then ranks and truncates. Backends order exact ties
// arbitrarily, so a window of exactly topK could drop the first-inserted point.
func searchRanked(ctx context.Context, topK int, fetch hitFetcher) ([]domain.Match, error) {
	if topK <= 0 {
		return []domain.Match{}, nil
	}
	limit := topK + tieWindow
	for {
		hits, exhausted, err := fetch(ctx, limit)
		if err != nil {
			return nil, err
		}
		ranked := rankHits(hits)
		if exhausted || len(ranked) <= topK || ranked[len(ranked)-1].Similarity < ranked[topK-1].Similarity {
			if len(ranked) > topK {
				ranked = ranked[:topK]
			}
			return ranked, nil
		}
		limit *= 2
	}
}
