package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/timmy/xbutler/internal/domain"
)

// ChromemStore is an embedded vector database, persisted to disk or held in memory.
type ChromemStore struct {
	db *chromem.DB
}

// NewChromemStore opens a persistent chromem database at path; an empty path keeps everything in memory.
func NewChromemStore(path string, compress bool) (*ChromemStore, error) {
	if path == "" {
		return &ChromemStore{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("failed to open chromem db at %s: %w", path, err)
	}
	return &ChromemStore{db: db}, nil
}

// noEmbed rejects implicit embedding; every document here arrives with its vector.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem collections in xbutler require precomputed embeddings")
}

// ChromemIndex is one chromem collection whose documents carry a single payload id.
type ChromemIndex struct {
	collection      *chromem.Collection
	payloadKey      string
	vectorDimension int
	seq             atomic.Int64
}

// Index opens or creates a collection.
// Parameters:
//   - name: collection name.
//   - payloadKey: metadata key holding the metadata-store id.
//   - dim: expected vector dimension; non-positive uses the default.
//
// Returns:
//   - *ChromemIndex: index bound to the collection.
//   - error: non-nil if the collection cannot be created.
func (s *ChromemStore) Index(name, payloadKey string, dim int) (*ChromemIndex, error) {
	if dim <= 0 {
		dim = defaultVectorDimension
	}
	col, err := s.db.GetOrCreateCollection(name, map[string]string{"payload_key": payloadKey}, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", name, err)
	}
	idx := &ChromemIndex{collection: col, payloadKey: payloadKey, vectorDimension: dim}
	idx.seq.Store(time.Now().UnixNano())
	return idx, nil
}

// Name returns the collection name.
func (r *ChromemIndex) Name() string {
	return r.collection.Name
}

// Insert adds a document tagged with payloadID and returns its generated id.
func (r *ChromemIndex) Insert(ctx context.Context, payloadID uint, vector []float32) (string, error) {
	if len(vector) != r.vectorDimension {
		return "", fmt.Errorf("vector has %d dimensions, collection %s expects %d", len(vector), r.Name(), r.vectorDimension)
	}

	pointID := uuid.New().String()
	// Strictly increasing even when two inserts land in the same clock tick.
	insertedAt := r.seq.Add(1)
	err := r.collection.AddDocument(ctx, chromem.Document{
		ID:        pointID,
		Embedding: vector,
		Metadata: map[string]string{
			r.payloadKey:       strconv.FormatUint(uint64(payloadID), 10),
			payloadInsertedKey: strconv.FormatInt(insertedAt, 10),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert into %s: %w", r.Name(), err)
	}
	return pointID, nil
}

// Search returns up to topK matches ranked by similarity, ties by insertion order.
// An empty collection yields an empty result, not an error.
func (r *ChromemIndex) Search(ctx context.Context, vector []float32, topK int) ([]domain.Match, error) {
	n := r.collection.Count()
	if topK <= 0 || n == 0 {
		return []domain.Match{}, nil
	}

	return searchRanked(ctx, topK, func(ctx context.Context, limit int) ([]rankedHit, bool, error) {
		// chromem rejects a result count above the document count.
		if limit > n {
			limit = n
		}
		results, err := r.collection.QueryEmbedding(ctx, vector, limit, nil, nil)
		if err != nil {
			return nil, false, fmt.Errorf("failed to search %s: %w", r.Name(), err)
		}

		hits := make([]rankedHit, 0, len(results))
		for _, res := range results {
			id, err := strconv.ParseUint(res.Metadata[r.payloadKey], 10, 64)
			if err != nil {
				return nil, false, fmt.Errorf("document %s in %s has bad %s: %w", res.ID, r.Name(), r.payloadKey, err)
			}
			insertedAt, _ := strconv.ParseInt(res.Metadata[payloadInsertedKey], 10, 64)
			hits = append(hits, rankedHit{
				match:      domain.Match{Similarity: res.Similarity, PayloadID: uint(id)},
				insertedAt: insertedAt,
			})
		}
		return hits, limit == n, nil
	})
}

// Delete removes a document by id.
func (r *ChromemIndex) Delete(ctx context.Context, pointID string) error {
	if err := r.collection.Delete(ctx, nil, nil, pointID); err != nil {
		return fmt.Errorf("failed to delete %s from %s: %w", pointID, r.Name(), err)
	}
	return nil
}
