package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/logger"
	"github.com/timmy/xbutler/internal/repository"
	"github.com/timmy/xbutler/internal/storage"
)

// KeywordRanker ranks resources by how many of a set of keyword ids they reference.
type KeywordRanker interface {
	RankByKeywords(ctx context.Context, keywordIDs []uint, limit int) ([]repository.ResourceRank, error)
}

// RetrievalConfig holds top-k bounds for retrieval.
type RetrievalConfig struct {
	DefaultTopK int
	MaxTopK     int
}

// RetrievalService answers read-only queries against the resource catalogue.
type RetrievalService struct {
	embedder    Embedder
	resources   ResourceStore
	ranker      KeywordRanker
	resIndex    VectorIndex
	blobs       storage.ObjectStorage
	logger      *logger.Logger
	defaultTopK int
	maxTopK     int
}

// NewRetrievalService creates a new retrieval service.
func NewRetrievalService(
	embedder Embedder,
	resources ResourceStore,
	ranker KeywordRanker,
	resIndex VectorIndex,
	blobs storage.ObjectStorage,
	log *logger.Logger,
	cfg *RetrievalConfig,
) *RetrievalService {
	s := &RetrievalService{
		embedder:    embedder,
		resources:   resources,
		ranker:      ranker,
		resIndex:    resIndex,
		blobs:       blobs,
		logger:      log,
		defaultTopK: 2,
		maxTopK:     100,
	}
	if cfg != nil {
		if cfg.DefaultTopK > 0 {
			s.defaultTopK = cfg.DefaultTopK
		}
		if cfg.MaxTopK > 0 {
			s.maxTopK = cfg.MaxTopK
		}
	}
	if s.logger == nil {
		s.logger = logger.GetDefault()
	}
	return s
}

func (s *RetrievalService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// TopK resolves a requested result count: nil means the default, larger values are capped
// and zero stays zero. Negative counts are invalid.
func (s *RetrievalService) TopK(requested *int) (int, error) {
	if requested == nil {
		return s.defaultTopK, nil
	}
	k := *requested
	if k < 0 {
		return 0, fmt.Errorf("%w: topk must not be negative", domain.ErrInvalidInput)
	}
	return min(k, s.maxTopK), nil
}

// RetrievalHit is one ranked resource.
type RetrievalHit struct {
	ResourceID      uint                `json:"resource_id"`
	Name            string              `json:"name"`
	ResourceType    domain.ResourceType `json:"resource_type"`
	Similarity      float32             `json:"similarity,omitempty"`
	MatchedKeywords int64               `json:"matched_keywords,omitempty"`
	Width           int                 `json:"width,omitempty"`
	Height          int                 `json:"height,omitempty"`
}

// RetrievalResponse represents the retrieval response.
type RetrievalResponse struct {
	Results []RetrievalHit `json:"results"`
	Total   int            `json:"total"`
}

// ByImage ranks resources by similarity to an image or video.
func (s *RetrievalService) ByImage(ctx context.Context, raw []byte, contentType string, topK int) (*RetrievalResponse, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty query image", domain.ErrInvalidInput)
	}
	if _, err := domain.ResourceTypeFromContentType(contentType); err != nil {
		return nil, err
	}
	if topK == 0 {
		return emptyResponse(), nil
	}
	vec, err := s.embedder.EmbedImage(ctx, raw, contentType)
	if err != nil {
		return nil, err
	}
	return s.byVector(ctx, vec, topK)
}

// ByText ranks resources by similarity to free text in the shared embedding space.
func (s *RetrievalService) ByText(ctx context.Context, text string, topK int) (*RetrievalResponse, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty query text", domain.ErrInvalidInput)
	}
	if topK == 0 {
		return emptyResponse(), nil
	}
	vecs, err := s.embedder.EmbedText(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return s.byVector(ctx, vecs[0], topK)
}

// ByKeywords ranks resources by how many of keywordIDs they reference; ties go to the older resource.
func (s *RetrievalService) ByKeywords(ctx context.Context, keywordIDs []uint, topK int) (*RetrievalResponse, error) {
	if topK == 0 || len(keywordIDs) == 0 {
		return emptyResponse(), nil
	}
	ranks, err := s.ranker.RankByKeywords(ctx, keywordIDs, topK)
	if err != nil {
		return nil, err
	}
	hits := make([]RetrievalHit, 0, len(ranks))
	for _, r := range ranks {
		hit, ok, err := s.hydrate(ctx, r.ResourceID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		hit.MatchedKeywords = r.Matched
		hits = append(hits, hit)
	}
	return &RetrievalResponse{Results: hits, Total: len(hits)}, nil
}

func (s *RetrievalService) byVector(ctx context.Context, vec []float32, topK int) (*RetrievalResponse, error) {
	matches, err := s.resIndex.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w: %w", s.resIndex.Name(), domain.ErrStoreUnavailable, err)
	}
	hits := make([]RetrievalHit, 0, len(matches))
	for _, m := range matches {
		hit, ok, err := s.hydrate(ctx, m.PayloadID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		hit.Similarity = m.Similarity
		hits = append(hits, hit)
	}
	return &RetrievalResponse{Results: hits, Total: len(hits)}, nil
}

// hydrate loads the resource row behind a hit. A missing row (a point whose resource was
// rolled back) is skipped; an unavailable store is an error.
func (s *RetrievalService) hydrate(ctx context.Context, id uint) (RetrievalHit, bool, error) {
	res, err := s.resources.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		s.log(ctx).WithField(logger.FieldResourceID, id).Warn("Indexed resource has no row")
		return RetrievalHit{}, false, nil
	}
	if err != nil {
		return RetrievalHit{}, false, err
	}
	return RetrievalHit{
		ResourceID:   res.ID,
		Name:         res.Name,
		ResourceType: res.ResourceKind(),
		Width:        res.Width,
		Height:       res.Height,
	}, true, nil
}

func emptyResponse() *RetrievalResponse {
	return &RetrievalResponse{Results: []RetrievalHit{}, Total: 0}
}

// GetResource returns a resource row.
func (s *RetrievalService) GetResource(ctx context.Context, id uint) (*domain.Resource, error) {
	return s.resources.GetByID(ctx, id)
}

// OpenResource returns a resource and a reader over its stored bytes. The caller closes the reader.
func (s *RetrievalService) OpenResource(ctx context.Context, id uint) (*domain.Resource, io.ReadCloser, error) {
	res, err := s.resources.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.blobs.Download(ctx, res.Name)
	if err != nil {
		return nil, nil, err
	}
	return res, rc, nil
}
