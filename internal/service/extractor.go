package service

import (
	"context"
	"fmt"

	"github.com/timmy/xbutler/internal/domain"
)

// Embedder maps text and media into one shared vector space.
type Embedder interface {
	EmbedText(ctx context.Context, texts []string) ([][]float32, error)
	EmbedImage(ctx context.Context, raw []byte, contentType string) ([]float32, error)
}

// FeatureExtractor turns raw media into keywords and embeddings.
type FeatureExtractor interface {
	Embedder
	ExtractKeywords(ctx context.Context, raw []byte, contentType string) ([]domain.ExtractedKeyword, error)
}

// ModelExtractor combines the vision language model and the CLIP embedder.
// Every failure is reported as domain.ErrExtractionFailure.
type ModelExtractor struct {
	vlm       *VLMService
	embedding *EmbeddingService
}

// NewModelExtractor creates a FeatureExtractor backed by remote models.
func NewModelExtractor(vlm *VLMService, embedding *EmbeddingService) *ModelExtractor {
	return &ModelExtractor{vlm: vlm, embedding: embedding}
}

func (e *ModelExtractor) ExtractKeywords(ctx context.Context, raw []byte, contentType string) ([]domain.ExtractedKeyword, error) {
	kws, err := e.vlm.ExtractKeywords(ctx, raw, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: keywords: %w", domain.ErrExtractionFailure, err)
	}
	return kws, nil
}

func (e *ModelExtractor) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.embedding.EmbedText(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: text embedding: %w", domain.ErrExtractionFailure, err)
	}
	return vecs, nil
}

func (e *ModelExtractor) EmbedImage(ctx context.Context, raw []byte, contentType string) ([]float32, error) {
	vec, err := e.embedding.EmbedImage(ctx, raw, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: image embedding: %w", domain.ErrExtractionFailure, err)
	}
	return vec, nil
}

// Dimensions returns the embedding width the vector indexes must be created with.
func (e *ModelExtractor) Dimensions() int {
	return e.embedding.GetDimensions()
}
