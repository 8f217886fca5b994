package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/xbutler/internal/config"
)

const (
	jinaEndpoint = "https://api.jina.ai/v1/embeddings"
)

// EmbeddingService produces CLIP-style vectors for text and images in one shared space.
type EmbeddingService struct {
	client     *resty.Client
	provider   string
	model      string
	endpoint   string
	dimensions int
}

// NewEmbeddingService creates a new embedding service.
// Parameters:
//   - cfg: embedding configuration; provider "jina" or "openai-compatible".
//
// Returns:
//   - *EmbeddingService: initialized client.
//   - error: non-nil if the configuration is incomplete.
func NewEmbeddingService(cfg *config.EmbeddingConfig) (*EmbeddingService, error) {
	cfg.ResolveEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(60 * time.Second)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	endpoint := jinaEndpoint
	if cfg.BaseURL != "" {
		endpoint = strings.TrimSuffix(cfg.BaseURL, "/") + "/embeddings"
	}

	return &EmbeddingService{
		client:     client,
		provider:   cfg.Provider,
		model:      cfg.Model,
		endpoint:   endpoint,
		dimensions: cfg.Dimensions,
	}, nil
}

// GetModel returns the model name being used.
func (s *EmbeddingService) GetModel() string {
	return s.model
}

// GetDimensions returns the configured vector dimension.
func (s *EmbeddingService) GetDimensions() int {
	return s.dimensions
}

// Jina multimodal input: exactly one of Text or Image is set per item.
type jinaInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type jinaRequest struct {
	Model         string      `json:"model"`
	Dimensions    int         `json:"dimensions,omitempty"`
	Normalized    bool        `json:"normalized"`
	EmbeddingType string      `json:"embedding_type,omitempty"`
	Input         []jinaInput `json:"input"`
}

type openAIEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// EmbedText returns one vector per text, in input order.
func (s *EmbeddingService) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	var body interface{}
	if s.provider == "jina" {
		inputs := make([]jinaInput, len(texts))
		for i, t := range texts {
			inputs[i] = jinaInput{Text: t}
		}
		body = s.jinaBody(inputs)
	} else {
		body = openAIEmbeddingRequest{Model: s.model, Input: texts, Dimensions: s.dimensions}
	}
	return s.post(ctx, body, len(texts))
}

// EmbedImage returns the vector of one image (or video) given as raw bytes.
func (s *EmbeddingService) EmbedImage(ctx context.Context, raw []byte, contentType string) ([]float32, error) {
	encoded := base64.StdEncoding.EncodeToString(raw)
	var body interface{}
	if s.provider == "jina" {
		body = s.jinaBody([]jinaInput{{Image: encoded}})
	} else {
		dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, encoded)
		body = openAIEmbeddingRequest{Model: s.model, Input: []string{dataURL}, Dimensions: s.dimensions}
	}
	vecs, err := s.post(ctx, body, 1)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *EmbeddingService) jinaBody(inputs []jinaInput) jinaRequest {
	return jinaRequest{
		Model:         s.model,
		Dimensions:    s.dimensions,
		Normalized:    true,
		EmbeddingType: "float",
		Input:         inputs,
	}
}

func (s *EmbeddingService) post(ctx context.Context, body interface{}, want int) ([][]float32, error) {
	var resp embeddingResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&resp).
		SetError(&resp).
		Post(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding API: %w", err)
	}

	if httpResp.StatusCode() != 200 {
		switch {
		case resp.Detail != "":
			return nil, fmt.Errorf("embedding API error: %s", resp.Detail)
		case resp.Error != nil:
			return nil, fmt.Errorf("embedding API error: %s", resp.Error.Message)
		}
		return nil, fmt.Errorf("embedding API error: status %d", httpResp.StatusCode())
	}

	if len(resp.Data) != want {
		return nil, fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(resp.Data), want)
	}

	embeddings := make([][]float32, want)
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= want {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		if len(item.Embedding) != s.dimensions {
			return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(item.Embedding), s.dimensions)
		}
		embeddings[item.Index] = normalize(item.Embedding)
	}
	for i, e := range embeddings {
		if e == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return embeddings, nil
}

// normalize scales v to unit length so cosine similarity equals the dot product.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
