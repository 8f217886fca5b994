package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/xbutler/internal/config"
	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/prompts"
)

// VLMService extracts keywords from media with an OpenAI-compatible vision language model.
type VLMService struct {
	client    *resty.Client
	model     string
	endpoint  string
	maxTokens int
	prompts   *prompts.Set
}

// NewVLMService creates a new VLM service.
// Parameters:
//   - cfg: VLM configuration including model, API key and base URL.
//   - set: prompt set whose characteristics prompt is sent and whose suffixes parse the answer.
//
// Returns:
//   - *VLMService: initialized VLM client wrapper.
func NewVLMService(cfg *config.VLMConfig, set *prompts.Set) *VLMService {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client.SetTimeout(timeout)

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 128
	}

	return &VLMService{
		client:    client,
		model:     cfg.Model,
		endpoint:  baseURL + "/chat/completions",
		maxTokens: maxTokens,
		prompts:   set,
	}
}

// GetModel returns the model name being used.
func (s *VLMService) GetModel() string {
	return s.model
}

// OpenAI-compatible Chat Completion API request/response structures
type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string, or []interface{} when media is attached
}

type openAITextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type openAIImageContent struct {
	Type     string         `json:"type"`
	ImageURL openAIMediaURL `json:"image_url"`
}

// openAIVideoContent is the video part accepted by vLLM-style servers hosting video-capable VLMs.
type openAIVideoContent struct {
	Type     string         `json:"type"`
	VideoURL openAIMediaURL `json:"video_url"`
}

type openAIMediaURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Describe asks the model the characteristics prompt about raw.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - raw: media bytes.
//   - contentType: MIME type of raw; video/* is sent as a video part.
//
// Returns:
//   - string: the model's raw answer.
//   - error: non-nil if the API request fails.
func (s *VLMService) Describe(ctx context.Context, raw []byte, contentType string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(raw))

	var media interface{} = openAIImageContent{
		Type:     "image_url",
		ImageURL: openAIMediaURL{URL: dataURL, Detail: "auto"},
	}
	if kind, _ := domain.ResourceTypeFromContentType(contentType); kind == domain.ResourceTypeVideo {
		media = openAIVideoContent{Type: "video_url", VideoURL: openAIMediaURL{URL: dataURL}}
	}

	req := openAIRequest{
		Model: s.model,
		Messages: []openAIMessage{
			{
				Role: "user",
				Content: []interface{}{
					media,
					openAITextContent{Type: "text", Text: s.prompts.Characteristics},
				},
			},
		},
		MaxTokens: s.maxTokens,
	}

	var resp openAIResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to call VLM API: %w", err)
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		if resp.Error != nil {
			return "", fmt.Errorf("VLM API returned error: HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
		}
		return "", fmt.Errorf("VLM API returned error: HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
	}
	if resp.Error != nil {
		return "", fmt.Errorf("VLM API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from VLM API: no choices (status: %d)", httpResp.StatusCode())
	}

	return resp.Choices[0].Message.Content, nil
}

// ExtractKeywords describes raw and parses the answer into keywords, one per matched category.
func (s *VLMService) ExtractKeywords(ctx context.Context, raw []byte, contentType string) ([]domain.ExtractedKeyword, error) {
	answer, err := s.Describe(ctx, raw, contentType)
	if err != nil {
		return nil, err
	}
	return s.prompts.ExtractKeywords(answer), nil
}
