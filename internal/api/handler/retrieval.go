package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/service"
)

// Retriever answers similarity and keyword queries over stored resources.
type Retriever interface {
	TopK(requested *int) (int, error)
	ByImage(ctx context.Context, raw []byte, contentType string, topK int) (*service.RetrievalResponse, error)
	ByText(ctx context.Context, text string, topK int) (*service.RetrievalResponse, error)
	ByKeywords(ctx context.Context, keywordIDs []uint, topK int) (*service.RetrievalResponse, error)
}

// RetrievalHandler handles retrieval endpoints.
type RetrievalHandler struct {
	retrieval     Retriever
	maxUploadSize int64
}

// NewRetrievalHandler creates a new retrieval handler.
func NewRetrievalHandler(retrieval Retriever, maxUploadSize int64) *RetrievalHandler {
	return &RetrievalHandler{retrieval: retrieval, maxUploadSize: maxUploadSize}
}

// KeywordQuery is the body of POST /api/v1/retrieval/keywords.
type KeywordQuery struct {
	KeywordIDs []uint `json:"keyword_ids" binding:"required"`
	TopK       *int   `json:"topk"`
}

// ByImage handles POST /api/v1/retrieval/image.
// Accepts either a multipart "file" field or the raw image as the request body.
func (h *RetrievalHandler) ByImage(c *gin.Context) {
	topK, err := h.queryTopK(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var contentType string
	var data []byte
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		_, contentType, data, err = readMultipartFile(c, h.maxUploadSize)
	} else {
		contentType = c.ContentType()
		data, err = h.readBody(c)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	resp, err := h.retrieval.ByImage(c.Request.Context(), data, contentType, topK)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ByText handles GET /api/v1/retrieval/text?text=...&topk=N.
func (h *RetrievalHandler) ByText(c *gin.Context) {
	topK, err := h.queryTopK(c)
	if err != nil {
		respondError(c, err)
		return
	}
	resp, err := h.retrieval.ByText(c.Request.Context(), c.Query("text"), topK)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ByKeywords handles POST /api/v1/retrieval/keywords.
func (h *RetrievalHandler) ByKeywords(c *gin.Context) {
	var req KeywordQuery
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}
	topK, err := h.retrieval.TopK(req.TopK)
	if err != nil {
		respondError(c, err)
		return
	}
	resp, err := h.retrieval.ByKeywords(c.Request.Context(), req.KeywordIDs, topK)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *RetrievalHandler) queryTopK(c *gin.Context) (int, error) {
	raw, ok := c.GetQuery("topk")
	if !ok || raw == "" {
		return h.retrieval.TopK(nil)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: topk %q", domain.ErrInvalidInput, raw)
	}
	return h.retrieval.TopK(&n)
}

func (h *RetrievalHandler) readBody(c *gin.Context) ([]byte, error) {
	body := io.Reader(c.Request.Body)
	if h.maxUploadSize > 0 {
		body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrInvalidInput, err)
	}
	return data, nil
}
