package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/service"
)

// Ingester accepts uploads for background ingestion.
type Ingester interface {
	Submit(ctx context.Context, up *service.Upload) (*domain.IngestJob, error)
	GetJob(ctx context.Context, id string) (*domain.IngestJob, error)
}

// ResourceOpener resolves a resource and opens its stored bytes.
type ResourceOpener interface {
	OpenResource(ctx context.Context, id uint) (*domain.Resource, io.ReadCloser, error)
}

// ResourceHandler handles resource upload, fetch and job status endpoints.
type ResourceHandler struct {
	ingest        Ingester
	resources     ResourceOpener
	maxUploadSize int64
}

// NewResourceHandler creates a new resource handler.
// Parameters:
//   - ingest: queues uploads and reports job state.
//   - resources: opens stored resources.
//   - maxUploadSize: request body cap in bytes; zero disables the cap.
//
// Returns:
//   - *ResourceHandler: initialized handler.
func NewResourceHandler(ingest Ingester, resources ResourceOpener, maxUploadSize int64) *ResourceHandler {
	return &ResourceHandler{
		ingest:        ingest,
		resources:     resources,
		maxUploadSize: maxUploadSize,
	}
}

// UploadResponse is returned when an upload has been queued.
type UploadResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

// Upload handles POST /api/v1/resource.
// The upload is validated and queued; ingestion continues after the response is written.
func (h *ResourceHandler) Upload(c *gin.Context) {
	name, contentType, data, err := readMultipartFile(c, h.maxUploadSize)
	if err != nil {
		respondError(c, err)
		return
	}

	job, err := h.ingest.Submit(c.Request.Context(), &service.Upload{
		Filename:    name,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Location", "/api/v1/resource/jobs/"+job.ID)
	c.JSON(http.StatusAccepted, UploadResponse{JobID: job.ID, Status: job.Status})
}

// GetJob handles GET /api/v1/resource/jobs/:id.
func (h *ResourceHandler) GetJob(c *gin.Context) {
	job, err := h.ingest.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Get handles GET /api/v1/resource/:id and streams the stored media.
func (h *ResourceHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, fmt.Errorf("%w: resource id %q", domain.ErrInvalidInput, c.Param("id")))
		return
	}

	res, body, err := h.resources.OpenResource(c.Request.Context(), uint(id))
	if err != nil {
		respondError(c, err)
		return
	}
	defer body.Close()

	mediaType := domain.ContentTypeForFile(res.Name)
	if kind := res.ResourceKind(); kind.Valid() {
		mediaType = kind.MediaType()
	}
	// Blobs are keyed by name and may have been overwritten since the row was
	// written, so the row's FileSize is not trusted as the length.
	c.DataFromReader(http.StatusOK, -1, mediaType, body, map[string]string{
		"Content-Disposition": fmt.Sprintf("inline; filename=%q", res.Name),
	})
}
