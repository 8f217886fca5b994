package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/xbutler/internal/api/middleware"
	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/service"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain and service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrQueueFull),
		errors.Is(err, service.ErrIngestStopped),
		errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrExtractionFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as JSON and records it on the context for the request log.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	if status >= http.StatusInternalServerError {
		middleware.GetLogger(c).WithError(err).WithField("status", status).Error("Request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error()})
}

// readMultipartFile reads the "file" form field, capped at maxBytes.
// The content type falls back to the file extension when the client sent none.
func readMultipartFile(c *gin.Context, maxBytes int64) (name, contentType string, data []byte, err error) {
	if maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: file field: %v", domain.ErrInvalidInput, err)
	}
	f, err := fh.Open()
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: open upload: %v", domain.ErrInvalidInput, err)
	}
	defer f.Close()

	data, err = io.ReadAll(f)
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: read upload: %v", domain.ErrInvalidInput, err)
	}
	return fh.Filename, resolveContentType(fh.Header.Get("Content-Type"), fh.Filename), data, nil
}

func resolveContentType(declared, filename string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" || declared == "application/octet-stream" {
		return domain.ContentTypeForFile(filename)
	}
	return declared
}
