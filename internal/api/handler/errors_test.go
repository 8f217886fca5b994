package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/service"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: empty upload", domain.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: %q", domain.ErrUnsupportedMediaType, "text/plain"), http.StatusUnsupportedMediaType},
		{fmt.Errorf("resource 4: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("search: %w", domain.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{service.ErrQueueFull, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: embed: timeout", domain.ErrExtractionFailure), http.StatusBadGateway},
		{fmt.Errorf("%w at keywords_written: %w", domain.ErrPartialCommit, domain.ErrLookupFailure), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestResolveContentType(t *testing.T) {
	assert.Equal(t, "image/png", resolveContentType("", "a.PNG"))
	assert.Equal(t, "video/mp4", resolveContentType("application/octet-stream", "clip.mp4"))
	assert.Equal(t, "image/gif", resolveContentType(" image/gif ", "a.png"))
	assert.Equal(t, "application/octet-stream", resolveContentType("", "notes"))
}
