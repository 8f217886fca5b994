package handler

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/xbutler/internal/api/middleware"
	"github.com/timmy/xbutler/internal/domain"
	"github.com/timmy/xbutler/internal/logger"
	"github.com/timmy/xbutler/internal/service"
	"github.com/timmy/xbutler/internal/source"
)

// BulkIngester ingests every item a source yields.
type BulkIngester interface {
	IngestFromSource(ctx context.Context, src source.Source, limit int) (*service.IngestStats, error)
}

// AdminHandler triggers bulk ingestion from configured sources.
type AdminHandler struct {
	ingest  BulkIngester
	sources map[string]source.Source

	// Bulk run state
	mu            sync.RWMutex
	isRunning     bool
	currentSource string
	lastStats     *service.IngestStats
	lastRunTime   time.Time
	lastRunStatus string
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - ingest: runs bulk ingestion.
//   - sources: source adapters keyed by the name clients refer to.
//
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(ingest BulkIngester, sources map[string]source.Source) *AdminHandler {
	return &AdminHandler{ingest: ingest, sources: sources}
}

// BulkIngestRequest represents the bulk ingest API request.
type BulkIngestRequest struct {
	Source string `json:"source" binding:"required"`
	Limit  int    `json:"limit" binding:"required,min=1,max=10000"`
}

// BulkIngestStatus represents the bulk ingest state.
type BulkIngestStatus struct {
	IsRunning     bool                 `json:"is_running"`
	Source        string               `json:"source,omitempty"`
	Sources       []string             `json:"sources"`
	LastRunTime   string               `json:"last_run_time,omitempty"`
	LastRunStatus string               `json:"last_run_status,omitempty"`
	LastStats     *service.IngestStats `json:"last_stats,omitempty"`
}

// TriggerIngest handles POST /api/v1/admin/ingest.
// Only one bulk run may be active; the run continues after the response is written.
func (h *AdminHandler) TriggerIngest(c *gin.Context) {
	ctx := c.Request.Context()
	log := middleware.GetLogger(c)

	var req BulkIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	src, ok := h.sources[req.Source]
	if !ok {
		respondError(c, fmt.Errorf("%w: unknown source %q", domain.ErrInvalidInput, req.Source))
		return
	}

	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		log.WithField("source", req.Source).Warn("Bulk ingest rejected: already running")
		c.JSON(http.StatusConflict, ErrorResponse{Error: "bulk ingest is already running"})
		return
	}
	h.isRunning = true
	h.currentSource = req.Source
	h.mu.Unlock()

	log.WithFields(logger.Fields{
		"source": req.Source,
		"limit":  req.Limit,
	}).Info("Starting bulk ingest")

	// Detached so the run outlives the request.
	runCtx := context.WithoutCancel(ctx)
	go h.run(runCtx, req.Source, src, req.Limit)

	c.JSON(http.StatusAccepted, gin.H{"message": "bulk ingest started", "source": req.Source})
}

func (h *AdminHandler) run(ctx context.Context, name string, src source.Source, limit int) {
	start := time.Now()
	stats, err := h.ingest.IngestFromSource(ctx, src, limit)

	h.mu.Lock()
	h.isRunning = false
	h.currentSource = ""
	h.lastStats = stats
	h.lastRunTime = time.Now()
	if err != nil {
		h.lastRunStatus = "failed: " + err.Error()
	} else {
		h.lastRunStatus = "success"
	}
	h.mu.Unlock()

	entry := logger.FromContext(ctx).WithFields(logger.Fields{
		"source":               name,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("Bulk ingest failed")
		return
	}
	entry.WithField(logger.FieldCount, stats.TotalItems).Info("Bulk ingest completed")
}

// GetIngestStatus handles GET /api/v1/admin/ingest.
func (h *AdminHandler) GetIngestStatus(c *gin.Context) {
	names := make([]string, 0, len(h.sources))
	for name := range h.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := BulkIngestStatus{
		IsRunning:     h.isRunning,
		Source:        h.currentSource,
		Sources:       names,
		LastRunStatus: h.lastRunStatus,
		LastStats:     h.lastStats,
	}
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}
