package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/playermarket/internal/api/middleware"
	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/service"
)

// SyncRunner runs, stops and reports on pipeline runs.
type SyncRunner interface {
	Run(ctx context.Context, syncType domain.SyncType) (*service.RunReport, error)
	Stop(ctx context.Context) (*service.StopResult, error)
	Status(ctx context.Context, kind service.StatusType, limit int) (interface{}, error)
}

// ChunkRunner runs one bounded chunk of a stage.
type ChunkRunner interface {
	RunChunk(ctx context.Context, stage domain.StageName, opts service.ChunkOptions) (*service.ChunkResult, error)
}

// SyncHandler handles the sync pipeline endpoints.
type SyncHandler struct {
	runner SyncRunner
	chunks ChunkRunner
}

// NewSyncHandler creates a new sync handler.
// Parameters:
//   - runner: orchestrator used for full runs, stop and status.
//   - chunks: chunk controller used for continuation calls.
// Returns:
//   - *SyncHandler: initialized handler.
func NewSyncHandler(runner SyncRunner, chunks ChunkRunner) *SyncHandler {
	return &SyncHandler{runner: runner, chunks: chunks}
}

// RunRequest represents the body of POST /api/v1/sync.
type RunRequest struct {
	SyncType string `json:"syncType"`
}

// ChunkRequest represents the body of POST /api/v1/sync/chunk.
type ChunkRequest struct {
	Stage        string `json:"stage"`
	MaxPages     int    `json:"maxPages" binding:"min=0"`
	ContinueFrom string `json:"continueFrom"`
}

// Run handles POST /api/v1/sync.
// The run outlives a disconnected client; only an explicit stop cancels it.
func (h *SyncHandler) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if req.SyncType == "" {
		req.SyncType = string(domain.SyncTypeDaily)
	}
	syncType, ok := domain.ParseSyncType(req.SyncType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown syncType: " + req.SyncType})
		return
	}

	report, err := h.runner.Run(context.WithoutCancel(c.Request.Context()), syncType)
	if err != nil {
		h.fail(c, "Sync failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Chunk handles POST /api/v1/sync/chunk.
func (h *SyncHandler) Chunk(c *gin.Context) {
	var req ChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	res, err := h.chunks.RunChunk(context.WithoutCancel(c.Request.Context()), domain.StageName(req.Stage), service.ChunkOptions{
		MaxPages:     req.MaxPages,
		ContinueFrom: req.ContinueFrom,
	})
	if err != nil {
		h.fail(c, "Chunk failed", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stop handles POST /api/v1/sync/stop.
func (h *SyncHandler) Stop(c *gin.Context) {
	res, err := h.runner.Stop(c.Request.Context())
	if err != nil {
		h.fail(c, "Stop failed", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Status handles GET /api/v1/sync/status?type=current|latest|history|stats&limit=N.
func (h *SyncHandler) Status(c *gin.Context) {
	kind := service.StatusType(c.DefaultQuery("type", string(service.StatusCurrent)))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	res, err := h.runner.Status(c.Request.Context(), kind, limit)
	if err != nil {
		h.fail(c, "Status failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": kind, "data": res})
}

func (h *SyncHandler) fail(c *gin.Context, what string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		middleware.GetLogger(c).WithError(err).Error(what)
	}
	c.JSON(status, gin.H{"error": what + ": " + err.Error()})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnknownSyncType),
		errors.Is(err, service.ErrUnknownStage),
		errors.Is(err, service.ErrStageNotChunkable),
		errors.Is(err, service.ErrUnknownStatusType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
