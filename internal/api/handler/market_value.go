package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/playermarket/internal/api/middleware"
	"github.com/timmy/playermarket/internal/service"
)

// MarketValueRecomputer rebuilds player market values.
type MarketValueRecomputer interface {
	Recompute(ctx context.Context, opts service.RecomputeOptions) (*service.RecomputeResult, error)
}

// MarketValueHandler handles market value endpoints.
type MarketValueHandler struct {
	svc MarketValueRecomputer
}

// NewMarketValueHandler creates a new market value handler.
func NewMarketValueHandler(svc MarketValueRecomputer) *MarketValueHandler {
	return &MarketValueHandler{svc: svc}
}

// RecomputeRequest represents the body of POST /api/v1/market-values/recompute.
type RecomputeRequest struct {
	WindowDays    int  `json:"windowDays" binding:"min=0,max=3650"`
	MinSampleSize int  `json:"minSampleSize" binding:"min=0"`
	ForceUpdate   bool `json:"forceUpdate"`
}

// Recompute handles POST /api/v1/market-values/recompute.
func (h *MarketValueHandler) Recompute(c *gin.Context) {
	var req RecomputeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request: " + err.Error()})
		return
	}

	res, err := h.svc.Recompute(context.WithoutCancel(c.Request.Context()), service.RecomputeOptions{
		WindowDays:    req.WindowDays,
		MinSampleSize: req.MinSampleSize,
		ForceUpdate:   req.ForceUpdate,
	})
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Market value recompute failed")
		body := gin.H{"success": false, "error": err.Error()}
		if res != nil {
			body["runId"] = res.RunID
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}
	if !res.Success {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": res.Message, "runId": res.RunID})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "runId": res.RunID, "metrics": res.Metrics})
}
