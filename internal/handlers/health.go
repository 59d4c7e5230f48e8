package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthDeps are the connectivity probes the health endpoint checks.
type HealthDeps struct {
	Database func(ctx context.Context) error
	Broker   func(ctx context.Context) error
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Broker   string `json:"broker"`
}

// HealthCheck handles the health check endpoint. The broker being down is
// reported but does not fail the check: publishes degrade to the fallback
// queue, so the service is still able to accept work.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	response := HealthResponse{Status: "ok"}

	if h.Health.Database != nil {
		if err := h.Health.Database(ctx); err != nil {
			response.Database = "disconnected"
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
		response.Database = "connected"
	} else {
		response.Database = "not configured"
	}

	if h.Health.Broker != nil {
		if err := h.Health.Broker(ctx); err != nil {
			response.Broker = "disconnected"
		} else {
			response.Broker = "connected"
		}
	} else {
		response.Broker = "not configured"
	}

	c.JSON(http.StatusOK, response)
}
