package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lumenforge/generation-service/internal/notify"
)

// NotificationListResponse wraps the persisted notification records.
type NotificationListResponse struct {
	Notifications []notify.Record `json:"notifications"`
	Count         int             `json:"count"`
}

// ListNotifications returns the most recent notification records.
// GET /internal/notifications?limit=50
func (h *Handlers) ListNotifications(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	records, err := h.Notifications.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}

	c.JSON(http.StatusOK, NotificationListResponse{
		Notifications: records,
		Count:         len(records),
	})
}
