// Package claude exposes the Claude-dialect HTTP endpoints.
package claude

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modelbridge/modelbridge/internal/api/handlers"
)

// Handler serves the Claude Messages endpoints.
type Handler struct {
	*handlers.BaseHandler
}

// NewHandler wraps the shared pipeline core.
func NewHandler(base *handlers.BaseHandler) *Handler {
	return &Handler{BaseHandler: base}
}

// Messages handles POST /v1/messages.
func (h *Handler) Messages(c *gin.Context) {
	h.ProcessMessages(c)
}

// Models handles GET /v1/models in the Claude listing shape.
func (h *Handler) Models(c *gin.Context) {
	aliases := h.Table().Aliases()
	data := make([]gin.H, 0, len(aliases))
	now := time.Now().Format(time.RFC3339)
	for _, alias := range aliases {
		data = append(data, gin.H{
			"type":         "model",
			"id":           alias,
			"display_name": alias,
			"created_at":   now,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"data":     data,
		"has_more": false,
	})
}
