// Package openai exposes the OpenAI-dialect HTTP endpoints.
package openai

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modelbridge/modelbridge/internal/api/handlers"
)

// Handler serves the Chat Completions endpoints.
type Handler struct {
	*handlers.BaseHandler
}

// NewHandler wraps the shared pipeline core.
func NewHandler(base *handlers.BaseHandler) *Handler {
	return &Handler{BaseHandler: base}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	h.ProcessMessages(c)
}

// Completions handles POST /v1/completions. Legacy callers reach the same
// pipeline; the body shape decides the details.
func (h *Handler) Completions(c *gin.Context) {
	h.ProcessMessages(c)
}

// Models handles GET /v1/models in the OpenAI listing shape.
func (h *Handler) Models(c *gin.Context) {
	aliases := h.Table().Aliases()
	created := time.Now().Unix()
	data := make([]gin.H, 0, len(aliases))
	for _, alias := range aliases {
		data = append(data, gin.H{
			"id":       alias,
			"object":   "model",
			"created":  created,
			"owned_by": "modelbridge",
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}
