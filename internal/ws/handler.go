package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"material-market/internal/models"
)

// Handler provides HTTP handlers for WebSocket connections.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// HandleUpgrade upgrades GET /ws/:material to a websocket that receives a
// snapshot, then every fill for that material.
func (h *Handler) HandleUpgrade(c *gin.Context) {
	material := c.Param("material")
	if err := models.ValidateMaterial(material); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, material)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// HandleStats returns connection counts.
func (h *Handler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"total_connections": h.hub.TotalClientCount(),
		"materials":         h.hub.Materials(),
	})
}
