package audit

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinelgate/internal/logging"
	"github.com/mbd888/sentinelgate/internal/validation"
)

// Reader is the read side of the audit trail.
type Reader interface {
	ListRecentQueries(ctx context.Context, limit int) ([]*QueryEntry, error)
	ListRecentThreats(ctx context.Context, limit int) ([]*ThreatEntry, error)
}

// Handler serves the audit read endpoints.
type Handler struct {
	reader Reader
}

// NewHandler creates a new audit handler.
func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

// RegisterRoutes sets up the audit read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/system-history", h.SystemHistory)
	r.GET("/threat-log", h.ThreatLog)
}

// SystemHistory handles GET /api/v1/system-history
func (h *Handler) SystemHistory(c *gin.Context) {
	limit, err := validation.ParseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": err.Error()})
		return
	}

	entries, err := h.reader.ListRecentQueries(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list queries failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "Failed to fetch system history"})
		return
	}
	if entries == nil {
		entries = []*QueryEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// ThreatLog handles GET /api/v1/threat-log
func (h *Handler) ThreatLog(c *gin.Context) {
	limit, err := validation.ParseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": err.Error()})
		return
	}

	entries, err := h.reader.ListRecentThreats(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list threats failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "Failed to fetch threat log"})
		return
	}
	if entries == nil {
		entries = []*ThreatEntry{}
	}
	c.JSON(http.StatusOK, entries)
}
