package admission

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinelgate/internal/logging"
	"github.com/mbd888/sentinelgate/internal/signals"
	"github.com/mbd888/sentinelgate/internal/tier"
	"github.com/mbd888/sentinelgate/internal/validation"
)

// Handler provides HTTP endpoints for admission.
type Handler struct {
	service *Service
}

// NewHandler creates a new admission handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the prompt endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/prompt", h.Prompt)
}

// RegisterProtectedRoutes sets up user inspection and verification routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/users", h.ListUsers)
	users := r.Group("/users/:userId", validation.UserIDParamMiddleware())
	users.GET("", h.GetUser)
	users.POST("/verify", h.VerifyUser)
}

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	UserID string `json:"userId"`
	Prompt string `json:"prompt"`
}

const msgRequired = "userId and prompt are required"

// Prompt handles POST /api/v1/prompt
func (h *Handler) Prompt(c *gin.Context) {
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgRequired})
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.Required("prompt", req.Prompt),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgRequired})
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId must be 1-128 printable characters"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("prompt", req.Prompt, validation.MaxPromptLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error()})
		return
	}

	result, err := h.service.Admit(c.Request.Context(), req.UserID, req.Prompt)
	if err != nil {
		h.writeError(c, err)
		return
	}

	switch result.Tier {
	case tier.Block:
		c.JSON(http.StatusForbidden, gin.H{"error": result.Reason})
	case tier.Throttle:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": result.Reason})
	default:
		c.JSON(http.StatusOK, gin.H{"response": result.Response})
	}
}

// ListUsers handles GET /api/v1/users
func (h *Handler) ListUsers(c *gin.Context) {
	limit, err := validation.ParseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": err.Error()})
		return
	}

	users, err := h.service.ListRecentUsers(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if users == nil {
		users = []*UserState{}
	}
	c.JSON(http.StatusOK, users)
}

// GetUser handles GET /api/v1/users/:userId
func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.service.GetUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// VerifyUser handles POST /api/v1/users/:userId/verify
func (h *Handler) VerifyUser(c *gin.Context) {
	user, err := h.service.VerifyUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, signals.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": msgRequired})
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User not found"})
	case errors.Is(err, ErrStorageUnavailable):
		logging.L(c.Request.Context()).Error("storage unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
	case errors.Is(err, ErrDownstreamUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Downstream model unavailable"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "Request canceled"})
	default:
		logging.L(c.Request.Context()).Error("admission failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
