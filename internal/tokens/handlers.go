package tokens

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/visionbox/gateway/internal/logging"
)

// ServiceDirectory is the slim view of the service catalog the token API
// needs for ownership checks.
type ServiceDirectory interface {
	OwnerID(ctx context.Context, serviceID string) (string, error)
}

// Handler provides HTTP handlers for token management.
type Handler struct {
	tokens   *Service
	services ServiceDirectory

	// identify extracts the authenticated owner id from the request.
	identify func(c *gin.Context) string

	// announceRevoked receives revocations for live observers.
	announceRevoked func(serviceID, tokenID string)
}

// NewHandler creates a new token handler.
func NewHandler(tokens *Service, services ServiceDirectory, identify func(c *gin.Context) string) *Handler {
	return &Handler{tokens: tokens, services: services, identify: identify}
}

// WithEvents adds a revocation announcer for real-time streaming.
func (h *Handler) WithEvents(announce func(serviceID, tokenID string)) *Handler {
	h.announceRevoked = announce
	return h
}

// RegisterRoutes sets up token management routes under a service.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/services/:id/tokens", h.CreateToken)
	r.GET("/services/:id/tokens", h.ListTokens)
	r.GET("/services/:id/tokens/:tokenId", h.GetToken)
	r.POST("/services/:id/tokens/:tokenId/activate", h.ActivateToken)
	r.POST("/services/:id/tokens/:tokenId/deactivate", h.DeactivateToken)
	r.POST("/services/:id/tokens/:tokenId/revoke", h.RevokeToken)
	r.DELETE("/services/:id/tokens/:tokenId", h.DeleteToken)
	r.DELETE("/services/:id/tokens/:tokenId/permanent", h.PermanentDeleteToken)
}

// requireOwnedService verifies the caller owns the service in the path.
// Returns the service id, or "" after writing the error response.
func (h *Handler) requireOwnedService(c *gin.Context) string {
	serviceID := c.Param("id")
	owner, err := h.services.OwnerID(c.Request.Context(), serviceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Service not found",
		})
		return ""
	}
	if owner != h.identify(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You do not own this service",
		})
		return ""
	}
	return serviceID
}

// CreateToken handles POST /services/:id/tokens.
// The raw secret appears in this response and nowhere else, ever.
func (h *Handler) CreateToken(c *gin.Context) {
	serviceID := h.requireOwnedService(c)
	if serviceID == "" {
		return
	}
	ctx := c.Request.Context()

	var req CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	issued, err := h.tokens.Create(ctx, serviceID, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNameTaken):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "name_taken",
				"message": "A token with this name already exists for this service",
			})
		case errors.Is(err, ErrInvalidName):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Token name is required",
			})
		default:
			logging.L(ctx).Error("failed to create token", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to create token",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, issued)
}

// ListTokens handles GET /services/:id/tokens.
func (h *Handler) ListTokens(c *gin.Context) {
	serviceID := h.requireOwnedService(c)
	if serviceID == "" {
		return
	}
	ctx := c.Request.Context()

	list, err := h.tokens.List(ctx, serviceID)
	if err != nil {
		logging.L(ctx).Error("failed to list tokens", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list tokens",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tokens": list, "count": len(list)})
}

// GetToken handles GET /services/:id/tokens/:tokenId.
func (h *Handler) GetToken(c *gin.Context) {
	serviceID := h.requireOwnedService(c)
	if serviceID == "" {
		return
	}

	t, err := h.tokens.Get(c.Request.Context(), serviceID, c.Param("tokenId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Token not found",
		})
		return
	}
	c.JSON(http.StatusOK, t)
}

// ActivateToken handles POST /services/:id/tokens/:tokenId/activate.
// Revoked and deleted tokens are returned unchanged.
func (h *Handler) ActivateToken(c *gin.Context) {
	h.transition(c, h.tokens.Activate)
}

// DeactivateToken handles POST /services/:id/tokens/:tokenId/deactivate.
func (h *Handler) DeactivateToken(c *gin.Context) {
	h.transition(c, h.tokens.Deactivate)
}

// RevokeToken handles POST /services/:id/tokens/:tokenId/revoke.
func (h *Handler) RevokeToken(c *gin.Context) {
	h.transition(c, func(ctx context.Context, serviceID, tokenID string) (*Token, error) {
		t, err := h.tokens.Revoke(ctx, serviceID, tokenID)
		if err == nil && h.announceRevoked != nil {
			h.announceRevoked(serviceID, t.ID)
		}
		return t, err
	})
}

func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, serviceID, tokenID string) (*Token, error)) {
	serviceID := h.requireOwnedService(c)
	if serviceID == "" {
		return
	}
	ctx := c.Request.Context()

	t, err := op(ctx, serviceID, c.Param("tokenId"))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Token not found",
			})
			return
		}
		logging.L(ctx).Error("token transition failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update token",
		})
		return
	}
	c.JSON(http.StatusOK, t)
}

// DeleteToken handles DELETE /services/:id/tokens/:tokenId (soft delete).
func (h *Handler) DeleteToken(c *gin.Context) {
	serviceID := h.requireOwnedService(c)
	if serviceID == "" {
		return
	}
	ctx := c.Request.Context()

	if err := h.tokens.SoftDelete(ctx, serviceID, c.Param("tokenId")); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Token not found",
			})
			return
		}
		logging.L(ctx).Error("failed to delete token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete token",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// PermanentDeleteToken handles DELETE /services/:id/tokens/:tokenId/permanent.
func (h *Handler) PermanentDeleteToken(c *gin.Context) {
	serviceID := h.requireOwnedService(c)
	if serviceID == "" {
		return
	}
	ctx := c.Request.Context()

	if err := h.tokens.PermanentDelete(ctx, serviceID, c.Param("tokenId")); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Token not found",
			})
			return
		}
		logging.L(ctx).Error("failed to permanently delete token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete token",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "permanent": true})
}
