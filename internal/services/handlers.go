package services

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/visionbox/gateway/internal/logging"
)

// TokenIssuer issues the default access token returned once at service
// creation time.
type TokenIssuer interface {
	IssueDefault(ctx context.Context, serviceID string) (secret string, err error)
}

// Handler provides HTTP handlers for service management.
type Handler struct {
	services *Service
	issuer   TokenIssuer
	identify func(c *gin.Context) string

	// announce receives lifecycle transitions for live observers.
	announce func(serviceID, status string)
}

// NewHandler creates a new service handler. issuer may be nil, in which case
// creation responses omit the bootstrap token.
func NewHandler(services *Service, issuer TokenIssuer, identify func(c *gin.Context) string) *Handler {
	return &Handler{services: services, issuer: issuer, identify: identify}
}

// WithEvents adds a status announcer for real-time streaming.
func (h *Handler) WithEvents(announce func(serviceID, status string)) *Handler {
	h.announce = announce
	return h
}

// RegisterRoutes sets up owner-facing service routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/services", h.CreateService)
	r.GET("/services", h.ListServices)
	r.GET("/services/:id", h.GetService)
	r.PUT("/services/:id", h.UpdateService)
	r.PUT("/services/:id/enable", h.EnableService)
	r.PUT("/services/:id/disable", h.DisableService)
	r.DELETE("/services/:id", h.DeleteService)
	r.POST("/services/:id/restore", h.RestoreService)
}

// requireOwned loads the service in the path and verifies ownership.
func (h *Handler) requireOwned(c *gin.Context, includeDeleted bool) *PublishedService {
	ctx := c.Request.Context()
	var svc *PublishedService
	var err error
	if includeDeleted {
		svc, err = h.services.Get(ctx, c.Param("id"))
	} else {
		svc, err = h.services.GetLive(ctx, c.Param("id"))
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Service not found",
		})
		return nil
	}
	if svc.OwnerID != h.identify(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You do not own this service",
		})
		return nil
	}
	return svc
}

// CreateService handles POST /services. The response carries a bootstrap
// access token exactly once.
func (h *Handler) CreateService(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req CreateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	svc, err := h.services.Create(ctx, h.identify(c), req)
	if err != nil {
		if errors.Is(err, ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "name_taken",
				"message": "A service with this name already exists",
			})
			return
		}
		logger.Error("failed to create service", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create service",
		})
		return
	}

	resp := gin.H{
		"service":     svc,
		"apiEndpoint": svc.APIEndpoint,
	}
	if h.issuer != nil {
		secret, err := h.issuer.IssueDefault(ctx, svc.ID)
		if err != nil {
			logger.Error("failed to issue bootstrap token", "service_id", svc.ID, "error", err)
		} else {
			resp["accessToken"] = secret
		}
	}

	c.JSON(http.StatusCreated, resp)
}

// ListServices handles GET /services with status filter and pagination.
func (h *Handler) ListServices(c *gin.Context) {
	ctx := c.Request.Context()

	filter := ListFilter{OwnerID: h.identify(c)}
	if raw := c.Query("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Unknown status filter",
			})
			return
		}
		filter.Status = status
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page > 1 {
		filter.Offset = (page - 1) * filter.Limit
	}

	list, total, err := h.services.List(ctx, filter)
	if err != nil {
		logging.L(ctx).Error("failed to list services", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list services",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"services": list,
		"total":    total,
		"page":     page,
		"pageSize": filter.Limit,
	})
}

// GetService handles GET /services/:id.
func (h *Handler) GetService(c *gin.Context) {
	svc := h.requireOwned(c, true)
	if svc == nil {
		return
	}
	c.JSON(http.StatusOK, svc)
}

// UpdateService handles PUT /services/:id.
func (h *Handler) UpdateService(c *gin.Context) {
	svc := h.requireOwned(c, false)
	if svc == nil {
		return
	}
	ctx := c.Request.Context()

	var req UpdateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	updated, err := h.services.Update(ctx, svc.ID, req)
	if err != nil {
		if errors.Is(err, ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "name_taken",
				"message": "A service with this name already exists",
			})
			return
		}
		logging.L(ctx).Error("failed to update service", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update service",
		})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// EnableService handles PUT /services/:id/enable.
func (h *Handler) EnableService(c *gin.Context) {
	h.transition(c, h.services.Enable)
}

// DisableService handles PUT /services/:id/disable.
func (h *Handler) DisableService(c *gin.Context) {
	h.transition(c, h.services.Disable)
}

func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, id string) (*PublishedService, error)) {
	svc := h.requireOwned(c, false)
	if svc == nil {
		return
	}
	ctx := c.Request.Context()

	updated, err := op(ctx, svc.ID)
	if err != nil {
		logging.L(ctx).Error("service transition failed", "service_id", svc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update service",
		})
		return
	}
	if h.announce != nil {
		h.announce(updated.ID, string(updated.Status))
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteService handles DELETE /services/:id (soft delete).
func (h *Handler) DeleteService(c *gin.Context) {
	svc := h.requireOwned(c, false)
	if svc == nil {
		return
	}
	ctx := c.Request.Context()

	if err := h.services.SoftDelete(ctx, svc.ID); err != nil {
		logging.L(ctx).Error("failed to delete service", "service_id", svc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete service",
		})
		return
	}
	if h.announce != nil {
		h.announce(svc.ID, "deleted")
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// RestoreService handles POST /services/:id/restore.
func (h *Handler) RestoreService(c *gin.Context) {
	svc := h.requireOwned(c, true)
	if svc == nil {
		return
	}
	ctx := c.Request.Context()

	restored, err := h.services.Restore(ctx, svc.ID)
	if err != nil {
		logging.L(ctx).Error("failed to restore service", "service_id", svc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to restore service",
		})
		return
	}
	c.JSON(http.StatusOK, restored)
}
