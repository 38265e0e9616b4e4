package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/visionbox/gateway/internal/logging"
)

// ServiceDirectory is the slim view of the service catalog the analytics
// API needs for ownership checks.
type ServiceDirectory interface {
	OwnerID(ctx context.Context, serviceID string) (string, error)
}

// AnalyticsHandler exposes the call ledger aggregates to service owners.
type AnalyticsHandler struct {
	calls    CallStore
	services ServiceDirectory

	// identify extracts the authenticated owner id from the request.
	identify func(c *gin.Context) string
}

func NewAnalyticsHandler(calls CallStore, services ServiceDirectory, identify func(c *gin.Context) string) *AnalyticsHandler {
	return &AnalyticsHandler{calls: calls, services: services, identify: identify}
}

// RegisterRoutes sets up analytics routes under the owner API.
func (h *AnalyticsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/services/:id/stats", h.Stats)
	r.GET("/services/:id/calls", h.Calls)
	r.GET("/services/:id/daily-stats", h.DailyStats)
	r.GET("/services/:id/performance", h.Performance)
}

func (h *AnalyticsHandler) requireOwnedService(c *gin.Context) string {
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

// Stats handles GET /services/:id/stats. The window defaults to 30 days.
func (h *AnalyticsHandler) Stats(c *gin.Context) {
	serviceID := h.requireOwnedService(c)
	if serviceID == "" {
		return
	}
	ctx := c.Request.Context()

	days := queryInt(c, "days", 30, 1, 365)
	since := time.Now().AddDate(0, 0, -days)

	summary, err := h.calls.Summary(ctx, serviceID, since)
	if err != nil {
		logging.L(ctx).Error("failed to summarize calls", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load statistics",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"service_id": serviceID,
		"period":     gin.H{"days": days, "since": since.UTC().Format(time.RFC3339)},
		"summary":    summary,
	})
}

// Calls handles GET /services/:id/calls with success, time range, and
// pagination filters.
func (h *AnalyticsHandler) Calls(c *gin.Context) {
	serviceID := h.requireOwnedService(c)
	if serviceID == "" {
		return
	}
	ctx := c.Request.Context()

	filter := CallFilter{ServiceID: serviceID}
	if v := c.Query("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "success must be true or false",
			})
			return
		}
		filter.Success = &success
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "since must be RFC3339",
			})
			return
		}
		filter.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "until must be RFC3339",
			})
			return
		}
		filter.Until = t
	}

	page := queryInt(c, "page", 1, 1, 1<<30)
	pageSize := queryInt(c, "page_size", 20, 1, 100)
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	calls, total, err := h.calls.List(ctx, filter)
	if err != nil {
		logging.L(ctx).Error("failed to list calls", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load calls",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"calls":     calls,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// DailyStats handles GET /services/:id/daily-stats.
func (h *AnalyticsHandler) DailyStats(c *gin.Context) {
	serviceID := h.requireOwnedService(c)
	if serviceID == "" {
		return
	}
	ctx := c.Request.Context()

	days := queryInt(c, "days", 7, 1, 90)
	stats, err := h.calls.DailyStats(ctx, serviceID, days)
	if err != nil {
		logging.L(ctx).Error("failed to load daily stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load daily statistics",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service_id": serviceID, "days": days, "daily": stats})
}

// Performance handles GET /services/:id/performance.
func (h *AnalyticsHandler) Performance(c *gin.Context) {
	serviceID := h.requireOwnedService(c)
	if serviceID == "" {
		return
	}
	ctx := c.Request.Context()

	days := queryInt(c, "days", 7, 1, 90)
	since := time.Now().AddDate(0, 0, -days)

	stats, err := h.calls.Performance(ctx, serviceID, since)
	if err != nil {
		logging.L(ctx).Error("failed to load performance stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load performance statistics",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service_id": serviceID, "days": days, "performance": stats})
}

func queryInt(c *gin.Context, name string, def, min, max int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return def
	}
	if n > max {
		return max
	}
	return n
}
