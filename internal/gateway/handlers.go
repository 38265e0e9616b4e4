package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/visionbox/gateway/internal/detect"
	"github.com/visionbox/gateway/internal/files"
	"github.com/visionbox/gateway/internal/logging"
	"github.com/visionbox/gateway/internal/metrics"
	"github.com/visionbox/gateway/internal/traces"
)

// Handler serves the third-party surface: the detect endpoint plus the
// unauthenticated info and health probes.
type Handler struct {
	pipeline      *Pipeline
	registry      ServiceRegistry
	detector      detect.Detector
	intake        *files.Intake
	detectTimeout time.Duration
	now           func() time.Time
}

func NewHandler(pipeline *Pipeline, registry ServiceRegistry, detector detect.Detector, intake *files.Intake, detectTimeout time.Duration) *Handler {
	if detectTimeout <= 0 {
		detectTimeout = 60 * time.Second
	}
	return &Handler{
		pipeline:      pipeline,
		registry:      registry,
		detector:      detector,
		intake:        intake,
		detectTimeout: detectTimeout,
		now:           time.Now,
	}
}

// RegisterRoutes mounts the gateway routes on rg (expected at /services).
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/:id/detect", h.pipeline.Middleware(), h.Detect)
	rg.GET("/:id/info", h.ServiceInfo)
	rg.GET("/:id/health", h.ServiceHealth)
}

// detectionPayload is the result block relayed to callers and callbacks.
type detectionPayload struct {
	Detections          []detect.Detection     `json:"detections"`
	ClassCounts         map[string]int         `json:"class_counts"`
	TotalDetections     int                    `json:"total_detections"`
	ConfidenceThreshold float64                `json:"confidence_threshold"`
	ModelUsed           string                 `json:"model_used"`
	ProcessingTime      float64                `json:"processing_time"`
	ImageInfo           map[string]interface{} `json:"image_info,omitempty"`
	AnnotatedURL        string                 `json:"annotated_url,omitempty"`
}

// Detect runs one detection for an admitted request. Validation problems
// return 400/413; once the file is accepted the endpoint always answers
// 200 and signals failure through the body's success flag.
func (h *Handler) Detect(c *gin.Context) {
	service := ServiceFrom(c)
	call := CallFrom(c)
	if service == nil || call == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "service authentication failed", "code": CodeAuthError})
		return
	}
	start := h.now()
	log := logging.L(c.Request.Context())

	call.CallbackURL = c.PostForm("callback_url")

	fh, err := c.FormFile("file")
	if err != nil {
		h.rejectUpload(c, call, http.StatusBadRequest, "file is required")
		return
	}

	ext := files.Ext(fh.Filename)
	if !service.FormatAllowed(ext) {
		h.rejectUpload(c, call, http.StatusBadRequest,
			fmt.Sprintf("unsupported file format, allowed: %s", strings.Join(service.AllowedFormats, ", ")))
		return
	}

	stored, err := h.intake.Store(fh, service.AllowedFormats, service.MaxFileSize)
	if err != nil {
		switch {
		case errors.Is(err, files.ErrFileTooLarge):
			h.rejectUpload(c, call, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file exceeds the %.1fMB limit", float64(service.MaxFileSize)/1024/1024))
		case errors.Is(err, files.ErrFormatNotAllowed), errors.Is(err, files.ErrEmptyFile):
			h.rejectUpload(c, call, http.StatusBadRequest, err.Error())
		default:
			h.respondDetectionFailure(c, call, start, fmt.Sprintf("failed to store upload: %v", err))
		}
		return
	}
	defer h.intake.Remove(stored.Path)

	call.FileName = fh.Filename
	call.FileSize = stored.Size
	call.FileType = stored.Type
	call.FileHash = stored.SHA256
	metrics.UploadsTotal.WithLabelValues(stored.Type).Inc()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.detectTimeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "gateway.detect",
		traces.ServiceID(service.ID), traces.TokenID(call.TokenID),
		traces.CallID(call.ID), traces.Model(service.ModelName))

	result, err := h.detector.Detect(ctx, detect.Request{
		FilePath:            stored.Path,
		FileType:            stored.Type,
		ModelName:           service.ModelName,
		ConfidenceThreshold: service.ConfidenceThreshold,
		Classes:             service.DetectionClasses,
	})
	if err != nil {
		span.SetAttributes(traces.Outcome("failure"))
		span.End()
		h.respondDetectionFailure(c, call, start, fmt.Sprintf("detection failed: %v", err))
		return
	}
	span.SetAttributes(traces.Outcome("success"))
	span.End()

	elapsed := h.now().Sub(start).Seconds()
	payload := detectionPayload{
		Detections:          result.Detections,
		ClassCounts:         result.ClassCounts,
		TotalDetections:     result.TotalDetections,
		ConfidenceThreshold: service.ConfidenceThreshold,
		ModelUsed:           service.ModelName,
		ProcessingTime:      elapsed,
		ImageInfo:           result.ImageInfo,
		AnnotatedURL:        result.AnnotatedPath,
	}

	if err := call.Complete(http.StatusOK, result.TotalDetections, elapsed, h.now()); err != nil {
		log.Warn("call already finalized", "call_id", call.ID, "error", err)
	}
	c.Set(ctxResult, payload)

	log.Info("detection completed",
		"service_id", service.ID, "objects", result.TotalDetections,
		"processing_time", elapsed)

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"task_id":         nil,
		"result":          payload,
		"processing_time": elapsed,
		"message":         "detection completed",
		"request_id":      call.RequestID,
	})
}

// rejectUpload answers a pre-detection validation failure and finalizes the
// ledger record with the same status.
func (h *Handler) rejectUpload(c *gin.Context, call *Call, status int, message string) {
	_ = call.Fail("", message, status, h.now().Sub(call.CreatedAt).Seconds(), h.now())
	c.JSON(status, gin.H{"error": message})
}

// respondDetectionFailure records a DETECTION_ERROR on the ledger but keeps
// the HTTP status at 200; integrations read the body's success flag.
func (h *Handler) respondDetectionFailure(c *gin.Context, call *Call, start time.Time, message string) {
	elapsed := h.now().Sub(start).Seconds()
	if err := call.Fail(CodeDetectionError, message, http.StatusInternalServerError, elapsed, h.now()); err != nil {
		logging.L(c.Request.Context()).Warn("call already finalized", "call_id", call.ID, "error", err)
	}
	logging.L(c.Request.Context()).Error("detection failed",
		"service_id", call.ServiceID, "error", message)

	c.JSON(http.StatusOK, gin.H{
		"success":         false,
		"task_id":         nil,
		"result":          nil,
		"processing_time": elapsed,
		"message":         message,
		"request_id":      call.RequestID,
	})
}

// ServiceInfo returns public configuration for an active service.
func (h *Handler) ServiceInfo(c *gin.Context) {
	service, err := h.registry.GetLive(c.Request.Context(), c.Param("id"))
	if err != nil || !service.Callable() {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "service not found or disabled",
		})
		return
	}
	c.JSON(http.StatusOK, service.Public())
}

// ServiceHealth reports callability without authentication.
func (h *Handler) ServiceHealth(c *gin.Context) {
	id := c.Param("id")
	service, err := h.registry.GetLive(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"service_id": id, "status": "not_found"})
		return
	}
	status := "unhealthy"
	if service.Callable() {
		status = "healthy"
	}
	c.JSON(http.StatusOK, gin.H{"service_id": id, "status": status})
}
