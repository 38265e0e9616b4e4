// Package gateway implements the request-interception pipeline in front of
// published detect endpoints: bearer authentication, service activity
// checks, sliding-window rate limiting, IP allow-lists, audit logging, and
// aggregate counter updates.
package gateway

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrCallNotFound  = errors.New("gateway: call not found")
	ErrCallFinalized = errors.New("gateway: call already finalized")
)

// Error codes surfaced to third-party callers. These are wire-compatible
// constants; integrations match on them.
const (
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeServiceDisabled   = "SERVICE_DISABLED"
	CodeIPNotAllowed      = "IP_NOT_ALLOWED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeDetectionError    = "DETECTION_ERROR"
	CodeAuthError         = "AUTH_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// -----------------------------------------------------------------------------
// Call
// -----------------------------------------------------------------------------

// Call is one immutable audit record per gateway-admitted request. It is
// finalized exactly once, by Complete or Fail; only the callback fields may
// change after that.
type Call struct {
	ID        string `json:"id"`
	ServiceID string `json:"serviceId"`
	TokenID   string `json:"tokenId,omitempty"`
	RequestID string `json:"requestId"`

	// Request metadata
	ClientIP       string            `json:"clientIp,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	Referer        string            `json:"referer,omitempty"`
	HTTPMethod     string            `json:"httpMethod"`
	RequestPath    string            `json:"requestPath"`
	RequestHeaders map[string]string `json:"-"` // secrets stripped before capture

	// Upload metadata
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	FileType string `json:"fileType,omitempty"`
	FileHash string `json:"-"`

	// Outcome
	StatusCode     int     `json:"statusCode"`
	ProcessingTime float64 `json:"processingTime,omitempty"` // seconds
	DetectionCount int     `json:"detectionCount,omitempty"`
	ModelUsed      string  `json:"modelUsed,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	Success        bool    `json:"success"`
	ErrorCode      string  `json:"errorCode,omitempty"`
	ErrorMessage   string  `json:"errorMessage,omitempty"`

	// Callback delivery, the one allowed post-completion mutation
	CallbackURL      string `json:"callbackUrl,omitempty"`
	CallbackStatus   string `json:"callbackStatus,omitempty"`
	CallbackAttempts int    `json:"callbackAttempts"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Finalized reports whether the record has been closed.
func (c *Call) Finalized() bool {
	return c.CompletedAt != nil
}

// Complete closes the record on the success path.
func (c *Call) Complete(statusCode int, detectionCount int, processingTime float64, at time.Time) error {
	if c.Finalized() {
		return ErrCallFinalized
	}
	c.StatusCode = statusCode
	c.Success = true
	c.DetectionCount = detectionCount
	c.ProcessingTime = processingTime
	c.CompletedAt = &at
	return nil
}

// Fail closes the record on the error path.
func (c *Call) Fail(errorCode, errorMessage string, statusCode int, processingTime float64, at time.Time) error {
	if c.Finalized() {
		return ErrCallFinalized
	}
	c.StatusCode = statusCode
	c.Success = false
	c.ErrorCode = errorCode
	c.ErrorMessage = errorMessage
	c.ProcessingTime = processingTime
	c.CompletedAt = &at
	return nil
}

// UpdateCallback records one callback delivery attempt.
func (c *Call) UpdateCallback(status string) {
	c.CallbackStatus = status
	c.CallbackAttempts++
}
