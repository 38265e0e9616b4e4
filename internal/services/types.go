// Package services implements the catalog of published detection services:
// lifecycle, configuration, and the aggregate call counters the gateway
// maintains.
package services

import (
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrServiceNotFound = errors.New("services: service not found")
	ErrNameTaken       = errors.New("services: service name already in use")
	ErrInvalidStatus   = errors.New("services: invalid service status")
)

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// Status is the single lifecycle variant of a published service. Deletion is
// a status, not a separate flag, so "deleted but active" cannot exist.
type Status string

const (
	StatusActive    Status = "active"
	StatusDisabled  Status = "disabled"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusDisabled, StatusSuspended, StatusDeleted:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// PublishedService is a detection model exposed as a callable endpoint.
type PublishedService struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`

	// Detection configuration
	ModelName           string   `json:"modelName"`
	ConfidenceThreshold float64  `json:"confidenceThreshold"`
	DetectionClasses    []string `json:"detectionClasses,omitempty"`

	// API configuration
	APIEndpoint    string   `json:"apiEndpoint"`
	RateLimit      int      `json:"rateLimit"`     // calls per minute
	MaxFileSize    int64    `json:"maxFileSize"`   // bytes
	AllowedFormats []string `json:"allowedFormats"`

	// Aggregates, mutated only by the gateway.
	// Invariant: SuccessfulCalls + FailedCalls == TotalCalls.
	TotalCalls      int64      `json:"totalCalls"`
	SuccessfulCalls int64      `json:"successfulCalls"`
	FailedCalls     int64      `json:"failedCalls"`
	LastCalledAt    *time.Time `json:"lastCalledAt,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"-"`
}

// Deleted reports whether the service is soft-deleted.
func (s *PublishedService) Deleted() bool {
	return s.Status == StatusDeleted
}

// Callable reports whether the gateway may route calls to this service.
func (s *PublishedService) Callable() bool {
	return s.Status == StatusActive
}

// SuccessRate returns the percentage of successful calls, 0 when unused.
func (s *PublishedService) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.SuccessfulCalls) / float64(s.TotalCalls) * 100
}

// FormatAllowed reports whether an upload extension is accepted.
func (s *PublishedService) FormatAllowed(ext string) bool {
	for _, f := range s.AllowedFormats {
		if f == ext {
			return true
		}
	}
	return false
}

// DefaultFormats is the upload allow-list applied when none is configured.
var DefaultFormats = []string{"jpg", "jpeg", "png", "mp4", "avi"}

// -----------------------------------------------------------------------------
// Request / Response Types
// -----------------------------------------------------------------------------

// CreateServiceRequest is the payload for publishing a service.
type CreateServiceRequest struct {
	Name                string   `json:"name" binding:"required"`
	Description         string   `json:"description,omitempty"`
	ModelName           string   `json:"modelName" binding:"required"`
	ConfidenceThreshold float64  `json:"confidenceThreshold,omitempty"`
	DetectionClasses    []string `json:"detectionClasses,omitempty"`
	RateLimit           int      `json:"rateLimit,omitempty"`
	MaxFileSize         int64    `json:"maxFileSize,omitempty"`
	AllowedFormats      []string `json:"allowedFormats,omitempty"`
}

// UpdateServiceRequest is the payload for editing service configuration.
// Nil fields are left unchanged.
type UpdateServiceRequest struct {
	Name                *string   `json:"name,omitempty"`
	Description         *string   `json:"description,omitempty"`
	ModelName           *string   `json:"modelName,omitempty"`
	ConfidenceThreshold *float64  `json:"confidenceThreshold,omitempty"`
	DetectionClasses    *[]string `json:"detectionClasses,omitempty"`
	RateLimit           *int      `json:"rateLimit,omitempty"`
	MaxFileSize         *int64    `json:"maxFileSize,omitempty"`
	AllowedFormats      *[]string `json:"allowedFormats,omitempty"`
}

// ListFilter narrows owner listings.
type ListFilter struct {
	OwnerID        string
	Status         Status // optional
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// PublicInfo is the unauthenticated view of an active service.
type PublicInfo struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Description         string   `json:"description,omitempty"`
	ModelName           string   `json:"modelName"`
	ConfidenceThreshold float64  `json:"confidenceThreshold"`
	APIEndpoint         string   `json:"apiEndpoint"`
	RateLimit           int      `json:"rateLimit"`
	MaxFileSize         int64    `json:"maxFileSize"`
	AllowedFormats      []string `json:"allowedFormats"`
}

// Public strips owner and aggregate fields for the info endpoint.
func (s *PublishedService) Public() *PublicInfo {
	return &PublicInfo{
		ID:                  s.ID,
		Name:                s.Name,
		Description:         s.Description,
		ModelName:           s.ModelName,
		ConfidenceThreshold: s.ConfidenceThreshold,
		APIEndpoint:         s.APIEndpoint,
		RateLimit:           s.RateLimit,
		MaxFileSize:         s.MaxFileSize,
		AllowedFormats:      s.AllowedFormats,
	}
}
