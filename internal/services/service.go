package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/visionbox/gateway/internal/idgen"
	"github.com/visionbox/gateway/internal/logging"
)

// DefaultRateLimit is the per-minute quota applied when none is given.
const DefaultRateLimit = 100

// DefaultMaxFileSize is the upload cap applied when none is given.
const DefaultMaxFileSize = 10 << 20

// Service owns the published-service catalog.
type Service struct {
	store           Store
	now             func() time.Time
	defaultLimit    int
	defaultFileSize int64
}

// Option configures a Service.
type Option func(*Service)

// WithDefaults overrides the rate limit and upload cap applied to services
// that don't set their own. Non-positive values keep the package defaults.
func WithDefaults(rateLimit int, maxFileSize int64) Option {
	return func(s *Service) {
		if rateLimit > 0 {
			s.defaultLimit = rateLimit
		}
		if maxFileSize > 0 {
			s.defaultFileSize = maxFileSize
		}
	}
}

// NewService creates a service catalog backed by the given store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:           store,
		now:             time.Now,
		defaultLimit:    DefaultRateLimit,
		defaultFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// endpointFor generates the public detect endpoint path for a service.
func endpointFor(id string) string {
	return fmt.Sprintf("/api/v1/services/%s/detect", id)
}

// Create publishes a new detection service owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateServiceRequest) (*PublishedService, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("services: service name is required")
	}

	now := s.now()
	svc := &PublishedService{
		ID:                  idgen.WithPrefix("svc_"),
		OwnerID:             ownerID,
		Name:                name,
		Description:         req.Description,
		Status:              StatusActive,
		ModelName:           req.ModelName,
		ConfidenceThreshold: req.ConfidenceThreshold,
		DetectionClasses:    req.DetectionClasses,
		RateLimit:           req.RateLimit,
		MaxFileSize:         req.MaxFileSize,
		AllowedFormats:      req.AllowedFormats,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	svc.APIEndpoint = endpointFor(svc.ID)

	if svc.ConfidenceThreshold <= 0 {
		svc.ConfidenceThreshold = 0.5
	}
	if svc.RateLimit <= 0 {
		svc.RateLimit = s.defaultLimit
	}
	if svc.MaxFileSize <= 0 {
		svc.MaxFileSize = s.defaultFileSize
	}
	if len(svc.AllowedFormats) == 0 {
		svc.AllowedFormats = append([]string(nil), DefaultFormats...)
	}

	if err := s.store.Create(ctx, svc); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("service published",
		"service_id", svc.ID, "owner_id", ownerID, "model", svc.ModelName)
	return svc, nil
}

// Get returns a service by id, deleted or not. Callers decide visibility.
func (s *Service) Get(ctx context.Context, id string) (*PublishedService, error) {
	return s.store.Get(ctx, id)
}

// GetLive returns a non-deleted service by id.
func (s *Service) GetLive(ctx context.Context, id string) (*PublishedService, error) {
	svc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc.Deleted() {
		return nil, ErrServiceNotFound
	}
	return svc, nil
}

// OwnerID returns the owner of a live service, for ownership checks.
func (s *Service) OwnerID(ctx context.Context, id string) (string, error) {
	svc, err := s.GetLive(ctx, id)
	if err != nil {
		return "", err
	}
	return svc.OwnerID, nil
}

// List returns services matching the filter plus the unpaginated total.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*PublishedService, int, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	return s.store.List(ctx, filter)
}

// Update edits service configuration. Nil request fields keep their values.
func (s *Service) Update(ctx context.Context, id string, req UpdateServiceRequest) (*PublishedService, error) {
	svc, err := s.GetLive(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		svc.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		svc.Description = *req.Description
	}
	if req.ModelName != nil {
		svc.ModelName = *req.ModelName
	}
	if req.ConfidenceThreshold != nil {
		svc.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.DetectionClasses != nil {
		svc.DetectionClasses = *req.DetectionClasses
	}
	if req.RateLimit != nil && *req.RateLimit > 0 {
		svc.RateLimit = *req.RateLimit
	}
	if req.MaxFileSize != nil && *req.MaxFileSize > 0 {
		svc.MaxFileSize = *req.MaxFileSize
	}
	if req.AllowedFormats != nil {
		svc.AllowedFormats = *req.AllowedFormats
	}
	svc.UpdatedAt = s.now()

	if err := s.store.Update(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// Enable transitions a disabled or suspended service back to active.
func (s *Service) Enable(ctx context.Context, id string) (*PublishedService, error) {
	return s.setStatus(ctx, id, StatusActive)
}

// Disable stops the gateway from routing calls to the service.
func (s *Service) Disable(ctx context.Context, id string) (*PublishedService, error) {
	return s.setStatus(ctx, id, StatusDisabled)
}

func (s *Service) setStatus(ctx context.Context, id string, status Status) (*PublishedService, error) {
	svc, err := s.GetLive(ctx, id)
	if err != nil {
		return nil, err
	}
	svc.Status = status
	svc.UpdatedAt = s.now()
	if err := s.store.Update(ctx, svc); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("service status changed", "service_id", id, "status", status)
	return svc, nil
}

// SoftDelete marks the service deleted. Tokens stop resolving because the
// gateway rejects calls to non-active services before token resolution
// results matter.
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	svc, err := s.GetLive(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	svc.Status = StatusDeleted
	svc.DeletedAt = &now
	svc.UpdatedAt = now
	return s.store.Update(ctx, svc)
}

// Restore brings a soft-deleted service back as active.
func (s *Service) Restore(ctx context.Context, id string) (*PublishedService, error) {
	svc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !svc.Deleted() {
		return svc, nil
	}
	svc.Status = StatusActive
	svc.DeletedAt = nil
	svc.UpdatedAt = s.now()
	if err := s.store.Update(ctx, svc); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("service restored", "service_id", id)
	return svc, nil
}

// RecordCall applies one gateway call to the service's aggregates.
func (s *Service) RecordCall(ctx context.Context, id string, success bool) error {
	return s.store.RecordCall(ctx, id, success, s.now())
}
