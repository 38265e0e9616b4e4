package tokens

import (
	"context"
	"strings"
	"time"

	"github.com/visionbox/gateway/internal/idgen"
	"github.com/visionbox/gateway/internal/logging"
	"github.com/visionbox/gateway/internal/metrics"
)

// Service owns token lifecycle and gateway-side resolution.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a token service backed by the given store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create issues a new token for a service. The returned IssuedToken carries
// the raw secret; it is never persisted and cannot be recovered later.
func (s *Service) Create(ctx context.Context, serviceID string, req CreateTokenRequest) (*IssuedToken, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrInvalidName
	}

	existing, err := s.store.List(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	for _, t := range existing {
		if t.Name == name {
			return nil, ErrNameTaken
		}
	}

	secret, digest, prefix := Issue()
	now := s.now()

	t := &Token{
		ID:                idgen.WithPrefix("tok_"),
		ServiceID:         serviceID,
		Name:              name,
		Digest:            digest,
		Prefix:            prefix,
		Permissions:       req.Permissions,
		RateLimitOverride: req.RateLimitOverride,
		IPWhitelist:       req.IPWhitelist,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.ExpiresHours > 0 {
		exp := now.Add(time.Duration(req.ExpiresHours) * time.Hour)
		t.ExpiresAt = &exp
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	metrics.TokensIssuedTotal.Inc()
	logging.L(ctx).Info("token issued",
		"token_id", t.ID, "service_id", serviceID, "prefix", t.Prefix)

	return &IssuedToken{Token: t, Secret: secret}, nil
}

// Get returns a token by id, scoped to the given service.
func (s *Service) Get(ctx context.Context, serviceID, tokenID string) (*Token, error) {
	t, err := s.store.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if t.ServiceID != serviceID || t.Deleted {
		return nil, ErrTokenNotFound
	}
	return t, nil
}

// List returns all live tokens for a service, newest first.
func (s *Service) List(ctx context.Context, serviceID string) ([]*Token, error) {
	return s.store.List(ctx, serviceID)
}

// Activate re-enables a deactivated token. Silently leaves revoked or
// deleted tokens untouched.
func (s *Service) Activate(ctx context.Context, serviceID, tokenID string) (*Token, error) {
	t, err := s.Get(ctx, serviceID, tokenID)
	if err != nil {
		return nil, err
	}
	if t.Activate(s.now()) {
		if err := s.store.Update(ctx, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Deactivate suspends a token without revoking it.
func (s *Service) Deactivate(ctx context.Context, serviceID, tokenID string) (*Token, error) {
	t, err := s.Get(ctx, serviceID, tokenID)
	if err != nil {
		return nil, err
	}
	t.Deactivate(s.now())
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Revoke permanently invalidates a token. Idempotent.
func (s *Service) Revoke(ctx context.Context, serviceID, tokenID string) (*Token, error) {
	t, err := s.Get(ctx, serviceID, tokenID)
	if err != nil {
		return nil, err
	}
	alreadyRevoked := t.Revoked
	t.Revoke(s.now())
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	if !alreadyRevoked {
		metrics.TokensRevokedTotal.Inc()
		logging.L(ctx).Info("token revoked", "token_id", t.ID, "service_id", serviceID)
	}
	return t, nil
}

// SoftDelete marks a token deleted. It no longer resolves and disappears
// from listings, but the row survives for audit history.
func (s *Service) SoftDelete(ctx context.Context, serviceID, tokenID string) error {
	t, err := s.Get(ctx, serviceID, tokenID)
	if err != nil {
		return err
	}
	t.SoftDelete(s.now())
	return s.store.Update(ctx, t)
}

// PermanentDelete removes the token row entirely.
func (s *Service) PermanentDelete(ctx context.Context, serviceID, tokenID string) error {
	t, err := s.store.Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if t.ServiceID != serviceID {
		return ErrTokenNotFound
	}
	return s.store.Delete(ctx, tokenID)
}

// Resolve authenticates a candidate secret against a service's active
// tokens. Tokens are tried in creation order; the first digest match wins.
// Expired tokens never match. Resolution never touches the usage counter;
// callers stamp admitted requests with RecordUse so denied calls are not
// counted.
func (s *Service) Resolve(ctx context.Context, serviceID, candidate string) (*Token, error) {
	if candidate == "" {
		return nil, ErrTokenNotFound
	}

	active, err := s.store.ListActive(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, t := range active {
		if t.Expired(now) {
			continue
		}
		if Verify(candidate, t.Digest) {
			return t, nil
		}
	}
	return nil, ErrTokenNotFound
}

// RecordUse bumps a token's usage counter and last-used metadata.
func (s *Service) RecordUse(ctx context.Context, tokenID, clientIP string) error {
	return s.store.RecordUse(ctx, tokenID, clientIP, s.now())
}
