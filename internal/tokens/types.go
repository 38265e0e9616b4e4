// Package tokens implements bearer credentials for published detection
// services: issuance, verification, lifecycle, and resolution at the gateway.
package tokens

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrTokenNotFound = errors.New("tokens: token not found")
	ErrNameTaken     = errors.New("tokens: token name already in use for this service")
	ErrInvalidName   = errors.New("tokens: token name is required")
)

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Token is a bearer credential scoped to exactly one published service.
// The raw secret is returned once at creation and never stored; only
// Digest (sha256 hex) and the display Prefix persist.
type Token struct {
	ID        string `json:"id"`
	ServiceID string `json:"serviceId"`
	Name      string `json:"name"`
	Digest    string `json:"-"`
	Prefix    string `json:"prefix"`

	// Permissions and restrictions
	Permissions       []string `json:"permissions,omitempty"`
	RateLimitOverride string   `json:"rateLimitOverride,omitempty"` // Parsed by the gateway; malformed values fall back to the service limit
	IPWhitelist       []string `json:"ipWhitelist,omitempty"`

	Active  bool `json:"active"`
	Revoked bool `json:"revoked"`
	Deleted bool `json:"-"`

	UsageCount int64      `json:"usageCount"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	LastUsedIP string     `json:"lastUsedIp,omitempty"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"-"`
}

// Expired reports whether the token's absolute expiry has passed.
// Tokens without an expiry never expire.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Valid reports whether the token can authenticate a call right now:
// active, not revoked, not deleted, not expired.
func (t *Token) Valid(now time.Time) bool {
	return t.Active && !t.Revoked && !t.Deleted && !t.Expired(now)
}

// -----------------------------------------------------------------------------
// State machine
//
// active → {deactivated, revoked, deleted}
// deactivated → {active, deleted}
// revoked and deleted are terminal.
// -----------------------------------------------------------------------------

// Activate re-enables a deactivated token. It is a silent no-op on revoked
// or deleted tokens; returns whether the token is active afterwards.
func (t *Token) Activate(now time.Time) bool {
	if t.Revoked || t.Deleted {
		return false
	}
	t.Active = true
	t.UpdatedAt = now
	return true
}

// Deactivate suspends the token without revoking it.
func (t *Token) Deactivate(now time.Time) {
	t.Active = false
	t.UpdatedAt = now
}

// Revoke permanently invalidates the token. Idempotent.
func (t *Token) Revoke(now time.Time) {
	t.Revoked = true
	t.Active = false
	t.UpdatedAt = now
}

// SoftDelete marks the token deleted. Terminal, like Revoke.
func (t *Token) SoftDelete(now time.Time) {
	t.Deleted = true
	t.Active = false
	t.DeletedAt = &now
	t.UpdatedAt = now
}

// -----------------------------------------------------------------------------
// Request Types
// -----------------------------------------------------------------------------

// CreateTokenRequest is the payload for issuing a new token.
type CreateTokenRequest struct {
	Name              string   `json:"name" binding:"required"`
	ExpiresHours      int      `json:"expiresHours,omitempty"`
	Permissions       []string `json:"permissions,omitempty"`
	RateLimitOverride string   `json:"rateLimitOverride,omitempty"`
	IPWhitelist       []string `json:"ipWhitelist,omitempty"`
}

// IssuedToken is returned exactly once at creation time and carries the
// raw secret alongside the stored token record.
type IssuedToken struct {
	Token  *Token `json:"token"`
	Secret string `json:"secret"`
}
