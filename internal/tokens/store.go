package tokens

import (
	"context"
	"time"
)

// Store persists service tokens.
//
// ListActive must return tokens in creation order so gateway resolution is
// deterministic across retries. RecordUse must be atomic with respect to
// concurrent calls against the same token (no read-modify-write in
// application code).
type Store interface {
	Create(ctx context.Context, t *Token) error
	Get(ctx context.Context, id string) (*Token, error)

	// List returns all non-deleted tokens for a service, newest first.
	List(ctx context.Context, serviceID string) ([]*Token, error)

	// ListActive returns tokens eligible for resolution, in creation order:
	// active, not revoked, not deleted. Expiry is the caller's concern.
	ListActive(ctx context.Context, serviceID string) ([]*Token, error)

	Update(ctx context.Context, t *Token) error

	// Delete removes the row permanently.
	Delete(ctx context.Context, id string) error

	// RecordUse increments usage_count and stamps last_used_at/last_used_ip.
	RecordUse(ctx context.Context, id, ip string, at time.Time) error
}
