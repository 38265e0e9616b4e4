package services

import (
	"context"
	"time"
)

// Store persists published services.
//
// RecordCall must be atomic with respect to concurrent calls against the
// same service: implementations use either increment-in-place SQL or a
// per-service lock, never an application-level read-modify-write.
type Store interface {
	Create(ctx context.Context, svc *PublishedService) error
	Get(ctx context.Context, id string) (*PublishedService, error)
	List(ctx context.Context, filter ListFilter) ([]*PublishedService, int, error)
	Update(ctx context.Context, svc *PublishedService) error

	// RecordCall increments total_calls and exactly one of
	// successful_calls/failed_calls, and refreshes last_called_at.
	RecordCall(ctx context.Context, id string, success bool, at time.Time) error
}
