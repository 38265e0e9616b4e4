// Package ratelimit provides sliding-window admission control for the
// VisionBox gateway. Every decision is keyed by an opaque string, so the
// same limiter serves per-(service,token) gateway quotas and per-IP edge
// limiting.
package ratelimit

import (
	"context"
	"time"
)

// Result describes one admission decision.
type Result struct {
	Allowed bool
	Limit   int
	// Remaining is the capacity left after this call; always 0 on denial.
	Remaining int
	// ResetAt approximates when capacity frees up. Advisory, not exact.
	ResetAt time.Time
	// Current is the number of admitted calls inside the window, counting
	// this one when it was allowed.
	Current int
}

// Limiter admits or denies events against a trailing window.
//
// Admit must be non-blocking for in-memory implementations: it sits ahead
// of the detection handler on every gateway request. A denied call never
// consumes capacity.
type Limiter interface {
	Admit(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}
