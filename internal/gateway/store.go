package gateway

import (
	"context"
	"time"
)

// CallFilter narrows ledger listings.
type CallFilter struct {
	ServiceID string
	Success   *bool
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// CallSummary is the aggregate view of a service's ledger over a period.
type CallSummary struct {
	TotalCalls        int64   `json:"totalCalls"`
	SuccessfulCalls   int64   `json:"successfulCalls"`
	FailedCalls       int64   `json:"failedCalls"`
	SuccessRate       float64 `json:"successRate"`
	AvgProcessingTime float64 `json:"avgProcessingTime"`
}

// DayStat is one day's worth of ledger aggregates.
type DayStat struct {
	Date              string  `json:"date"` // YYYY-MM-DD, UTC
	TotalCalls        int64   `json:"totalCalls"`
	SuccessfulCalls   int64   `json:"successfulCalls"`
	FailedCalls       int64   `json:"failedCalls"`
	AvgProcessingTime float64 `json:"avgProcessingTime"`
}

// PerformanceStats summarizes processing-time percentiles over completed
// calls.
type PerformanceStats struct {
	P50        float64 `json:"p50"`
	P95        float64 `json:"p95"`
	P99        float64 `json:"p99"`
	Avg        float64 `json:"avg"`
	Max        float64 `json:"max"`
	SampleSize int     `json:"sampleSize"`
}

// CallStore persists the append-only call ledger. Rows never change after
// Insert except through UpdateCallback.
type CallStore interface {
	Insert(ctx context.Context, call *Call) error
	Get(ctx context.Context, id string) (*Call, error)
	List(ctx context.Context, filter CallFilter) ([]*Call, int, error)
	Summary(ctx context.Context, serviceID string, since time.Time) (*CallSummary, error)
	DailyStats(ctx context.Context, serviceID string, days int) ([]DayStat, error)
	Performance(ctx context.Context, serviceID string, since time.Time) (*PerformanceStats, error)

	// UpdateCallback sets callback_status and increments callback_attempts.
	UpdateCallback(ctx context.Context, id, status string) error
}
