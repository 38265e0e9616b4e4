package detect

import (
	"context"
	"time"

	"github.com/visionbox/gateway/internal/circuitbreaker"
)

// GuardedDetector wraps a Detector with a per-model circuit breaker so a
// failing inference backend sheds load instead of queueing requests until
// they time out.
type GuardedDetector struct {
	next    Detector
	breaker *circuitbreaker.Breaker
}

// WithBreaker guards next with a circuit breaker that opens after
// threshold consecutive failures and probes again after openFor.
func WithBreaker(next Detector, threshold int, openFor time.Duration) *GuardedDetector {
	return &GuardedDetector{
		next:    next,
		breaker: circuitbreaker.New(threshold, openFor),
	}
}

func (d *GuardedDetector) Detect(ctx context.Context, req Request) (*Result, error) {
	key := req.ModelName
	if key == "" {
		key = "default"
	}

	if !d.breaker.Allow(key) {
		return nil, ErrUnavailable
	}

	res, err := d.next.Detect(ctx, req)
	if err != nil {
		d.breaker.RecordFailure(key)
		return nil, err
	}
	d.breaker.RecordSuccess(key)
	return res, nil
}
