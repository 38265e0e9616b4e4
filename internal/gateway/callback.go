package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/visionbox/gateway/internal/logging"
	"github.com/visionbox/gateway/internal/metrics"
	"github.com/visionbox/gateway/internal/retry"
	"github.com/visionbox/gateway/internal/security"
)

// DefaultCallbackTimeout bounds a single callback delivery attempt.
const DefaultCallbackTimeout = 30 * time.Second

// deliveryAttempts is how many times a callback is tried before giving up.
const deliveryAttempts = 3

// CallbackDispatcher posts detection results to caller-supplied URLs.
// Deliveries run in the background and never block the detect response.
type CallbackDispatcher struct {
	calls   CallStore
	client  *http.Client
	timeout time.Duration
}

func NewCallbackDispatcher(calls CallStore, timeout time.Duration) *CallbackDispatcher {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	return &CallbackDispatcher{
		calls:   calls,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Dispatch delivers the result for a finished call asynchronously and
// records the delivery outcome on the ledger row.
func (d *CallbackDispatcher) Dispatch(ctx context.Context, call *Call, result interface{}) {
	payload := map[string]interface{}{
		"request_id":      call.RequestID,
		"success":         call.Success,
		"processing_time": call.ProcessingTime,
	}
	if call.Success {
		payload["result"] = result
	} else {
		payload["error"] = call.ErrorMessage
	}

	go d.deliver(context.WithoutCancel(ctx), call, payload)
}

func (d *CallbackDispatcher) deliver(ctx context.Context, call *Call, payload map[string]interface{}) {
	log := logging.L(ctx)

	if err := security.ValidateEndpointURL(call.CallbackURL); err != nil {
		log.Warn("callback URL rejected",
			"call_id", call.ID, "url", call.CallbackURL, "error", err)
		d.recordAttempt(ctx, call, "failed")
		return
	}

	// Each attempt is recorded on the ledger row, so callbackAttempts
	// counts retries too.
	err := retry.Do(ctx, deliveryAttempts, 250*time.Millisecond, func() error {
		err := d.post(ctx, call.CallbackURL, payload)
		if err != nil {
			d.recordAttempt(ctx, call, "failed")
			return err
		}
		d.recordAttempt(ctx, call, "success")
		return nil
	})
	if err != nil {
		log.Error("callback delivery failed",
			"call_id", call.ID, "url", call.CallbackURL, "attempts", deliveryAttempts, "error", err)
		return
	}

	log.Info("callback delivered", "call_id", call.ID, "url", call.CallbackURL)
}

func (d *CallbackDispatcher) recordAttempt(ctx context.Context, call *Call, status string) {
	metrics.CallbackDeliveriesTotal.WithLabelValues(status).Inc()
	if err := d.calls.UpdateCallback(ctx, call.ID, status); err != nil {
		logging.L(ctx).Error("failed to record callback outcome",
			"call_id", call.ID, "error", err)
	}
}

func (d *CallbackDispatcher) post(ctx context.Context, url string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
