// Package detect defines the gateway's view of the external detection
// model. The gateway never looks inside a result; it only needs the
// success signal, the object count, and the payload to relay.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnavailable signals the inference endpoint could not be reached.
var ErrUnavailable = errors.New("detect: inference endpoint unavailable")

// Request carries one detection job to the model.
type Request struct {
	FilePath            string   `json:"filePath"`
	FileType            string   `json:"fileType"` // "image" or "video"
	ModelName           string   `json:"modelName"`
	ConfidenceThreshold float64  `json:"confidenceThreshold"`
	Classes             []string `json:"classes,omitempty"`
}

// Detection is one detected object.
type Detection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"`
}

// Result is the model's answer for one job.
type Result struct {
	Detections      []Detection            `json:"detections"`
	ClassCounts     map[string]int         `json:"classCounts,omitempty"`
	TotalDetections int                    `json:"totalDetections"`
	ImageInfo       map[string]interface{} `json:"imageInfo,omitempty"`
	AnnotatedPath   string                 `json:"annotatedPath,omitempty"`
}

// Detector runs one detection job. Implementations must respect ctx
// cancellation; the gateway bounds every invocation with a deadline.
type Detector interface {
	Detect(ctx context.Context, req Request) (*Result, error)
}

// -----------------------------------------------------------------------------
// HTTP detector
// -----------------------------------------------------------------------------

// HTTPDetector posts jobs to a configured inference endpoint.
type HTTPDetector struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDetector creates a detector for the given inference endpoint.
func NewHTTPDetector(endpoint string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDetector) Detect(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("detect: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("detect: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detect: inference endpoint returned %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("detect: decode result: %w", err)
	}
	if result.TotalDetections == 0 {
		result.TotalDetections = len(result.Detections)
	}
	return &result, nil
}

// -----------------------------------------------------------------------------
// Stub detector
// -----------------------------------------------------------------------------

// StubDetector returns a canned result, for demo mode and tests.
type StubDetector struct {
	Result *Result
	Err    error
	// Delay simulates inference time, honoring ctx cancellation.
	Delay time.Duration
}

func (d *StubDetector) Detect(ctx context.Context, _ Request) (*Result, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Result != nil {
		return d.Result, nil
	}
	return &Result{
		Detections:      []Detection{{Class: "person", Confidence: 0.92}},
		ClassCounts:     map[string]int{"person": 1},
		TotalDetections: 1,
	}, nil
}
