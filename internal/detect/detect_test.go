package detect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPDetectorSuccess(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Result{
			Detections: []Detection{
				{Class: "car", Confidence: 0.88},
				{Class: "person", Confidence: 0.91},
			},
		})
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, time.Second)
	res, err := d.Detect(context.Background(), Request{
		FilePath:  "/tmp/frame.jpg",
		FileType:  "image",
		ModelName: "yolov8n",
	})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.ModelName != "yolov8n" {
		t.Errorf("request modelName = %q, want yolov8n", got.ModelName)
	}
	// TotalDetections is backfilled from the detections slice
	if res.TotalDetections != 2 {
		t.Errorf("TotalDetections = %d, want 2", res.TotalDetections)
	}
}

func TestHTTPDetectorBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, time.Second)
	if _, err := d.Detect(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for 500 backend response")
	}
}

func TestHTTPDetectorUnreachable(t *testing.T) {
	d := NewHTTPDetector("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := d.Detect(context.Background(), Request{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestStubDetectorDefaults(t *testing.T) {
	d := &StubDetector{}
	res, err := d.Detect(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.TotalDetections != 1 {
		t.Errorf("TotalDetections = %d, want 1", res.TotalDetections)
	}
}

func TestStubDetectorHonorsCancellation(t *testing.T) {
	d := &StubDetector{Delay: time.Minute}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := d.Detect(ctx, Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
