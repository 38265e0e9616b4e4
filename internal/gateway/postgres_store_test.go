package gateway

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/visionbox/gateway/internal/testutil"
)

func seedCallService(t *testing.T, db *sql.DB, ownerID, serviceID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO owners (id, name) VALUES ($1, $2)`, ownerID, "Test Owner"); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO published_services (id, owner_id, name, model_name, api_endpoint)
		VALUES ($1, $2, $3, $4, $5)
	`, serviceID, ownerID, "plate-reader", "yolov8n",
		"/api/v1/services/"+serviceID+"/detect"); err != nil {
		t.Fatalf("seed service: %v", err)
	}
}

func pgCall(serviceID, id string, success bool, processingTime float64, at time.Time) *Call {
	completed := at.Add(time.Duration(processingTime * float64(time.Second)))
	c := &Call{
		ID:             id,
		ServiceID:      serviceID,
		TokenID:        "tok_pg1",
		RequestID:      "req_" + id,
		ClientIP:       "203.0.113.7",
		HTTPMethod:     "POST",
		RequestPath:    "/api/v1/services/" + serviceID + "/detect",
		RequestHeaders: map[string]string{"User-Agent": "test"},
		FileName:       "frame.jpg",
		FileSize:       2048,
		FileType:       "image",
		StatusCode:     200,
		ProcessingTime: processingTime,
		DetectionCount: 2,
		ModelUsed:      "yolov8n",
		Confidence:     0.5,
		Success:        success,
		CreatedAt:      at,
		CompletedAt:    &completed,
	}
	if !success {
		c.StatusCode = 500
		c.ErrorCode = CodeDetectionError
		c.ErrorMessage = "model offline"
	}
	return c
}

func TestPostgresCallStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresCallStore(db)
	seedCallService(t, db, "own_pg1", "svc_pg1")

	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Minute)
	inserted := []*Call{
		pgCall("svc_pg1", "call_pg1", true, 0.1, base),
		pgCall("svc_pg1", "call_pg2", true, 0.3, base.Add(time.Second)),
		pgCall("svc_pg1", "call_pg3", false, 0.2, base.Add(2*time.Second)),
	}
	for _, c := range inserted {
		if err := store.Insert(ctx, c); err != nil {
			t.Fatalf("Insert %s failed: %v", c.ID, err)
		}
	}

	t.Run("get round trip", func(t *testing.T) {
		got, err := store.Get(ctx, "call_pg1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.ServiceID != "svc_pg1" || got.TokenID != "tok_pg1" || !got.Success {
			t.Errorf("call = %q/%q success=%v", got.ServiceID, got.TokenID, got.Success)
		}
		if got.RequestHeaders["User-Agent"] != "test" {
			t.Errorf("headers = %v", got.RequestHeaders)
		}
		if got.FileName != "frame.jpg" || got.FileType != "image" {
			t.Errorf("file meta = %q/%q", got.FileName, got.FileType)
		}
		if got.CompletedAt == nil {
			t.Error("completed_at not persisted")
		}

		if _, err := store.Get(ctx, "call_none"); !errors.Is(err, ErrCallNotFound) {
			t.Errorf("expected ErrCallNotFound, got %v", err)
		}
	})

	t.Run("list newest first with success filter", func(t *testing.T) {
		calls, total, err := store.List(ctx, CallFilter{ServiceID: "svc_pg1"})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if total != 3 || len(calls) != 3 {
			t.Fatalf("list = %d rows, total %d; want 3/3", len(calls), total)
		}
		if calls[0].ID != "call_pg3" {
			t.Errorf("newest first violated, got %s", calls[0].ID)
		}

		failed := false
		calls, total, err = store.List(ctx, CallFilter{ServiceID: "svc_pg1", Success: &failed})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if total != 1 || calls[0].ID != "call_pg3" {
			t.Errorf("failure filter = %d rows, first %s", total, calls[0].ID)
		}
	})

	t.Run("summary", func(t *testing.T) {
		sum, err := store.Summary(ctx, "svc_pg1", base.Add(-time.Hour))
		if err != nil {
			t.Fatalf("Summary failed: %v", err)
		}
		if sum.TotalCalls != 3 || sum.SuccessfulCalls != 2 || sum.FailedCalls != 1 {
			t.Errorf("summary = %d/%d/%d, want 3/2/1",
				sum.TotalCalls, sum.SuccessfulCalls, sum.FailedCalls)
		}
		if math.Abs(sum.SuccessRate-200.0/3) > 0.01 {
			t.Errorf("success rate = %v, want ~66.67", sum.SuccessRate)
		}
		if math.Abs(sum.AvgProcessingTime-0.2) > 0.001 {
			t.Errorf("avg processing time = %v, want 0.2", sum.AvgProcessingTime)
		}
	})

	t.Run("daily stats", func(t *testing.T) {
		days, err := store.DailyStats(ctx, "svc_pg1", 7)
		if err != nil {
			t.Fatalf("DailyStats failed: %v", err)
		}
		if len(days) == 0 {
			t.Fatal("no day rows")
		}
		var total int64
		for _, d := range days {
			total += d.TotalCalls
			if d.Date == "" {
				t.Error("day stat missing date")
			}
		}
		if total != 3 {
			t.Errorf("daily totals = %d, want 3", total)
		}
	})

	t.Run("performance percentiles", func(t *testing.T) {
		perf, err := store.Performance(ctx, "svc_pg1", base.Add(-time.Hour))
		if err != nil {
			t.Fatalf("Performance failed: %v", err)
		}
		if perf.SampleSize != 3 {
			t.Errorf("sample size = %d, want 3", perf.SampleSize)
		}
		if math.Abs(perf.P50-0.2) > 0.001 {
			t.Errorf("p50 = %v, want 0.2", perf.P50)
		}
		if math.Abs(perf.Max-0.3) > 0.001 {
			t.Errorf("max = %v, want 0.3", perf.Max)
		}
		if perf.P95 < perf.P50 || perf.P99 < perf.P95 {
			t.Errorf("percentiles not monotonic: %v/%v/%v", perf.P50, perf.P95, perf.P99)
		}
	})

	t.Run("callback attempts accumulate", func(t *testing.T) {
		if err := store.UpdateCallback(ctx, "call_pg1", "failed"); err != nil {
			t.Fatalf("UpdateCallback failed: %v", err)
		}
		if err := store.UpdateCallback(ctx, "call_pg1", "success"); err != nil {
			t.Fatalf("UpdateCallback failed: %v", err)
		}

		got, err := store.Get(ctx, "call_pg1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.CallbackStatus != "success" || got.CallbackAttempts != 2 {
			t.Errorf("callback = %q attempts %d, want success/2",
				got.CallbackStatus, got.CallbackAttempts)
		}

		if err := store.UpdateCallback(ctx, "call_none", "failed"); !errors.Is(err, ErrCallNotFound) {
			t.Errorf("expected ErrCallNotFound, got %v", err)
		}
	})
}
