package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/visionbox/gateway/internal/testutil"
)

func seedOwner(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO owners (id, name) VALUES ($1, $2)`, id, "Test Owner")
	if err != nil {
		t.Fatalf("seed owner: %v", err)
	}
}

func pgService(owner, id, name string) *PublishedService {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &PublishedService{
		ID:                  id,
		OwnerID:             owner,
		Name:                name,
		Description:         "license plates",
		Status:              StatusActive,
		ModelName:           "yolov8n",
		ConfidenceThreshold: 0.5,
		DetectionClasses:    []string{"car", "plate"},
		APIEndpoint:         "/api/v1/services/" + id + "/detect",
		RateLimit:           100,
		MaxFileSize:         10 << 20,
		AllowedFormats:      []string{"jpg", "png"},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	seedOwner(t, db, "own_pg1")

	t.Run("round trip", func(t *testing.T) {
		svc := pgService("own_pg1", "svc_pg1", "plate-reader")
		if err := store.Create(ctx, svc); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.Get(ctx, svc.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Name != svc.Name || got.OwnerID != svc.OwnerID || got.Status != StatusActive {
			t.Errorf("got %q/%q/%s, want %q/%q/active", got.Name, got.OwnerID, got.Status, svc.Name, svc.OwnerID)
		}
		if got.ModelName != "yolov8n" || got.ConfidenceThreshold != 0.5 {
			t.Errorf("model config = %q/%v", got.ModelName, got.ConfidenceThreshold)
		}
		if len(got.DetectionClasses) != 2 || len(got.AllowedFormats) != 2 {
			t.Errorf("arrays = %v / %v", got.DetectionClasses, got.AllowedFormats)
		}
		if got.RateLimit != 100 || got.MaxFileSize != 10<<20 {
			t.Errorf("limits = %d/%d", got.RateLimit, got.MaxFileSize)
		}
	})

	t.Run("duplicate name per owner", func(t *testing.T) {
		dup := pgService("own_pg1", "svc_pg_dup", "plate-reader")
		if err := store.Create(ctx, dup); !errors.Is(err, ErrNameTaken) {
			t.Errorf("expected ErrNameTaken, got %v", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		if _, err := store.Get(ctx, "svc_none"); !errors.Is(err, ErrServiceNotFound) {
			t.Errorf("expected ErrServiceNotFound, got %v", err)
		}
	})

	t.Run("record call counters", func(t *testing.T) {
		now := time.Now().UTC()
		if err := store.RecordCall(ctx, "svc_pg1", true, now); err != nil {
			t.Fatalf("RecordCall failed: %v", err)
		}
		if err := store.RecordCall(ctx, "svc_pg1", true, now); err != nil {
			t.Fatalf("RecordCall failed: %v", err)
		}
		if err := store.RecordCall(ctx, "svc_pg1", false, now); err != nil {
			t.Fatalf("RecordCall failed: %v", err)
		}

		got, err := store.Get(ctx, "svc_pg1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.TotalCalls != 3 || got.SuccessfulCalls != 2 || got.FailedCalls != 1 {
			t.Errorf("counters = %d/%d/%d, want 3/2/1",
				got.TotalCalls, got.SuccessfulCalls, got.FailedCalls)
		}
		if got.SuccessfulCalls+got.FailedCalls != got.TotalCalls {
			t.Error("aggregate invariant broken")
		}
		if got.LastCalledAt == nil {
			t.Error("last_called_at not set")
		}

		if err := store.RecordCall(ctx, "svc_none", true, now); !errors.Is(err, ErrServiceNotFound) {
			t.Errorf("expected ErrServiceNotFound, got %v", err)
		}
	})

	t.Run("update and status filter", func(t *testing.T) {
		svc, err := store.Get(ctx, "svc_pg1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		svc.Status = StatusDisabled
		svc.RateLimit = 25
		svc.UpdatedAt = time.Now().UTC()
		if err := store.Update(ctx, svc); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		got, err := store.Get(ctx, svc.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != StatusDisabled || got.RateLimit != 25 {
			t.Errorf("updated = %s/%d, want disabled/25", got.Status, got.RateLimit)
		}

		listed, total, err := store.List(ctx, ListFilter{OwnerID: "own_pg1", Status: StatusDisabled})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if total != 1 || len(listed) != 1 || listed[0].ID != svc.ID {
			t.Errorf("filtered list = %d rows, total %d", len(listed), total)
		}
	})

	t.Run("deleted excluded by default", func(t *testing.T) {
		svc, err := store.Get(ctx, "svc_pg1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		now := time.Now().UTC()
		svc.Status = StatusDeleted
		svc.DeletedAt = &now
		svc.UpdatedAt = now
		if err := store.Update(ctx, svc); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		_, total, err := store.List(ctx, ListFilter{OwnerID: "own_pg1"})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if total != 0 {
			t.Errorf("deleted service still listed, total = %d", total)
		}

		_, total, err = store.List(ctx, ListFilter{OwnerID: "own_pg1", IncludeDeleted: true})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if total != 1 {
			t.Errorf("IncludeDeleted total = %d, want 1", total)
		}
	})
}
