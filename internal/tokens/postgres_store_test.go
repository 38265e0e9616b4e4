package tokens

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/visionbox/gateway/internal/testutil"
)

func seedService(t *testing.T, db *sql.DB, ownerID, serviceID string) {
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

func pgToken(serviceID, id, name string, createdAt time.Time) *Token {
	_, digest, prefix := Issue()
	return &Token{
		ID:        id,
		ServiceID: serviceID,
		Name:      name,
		Digest:    digest,
		Prefix:    prefix,
		Active:    true,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	seedService(t, db, "own_pg1", "svc_pg1")
	base := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("create without rate override", func(t *testing.T) {
		// The column is NOT NULL; an empty override must insert as ''.
		tok := pgToken("svc_pg1", "tok_pg1", "default", base)
		if err := store.Create(ctx, tok); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.Get(ctx, tok.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.RateLimitOverride != "" {
			t.Errorf("override = %q, want empty", got.RateLimitOverride)
		}
		if got.Name != "default" || !got.Active || got.Revoked {
			t.Errorf("token = %q active=%v revoked=%v", got.Name, got.Active, got.Revoked)
		}
	})

	t.Run("create with override and whitelist", func(t *testing.T) {
		tok := pgToken("svc_pg1", "tok_pg2", "ci", base.Add(time.Second))
		tok.RateLimitOverride = "50"
		tok.IPWhitelist = []string{"10.0.0.5"}
		tok.Permissions = []string{"detect"}
		if err := store.Create(ctx, tok); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.Get(ctx, tok.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.RateLimitOverride != "50" {
			t.Errorf("override = %q, want 50", got.RateLimitOverride)
		}
		if len(got.IPWhitelist) != 1 || got.IPWhitelist[0] != "10.0.0.5" {
			t.Errorf("whitelist = %v", got.IPWhitelist)
		}
	})

	t.Run("duplicate name per service", func(t *testing.T) {
		dup := pgToken("svc_pg1", "tok_pg_dup", "default", base)
		if err := store.Create(ctx, dup); !errors.Is(err, ErrNameTaken) {
			t.Errorf("expected ErrNameTaken, got %v", err)
		}
	})

	t.Run("list active in creation order", func(t *testing.T) {
		active, err := store.ListActive(ctx, "svc_pg1")
		if err != nil {
			t.Fatalf("ListActive failed: %v", err)
		}
		if len(active) != 2 {
			t.Fatalf("active tokens = %d, want 2", len(active))
		}
		if active[0].ID != "tok_pg1" || active[1].ID != "tok_pg2" {
			t.Errorf("order = %s, %s; want tok_pg1, tok_pg2", active[0].ID, active[1].ID)
		}
	})

	t.Run("record use increments", func(t *testing.T) {
		now := time.Now().UTC()
		if err := store.RecordUse(ctx, "tok_pg1", "203.0.113.7", now); err != nil {
			t.Fatalf("RecordUse failed: %v", err)
		}
		if err := store.RecordUse(ctx, "tok_pg1", "203.0.113.8", now); err != nil {
			t.Fatalf("RecordUse failed: %v", err)
		}

		got, err := store.Get(ctx, "tok_pg1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.UsageCount != 2 {
			t.Errorf("usage count = %d, want 2", got.UsageCount)
		}
		if got.LastUsedIP != "203.0.113.8" {
			t.Errorf("last used IP = %q", got.LastUsedIP)
		}

		if err := store.RecordUse(ctx, "tok_none", "", now); !errors.Is(err, ErrTokenNotFound) {
			t.Errorf("expected ErrTokenNotFound, got %v", err)
		}
	})

	t.Run("update revocation without override", func(t *testing.T) {
		// Revoke/deactivate must not trip the NOT NULL override column either.
		tok, err := store.Get(ctx, "tok_pg1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		tok.Revoked = true
		tok.Active = false
		tok.UpdatedAt = time.Now().UTC()
		if err := store.Update(ctx, tok); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		active, err := store.ListActive(ctx, "svc_pg1")
		if err != nil {
			t.Fatalf("ListActive failed: %v", err)
		}
		if len(active) != 1 || active[0].ID != "tok_pg2" {
			t.Errorf("active after revoke = %v", active)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.Delete(ctx, "tok_pg2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := store.Get(ctx, "tok_pg2"); !errors.Is(err, ErrTokenNotFound) {
			t.Errorf("expected ErrTokenNotFound, got %v", err)
		}
		if err := store.Delete(ctx, "tok_pg2"); !errors.Is(err, ErrTokenNotFound) {
			t.Errorf("expected ErrTokenNotFound on second delete, got %v", err)
		}
	})
}
