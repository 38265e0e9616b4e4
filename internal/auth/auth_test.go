package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRegister(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	owner, rawKey, key, err := mgr.Register(ctx, "  Ada  ", "Ada@Example.Com")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !strings.HasPrefix(owner.ID, "own_") {
		t.Errorf("owner id = %s, want own_ prefix", owner.ID)
	}
	if owner.Name != "Ada" {
		t.Errorf("owner name = %q, want trimmed Ada", owner.Name)
	}
	if owner.Email != "ada@example.com" {
		t.Errorf("owner email = %q, want lowercased", owner.Email)
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("raw key = %s..., want sk_ prefix", rawKey[:6])
	}
	if key.OwnerID != owner.ID {
		t.Errorf("key owner = %s, want %s", key.OwnerID, owner.ID)
	}

	_, _, _, err = mgr.Register(ctx, "Grace", "ada@example.com")
	if err != ErrEmailTaken {
		t.Errorf("duplicate email = %v, want ErrEmailTaken", err)
	}
}

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "own_1", "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("raw key = %s..., want sk_ prefix", rawKey[:6])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("raw key length = %d, want 67", len(rawKey))
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("key id = %s, want ak_ prefix", key.ID)
	}
	if key.OwnerID != "own_1" || key.Name != "Test key" {
		t.Errorf("key metadata = %s/%s", key.OwnerID, key.Name)
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "own_1", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.OwnerID != "own_1" {
		t.Errorf("owner = %s, want own_1", key.OwnerID)
	}

	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, "sk_"+strings.Repeat("0", 64)); err != ErrInvalidAPIKey {
		t.Errorf("wrong key = %v, want ErrInvalidAPIKey", err)
	}
	if _, err := mgr.ValidateKey(ctx, ""); err != ErrNoAPIKey {
		t.Errorf("empty key = %v, want ErrNoAPIKey", err)
	}
	if _, err := mgr.ValidateKey(ctx, "not_a_valid_key"); err != ErrInvalidAPIKey {
		t.Errorf("malformed key = %v, want ErrInvalidAPIKey", err)
	}
}

func TestValidateKey_Revoked(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "own_1", "key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if err := mgr.RevokeKey(ctx, key.ID, "own_1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("revoked key = %v, want ErrInvalidAPIKey", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "own_1", "key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := store.UpdateKey(ctx, key); err != nil {
		t.Fatalf("UpdateKey failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("expired key = %v, want ErrInvalidAPIKey", err)
	}
}

func TestRevokeKey_WrongOwner(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, key, err := mgr.GenerateKey(ctx, "own_1", "key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if err := mgr.RevokeKey(ctx, key.ID, "own_2"); err != ErrKeyNotFound {
		t.Errorf("foreign revoke = %v, want ErrKeyNotFound", err)
	}
}
