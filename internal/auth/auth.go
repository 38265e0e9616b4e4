// Package auth provides API authentication for VisionBox.
//
// Authentication model:
// - Public endpoints (service info, health): No auth required
// - Management endpoints (services, tokens, analytics): Require API key
// - API keys are issued on owner registration
//
// Gateway access tokens (st_...) are a separate mechanism, handled by the
// tokens package; an API key never grants detect access.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/visionbox/gateway/internal/idgen"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrOwnerNotFound = errors.New("owner not found")
	ErrEmailTaken    = errors.New("email already registered")
)

// Owner is an account that publishes detection services.
type Owner struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// APIKey authenticates an owner on the management API.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	OwnerID   string     `json:"ownerId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists owners and their API keys.
type Store interface {
	CreateOwner(ctx context.Context, owner *Owner) error
	GetOwner(ctx context.Context, id string) (*Owner, error)

	CreateKey(ctx context.Context, key *APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	KeysForOwner(ctx context.Context, ownerID string) ([]*APIKey, error)
	UpdateKey(ctx context.Context, key *APIKey) error
	DeleteKey(ctx context.Context, id string) error
}

// Manager handles registration and authentication.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Register creates an owner account with its first API key.
// The raw key is shown once and never stored.
func (m *Manager) Register(ctx context.Context, name, email string) (*Owner, string, *APIKey, error) {
	owner := &Owner{
		ID:        idgen.WithPrefix("own_"),
		Name:      strings.TrimSpace(name),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateOwner(ctx, owner); err != nil {
		return nil, "", nil, err
	}

	rawKey, key, err := m.GenerateKey(ctx, owner.ID, "Primary key")
	if err != nil {
		return nil, "", nil, err
	}
	return owner, rawKey, key, nil
}

// GenerateKey creates a new API key for an owner.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, ownerID, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	hash := hashKey(rawKey)
	key, err := m.store.GetKeyByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.UpdateKey(context.Background(), key)
	}()

	return key, nil
}

// GetOwner returns the owner record for an id.
func (m *Manager) GetOwner(ctx context.Context, id string) (*Owner, error) {
	return m.store.GetOwner(ctx, id)
}

// ListKeys returns all keys for an owner.
func (m *Manager) ListKeys(ctx context.Context, ownerID string) ([]*APIKey, error) {
	return m.store.KeysForOwner(ctx, ownerID)
}

// RevokeKey revokes an API key owned by ownerID.
func (m *Manager) RevokeKey(ctx context.Context, keyID, ownerID string) error {
	keys, err := m.store.KeysForOwner(ctx, ownerID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.UpdateKey(ctx, k)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu     sync.RWMutex
	owners map[string]*Owner
	keys   map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners: make(map[string]*Owner),
		keys:   make(map[string]*APIKey),
	}
}

func (s *MemoryStore) CreateOwner(_ context.Context, owner *Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner.Email != "" {
		for _, o := range s.owners {
			if o.Email == owner.Email {
				return ErrEmailTaken
			}
		}
	}
	s.owners[owner.ID] = owner
	return nil
}

func (s *MemoryStore) GetOwner(_ context.Context, id string) (*Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[id]
	if !ok {
		return nil, ErrOwnerNotFound
	}
	return owner, nil
}

func (s *MemoryStore) CreateKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetKeyByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) KeysForOwner(_ context.Context, ownerID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.OwnerID == ownerID {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
