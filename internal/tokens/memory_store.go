package tokens

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory token store for demo/development mode.
type MemoryStore struct {
	tokens map[string]*Token
	order  map[string][]string // serviceID → token IDs in creation order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]*Token),
		order:  make(map[string][]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneToken(t)
	m.tokens[t.ID] = cp
	m.order[t.ServiceID] = append(m.order[t.ServiceID], t.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return cloneToken(t), nil
}

func (m *MemoryStore) List(_ context.Context, serviceID string) ([]*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Token
	for _, id := range m.order[serviceID] {
		t := m.tokens[id]
		if t == nil || t.Deleted {
			continue
		}
		result = append(result, cloneToken(t))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListActive(_ context.Context, serviceID string) ([]*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Creation order, so resolution is deterministic.
	var result []*Token
	for _, id := range m.order[serviceID] {
		t := m.tokens[id]
		if t == nil || !t.Active || t.Revoked || t.Deleted {
			continue
		}
		result = append(result, cloneToken(t))
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tokens[t.ID]; !ok {
		return ErrTokenNotFound
	}
	m.tokens[t.ID] = cloneToken(t)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	delete(m.tokens, id)

	ids := m.order[t.ServiceID]
	for i, tid := range ids {
		if tid == id {
			m.order[t.ServiceID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) RecordUse(_ context.Context, id, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	t.UsageCount++
	used := at
	t.LastUsedAt = &used
	t.LastUsedIP = ip
	return nil
}

func cloneToken(t *Token) *Token {
	cp := *t
	if t.Permissions != nil {
		cp.Permissions = append([]string(nil), t.Permissions...)
	}
	if t.IPWhitelist != nil {
		cp.IPWhitelist = append([]string(nil), t.IPWhitelist...)
	}
	if t.LastUsedAt != nil {
		lu := *t.LastUsedAt
		cp.LastUsedAt = &lu
	}
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		cp.ExpiresAt = &exp
	}
	if t.DeletedAt != nil {
		del := *t.DeletedAt
		cp.DeletedAt = &del
	}
	return &cp
}
