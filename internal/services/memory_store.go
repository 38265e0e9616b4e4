package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/visionbox/gateway/internal/syncutil"
)

// MemoryStore is an in-memory service store for demo/development mode.
type MemoryStore struct {
	services map[string]*PublishedService
	mu       sync.RWMutex

	// counters serializes RecordCall per service id so the aggregate
	// invariant holds under concurrent gateway traffic.
	counters syncutil.ShardedMutex
}

// NewMemoryStore creates a new in-memory service store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{services: make(map[string]*PublishedService)}
}

func (m *MemoryStore) Create(_ context.Context, svc *PublishedService) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.services {
		if existing.OwnerID == svc.OwnerID && existing.Name == svc.Name && !existing.Deleted() {
			return ErrNameTaken
		}
	}
	m.services[svc.ID] = cloneService(svc)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PublishedService, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return cloneService(svc), nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*PublishedService, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PublishedService
	for _, svc := range m.services {
		if filter.OwnerID != "" && svc.OwnerID != filter.OwnerID {
			continue
		}
		if svc.Deleted() && !filter.IncludeDeleted && filter.Status != StatusDeleted {
			continue
		}
		if filter.Status != "" && svc.Status != filter.Status {
			continue
		}
		result = append(result, cloneService(svc))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			result = nil
		} else {
			result = result[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, total, nil
}

func (m *MemoryStore) Update(_ context.Context, svc *PublishedService) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[svc.ID]; !ok {
		return ErrServiceNotFound
	}
	m.services[svc.ID] = cloneService(svc)
	return nil
}

func (m *MemoryStore) RecordCall(_ context.Context, id string, success bool, at time.Time) error {
	unlock := m.counters.Lock(id)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[id]
	if !ok {
		return ErrServiceNotFound
	}
	svc.TotalCalls++
	if success {
		svc.SuccessfulCalls++
	} else {
		svc.FailedCalls++
	}
	called := at
	svc.LastCalledAt = &called
	svc.UpdatedAt = at
	return nil
}

func cloneService(svc *PublishedService) *PublishedService {
	cp := *svc
	if svc.DetectionClasses != nil {
		cp.DetectionClasses = append([]string(nil), svc.DetectionClasses...)
	}
	if svc.AllowedFormats != nil {
		cp.AllowedFormats = append([]string(nil), svc.AllowedFormats...)
	}
	if svc.LastCalledAt != nil {
		lc := *svc.LastCalledAt
		cp.LastCalledAt = &lc
	}
	if svc.DeletedAt != nil {
		del := *svc.DeletedAt
		cp.DeletedAt = &del
	}
	return &cp
}
