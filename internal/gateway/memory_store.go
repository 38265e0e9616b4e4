package gateway

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCallStore is an in-memory ledger for demo/development mode.
type MemoryCallStore struct {
	calls map[string]*Call
	order []string // insertion order
	mu    sync.RWMutex
}

// NewMemoryCallStore creates a new in-memory call ledger.
func NewMemoryCallStore() *MemoryCallStore {
	return &MemoryCallStore{calls: make(map[string]*Call)}
}

func (m *MemoryCallStore) Insert(_ context.Context, call *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *call
	m.calls[call.ID] = &cp
	m.order = append(m.order, call.ID)
	return nil
}

func (m *MemoryCallStore) Get(_ context.Context, id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	call, ok := m.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	cp := *call
	return &cp, nil
}

func (m *MemoryCallStore) List(_ context.Context, filter CallFilter) ([]*Call, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Call
	for _, id := range m.order {
		call := m.calls[id]
		if !m.matches(call, filter) {
			continue
		}
		cp := *call
		matched = append(matched, &cp)
	}

	// Newest first
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (m *MemoryCallStore) matches(call *Call, filter CallFilter) bool {
	if filter.ServiceID != "" && call.ServiceID != filter.ServiceID {
		return false
	}
	if filter.Success != nil && call.Success != *filter.Success {
		return false
	}
	if !filter.Since.IsZero() && call.CreatedAt.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && call.CreatedAt.After(filter.Until) {
		return false
	}
	return true
}

func (m *MemoryCallStore) Summary(_ context.Context, serviceID string, since time.Time) (*CallSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := &CallSummary{}
	var totalTime float64
	var timed int64
	for _, call := range m.calls {
		if call.ServiceID != serviceID || call.CreatedAt.Before(since) {
			continue
		}
		summary.TotalCalls++
		if call.Success {
			summary.SuccessfulCalls++
		} else {
			summary.FailedCalls++
		}
		if call.ProcessingTime > 0 {
			totalTime += call.ProcessingTime
			timed++
		}
	}
	if summary.TotalCalls > 0 {
		summary.SuccessRate = float64(summary.SuccessfulCalls) / float64(summary.TotalCalls) * 100
	}
	if timed > 0 {
		summary.AvgProcessingTime = totalTime / float64(timed)
	}
	return summary, nil
}

func (m *MemoryCallStore) DailyStats(_ context.Context, serviceID string, days int) ([]DayStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	byDay := make(map[string]*DayStat)
	timeSums := make(map[string]float64)
	timeCounts := make(map[string]int64)

	for _, call := range m.calls {
		if call.ServiceID != serviceID || call.CreatedAt.Before(cutoff) {
			continue
		}
		day := call.CreatedAt.UTC().Format("2006-01-02")
		stat, ok := byDay[day]
		if !ok {
			stat = &DayStat{Date: day}
			byDay[day] = stat
		}
		stat.TotalCalls++
		if call.Success {
			stat.SuccessfulCalls++
		} else {
			stat.FailedCalls++
		}
		if call.ProcessingTime > 0 {
			timeSums[day] += call.ProcessingTime
			timeCounts[day]++
		}
	}

	var result []DayStat
	for day, stat := range byDay {
		if timeCounts[day] > 0 {
			stat.AvgProcessingTime = timeSums[day] / float64(timeCounts[day])
		}
		result = append(result, *stat)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result, nil
}

func (m *MemoryCallStore) Performance(_ context.Context, serviceID string, since time.Time) (*PerformanceStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var samples []float64
	for _, call := range m.calls {
		if call.ServiceID != serviceID || call.CreatedAt.Before(since) {
			continue
		}
		if call.Finalized() && call.ProcessingTime > 0 {
			samples = append(samples, call.ProcessingTime)
		}
	}

	stats := &PerformanceStats{SampleSize: len(samples)}
	if len(samples) == 0 {
		return stats, nil
	}
	sort.Float64s(samples)

	var sum float64
	for _, s := range samples {
		sum += s
	}
	stats.Avg = sum / float64(len(samples))
	stats.Max = samples[len(samples)-1]
	stats.P50 = percentile(samples, 0.50)
	stats.P95 = percentile(samples, 0.95)
	stats.P99 = percentile(samples, 0.99)
	return stats, nil
}

// percentile returns the nearest-rank percentile of sorted samples.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (m *MemoryCallStore) UpdateCallback(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	call.UpdateCallback(status)
	return nil
}
