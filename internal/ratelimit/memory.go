package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultRetention bounds how long admission timestamps are kept. It is
// also the longest window the limiter supports accurately.
const DefaultRetention = time.Hour

// DefaultCleanupInterval is how often the background prune runs.
const DefaultCleanupInterval = time.Minute

// MemoryLimiter is an in-process sliding-window limiter. Admission history
// is pruned lazily on access and periodically in the background so
// long-lived keys stay bounded.
type MemoryLimiter struct {
	mu        sync.RWMutex
	keys      map[string]*history
	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// history holds one key's admission timestamps, oldest first.
type history struct {
	mu     sync.Mutex
	stamps []time.Time
}

// NewMemoryLimiter creates a memory limiter and starts its prune loop.
// Call Stop when done.
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{
		keys:      make(map[string]*history),
		retention: DefaultRetention,
		stop:      make(chan struct{}),
		now:       time.Now,
	}
	go l.pruneLoop(DefaultCleanupInterval)
	return l
}

// Admit implements Limiter. A denied call leaves the key's history
// untouched.
func (l *MemoryLimiter) Admit(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := l.now()
	h := l.historyFor(key)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Lazy prune. The horizon never cuts into the active window.
	horizon := l.retention
	if window > horizon {
		horizon = window
	}
	h.stamps = dropBefore(h.stamps, now.Add(-horizon))

	cutoff := now.Add(-window)
	inWindow := h.stamps[firstAtOrAfter(h.stamps, cutoff):]
	current := len(inWindow)

	res := Result{Limit: limit, Current: current}
	if current < limit {
		h.stamps = append(h.stamps, now)
		res.Allowed = true
		res.Current = current + 1
		res.Remaining = limit - current - 1
		if res.Remaining < 0 {
			res.Remaining = 0
		}
		if current == 0 {
			res.ResetAt = now.Add(window)
		} else {
			res.ResetAt = inWindow[0].Add(window)
		}
		return res, nil
	}

	res.Remaining = 0
	if current == 0 {
		res.ResetAt = now
	} else {
		res.ResetAt = inWindow[0].Add(window)
	}
	return res, nil
}

// Stop terminates the background prune loop.
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Keys reports how many keys currently hold history. Used by tests and the
// readiness probe.
func (l *MemoryLimiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.keys)
}

func (l *MemoryLimiter) historyFor(key string) *history {
	l.mu.RLock()
	h, ok := l.keys[key]
	l.mu.RUnlock()
	if ok {
		return h
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.keys[key]; ok {
		return h
	}
	h = &history{}
	l.keys[key] = h
	return h
}

func (l *MemoryLimiter) pruneLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.pruneOnce()
		}
	}
}

// pruneOnce discards stale stamps key by key, never holding a key's lock
// longer than that key's cleanup.
func (l *MemoryLimiter) pruneOnce() {
	horizon := l.now().Add(-l.retention)

	l.mu.RLock()
	snapshot := make(map[string]*history, len(l.keys))
	for k, h := range l.keys {
		snapshot[k] = h
	}
	l.mu.RUnlock()

	var empty []string
	for k, h := range snapshot {
		h.mu.Lock()
		h.stamps = dropBefore(h.stamps, horizon)
		if len(h.stamps) == 0 {
			empty = append(empty, k)
		}
		h.mu.Unlock()
	}

	if len(empty) == 0 {
		return
	}
	l.mu.Lock()
	for _, k := range empty {
		h := l.keys[k]
		if h == nil {
			continue
		}
		h.mu.Lock()
		if len(h.stamps) == 0 {
			delete(l.keys, k)
		}
		h.mu.Unlock()
	}
	l.mu.Unlock()
}

// dropBefore trims stamps strictly older than cutoff. Stamps are sorted.
func dropBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := firstAtOrAfter(stamps, cutoff)
	if i == 0 {
		return stamps
	}
	remaining := make([]time.Time, len(stamps)-i)
	copy(remaining, stamps[i:])
	return remaining
}

// firstAtOrAfter returns the index of the first stamp not before cutoff.
func firstAtOrAfter(stamps []time.Time, cutoff time.Time) int {
	lo, hi := 0, len(stamps)
	for lo < hi {
		mid := (lo + hi) / 2
		if stamps[mid].Before(cutoff) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
