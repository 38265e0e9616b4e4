package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// newTestLimiter returns a limiter with a controllable clock and no
// background prune loop.
func newTestLimiter(start time.Time) (*MemoryLimiter, *time.Time) {
	now := start
	l := &MemoryLimiter{
		keys:      make(map[string]*history),
		retention: DefaultRetention,
		stop:      make(chan struct{}),
		now:       func() time.Time { return now },
	}
	return l, &now
}

func TestAdmit_LimitBoundary(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	ctx := context.Background()

	// Exactly limit calls are admitted
	for i := 0; i < 2; i++ {
		res, err := l.Admit(ctx, "k", 2, time.Minute)
		if err != nil {
			t.Fatalf("Admit failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if res.Current != i+1 {
			t.Errorf("call %d: current = %d, want %d", i+1, res.Current, i+1)
		}
	}

	// limit+1 within the window is denied with remaining=0
	res, err := l.Admit(ctx, "k", 2, time.Minute)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("third call within window should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("denied remaining = %d, want 0", res.Remaining)
	}
	if res.Current != 2 {
		t.Errorf("denied current = %d, want 2", res.Current)
	}
}

func TestAdmit_DenialConsumesNoCapacity(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	ctx := context.Background()

	if _, err := l.Admit(ctx, "k", 1, time.Minute); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	// Hammering a denied key must not extend the denial
	for i := 0; i < 10; i++ {
		res, _ := l.Admit(ctx, "k", 1, time.Minute)
		if res.Allowed {
			t.Fatal("should be denied")
		}
		if res.Current != 1 {
			t.Fatalf("denied calls should not append history, current = %d", res.Current)
		}
	}
}

func TestAdmit_WindowExpiry(t *testing.T) {
	l, clock := newTestLimiter(time.Unix(1000, 0))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, _ := l.Admit(ctx, "k", 2, time.Minute); !res.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if res, _ := l.Admit(ctx, "k", 2, time.Minute); res.Allowed {
		t.Fatal("third call should be denied")
	}

	// Just after the window elapses, capacity returns
	*clock = clock.Add(time.Minute + time.Second)
	res, _ := l.Admit(ctx, "k", 2, time.Minute)
	if !res.Allowed {
		t.Fatal("call after window elapsed should be admitted")
	}
	if res.Current != 1 {
		t.Errorf("current = %d, want 1 after window reset", res.Current)
	}
}

func TestAdmit_ResetAt(t *testing.T) {
	start := time.Unix(1000, 0)
	l, clock := newTestLimiter(start)
	ctx := context.Background()

	res, _ := l.Admit(ctx, "k", 5, time.Minute)
	if got, want := res.ResetAt, start.Add(time.Minute); !got.Equal(want) {
		t.Errorf("first-call resetAt = %v, want %v", got, want)
	}

	// resetAt tracks the oldest in-window admission
	*clock = clock.Add(10 * time.Second)
	res, _ = l.Admit(ctx, "k", 5, time.Minute)
	if got, want := res.ResetAt, start.Add(time.Minute); !got.Equal(want) {
		t.Errorf("second-call resetAt = %v, want %v", got, want)
	}
}

func TestAdmit_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	ctx := context.Background()

	if res, _ := l.Admit(ctx, "a", 1, time.Minute); !res.Allowed {
		t.Fatal("first key should be admitted")
	}
	if res, _ := l.Admit(ctx, "a", 1, time.Minute); res.Allowed {
		t.Fatal("first key should now be denied")
	}
	if res, _ := l.Admit(ctx, "b", 1, time.Minute); !res.Allowed {
		t.Fatal("second key must be unaffected")
	}
}

func TestPruneRespectsActiveWindow(t *testing.T) {
	l, clock := newTestLimiter(time.Unix(1000, 0))
	ctx := context.Background()

	if _, err := l.Admit(ctx, "k", 10, 30*time.Minute); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	// Background prune half-way through the window must keep the entry
	*clock = clock.Add(15 * time.Minute)
	l.pruneOnce()

	res, _ := l.Admit(ctx, "k", 10, 30*time.Minute)
	if res.Current != 2 {
		t.Errorf("current = %d, want 2 (first admission preserved)", res.Current)
	}

	// Past the retention horizon the key disappears entirely
	*clock = clock.Add(2 * time.Hour)
	l.pruneOnce()
	if l.Keys() != 0 {
		t.Errorf("keys = %d, want 0 after retention prune", l.Keys())
	}
}

func TestAdmit_ConcurrentSameKey(t *testing.T) {
	l := NewMemoryLimiter()
	defer l.Stop()
	ctx := context.Background()

	const limit = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Admit(ctx, "burst", limit, time.Minute)
			if err != nil {
				t.Errorf("Admit failed: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("admitted %d concurrent calls, want exactly %d", allowed, limit)
	}
}

func TestEdgeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewMemoryLimiter()
	defer l.Stop()

	r := gin.New()
	r.Use(EdgeMiddleware(l, EdgeConfig{RequestsPerMinute: 2, Window: time.Minute}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	status := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/x", nil)
		req.RemoteAddr = "198.51.100.9:4444"
		r.ServeHTTP(w, req)
		return w.Code
	}

	if got := status(); got != http.StatusOK {
		t.Fatalf("first request: %d", got)
	}
	if got := status(); got != http.StatusOK {
		t.Fatalf("second request: %d", got)
	}
	if got := status(); got != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", got)
	}
}
