package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("yolov8n") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("yolov8n")
	b.RecordFailure("yolov8n")
	if !b.Allow("yolov8n") {
		t.Fatal("two failures should not trip a threshold-3 breaker")
	}

	b.RecordFailure("yolov8n")
	if b.Allow("yolov8n") {
		t.Fatal("third failure should open the circuit")
	}
	if b.State("yolov8n") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("yolov8n"))
	}
}

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("yolov8n")
	b.RecordFailure("yolov8n")
	if b.Allow("yolov8n") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("yolov8n") {
		t.Fatal("should allow a probe once the open window elapses")
	}
	if b.State("yolov8n") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("yolov8n"))
	}

	if b.Allow("yolov8n") {
		t.Fatal("only one probe may run while half-open")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("yolov8n")
	b.RecordFailure("yolov8n")
	time.Sleep(60 * time.Millisecond)
	b.Allow("yolov8n") // half-open

	b.RecordSuccess("yolov8n")
	if b.State("yolov8n") != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", b.State("yolov8n"))
	}
	if !b.Allow("yolov8n") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("yolov8n")
	b.RecordFailure("yolov8n")
	time.Sleep(60 * time.Millisecond)
	b.Allow("yolov8n") // half-open

	b.RecordFailure("yolov8n")
	if b.State("yolov8n") != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %v", b.State("yolov8n"))
	}
}

func TestBreaker_SuccessClearsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("yolov8n")
	b.RecordFailure("yolov8n")
	b.RecordSuccess("yolov8n")

	b.RecordFailure("yolov8n")
	if !b.Allow("yolov8n") {
		t.Fatal("counter should have reset on success")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("yolov8n")
	b.RecordFailure("yolov8n")

	if b.Allow("yolov8n") {
		t.Fatal("yolov8n should be open")
	}
	if !b.Allow("resnet50") {
		t.Fatal("resnet50 should be unaffected")
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("never-seen") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("never-seen"))
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("yolov8n")
	b.RecordFailure("yolov8n")

	// Callback runs on a goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed to open, got %v to %v", transitions[0].from, transitions[0].to)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
