package circuitbreaker

import (
	"testing"
	"time"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(3, 1, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("closed breaker must allow requests")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker must fast-fail")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New(3, 1, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("non-consecutive failures must not trip the breaker, state = %v", cb.State())
	}
}

func TestHalfOpenProbeAndRecovery(t *testing.T) {
	cb := New(1, 2, 10*time.Millisecond)

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("after the cooldown a probe must be let through")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != StateHalfOpen {
		t.Fatal("one probe success is not enough to close")
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("state after successful probes = %v, want closed", cb.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	cb := New(1, 1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("probe should be allowed after cooldown")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("state after failed probe = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("breaker must fast-fail again right after a failed probe")
	}
}

func TestOnStateChange(t *testing.T) {
	cb := New(1, 1, time.Minute)

	var transitions []string
	cb.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	cb.RecordFailure()
	if len(transitions) != 1 || transitions[0] != "closed>open" {
		t.Errorf("transitions = %v", transitions)
	}
}
