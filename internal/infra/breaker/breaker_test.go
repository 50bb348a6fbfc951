package breaker

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New("test", Config{FailureThreshold: 3, Timeout: time.Second, SuccessThreshold: 2})
	b.SetClock(clock.Now)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("after %d failures expected closed, got %s", i+1, b.State())
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}
	if b.CanExecute() {
		t.Fatal("open breaker must reject before timeout")
	}

	clock.Advance(time.Second)
	if !b.CanExecute() {
		t.Fatal("expected CanExecute after timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("one success must keep half_open, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if snap := b.Snapshot(); snap.Failures != 0 {
		t.Errorf("expected failures reset, got %d", snap.Failures)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New("test", Config{FailureThreshold: 1, Timeout: 10 * time.Second, SuccessThreshold: 3})
	b.SetClock(clock.Now)

	b.RecordFailure()
	clock.Advance(10 * time.Second)
	if !b.CanExecute() {
		t.Fatal("expected half_open transition")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if b.CanExecute() {
		t.Fatal("reopened breaker must wait a full timeout")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, Timeout: time.Second, SuccessThreshold: 1})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open, got %s", b.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	b := New("rpc", Config{FailureThreshold: 1, Timeout: time.Second, SuccessThreshold: 1})

	var transitions []string
	b.OnStateChange(func(name string, from, to State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	b.RecordFailure()
	b.Reset()

	want := []string{"rpc:closed->open", "rpc:open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}
