package retry

import (
	"testing"
	"time"

	"github.com/dunamismax/actflow/internal/runway"
)

func fixedPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		RateLimitCeiling: 50,
		BaseDelay:        time.Second,
		MaxDelay:         8 * time.Second,
		JitterFraction:   0,
	}
}

func TestDecidePermanentGivesUpImmediately(t *testing.T) {
	p := fixedPolicy()
	if d := p.Decide(runway.KindPermanent, 0); d.Retry {
		t.Fatal("permanent errors must never retry")
	}
}

func TestDecideTransientRespectsBudget(t *testing.T) {
	p := fixedPolicy()

	for attempt := 0; attempt < 3; attempt++ {
		d := p.Decide(runway.KindTransient, attempt)
		if !d.Retry {
			t.Fatalf("attempt %d should retry", attempt)
		}
	}
	if d := p.Decide(runway.KindTransient, 3); d.Retry {
		t.Fatal("transient retries must stop at MaxAttempts")
	}
}

func TestDecideRateLimitedIgnoresTransientBudget(t *testing.T) {
	p := fixedPolicy()

	d := p.Decide(runway.KindRateLimited, 10)
	if !d.Retry {
		t.Fatal("rate-limited retries must not stop at the transient budget")
	}
	if d := p.Decide(runway.KindRateLimited, 50); d.Retry {
		t.Fatal("rate-limited retries must stop at the ceiling")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := fixedPolicy()

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}
	for attempt, want := range expected {
		d := p.Decide(runway.KindTransient, 0)
		if !d.Retry {
			t.Fatal("expected retry")
		}
		got := p.backoff(attempt)
		if got != want {
			t.Fatalf("attempt %d: expected delay %v, got %v", attempt, want, got)
		}
	}
}

func TestBackoffJitterStaysWithinFraction(t *testing.T) {
	p := fixedPolicy()
	p.JitterFraction = 0.5
	p.rnd = func() float64 { return 1.0 }

	got := p.backoff(0)
	want := time.Second + 500*time.Millisecond
	if got != want {
		t.Fatalf("expected full jitter %v, got %v", want, got)
	}

	p.rnd = func() float64 { return 0 }
	if got := p.backoff(0); got != time.Second {
		t.Fatalf("expected zero jitter %v, got %v", time.Second, got)
	}
}
