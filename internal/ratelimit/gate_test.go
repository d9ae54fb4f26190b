package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestIntervalGateEnforcesSpacing(t *testing.T) {
	const (
		interval = 20 * time.Millisecond
		callers  = 8
	)

	gate, err := NewIntervalGate(interval)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if err := gate.Wait(context.Background()); err != nil {
				t.Errorf("wait: %v", err)
				return
			}
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	// Allow a small scheduling tolerance; the reservations themselves
	// are spaced exactly one interval apart.
	const tolerance = 5 * time.Millisecond
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < interval-tolerance {
			t.Fatalf("calls %d and %d only %v apart, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestIntervalGateHonorsCancellation(t *testing.T) {
	gate, err := NewIntervalGate(time.Minute)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	// First call takes the immediate slot.
	if err := gate.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gate.Wait(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error from cancelled wait")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled wait did not return")
	}
}

func TestNewIntervalGateRejectsNonPositive(t *testing.T) {
	if _, err := NewIntervalGate(0); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
