package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Gate enforces a minimum spacing between consecutive calls to the
// generation service. Submitters, the poller, and the downloader all
// share one gate; callers block first-come-first-served until a slot
// is free.
type Gate interface {
	Wait(ctx context.Context) error
}

// IntervalGate is the in-process gate: one call per interval.
type IntervalGate struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func NewIntervalGate(interval time.Duration) (*IntervalGate, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	return &IntervalGate{interval: interval}, nil
}

// Wait reserves the next free slot and sleeps until it arrives.
// Reservation order follows lock acquisition order, so no caller
// class can starve another.
func (g *IntervalGate) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	now := time.Now()
	at := g.next
	if at.Before(now) {
		at = now
	}
	g.next = at.Add(g.interval)
	g.mu.Unlock()

	delay := time.Until(at)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
