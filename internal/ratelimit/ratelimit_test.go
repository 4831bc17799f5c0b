package ratelimit

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestIPLimiterAllowsBurstThenThrottles(t *testing.T) {
	l := New(rate.Limit(1), 2, time.Minute)

	if !l.Allow("1.2.3.4") {
		t.Fatal("expected first request allowed")
	}
	if !l.Allow("1.2.3.4") {
		t.Fatal("expected second request allowed (burst=2)")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("expected third immediate request to be throttled")
	}
}

func TestIPLimiterTracksPerIPIndependently(t *testing.T) {
	l := New(rate.Limit(1), 1, time.Minute)

	if !l.Allow("10.0.0.1") {
		t.Fatal("expected first IP allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("expected independent second IP allowed")
	}
}

func TestIPLimiterSweepsIdleEntries(t *testing.T) {
	l := New(rate.Limit(1), 1, 10*time.Millisecond)

	l.Allow("10.0.0.5")
	time.Sleep(30 * time.Millisecond)
	l.Allow("10.0.0.6") // triggers the sweep

	l.mu.Lock()
	_, stillPresent := l.limiters["10.0.0.5"]
	l.mu.Unlock()
	if stillPresent {
		t.Fatal("expected idle entry swept")
	}
}
