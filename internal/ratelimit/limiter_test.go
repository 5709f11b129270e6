package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAdmitRejectsAfterBurst(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{RPS: 10, Burst: 20, Now: clock.Now})

	for i := 0; i < 20; i++ {
		if !l.Admit("10.0.0.1") {
			t.Fatalf("request %d within burst should be admitted", i+1)
		}
	}
	if l.Admit("10.0.0.1") {
		t.Fatalf("request 21 should be rejected")
	}

	clock.Advance(100 * time.Millisecond)
	if !l.Admit("10.0.0.1") {
		t.Fatalf("one token should refill after 100ms")
	}
	if l.Admit("10.0.0.1") {
		t.Fatalf("only one token should have refilled")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	l := New(Options{})
	if l.RPS() != 10 || l.Burst() != 20 {
		t.Fatalf("expected 10 rps / burst 20, got %v / %d", l.RPS(), l.Burst())
	}
	l = New(Options{RPS: 2.5, Burst: 3})
	if l.RPS() != 2.5 || l.Burst() != 3 {
		t.Fatalf("explicit options should be kept, got %v / %d", l.RPS(), l.Burst())
	}
}

func TestAdmitRefillIsContinuous(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{RPS: 10, Burst: 20, Now: clock.Now})
	for i := 0; i < 20; i++ {
		l.Admit("k")
	}

	clock.Advance(50 * time.Millisecond)
	if got := l.Tokens("k"); got < 0.49 || got > 0.51 {
		t.Fatalf("expected half a token after 50ms, got %v", got)
	}

	clock.Advance(time.Hour)
	if got := l.Tokens("k"); got != 20 {
		t.Fatalf("tokens should be capped at burst, got %v", got)
	}
}

func TestDecideReportsRetryAfter(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{RPS: 10, Burst: 1, Now: clock.Now})
	if !l.Decide("k").Allowed {
		t.Fatalf("first request should pass")
	}
	dec := l.Decide("k")
	if dec.Allowed {
		t.Fatalf("second request should be rejected")
	}
	if dec.RetryAfter != 100*time.Millisecond {
		t.Fatalf("expected retry after 100ms, got %s", dec.RetryAfter)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{RPS: 1, Burst: 1, Now: clock.Now})
	if !l.Admit("a") || !l.Admit("b") {
		t.Fatalf("distinct keys should each get their own bucket")
	}
	if l.Admit("a") {
		t.Fatalf("bucket a should be exhausted")
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{RPS: 10, Burst: 2, IdleTTL: 10 * time.Minute, Now: clock.Now})
	l.Admit("idle")
	clock.Advance(5 * time.Minute)
	l.Admit("active")
	clock.Advance(6 * time.Minute)

	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("expected 1 bucket removed, got %d", removed)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 bucket left, got %d", l.Len())
	}
	if got := l.Tokens("idle"); got != 2 {
		t.Fatalf("evicted bucket should be recreated full, got %v", got)
	}
}

func TestConcurrentAdmitAndSweepNeverExceedBurst(t *testing.T) {
	clock := newFakeClock()
	l := New(Options{RPS: 10, Burst: 20, IdleTTL: time.Nanosecond, Now: clock.Now})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.Admit("shared") {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if admitted != 20 {
		t.Fatalf("expected exactly burst admissions without clock movement, got %d", admitted)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			l.Sweep()
		}
	}()
	for i := 0; i < 100; i++ {
		l.Admit("shared")
		if tokens := l.Tokens("shared"); tokens < 0 || tokens > 20 {
			t.Fatalf("tokens out of range: %v", tokens)
		}
	}
	<-done
}

func TestStartJanitorStopsOnCancel(t *testing.T) {
	l := New(Options{RPS: 10, Burst: 1, IdleTTL: time.Millisecond})
	l.Admit("k")

	ctx, cancel := context.WithCancel(context.Background())
	l.StartJanitor(ctx, 5*time.Millisecond)
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for l.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not sweep idle bucket")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
