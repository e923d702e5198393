// Tests for [Coordinator] covering broadcast wakeups, register-then-check
// ordering, timeouts, cancellation, shutdown, and waiter accounting.
package waitq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitForWaiters polls until c reports n waiters or the deadline passes.
func waitForWaiters(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Waiters() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d waiters, have %d", n, c.Waiters())
		}
		time.Sleep(time.Millisecond)
	}
}

// ///////////////////////////////////////////////
// Outcome
// ///////////////////////////////////////////////

func TestOutcomeStringRoundTrip(t *testing.T) {
	for _, o := range []Outcome{Ready, TimedOut, Cancelled} {
		if got := ParseOutcome(o.String()); got != o {
			t.Errorf("ParseOutcome(%q) = %v, want %v", o.String(), got, o)
		}
	}
	if got := ParseOutcome("bogus"); got != Cancelled {
		t.Errorf("expected unknown outcome to parse as Cancelled, got %v", got)
	}
}

// ///////////////////////////////////////////////
// Watch / NotifyAll
// ///////////////////////////////////////////////

func TestNotifyAllClosesCurrentGeneration(t *testing.T) {
	c := New()
	ch := c.Watch()
	select {
	case <-ch:
		t.Fatal("expected generation open before NotifyAll")
	default:
	}
	c.NotifyAll()
	select {
	case <-ch:
	default:
		t.Fatal("expected generation closed after NotifyAll")
	}
	next := c.Watch()
	if next == ch {
		t.Fatal("expected a fresh generation after NotifyAll")
	}
}

func TestNotifyAllWithoutWatchers(t *testing.T) {
	c := New()
	// Must not panic or allocate a generation.
	c.NotifyAll()
	c.NotifyAll()
	if c.ch != nil {
		t.Fatal("expected no generation allocated by NotifyAll")
	}
}

func TestWatchSharedByConcurrentWatchers(t *testing.T) {
	c := New()
	a := c.Watch()
	b := c.Watch()
	if a != b {
		t.Fatal("expected watchers in the same generation to share a channel")
	}
}

// ///////////////////////////////////////////////
// Wait
// ///////////////////////////////////////////////

func TestWaitReadyImmediately(t *testing.T) {
	c := New()
	got := c.Wait(context.Background(), func() bool { return true })
	if got != Ready {
		t.Fatalf("expected Ready, got %v", got)
	}
	if c.Waiters() != 0 {
		t.Fatalf("expected 0 waiters after return, got %d", c.Waiters())
	}
}

func TestWaitWakesOnNotify(t *testing.T) {
	c := New()
	var flag atomic.Bool

	done := make(chan Outcome, 1)
	go func() {
		done <- c.Wait(context.Background(), func() bool { return flag.CompareAndSwap(true, false) })
	}()
	waitForWaiters(t, c, 1)

	flag.Store(true)
	c.NotifyAll()

	select {
	case got := <-done:
		if got != Ready {
			t.Fatalf("expected Ready, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitNoMissedWakeup(t *testing.T) {
	// The condition flips and the notification fires inside the window
	// between Watch and the condition check. The waiter must not sleep.
	c := New()
	var flag atomic.Bool
	var once sync.Once

	ready := func() bool {
		once.Do(func() {
			flag.Store(true)
			c.NotifyAll()
		})
		return false
	}
	second := func() bool { return flag.CompareAndSwap(true, false) }
	calls := 0

	got := c.WaitTimeout(time.Second, func() bool {
		calls++
		if calls == 1 {
			return ready()
		}
		return second()
	})
	if got != Ready {
		t.Fatalf("expected Ready after racing notify, got %v", got)
	}
}

func TestWaitTimesOut(t *testing.T) {
	c := New()
	start := time.Now()
	got := c.WaitTimeout(100*time.Millisecond, func() bool { return false })
	elapsed := time.Since(start)

	if got != TimedOut {
		t.Fatalf("expected TimedOut, got %v", got)
	}
	if elapsed < 100*time.Millisecond {
		t.Fatalf("expected at least 100ms, returned after %v", elapsed)
	}
	if c.Waiters() != 0 {
		t.Fatalf("expected waiter removed after timeout, have %d", c.Waiters())
	}
}

func TestWaitTimeoutNonPositiveChecksOnce(t *testing.T) {
	c := New()
	if got := c.WaitTimeout(0, func() bool { return true }); got != Ready {
		t.Fatalf("expected Ready for satisfied zero-timeout wait, got %v", got)
	}
	if got := c.WaitTimeout(-time.Second, func() bool { return false }); got != TimedOut {
		t.Fatalf("expected TimedOut for unsatisfied zero-timeout wait, got %v", got)
	}
}

func TestWaitCancelled(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome, 1)
	go func() { done <- c.Wait(ctx, func() bool { return false }) }()
	waitForWaiters(t, c, 1)
	cancel()

	select {
	case got := <-done:
		if got != Cancelled {
			t.Fatalf("expected Cancelled, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter did not return")
	}
	waitForWaiters(t, c, 0)
}

func TestWaitDoneContextSkipsReady(t *testing.T) {
	c := New()
	var calls atomic.Int32
	ready := func() bool { calls.Add(1); return true }

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if got := c.Wait(cancelled, ready); got != Cancelled {
		t.Fatalf("expected Cancelled for a cancelled ctx, got %v", got)
	}

	expired, cancel2 := context.WithTimeout(context.Background(), -time.Second)
	defer cancel2()
	if got := c.Wait(expired, ready); got != TimedOut {
		t.Fatalf("expected TimedOut for an expired ctx, got %v", got)
	}

	if n := calls.Load(); n != 0 {
		t.Fatalf("ready evaluated %d times after ctx was done", n)
	}
	if c.Waiters() != 0 {
		t.Fatalf("expected no waiters, have %d", c.Waiters())
	}
}

func TestWaitSpuriousNotifyKeepsWaiting(t *testing.T) {
	c := New()
	done := make(chan Outcome, 1)
	go func() { done <- c.WaitTimeout(150*time.Millisecond, func() bool { return false }) }()
	waitForWaiters(t, c, 1)

	c.NotifyAll()
	c.NotifyAll()

	if got := <-done; got != TimedOut {
		t.Fatalf("expected waiter to keep sleeping through unrelated notifies, got %v", got)
	}
}

// ///////////////////////////////////////////////
// Close
// ///////////////////////////////////////////////

func TestCloseCancelsAllWaiters(t *testing.T) {
	const n = 8
	c := New()

	results := make(chan Outcome, n)
	for range n {
		go func() { results <- c.Wait(context.Background(), func() bool { return false }) }()
	}
	waitForWaiters(t, c, n)

	c.Close()
	for range n {
		select {
		case got := <-results:
			if got != Cancelled {
				t.Fatalf("expected Cancelled, got %v", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not released by Close")
		}
	}
	if !c.Closed() {
		t.Fatal("expected Closed to report true")
	}
}

func TestWaitAfterClose(t *testing.T) {
	c := New()
	c.Close()
	c.Close()

	if got := c.Wait(context.Background(), func() bool { return true }); got != Cancelled {
		t.Fatalf("expected Cancelled after Close, got %v", got)
	}
	select {
	case <-c.Watch():
	default:
		t.Fatal("expected Watch after Close to return a closed channel")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done closed after Close")
	}
}
