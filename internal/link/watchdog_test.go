package link

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchdogFiresOnce(t *testing.T) {
	fired := make(chan struct{}, 2)
	w := NewWatchdog("t", 20*time.Millisecond, func() { fired <- struct{}{} })
	if w.State() != WatchdogIdle {
		t.Fatalf("state = %v, want idle", w.State())
	}
	if !w.Start() {
		t.Fatal("Start on idle watchdog returned false")
	}
	if w.Start() {
		t.Fatal("second Start returned true")
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	if w.State() != WatchdogFired {
		t.Fatalf("state = %v, want fired", w.State())
	}
	if w.Cancel() {
		t.Fatal("Cancel after firing reported a change")
	}
	select {
	case <-fired:
		t.Fatal("one-shot watchdog fired twice")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestWatchdogCancelBeforeFire(t *testing.T) {
	var calls atomic.Int32
	w := NewWatchdog("t", 30*time.Millisecond, func() { calls.Add(1) })
	w.Start()
	if !w.Armed() {
		t.Fatal("started watchdog is not armed")
	}
	if !w.Cancel() {
		t.Fatal("Cancel on armed watchdog returned false")
	}
	if w.Cancel() {
		t.Fatal("second Cancel returned true")
	}
	time.Sleep(80 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("cancelled watchdog ran %d times", calls.Load())
	}
	if w.State() != WatchdogCancelled {
		t.Fatalf("state = %v, want cancelled", w.State())
	}
}

func TestRepeatingWatchdogStopsWhenActionSaysSo(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	w := NewRepeatingWatchdog("t", 10*time.Millisecond, func() bool {
		if calls.Add(1) == 3 {
			close(done)
			return false
		}
		return true
	})
	w.Start()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("repeating watchdog ran %d times, want 3", calls.Load())
	}
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d after stop, want 3", n)
	}
	if w.State() != WatchdogFired {
		t.Fatalf("state = %v, want fired", w.State())
	}
}

func TestRepeatingWatchdogCancel(t *testing.T) {
	var calls atomic.Int32
	w := NewRepeatingWatchdog("t", 10*time.Millisecond, func() bool {
		calls.Add(1)
		return true
	})
	w.Start()
	time.Sleep(45 * time.Millisecond)
	if !w.Cancel() {
		t.Fatal("Cancel on running repeating watchdog returned false")
	}
	time.Sleep(20 * time.Millisecond)
	n := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != n {
		t.Fatalf("repeating watchdog kept firing after Cancel: %d -> %d", n, calls.Load())
	}
	if n == 0 {
		t.Fatal("repeating watchdog never fired")
	}
}
