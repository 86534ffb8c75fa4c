package link

import (
	"sync"
	"time"
)

// WatchdogState is the lifecycle of a Watchdog.
type WatchdogState int

const (
	WatchdogIdle WatchdogState = iota
	WatchdogArmed
	WatchdogFired
	WatchdogCancelled
)

func (s WatchdogState) String() string {
	switch s {
	case WatchdogArmed:
		return "armed"
	case WatchdogFired:
		return "fired"
	case WatchdogCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Watchdog runs an action once after a duration unless cancelled first.
// A repeating watchdog re-arms itself after every firing for as long as its
// action returns true.
//
// The action runs without any watchdog lock held. An action may race with
// Cancel; callers re-check their own state inside the action.
type Watchdog struct {
	name      string
	d         time.Duration
	repeating bool
	action    func() bool

	mu    sync.Mutex
	state WatchdogState
	timer *time.Timer
}

// NewWatchdog returns an idle one-shot watchdog.
func NewWatchdog(name string, d time.Duration, action func()) *Watchdog {
	return &Watchdog{
		name:   name,
		d:      d,
		action: func() bool { action(); return false },
	}
}

// NewRepeatingWatchdog returns an idle watchdog that fires every d until
// action returns false or it is cancelled.
func NewRepeatingWatchdog(name string, d time.Duration, action func() bool) *Watchdog {
	return &Watchdog{
		name:      name,
		d:         d,
		repeating: true,
		action:    action,
	}
}

// Name identifies the watchdog in logs and snapshots.
func (w *Watchdog) Name() string { return w.name }

// Start arms an idle watchdog. It returns false if the watchdog was already
// started; a watchdog is never reused.
func (w *Watchdog) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WatchdogIdle {
		return false
	}
	w.state = WatchdogArmed
	w.timer = time.AfterFunc(w.d, w.fire)
	return true
}

// Cancel stops an armed watchdog. It is a no-op once the watchdog has fired
// or was already cancelled, and reports whether it changed anything.
func (w *Watchdog) Cancel() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WatchdogArmed {
		return false
	}
	w.state = WatchdogCancelled
	if w.timer != nil {
		w.timer.Stop()
	}
	return true
}

// State returns the current lifecycle state.
func (w *Watchdog) State() WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Armed reports whether the watchdog can still fire.
func (w *Watchdog) Armed() bool {
	return w.State() == WatchdogArmed
}

// A repeating watchdog stays armed while its action runs and only moves to
// fired when the action asks to stop.
func (w *Watchdog) fire() {
	w.mu.Lock()
	if w.state != WatchdogArmed {
		w.mu.Unlock()
		return
	}
	if !w.repeating {
		w.state = WatchdogFired
	}
	w.mu.Unlock()

	again := w.action()
	if !w.repeating {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WatchdogArmed {
		return
	}
	if !again {
		w.state = WatchdogFired
		return
	}
	w.timer.Reset(w.d)
}
