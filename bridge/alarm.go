package bridge

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Alarm is a single-shot callback fired on the reactor at a deadline. Re-arming
// or cancelling invalidates any callback already in flight.
type Alarm struct {
	reactor *Reactor
	clk     clock.Clock
	fire    func()

	mu       sync.Mutex
	timer    *clock.Timer
	deadline time.Time
	gen      uint64
}

// NewAlarm returns an unset alarm. A nil clock uses the wall clock.
func NewAlarm(r *Reactor, clk clock.Clock, fire func()) *Alarm {
	if clk == nil {
		clk = clock.New()
	}
	return &Alarm{reactor: r, clk: clk, fire: fire}
}

// Set arms the alarm for deadline, replacing any previous deadline.
func (a *Alarm) Set(deadline time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(deadline)
}

func (a *Alarm) setLocked(deadline time.Time) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	gen := a.gen
	a.deadline = deadline

	d := deadline.Sub(a.clk.Now())
	if d < 0 {
		d = 0
	}
	a.timer = a.clk.AfterFunc(d, func() {
		a.reactor.Schedule(func() { a.onTimer(gen) })
	})
}

// Update re-arms the alarm unless the new deadline is within granularity of
// the current one. A zero deadline cancels.
func (a *Alarm) Update(deadline time.Time, granularity time.Duration) {
	if deadline.IsZero() {
		a.Cancel()
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.deadline.IsZero() {
		diff := deadline.Sub(a.deadline)
		if diff < 0 {
			diff = -diff
		}
		if diff < granularity {
			return
		}
	}
	a.setLocked(deadline)
}

// Cancel disarms the alarm.
func (a *Alarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.deadline = time.Time{}
}

// IsSet reports whether the alarm is armed.
func (a *Alarm) IsSet() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.deadline.IsZero()
}

// Deadline returns the armed deadline, zero when unset.
func (a *Alarm) Deadline() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deadline
}

func (a *Alarm) onTimer(gen uint64) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.deadline = time.Time{}
	a.mu.Unlock()

	if a.fire != nil {
		a.fire()
	}
}
