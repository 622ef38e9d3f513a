// Package clock provides the Scheduler used by the engine's reset timers:
// a wall-clock implementation and a manually driven fake for tests.
package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/port"
)

var farFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Real is backed by the time package.
type Real struct{}

// NewReal returns the wall-clock scheduler.
func NewReal() Real { return Real{} }

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc runs f in its own goroutine after d.
func (Real) AfterFunc(d time.Duration, f func()) port.Timer {
	return time.AfterFunc(d, f)
}

// Fake is a scheduler whose time only moves when Advance or Set is called.
// Due callbacks run synchronously on the goroutine that moves the clock.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	f     *Fake
	at    time.Time
	seq   int
	fn    func()
	state int // 0 pending, 1 fired, 2 stopped
}

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers fn to run once the fake time reaches now+d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) port.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{f: f, at: f.now.Add(d), seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in order.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

// Set moves the clock to t, firing every timer due at or before t.
// Timers armed by a firing callback are honoured if they are due too.
func (f *Fake) Set(t time.Time) {
	for {
		f.mu.Lock()
		next := f.nextDue(t)
		if next == nil {
			f.now = t
			f.mu.Unlock()
			return
		}
		next.state = 1
		if next.at.After(f.now) {
			f.now = next.at
		}
		f.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if t.state == 0 {
			n++
		}
	}
	return n
}

// NextDeadline reports when the earliest pending timer fires.
func (f *Fake) NextDeadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.nextDue(farFuture)
	if next == nil {
		return time.Time{}, false
	}
	return next.at, true
}

func (f *Fake) nextDue(limit time.Time) *fakeTimer {
	pending := make([]*fakeTimer, 0, len(f.timers))
	for _, t := range f.timers {
		if t.state == 0 {
			pending = append(pending, t)
		}
	}
	f.timers = pending
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].at.Equal(pending[j].at) {
			return pending[i].seq < pending[j].seq
		}
		return pending[i].at.Before(pending[j].at)
	})
	if len(pending) == 0 || pending[0].at.After(limit) {
		return nil
	}
	return pending[0]
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.state != 0 {
		return false
	}
	t.state = 2
	return true
}
