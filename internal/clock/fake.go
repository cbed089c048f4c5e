package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests. All timers and
// tickers registered against it fire when Advance moves the fake's notion
// of now past their deadline; nothing here ever touches wall time.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, firing any timers/tickers whose
// deadline has passed. Fires are delivered synchronously (buffered chan of
// size 1) so callers never block advancing even if nobody selects yet.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	live := f.timers[:0]
	for _, t := range f.timers {
		if t.stopped {
			continue
		}
		if !f.now.Before(t.deadline) {
			select {
			case t.c <- f.now:
			default:
			}
			continue
		}
		live = append(live, t)
	}
	f.timers = live

	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(f.now) {
			select {
			case t.c <- f.now:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

type fakeTimer struct {
	c        chan time.Time
	deadline time.Time
	stopped  bool
}

func (f *Fake) NewTimer(d time.Duration) (<-chan time.Time, func() bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{c: make(chan time.Time, 1), deadline: f.now.Add(d)}
	f.timers = append(f.timers, t)
	return t.c, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		already := t.stopped
		t.stopped = true
		return !already
	}
}

type fakeTicker struct {
	c       chan time.Time
	next    time.Time
	period  time.Duration
	stopped bool
}

func (f *Fake) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time, 1), next: f.now.Add(d), period: d}
	f.tickers = append(f.tickers, t)
	return t.c, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		t.stopped = true
	}
}
