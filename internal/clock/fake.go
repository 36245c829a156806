package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests of timeout and
// heartbeat behavior (§8: idle timeout fires "precisely when inter-line gap
// exceeds configured value").
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	fireAt time.Time
	period time.Duration // zero for one-shot timers
	ch     chan time.Time
	active bool
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

func (f *Fake) Sleep(d time.Duration) {
	// Tests drive Fake via Advance; Sleep is a no-op so goroutines using
	// Clock.Sleep don't block the test indefinitely.
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{fireAt: f.now.Add(d), ch: make(chan time.Time, 1), active: true}
	f.waiters = append(f.waiters, w)
	return &fakeTimer{clock: f, w: w}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{fireAt: f.now.Add(d), period: d, ch: make(chan time.Time, 1), active: true}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clock: f, w: w}
}

// Advance moves the fake clock forward by d, firing any timers/tickers
// whose deadline has passed, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	var pending []*fakeWaiter
	for _, w := range f.waiters {
		if w.active && !w.fireAt.After(target) {
			pending = append(pending, w)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].fireAt.Before(pending[j].fireAt) })
	f.now = target
	f.mu.Unlock()

	for _, w := range pending {
		f.mu.Lock()
		if !w.active {
			f.mu.Unlock()
			continue
		}
		if w.period > 0 {
			w.fireAt = w.fireAt.Add(w.period)
		} else {
			w.active = false
		}
		fireAt := w.fireAt
		if w.period == 0 {
			fireAt = target
		}
		f.mu.Unlock()

		select {
		case w.ch <- fireAt:
		default:
		}
	}
}

type fakeTimer struct {
	clock *Fake
	w     *fakeWaiter
}

func (t *fakeTimer) C() <-chan time.Time { return t.w.ch }

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.w.active
	t.w.active = true
	t.w.fireAt = t.clock.now.Add(d)
	return was
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.w.active
	t.w.active = false
	return was
}

type fakeTicker struct {
	clock *Fake
	w     *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.active = false
}
