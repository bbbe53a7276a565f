package tube

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// broadcaster is a condition variable that supports bounded waits,
// which sync.Cond does not. It mirrors the std::condition_variable
// wait()/wait_for() pair original_source's DataChannel uses for
// mFilled_/mReplied_/mAvailSlots_: callers take the broadcaster's own
// mutex, check a predicate, and wait on state changes broadcast by
// signalLocked. The clock is injectable so tests can drive bounded
// waits deterministically with quartz.NewMock (spec.md §8 E1/E2).
type broadcaster struct {
	mu    sync.Mutex
	ch    chan struct{}
	clock quartz.Clock
}

func newBroadcaster(clock quartz.Clock) *broadcaster {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &broadcaster{ch: make(chan struct{}), clock: clock}
}

// Lock/Unlock let callers guard the predicate they check under Wait.
func (b *broadcaster) Lock()   { b.mu.Lock() }
func (b *broadcaster) Unlock() { b.mu.Unlock() }

// signalLocked wakes every goroutine currently blocked in Wait/WaitTimeout.
// Must be called with the lock held (matching the original's
// lock-then-notify_all pattern).
func (b *broadcaster) signalLocked() {
	close(b.ch)
	b.ch = make(chan struct{})
}

// Wait blocks, releasing the lock, until pred() is true. The lock is
// held again on return. Equivalent to timeoutMs < 0 in getInput.
func (b *broadcaster) Wait(pred func() bool) {
	for !pred() {
		ch := b.ch
		b.mu.Unlock()
		<-ch
		b.mu.Lock()
	}
}

// WaitTimeout blocks until pred() is true or d elapses, returning
// whether pred() held. The lock is held on both entry and return.
// Equivalent to cvFilled_.wait_for in getInput's bounded branch.
//
// d <= 0 is std::condition_variable::wait_for's zero-duration case
// (data_channel.cc:89-95's wait_for(0ms, pred)): it still releases and
// reacquires the lock once before re-checking the predicate, so a
// concurrent signalLocked can be observed. Returning pred() straight
// away without ever unlocking — the prior behavior here — left the
// lock held for the whole spin whenever pred() started false, which
// permanently starves markSlotFilled of the same lock and livelocks
// GetInput's timeoutMs == 0 callers.
func (b *broadcaster) WaitTimeout(pred func() bool, d time.Duration) bool {
	if pred() {
		return true
	}

	var timerC <-chan time.Time
	if d > 0 {
		timer := b.clock.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C
	} else {
		expired := make(chan time.Time, 1)
		expired <- time.Time{}
		timerC = expired
	}

	for {
		ch := b.ch
		b.mu.Unlock()
		select {
		case <-ch:
			b.mu.Lock()
			if pred() {
				return true
			}
		case <-timerC:
			b.mu.Lock()
			return pred()
		}
	}
}
