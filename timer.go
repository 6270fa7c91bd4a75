package reactor

import (
	"container/heap"
	"time"

	"golang.org/x/sys/unix"
)

// TimerCallback is invoked when a timer fires.
type TimerCallback func(t *Timer)

// Timer fires a callback after a delay, optionally repeating.
type Timer struct {
	handle
	cb     TimerCallback
	due    time.Duration
	repeat time.Duration
	seq    uint64
	index  int // heap index, -1 when not scheduled
}

// NewTimer creates a stopped timer.
func (l *Loop) NewTimer() (*Timer, error) {
	t := &Timer{index: -1}
	if err := l.register(t, HandleTimer); err != nil {
		return nil, err
	}
	return t, nil
}

// Start schedules cb to fire after timeout, measured from the cached loop
// time. A non-zero repeat reschedules the timer, repeat after each fire,
// before cb is invoked. Starting an active timer restarts it.
func (t *Timer) Start(cb TimerCallback, timeout, repeat time.Duration) error {
	if err := t.validate("timer start"); err != nil {
		return err
	}
	if cb == nil || timeout < 0 || repeat < 0 {
		return errArgument("timer start", unix.EINVAL)
	}
	t.unschedule()
	t.cb = cb
	t.repeat = repeat
	t.schedule(t.loop.now + timeout)
	return nil
}

// Stop cancels the timer. It is safe to call from the timer's own callback,
// and on a stopped timer.
func (t *Timer) Stop() error {
	if err := t.validate("timer stop"); err != nil {
		return err
	}
	t.unschedule()
	t.deactivate()
	return nil
}

// Again restarts a repeating timer, with its repeat interval as the
// timeout. It has no effect on a one-shot timer, and fails with
// InvalidState if the timer was never started.
func (t *Timer) Again() error {
	if err := t.validate("timer again"); err != nil {
		return err
	}
	if t.cb == nil {
		return errState("timer again", unix.EINVAL)
	}
	if t.repeat > 0 {
		t.unschedule()
		t.schedule(t.loop.now + t.repeat)
	}
	return nil
}

// SetRepeat changes the repeat interval, taking effect from the next fire.
func (t *Timer) SetRepeat(repeat time.Duration) error {
	if err := t.validate("timer set repeat"); err != nil {
		return err
	}
	if repeat < 0 {
		return errArgument("timer set repeat", unix.EINVAL)
	}
	t.repeat = repeat
	return nil
}

// Repeat returns the repeat interval.
func (t *Timer) Repeat() time.Duration { return t.repeat }

// DueIn returns the time until the timer fires, relative to the cached loop
// time, or zero if it is not scheduled or already due.
func (t *Timer) DueIn() time.Duration {
	if t.index < 0 || t.due <= t.loop.now {
		return 0
	}
	return t.due - t.loop.now
}

func (t *Timer) schedule(due time.Duration) {
	t.due = due
	t.seq = t.loop.nextTimerSeq()
	heap.Push(&t.loop.timers, t)
	t.activate()
}

func (t *Timer) unschedule() {
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
	}
}

func (t *Timer) beginClose() {
	t.unschedule()
}

func (t *Timer) finishClose() {
	t.cb = nil
}
