package reactor

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/sys/unix"
)

// Run drives the loop on the calling goroutine, in the given mode.
//
//   - RunDefault iterates until [Loop.Alive] reports false, Stop is called, or
//     ctx is done.
//   - RunOnce performs one iteration, blocking for I/O if nothing is ready.
//   - RunNoWait performs one iteration without blocking.
//
// Nothing happens if the loop is not alive when Run is called.
//
// Each iteration waits for readiness, then runs idle callbacks, due timers,
// pending completions, ready descriptors, async wake-ups, and finally the
// close queue. If a callback panics, the rest of its phase is skipped, the
// close queue is still drained, and Run returns a [PanicError]. The loop may
// be run again afterwards.
//
// Run fails with [ErrLoopRunning] if the loop is already running, including
// when called from a callback.
func (l *Loop) Run(ctx context.Context, mode RunMode) error {
	if mode > RunNoWait {
		return errArgument("run", unix.EINVAL)
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	if l.closed {
		return ErrLoopClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.ctxDone.Store(false)
	stopWatch := context.AfterFunc(ctx, func() {
		l.ctxDone.Store(true)
		_ = l.poller.Wake()
	})
	defer stopWatch()

	l.logger.Debug().
		Str(`mode`, mode.String()).
		Log(`loop run started`)
	defer func() {
		l.logger.Debug().
			Str(`mode`, mode.String()).
			Log(`loop run stopped`)
	}()

	l.UpdateTime()
	for l.Alive() && !l.stopFlag {
		if err := l.iterate(mode); err != nil {
			l.stopFlag = false
			return err
		}
		if l.ctxDone.Load() {
			l.stopFlag = false
			return ctx.Err()
		}
		if mode != RunDefault {
			break
		}
	}
	l.stopFlag = false
	return nil
}

// iterate performs a single loop iteration.
func (l *Loop) iterate(mode RunMode) error {
	l.UpdateTime()
	waitStart := l.now

	n, err := l.poller.Wait(l.backendTimeout(mode), l.ready)
	if err != nil {
		l.logger.Err().
			Err(err).
			Log(`poller wait failed`)
		return newOpError("wait", err)
	}
	l.UpdateTime()
	waitEnd := l.now
	pending := l.pending.Length()

	l.runPhases(n)
	closing := l.closing.Length()
	l.runClosing()

	if l.metrics != nil {
		now := time.Now()
		l.metrics.iteration(now, waitEnd-waitStart, now.Sub(l.epoch)-waitEnd, pending, closing)
	}

	if p := l.panicked; p != nil {
		l.panicked = nil
		return *p
	}
	return nil
}

// runPhases runs steps 3 and 4 of an iteration, stopping early on panic.
func (l *Loop) runPhases(n int) {
	for _, phase := range [...]func(){
		l.runIdles,
		l.runTimers,
		l.runPending,
		func() { l.dispatchIO(n) },
		l.runAsyncs,
	} {
		phase()
		if l.panicked != nil {
			return
		}
	}
}

func stack() []byte {
	return debug.Stack()
}
