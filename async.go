package reactor

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// AsyncCallback is invoked on the loop goroutine after [Async.Send].
type AsyncCallback func(a *Async)

// Async wakes the loop from other goroutines. It is active from creation
// until closed, so an async handle keeps [RunDefault] running unless
// unref'd.
type Async struct {
	handle
	cb      AsyncCallback
	pending atomic.Bool
	closed  atomic.Bool
}

// NewAsync creates an async handle that invokes cb, on the loop goroutine,
// after each batch of Send calls.
func (l *Loop) NewAsync(cb AsyncCallback) (*Async, error) {
	if cb == nil {
		return nil, errArgument("async init", unix.EINVAL)
	}
	a := &Async{cb: cb}
	if err := l.register(a, HandleAsync); err != nil {
		return nil, err
	}
	l.asyncs = append(l.asyncs, a)
	a.activate()
	return a, nil
}

// Send requests an invocation of the callback. It is safe to call from any
// goroutine. Sends made before the loop observes the first are coalesced
// into a single invocation.
func (a *Async) Send() error {
	if a.closed.Load() {
		return errClosing("async send")
	}
	if a.pending.Swap(true) {
		return nil
	}
	a.loop.asyncPending.Store(true)
	if err := a.loop.poller.Wake(); err != nil {
		return newOpError("async send", err)
	}
	return nil
}

func (a *Async) beginClose() {
	a.closed.Store(true)
	asyncs := a.loop.asyncs
	for i, other := range asyncs {
		if other == a {
			copy(asyncs[i:], asyncs[i+1:])
			asyncs[len(asyncs)-1] = nil
			a.loop.asyncs = asyncs[:len(asyncs)-1]
			break
		}
	}
}

func (a *Async) finishClose() {
	a.cb = nil
}
