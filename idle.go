package reactor

import (
	"golang.org/x/sys/unix"
)

// IdleCallback is invoked once per loop iteration while the idle handle is
// active.
type IdleCallback func(i *Idle)

// Idle runs a callback every iteration. While any idle handle is active,
// the loop polls without blocking.
type Idle struct {
	handle
	cb IdleCallback
}

// NewIdle creates a stopped idle handle.
func (l *Loop) NewIdle() (*Idle, error) {
	i := new(Idle)
	if err := l.register(i, HandleIdle); err != nil {
		return nil, err
	}
	return i, nil
}

// Start begins invoking cb each iteration. Starting an active idle handle
// replaces its callback.
func (i *Idle) Start(cb IdleCallback) error {
	if err := i.validate("idle start"); err != nil {
		return err
	}
	if cb == nil {
		return errArgument("idle start", unix.EINVAL)
	}
	i.cb = cb
	if i.state == HandleActive {
		return nil
	}
	i.loop.idles = append(i.loop.idles, i)
	i.activate()
	return nil
}

// Stop stops invoking the callback.
func (i *Idle) Stop() error {
	if err := i.validate("idle stop"); err != nil {
		return err
	}
	i.unlink()
	return nil
}

func (i *Idle) unlink() {
	if i.state != HandleActive {
		return
	}
	idles := i.loop.idles
	for j, other := range idles {
		if other == i {
			copy(idles[j:], idles[j+1:])
			idles[len(idles)-1] = nil
			i.loop.idles = idles[:len(idles)-1]
			break
		}
	}
	i.deactivate()
}

func (i *Idle) beginClose() {
	i.unlink()
}

func (i *Idle) finishClose() {
	i.cb = nil
}
