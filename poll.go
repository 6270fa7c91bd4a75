package reactor

import (
	"strings"

	"golang.org/x/sys/unix"
)

// PollEvents is the event mask of a [Poll] handle.
type PollEvents uint32

const (
	// Readable requests notification when the descriptor is readable.
	Readable PollEvents = 1 << iota
	// Writable requests notification when the descriptor is writable.
	Writable
	// Disconnect requests notification when the peer closes its write side.
	Disconnect

	allPollEvents = Readable | Writable | Disconnect
)

// String returns a human-readable representation of the mask.
func (e PollEvents) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	if e&Readable != 0 {
		parts = append(parts, "readable")
	}
	if e&Writable != 0 {
		parts = append(parts, "writable")
	}
	if e&Disconnect != 0 {
		parts = append(parts, "disconnect")
	}
	if e&^allPollEvents != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}

// PollStatus is passed to a [PollCallback]. Events is the intersection of the
// reported readiness and the requested mask. Err is set if the descriptor
// reported an error condition, in which case Events holds every requested
// bit.
type PollStatus struct {
	Err    error
	Events PollEvents
}

// PollCallback is invoked when a polled descriptor is ready.
type PollCallback func(p *Poll, status PollStatus)

// Poll watches a descriptor owned by the caller. The loop never reads,
// writes, or closes it.
type Poll struct {
	handle
	cb         PollCallback
	fd         int
	mask       PollEvents
	last       PollEvents
	registered bool
}

// NewPoll creates a stopped poll handle for fd, which is switched to
// non-blocking mode. Regular files and directories are rejected with
// InvalidArgument (ENOTSOCK), as is a descriptor already watched by this
// loop (EEXIST).
func (l *Loop) NewPoll(fd int) (*Poll, error) {
	if l.closed {
		return nil, ErrLoopClosed
	}
	if fd < 0 {
		return nil, errArgument("poll init", unix.EBADF)
	}
	if err := isPollable(fd); err != nil {
		if err == unix.ENOTSOCK {
			return nil, errArgument("poll init", unix.ENOTSOCK)
		}
		return nil, newOpError("poll init", err)
	}
	if _, ok := l.fds[fd]; ok {
		return nil, &OpError{Op: "poll init", Kind: InvalidArgument, Errno: unix.EEXIST}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, newOpError("poll init", err)
	}
	p := &Poll{fd: fd}
	if err := l.register(p, HandlePoll); err != nil {
		return nil, err
	}
	l.fds[fd] = p.id
	return p, nil
}

// FD returns the watched descriptor.
func (p *Poll) FD() int { return p.fd }

// Mask returns the requested event mask.
func (p *Poll) Mask() PollEvents { return p.mask }

// LastEvents returns the events of the most recent callback.
func (p *Poll) LastEvents() PollEvents { return p.last }

// Start requests notification of the events in mask, replacing any
// previous mask and callback. Readiness already collected for the current
// iteration is only delivered for bits present in both the old and the new
// mask. A zero mask stops the handle.
func (p *Poll) Start(mask PollEvents, cb PollCallback) error {
	if err := p.validate("poll start"); err != nil {
		return err
	}
	if cb == nil || mask&^allPollEvents != 0 {
		return errArgument("poll start", unix.EINVAL)
	}
	if mask == 0 {
		p.cb = cb
		return p.stop()
	}
	events := pollToIOEvents(mask)
	var err error
	if p.registered {
		err = p.loop.poller.Modify(p.fd, events)
	} else {
		err = p.loop.poller.Register(p.fd, events)
	}
	if err != nil {
		return newOpError("poll start", err)
	}
	p.registered = true
	p.mask = mask
	p.cb = cb
	p.activate()
	return nil
}

// Stop stops watching the descriptor. Readiness already collected is
// discarded. The descriptor is not closed.
func (p *Poll) Stop() error {
	if err := p.validate("poll stop"); err != nil {
		return err
	}
	return p.stop()
}

func (p *Poll) stop() error {
	p.mask = 0
	p.deactivate()
	if !p.registered {
		return nil
	}
	p.registered = false
	if err := p.loop.poller.Unregister(p.fd); err != nil {
		return newOpError("poll stop", err)
	}
	return nil
}

func (p *Poll) onReady(events IOEvents) {
	if p.state != HandleActive || p.mask == 0 {
		return
	}
	var status PollStatus
	if events&EventError != 0 {
		errno := socketError(p.fd)
		if errno == 0 || errno == unix.ENOTSOCK {
			errno = unix.EBADF
		}
		status.Err = newOpError("poll", errno)
		status.Events = p.mask
	} else {
		if events&EventRead != 0 {
			status.Events |= Readable
		}
		if events&EventWrite != 0 {
			status.Events |= Writable
		}
		if events&EventReadHangup != 0 {
			status.Events |= Disconnect
		}
		if events&EventHangup != 0 {
			status.Events |= Readable | Disconnect
		}
		status.Events &= p.mask
	}
	if status.Events == 0 && status.Err == nil {
		return
	}
	p.last = status.Events
	cb := p.cb
	p.loop.invoke(func() { cb(p, status) })
}

func (p *Poll) beginClose() {
	_ = p.stop()
	if id, ok := p.loop.fds[p.fd]; ok && id == p.id {
		delete(p.loop.fds, p.fd)
	}
}

func (p *Poll) finishClose() {
	p.cb = nil
}

func pollToIOEvents(mask PollEvents) IOEvents {
	var events IOEvents
	if mask&Readable != 0 {
		events |= EventRead
	}
	if mask&Writable != 0 {
		events |= EventWrite
	}
	if mask&Disconnect != 0 {
		events |= EventReadHangup
	}
	return events
}
