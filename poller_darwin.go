//go:build darwin

package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the darwin [Poller]. Readiness filters are level-triggered,
// and wake-ups go through a self-pipe.
type kqueuePoller struct {
	fds    map[int]IOEvents
	merge  map[int]int
	events []unix.Kevent_t
	kq     int
	wakeR  int
	wakeW  int
	// wakeMu orders Wake against Close, so a wake never writes to a
	// released descriptor number
	wakeMu sync.RWMutex
	closed atomic.Bool
}

func newDefaultPoller(maxEvents int) (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		_ = closeFD(kq)
		return nil, err
	}
	cleanup := func() {
		_ = closeFD(pipe[0])
		_ = closeFD(pipe[1])
		_ = closeFD(kq)
	}
	for _, fd := range pipe {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			cleanup()
			return nil, err
		}
	}
	change := []unix.Kevent_t{{
		Ident:  uint64(pipe[0]),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}}
	if _, err := unix.Kevent(kq, change, nil, nil); err != nil {
		cleanup()
		return nil, err
	}
	return &kqueuePoller{
		fds:    make(map[int]IOEvents),
		merge:  make(map[int]int),
		events: make([]unix.Kevent_t, maxEvents),
		kq:     kq,
		wakeR:  pipe[0],
		wakeW:  pipe[1],
	}, nil
}

func (p *kqueuePoller) Register(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if _, ok := p.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	if changes := keventChanges(fd, 0, events); len(changes) != 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	p.fds[fd] = events
	return nil
}

func (p *kqueuePoller) Modify(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	old, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	if changes := keventChanges(fd, old, events); len(changes) != 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	p.fds[fd] = events
	return nil
}

func (p *kqueuePoller) Unregister(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	old, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	if changes := keventChanges(fd, old, 0); len(changes) != 0 {
		// the kernel drops filters for closed descriptors on its own
		_, _ = unix.Kevent(p.kq, changes, nil, nil)
	}
	return nil
}

// keventChanges computes the filter changes moving fd from old to events.
func keventChanges(fd int, old, events IOEvents) []unix.Kevent_t {
	var changes []unix.Kevent_t
	wantRead := events&(EventRead|EventReadHangup) != 0
	hadRead := old&(EventRead|EventReadHangup) != 0
	switch {
	case wantRead && !hadRead:
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
	case !wantRead && hadRead:
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	wantWrite := events&EventWrite != 0
	hadWrite := old&EventWrite != 0
	switch {
	case wantWrite && !hadWrite:
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	case !wantWrite && hadWrite:
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	return changes
}

func (p *kqueuePoller) Wait(timeout time.Duration, ready []Readiness) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	var ts *unix.Timespec
	if ms := timeoutMillis(timeout); ms >= 0 {
		t := unix.NsecToTimespec(int64(ms) * int64(time.Millisecond))
		ts = &t
	}
	buf := p.events
	if len(ready) < len(buf) {
		buf = buf[:len(ready)]
	}
	n, err := unix.Kevent(p.kq, nil, buf, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	clear(p.merge)
	var count int
	for i := 0; i < n; i++ {
		ev := &buf[i]
		fd := int(ev.Ident)
		if fd == p.wakeR {
			p.drainWakePipe()
			continue
		}
		registered, ok := p.fds[fd]
		if !ok {
			continue
		}
		events := keventToEvents(ev) & (registered | EventError | EventHangup)
		if events == 0 {
			continue
		}
		if j, ok := p.merge[fd]; ok {
			ready[j].Events |= events
			continue
		}
		p.merge[fd] = count
		ready[count] = Readiness{FD: fd, Events: events}
		count++
	}
	return count, nil
}

func keventToEvents(ev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch ev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
		if ev.Flags&unix.EV_EOF != 0 {
			events |= EventReadHangup
		}
	case unix.EVFILT_WRITE:
		events |= EventWrite
		if ev.Flags&unix.EV_EOF != 0 {
			events |= EventHangup
		}
	}
	if ev.Flags&unix.EV_ERROR != 0 || (ev.Flags&unix.EV_EOF != 0 && ev.Fflags != 0) {
		events |= EventError
	}
	return events
}

func (p *kqueuePoller) drainWakePipe() {
	var buf [64]byte
	for {
		if _, err := readFD(p.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (p *kqueuePoller) Wake() error {
	p.wakeMu.RLock()
	defer p.wakeMu.RUnlock()
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if _, err := writeFD(p.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (p *kqueuePoller) Close() error {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	_ = closeFD(p.wakeR)
	_ = closeFD(p.wakeW)
	return closeFD(p.kq)
}
