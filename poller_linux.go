//go:build linux

package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the linux [Poller], level-triggered, woken via eventfd.
type epollPoller struct {
	fds    map[int]IOEvents
	events []unix.EpollEvent
	epfd   int
	wakeFd int
	// wakeMu orders Wake against Close, so a wake never writes to a
	// released descriptor number
	wakeMu sync.RWMutex
	closed atomic.Bool
}

func newDefaultPoller(maxEvents int) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = closeFD(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		_ = closeFD(wakeFd)
		_ = closeFD(epfd)
		return nil, err
	}
	return &epollPoller{
		fds:    make(map[int]IOEvents),
		events: make([]unix.EpollEvent, maxEvents),
		epfd:   epfd,
		wakeFd: wakeFd,
	}, nil
}

func (p *epollPoller) Register(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if _, ok := p.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = events
	return nil
}

func (p *epollPoller) Modify(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = events
	return nil
}

func (p *epollPoller) Unregister(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	// the kernel drops closed descriptors on its own
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		return err
	}
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration, ready []Readiness) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	buf := p.events
	if len(ready) < len(buf) {
		buf = buf[:len(ready)]
	}
	n, err := unix.EpollWait(p.epfd, buf, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	var count int
	for i := 0; i < n; i++ {
		fd := int(buf[i].Fd)
		if fd == p.wakeFd {
			p.drainWakeFd()
			continue
		}
		ready[count] = Readiness{FD: fd, Events: epollToEvents(buf[i].Events)}
		count++
	}
	return count, nil
}

func (p *epollPoller) drainWakeFd() {
	var buf [8]byte
	for {
		if _, err := readFD(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) Wake() error {
	p.wakeMu.RLock()
	defer p.wakeMu.RUnlock()
	if p.closed.Load() {
		return ErrPollerClosed
	}
	one := [8]byte{1}
	if _, err := writeFD(p.wakeFd, one[:]); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (p *epollPoller) Close() error {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	err1 := closeFD(p.wakeFd)
	err2 := closeFD(p.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}

func eventsToEpoll(events IOEvents) uint32 {
	var ep uint32
	if events&EventRead != 0 {
		ep |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ep |= unix.EPOLLOUT
	}
	if events&EventReadHangup != 0 {
		ep |= unix.EPOLLRDHUP
	}
	return ep
}

func epollToEvents(ep uint32) IOEvents {
	var events IOEvents
	if ep&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if ep&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if ep&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if ep&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	if ep&unix.EPOLLRDHUP != 0 {
		events |= EventReadHangup
	}
	return events
}
