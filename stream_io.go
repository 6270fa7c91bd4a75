package reactor

import (
	"golang.org/x/sys/unix"
)

func (s *Stream) onReady(events IOEvents) {
	if s.state >= HandleClosing {
		return
	}
	failed := events&(EventError|EventHangup) != 0

	if s.connecting && (events&EventWrite != 0 || failed) {
		s.finishConnect()
		return
	}

	if s.listening {
		if events&EventRead != 0 || failed {
			s.acceptOne()
		}
		return
	}

	if s.reading && (events&(EventRead|EventReadHangup) != 0 || failed) {
		s.readAvailable()
		if s.loop.panicked != nil || s.state >= HandleClosing {
			return
		}
	}

	if s.writes.Length() != 0 && (events&EventWrite != 0 || failed) {
		s.flushWrites()
	}

	if err := s.sync("io"); err != nil {
		s.failWrites(err)
	}
}

// readAvailable reads until the socket would block, reading stops, or the
// per-event read limit is reached.
func (s *Stream) readAvailable() {
	buf := s.loop.readBuf
	for i := 0; i < s.loop.config.MaxReadsPerEvent; i++ {
		if !s.reading || s.state >= HandleClosing {
			return
		}
		n, err := readFD(s.fd, buf)
		switch {
		case err == unix.EAGAIN:
			return
		case err != nil:
			s.stopReading(newOpError("read", err))
			return
		case n == 0:
			s.eof = true
			s.stopReading(errEOF)
			return
		}
		cb := s.readCb
		data := buf[:n]
		if !s.loop.invoke(func() { cb(s, ReadResult{Data: data}) }) {
			return
		}
	}
}

// stopReading ends the read state, and delivers err as the final result.
func (s *Stream) stopReading(err error) {
	cb := s.readCb
	s.reading = false
	_ = s.sync("read")
	s.loop.invoke(func() { cb(s, ReadResult{Err: err}) })
}

// flushWrites writes queued requests until the socket would block.
func (s *Stream) flushWrites() {
	for s.writes.Length() != 0 {
		req := s.writes.Peek().(*writeRequest)
		n, err := writeFD(s.fd, req.buf[req.off:])
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			s.failWrites(newOpError("write", err))
			return
		}
		req.off += n
		s.writeQueueSize -= n
		if req.off < len(req.buf) {
			// the socket buffer is full, so wait for writability
			return
		}
		s.writes.Remove()
		s.completeWrite(req, nil)
	}
	if s.shutdownReq && !s.shutdownDone {
		s.doShutdown()
	}
}

// failWrites completes every queued request with err.
func (s *Stream) failWrites(err error) {
	for s.writes.Length() != 0 {
		s.completeWrite(s.writes.Remove().(*writeRequest), err)
	}
	s.writeQueueSize = 0
	if s.shutdownReq && !s.shutdownDone {
		s.doShutdown()
	}
}

func (s *Stream) completeWrite(req *writeRequest, err error) {
	s.queueCompletion(func() {
		s.loop.activeReqs--
		cb := req.cb
		req.buf = nil
		cb(s, err)
	})
}

// queueCompletion defers fn to the loop's pending phase. Completions still
// undelivered when the stream closes run first, in order, during the close.
func (s *Stream) queueCompletion(fn func()) {
	s.done.Add(fn)
	s.loop.queueCompletion(s.deliverCompletion)
}

func (s *Stream) deliverCompletion() {
	if s.done.Length() != 0 {
		s.done.Remove().(func())()
	}
}

func (s *Stream) doShutdown() {
	err := newOpError("shutdown", unix.Shutdown(s.fd, unix.SHUT_WR))
	s.shutdownDone = true
	cb := s.shutdownCb
	s.shutdownCb = nil
	s.queueCompletion(func() {
		s.loop.activeReqs--
		cb(s, err)
	})
}

// acceptOne accepts at most one pending connection.
func (s *Stream) acceptOne() {
	fd, err := acceptSocket(s.fd)
	switch err {
	case nil:
	case unix.EAGAIN, unix.ECONNABORTED:
		return
	default:
		opErr := newOpError("accept", err)
		s.loop.warn(s.id).
			Uint64(`id`, uint64(s.id)).
			Err(opErr).
			Log(`accept failed`)
		cb := s.connCb
		s.loop.invoke(func() { cb(s, nil, opErr) })
		return
	}

	client, err := s.loop.newStream(s.transport.accepted())
	if err != nil {
		_ = closeFD(fd)
		return
	}
	if err := client.transport.configure(fd); err != nil {
		s.loop.warn(s.id).
			Uint64(`id`, uint64(s.id)).
			Err(err).
			Log(`accepted socket configuration failed`)
	}
	client.attachFD(fd)
	client.connected = true

	cb := s.connCb
	s.loop.invoke(func() { cb(s, client, nil) })
}

// Listen starts accepting connections on a bound stream. A backlog <= 0
// selects [Config.ListenBacklog].
func (s *Stream) Listen(backlog int, cb ConnectionCallback) error {
	if err := s.validate("listen"); err != nil {
		return err
	}
	if cb == nil {
		return errArgument("listen", unix.EINVAL)
	}
	if s.fd < 0 || !s.bound || s.listening || s.connected || s.connecting {
		return errState("listen", unix.EINVAL)
	}
	if backlog <= 0 {
		backlog = s.loop.config.ListenBacklog
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return newOpError("listen", err)
	}
	s.listening = true
	s.connCb = cb
	if err := s.sync("listen"); err != nil {
		s.listening = false
		s.connCb = nil
		return err
	}
	s.loop.logger.Debug().
		Str(`transport`, s.transport.kind().String()).
		Int(`backlog`, backlog).
		Log(`stream listening`)
	return nil
}

// connect starts a non-blocking connect. Failures after the socket exists
// are delivered through cb.
func (s *Stream) connect(op string, family int, sa unix.Sockaddr, cb ConnectCallback) error {
	if err := s.validate(op); err != nil {
		return err
	}
	if cb == nil {
		return errArgument(op, unix.EINVAL)
	}
	if s.connecting || s.connected || s.listening {
		return errState(op, unix.EISCONN)
	}
	if err := s.openSocket(op, family); err != nil {
		return err
	}
	s.loop.activeReqs++
	err := unix.Connect(s.fd, sa)
	for err == unix.EINTR {
		err = unix.Connect(s.fd, sa)
	}
	if err == unix.EINPROGRESS || err == unix.EALREADY {
		s.connecting = true
		s.connectCb = cb
		if err := s.sync(op); err != nil {
			s.connecting = false
			s.connectCb = nil
			s.loop.activeReqs--
			return err
		}
		return nil
	}
	if err == nil {
		s.connected = true
		_ = s.sync(op)
	}
	opErr := newOpError(op, err)
	s.queueCompletion(func() {
		s.loop.activeReqs--
		cb(s, opErr)
	})
	return nil
}

func (s *Stream) finishConnect() {
	errno := socketError(s.fd)
	s.connecting = false
	if errno == 0 {
		s.connected = true
	}
	cb := s.connectCb
	s.connectCb = nil
	if err := s.sync("connect"); err != nil && errno == 0 {
		s.connected = false
		errno = unix.EBADF
	}
	err := newOpError("connect", errno)
	s.loop.activeReqs--
	s.loop.invoke(func() { cb(s, err) })
}
