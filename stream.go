package reactor

import (
	"errors"
	"io"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

type (
	// ReadResult is passed to a [ReadCallback]. Data is a view of the loop's
	// read buffer, valid only until the callback returns. Err is set on
	// end-of-stream (matching [ErrEndOfStream]) or on a read failure, after
	// which reading has stopped.
	ReadResult struct {
		Err  error
		Data []byte
	}

	// ReadCallback receives data read from a stream.
	ReadCallback func(s *Stream, result ReadResult)

	// WriteCallback is invoked once a queued buffer has been fully written,
	// or has failed. Ownership of the buffer returns to the caller.
	WriteCallback func(s *Stream, err error)

	// ShutdownCallback is invoked once the write side has been shut down.
	ShutdownCallback func(s *Stream, err error)

	// ConnectCallback is invoked once an outgoing connection completes.
	ConnectCallback func(s *Stream, err error)

	// ConnectionCallback is invoked by a listener for each accepted peer, or
	// with a non-nil err if accepting failed. The client is owned by the
	// callee, and must eventually be closed.
	ConnectionCallback func(server, client *Stream, err error)
)

// EOF reports whether the result signals end-of-stream.
func (r ReadResult) EOF() bool {
	return r.Err != nil && errors.Is(r.Err, io.EOF)
}

// Stream is a byte stream over a socket: TCP or a local (unix domain) pipe.
// Transport-specific operations are reached through [Stream.TCP] and
// [Stream.Pipe].
type Stream struct {
	handle
	transport transport

	readCb     ReadCallback
	connCb     ConnectionCallback
	connectCb  ConnectCallback
	shutdownCb ShutdownCallback

	// writes holds *writeRequest values in submission order
	writes         *queue.Queue
	// done holds completions (func()) queued but not yet delivered
	done           *queue.Queue
	writeQueueSize int

	fd       int
	interest IOEvents

	registered   bool
	bound        bool
	connected    bool
	connecting   bool
	reading      bool
	listening    bool
	eof          bool
	shutdownReq  bool
	shutdownDone bool
}

type writeRequest struct {
	cb  WriteCallback
	buf []byte
	off int
}

// NewTCP creates a TCP stream. The socket is created by Bind or Connect.
func (l *Loop) NewTCP() (*Stream, error) {
	return l.newStream(&tcpTransport{})
}

// NewPipe creates a local stream over a unix domain socket. The socket is
// created by Bind or Connect.
func (l *Loop) NewPipe() (*Stream, error) {
	return l.newStream(&pipeTransport{})
}

func (l *Loop) newStream(t transport) (*Stream, error) {
	s := &Stream{
		transport: t,
		writes:    queue.New(),
		done:      queue.New(),
		fd:        -1,
	}
	if err := l.register(s, HandleStream); err != nil {
		return nil, err
	}
	return s, nil
}

// Transport returns the transport kind.
func (s *Stream) Transport() TransportKind { return s.transport.kind() }

// FD returns the socket descriptor, or -1 if there is none yet.
func (s *Stream) FD() int { return s.fd }

// IsReadable reports whether the stream can be read from.
func (s *Stream) IsReadable() bool {
	return s.state < HandleClosing && s.connected && !s.eof
}

// IsWritable reports whether the stream accepts writes.
func (s *Stream) IsWritable() bool {
	return s.state < HandleClosing && s.connected && !s.shutdownReq
}

// WriteQueueSize returns the number of bytes queued but not yet written.
func (s *Stream) WriteQueueSize() int { return s.writeQueueSize }

// ReadStart begins delivering data to cb. Starting again replaces the
// callback.
func (s *Stream) ReadStart(cb ReadCallback) error {
	if err := s.validate("read start"); err != nil {
		return err
	}
	if cb == nil {
		return errArgument("read start", unix.EINVAL)
	}
	if !s.connected {
		return errState("read start", unix.ENOTCONN)
	}
	s.readCb = cb
	s.reading = true
	s.eof = false
	return s.sync("read start")
}

// ReadStop stops delivering data. Unread data stays in the socket.
func (s *Stream) ReadStop() error {
	if err := s.validate("read stop"); err != nil {
		return err
	}
	s.reading = false
	return s.sync("read stop")
}

// Write queues data for writing. The buffer is owned by the stream until cb
// is invoked, which happens once every byte was accepted by the socket (or
// the write failed). Completions are delivered in submission order, from
// the loop's pending phase.
func (s *Stream) Write(data []byte, cb WriteCallback) error {
	if err := s.validate("write"); err != nil {
		return err
	}
	if cb == nil || len(data) == 0 {
		return errArgument("write", unix.EINVAL)
	}
	if s.shutdownReq {
		return errState("write", unix.EPIPE)
	}
	if !s.connected {
		return errState("write", unix.ENOTCONN)
	}
	s.writes.Add(&writeRequest{cb: cb, buf: data})
	s.writeQueueSize += len(data)
	s.loop.activeReqs++
	if s.writes.Length() == 1 {
		s.flushWrites()
	}
	if err := s.sync("write"); err != nil {
		s.failWrites(err)
	}
	return nil
}

// Shutdown closes the write side once every queued write has completed.
// Further writes are rejected with InvalidState. The read side is not
// affected.
func (s *Stream) Shutdown(cb ShutdownCallback) error {
	if err := s.validate("shutdown"); err != nil {
		return err
	}
	if cb == nil {
		return errArgument("shutdown", unix.EINVAL)
	}
	if !s.connected {
		return errState("shutdown", unix.ENOTCONN)
	}
	if s.shutdownReq {
		return errState("shutdown", unix.EALREADY)
	}
	s.shutdownReq = true
	s.shutdownCb = cb
	s.loop.activeReqs++
	if s.writes.Length() == 0 {
		s.doShutdown()
	}
	return s.sync("shutdown")
}

// SendBufferSize returns SO_SNDBUF.
func (s *Stream) SendBufferSize() (int, error) {
	return s.getBufferSize("send buffer size", unix.SO_SNDBUF)
}

// SetSendBufferSize sets SO_SNDBUF.
func (s *Stream) SetSendBufferSize(size int) error {
	return s.setBufferSize("send buffer size", unix.SO_SNDBUF, size)
}

// ReceiveBufferSize returns SO_RCVBUF.
func (s *Stream) ReceiveBufferSize() (int, error) {
	return s.getBufferSize("receive buffer size", unix.SO_RCVBUF)
}

// SetReceiveBufferSize sets SO_RCVBUF.
func (s *Stream) SetReceiveBufferSize(size int) error {
	return s.setBufferSize("receive buffer size", unix.SO_RCVBUF, size)
}

func (s *Stream) getBufferSize(op string, opt int) (int, error) {
	if err := s.validate(op); err != nil {
		return 0, err
	}
	if s.fd < 0 {
		return 0, errState(op, unix.EBADF)
	}
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, opt)
	if err != nil {
		return 0, newOpError(op, err)
	}
	return v, nil
}

func (s *Stream) setBufferSize(op string, opt, size int) error {
	if err := s.validate(op); err != nil {
		return err
	}
	if size <= 0 {
		return errArgument(op, unix.EINVAL)
	}
	if s.fd < 0 {
		return errState(op, unix.EBADF)
	}
	return newOpError(op, unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, opt, size))
}

// attachFD takes ownership of a socket descriptor.
func (s *Stream) attachFD(fd int) {
	s.fd = fd
	s.loop.fds[fd] = s.id
}

// openSocket creates the stream's socket, if it has none.
func (s *Stream) openSocket(op string, family int) error {
	if s.fd >= 0 {
		return nil
	}
	fd, err := newSocket(family)
	if err != nil {
		return newOpError(op, err)
	}
	if err := s.transport.configure(fd); err != nil {
		_ = closeFD(fd)
		return newOpError(op, err)
	}
	s.attachFD(fd)
	return nil
}

// dropSocket closes the socket of a stream that never became usable.
func (s *Stream) dropSocket() {
	if s.fd < 0 {
		return
	}
	s.unregister()
	delete(s.loop.fds, s.fd)
	_ = closeFD(s.fd)
	s.fd = -1
}

// sync reconciles the poller registration and the active state with the
// stream's flags.
func (s *Stream) sync(op string) error {
	s.setActive(s.reading || s.listening || s.connecting ||
		s.writes.Length() != 0 || (s.shutdownReq && !s.shutdownDone))

	var want IOEvents
	if s.reading || s.listening {
		want |= EventRead
	}
	if s.connecting || s.writes.Length() != 0 {
		want |= EventWrite
	}
	if s.fd < 0 || (want == s.interest && s.registered == (want != 0)) {
		return nil
	}

	var err error
	switch {
	case want == 0:
		s.unregister()
		return nil
	case s.registered:
		err = s.loop.poller.Modify(s.fd, want)
	default:
		err = s.loop.poller.Register(s.fd, want)
		s.registered = err == nil
	}
	if err != nil {
		return newOpError(op, err)
	}
	s.interest = want
	return nil
}

func (s *Stream) unregister() {
	if s.registered {
		_ = s.loop.poller.Unregister(s.fd)
		s.registered = false
	}
	s.interest = 0
}

func (s *Stream) beginClose() {
	s.reading = false
	s.listening = false
	s.unregister()
}

// finishClose delivers completions that are already due, fails outstanding
// requests with ECANCELED, then releases the socket.
func (s *Stream) finishClose() {
	for s.done.Length() != 0 {
		s.loop.invoke(s.done.Remove().(func()))
	}
	canceled := &OpError{Op: "close", Kind: OperationFailed, Errno: unix.ECANCELED}
	if s.connecting {
		s.connecting = false
		cb := s.connectCb
		s.connectCb = nil
		s.loop.activeReqs--
		s.loop.invoke(func() { cb(s, canceled) })
	}
	for s.writes.Length() != 0 {
		req := s.writes.Remove().(*writeRequest)
		s.loop.activeReqs--
		s.loop.invoke(func() { req.cb(s, canceled) })
	}
	s.writeQueueSize = 0
	if s.shutdownReq && !s.shutdownDone {
		s.shutdownDone = true
		cb := s.shutdownCb
		s.shutdownCb = nil
		s.loop.activeReqs--
		s.loop.invoke(func() { cb(s, canceled) })
	}
	if s.fd >= 0 {
		if id, ok := s.loop.fds[s.fd]; ok && id == s.id {
			delete(s.loop.fds, s.fd)
		}
		_ = closeFD(s.fd)
		s.fd = -1
	}
	s.transport.release()
	s.readCb = nil
	s.connCb = nil
}
