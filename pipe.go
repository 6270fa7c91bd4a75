package reactor

import (
	"golang.org/x/sys/unix"
)

// Pipe exposes the operations of a local (unix domain socket) [Stream].
type Pipe struct {
	s *Stream
	t *pipeTransport
}

// Pipe returns the pipe view of the stream, and false if it is not a pipe.
func (s *Stream) Pipe() (Pipe, bool) {
	t, ok := s.transport.(*pipeTransport)
	if !ok {
		return Pipe{}, false
	}
	return Pipe{s: s, t: t}, true
}

// Stream returns the underlying stream.
func (x Pipe) Stream() *Stream { return x.s }

// Bind binds the pipe to the filesystem path name, which is removed again
// when the pipe is closed. A path in a missing directory fails with
// AddressNotAvailable (EACCES). On failure the pipe stays unbound. Binding
// a pipe that already has a socket fails with InvalidState.
func (x Pipe) Bind(name string) error {
	const op = "bind"
	s := x.s
	if err := s.validate(op); err != nil {
		return err
	}
	if name == "" {
		return errArgument(op, unix.EINVAL)
	}
	if len(name) >= len(unix.RawSockaddrUnix{}.Path) {
		return errArgument(op, unix.ENAMETOOLONG)
	}
	if s.fd >= 0 {
		return errState(op, unix.EINVAL)
	}
	if err := s.openSocket(op, unix.AF_UNIX); err != nil {
		return err
	}
	if err := unix.Bind(s.fd, &unix.SockaddrUnix{Name: name}); err != nil {
		s.dropSocket()
		if err == unix.ENOENT {
			err = unix.EACCES
		}
		return newOpError(op, err)
	}
	s.bound = true
	x.t.path = name
	s.loop.logger.Debug().
		Str(`name`, name).
		Log(`pipe bound`)
	return nil
}

// Connect starts connecting to the pipe bound at name. The outcome,
// including a missing or refusing peer, is delivered to cb.
func (x Pipe) Connect(name string, cb ConnectCallback) error {
	if name == "" {
		return errArgument("connect", unix.EINVAL)
	}
	if len(name) >= len(unix.RawSockaddrUnix{}.Path) {
		return errArgument("connect", unix.ENAMETOOLONG)
	}
	return x.s.connect("connect", unix.AF_UNIX, &unix.SockaddrUnix{Name: name}, cb)
}

// LocalName returns the path the pipe is bound to.
func (x Pipe) LocalName() (string, error) {
	const op = "getsockname"
	if err := x.s.validate(op); err != nil {
		return "", err
	}
	if x.s.fd < 0 {
		return "", errState(op, unix.EBADF)
	}
	sa, err := unix.Getsockname(x.s.fd)
	if err != nil {
		return "", newOpError(op, err)
	}
	return sockaddrName(sa), nil
}

// PeerName returns the path of the connected peer.
func (x Pipe) PeerName() (string, error) {
	const op = "getpeername"
	if err := x.s.validate(op); err != nil {
		return "", err
	}
	if x.s.fd < 0 || !x.s.connected {
		return "", errState(op, unix.ENOTCONN)
	}
	sa, err := unix.Getpeername(x.s.fd)
	if err != nil {
		return "", newOpError(op, err)
	}
	return sockaddrName(sa), nil
}

func sockaddrName(sa unix.Sockaddr) string {
	if sa, ok := sa.(*unix.SockaddrUnix); ok {
		return sa.Name
	}
	return ""
}
