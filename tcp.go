package reactor

import (
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// TCP exposes the TCP-specific operations of a [Stream].
type TCP struct {
	s *Stream
	t *tcpTransport
}

// TCP returns the TCP view of the stream, and false if it is not a TCP
// stream.
func (s *Stream) TCP() (TCP, bool) {
	t, ok := s.transport.(*tcpTransport)
	if !ok {
		return TCP{}, false
	}
	return TCP{s: s, t: t}, true
}

// Stream returns the underlying stream.
func (x TCP) Stream() *Stream { return x.s }

// Bind binds the socket to addr, creating it if needed. For an IPv6
// address, dualStack also accepts IPv4 connections. Binding twice fails
// with InvalidState.
func (x TCP) Bind(addr netip.AddrPort, dualStack bool) error {
	const op = "bind"
	s := x.s
	if err := s.validate(op); err != nil {
		return err
	}
	if !addr.IsValid() {
		return errArgument(op, unix.EINVAL)
	}
	if s.bound || s.connected || s.connecting {
		return errState(op, unix.EINVAL)
	}
	sa, family := sockaddrFromAddrPort(addr)
	if s.fd >= 0 && x.t.family != family {
		return errArgument(op, unix.EAFNOSUPPORT)
	}
	if err := s.openSocket(op, family); err != nil {
		return err
	}
	x.t.family = family
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return newOpError(op, err)
	}
	if family == unix.AF_INET6 {
		v6only := 1
		if dualStack {
			v6only = 0
		}
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
			return newOpError(op, err)
		}
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return newOpError(op, err)
	}
	s.bound = true
	s.loop.logger.Debug().
		Str(`addr`, addr.String()).
		Log(`tcp bound`)
	return nil
}

// Connect starts connecting to addr. The outcome is delivered to cb.
func (x TCP) Connect(addr netip.AddrPort, cb ConnectCallback) error {
	if !addr.IsValid() {
		return errArgument("connect", unix.EINVAL)
	}
	sa, family := sockaddrFromAddrPort(addr)
	if x.s.fd >= 0 && x.t.family != family {
		return errArgument("connect", unix.EAFNOSUPPORT)
	}
	x.t.family = family
	return x.s.connect("connect", family, sa, cb)
}

// NoDelay enables or disables Nagle's algorithm (TCP_NODELAY). The setting
// is kept for a socket created later.
func (x TCP) NoDelay(enable bool) error {
	const op = "nodelay"
	if err := x.s.validate(op); err != nil {
		return err
	}
	if x.s.fd >= 0 {
		v := 0
		if enable {
			v = 1
		}
		if err := unix.SetsockoptInt(x.s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v); err != nil {
			return newOpError(op, err)
		}
	}
	x.t.noDelay = enable
	return nil
}

// KeepAlive enables or disables TCP keep-alive, with the given initial
// delay (whole seconds, at least one) when enabled. The setting is kept for
// a socket created later.
func (x TCP) KeepAlive(enable bool, delay time.Duration) error {
	const op = "keepalive"
	if err := x.s.validate(op); err != nil {
		return err
	}
	secs := int(delay / time.Second)
	if enable && secs < 1 {
		return errArgument(op, unix.EINVAL)
	}
	if x.s.fd >= 0 {
		if err := setKeepAlive(x.s.fd, enable, secs); err != nil {
			return newOpError(op, err)
		}
	}
	x.t.keepAlive = enable
	x.t.keepAliveDelay = secs
	return nil
}

// SimultaneousAccepts is accepted for compatibility. Unix listeners always
// accept one connection per readiness notification, so it has no effect.
func (x TCP) SimultaneousAccepts(bool) error {
	return x.s.validate("simultaneous accepts")
}

// LocalEndpoint returns the address the socket is bound to.
func (x TCP) LocalEndpoint() (netip.AddrPort, error) {
	const op = "getsockname"
	if err := x.s.validate(op); err != nil {
		return netip.AddrPort{}, err
	}
	if x.s.fd < 0 {
		return netip.AddrPort{}, errState(op, unix.EBADF)
	}
	sa, err := unix.Getsockname(x.s.fd)
	if err != nil {
		return netip.AddrPort{}, newOpError(op, err)
	}
	return addrPortFromSockaddr(op, sa)
}

// PeerEndpoint returns the address of the connected peer.
func (x TCP) PeerEndpoint() (netip.AddrPort, error) {
	const op = "getpeername"
	if err := x.s.validate(op); err != nil {
		return netip.AddrPort{}, err
	}
	if x.s.fd < 0 || !x.s.connected {
		return netip.AddrPort{}, errState(op, unix.ENOTCONN)
	}
	sa, err := unix.Getpeername(x.s.fd)
	if err != nil {
		return netip.AddrPort{}, newOpError(op, err)
	}
	return addrPortFromSockaddr(op, sa)
}

func sockaddrFromAddrPort(addr netip.AddrPort) (unix.Sockaddr, int) {
	ip := addr.Addr()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}, unix.AF_INET6
}

func addrPortFromSockaddr(op string, sa unix.Sockaddr) (netip.AddrPort, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)), nil
	default:
		return netip.AddrPort{}, errArgument(op, unix.EAFNOSUPPORT)
	}
}
