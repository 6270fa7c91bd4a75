package reactor

import (
	"golang.org/x/sys/unix"
)

// TransportKind identifies the transport behind a [Stream].
type TransportKind uint8

const (
	TransportTCP TransportKind = iota + 1
	TransportPipe
)

// String returns a human-readable representation of the kind.
func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcp"
	case TransportPipe:
		return "pipe"
	default:
		return "unknown"
	}
}

// transport is the per-variant behavior of a stream. Variant-specific
// operations are exposed through the [TCP] and [Pipe] views.
type transport interface {
	kind() TransportKind
	// configure applies stored socket options to a new descriptor.
	configure(fd int) error
	// accepted returns the variant for a peer accepted by a listener.
	accepted() transport
	// release performs variant cleanup after the descriptor is closed.
	release()
}

type tcpTransport struct {
	keepAliveDelay int
	family         int
	noDelay        bool
	keepAlive      bool
}

func (*tcpTransport) kind() TransportKind { return TransportTCP }

func (t *tcpTransport) configure(fd int) error {
	if t.noDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return err
		}
	}
	if t.keepAlive {
		if err := setKeepAlive(fd, true, t.keepAliveDelay); err != nil {
			return err
		}
	}
	return nil
}

func (t *tcpTransport) accepted() transport {
	return &tcpTransport{
		keepAliveDelay: t.keepAliveDelay,
		family:         t.family,
		noDelay:        t.noDelay,
		keepAlive:      t.keepAlive,
	}
}

func (*tcpTransport) release() {}

type pipeTransport struct {
	// path is set for a pipe bound by this process, and removed on release
	path string
}

func (*pipeTransport) kind() TransportKind { return TransportPipe }

func (*pipeTransport) configure(int) error { return nil }

func (*pipeTransport) accepted() transport { return &pipeTransport{} }

func (p *pipeTransport) release() {
	if p.path != "" {
		_ = unix.Unlink(p.path)
		p.path = ""
	}
}
