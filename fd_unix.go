//go:build linux || darwin

package reactor

import (
	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor, retrying on EINTR.
func closeFD(fd int) error {
	for {
		err := unix.Close(fd)
		if err != unix.EINTR {
			return err
		}
	}
}

// readFD reads from a file descriptor, retrying on EINTR.
func readFD(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err != unix.EINTR {
			return n, err
		}
	}
}

// writeFD writes to a file descriptor, retrying on EINTR.
func writeFD(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err != unix.EINTR {
			return n, err
		}
	}
}

// socketError returns the pending SO_ERROR of a socket.
func socketError(fd int) unix.Errno {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno
		}
		return unix.EINVAL
	}
	return unix.Errno(v)
}

// isPollable reports whether fd refers to something a readiness poller can
// watch. Regular files and directories are always "ready", so are rejected.
func isPollable(fd int) error {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return err
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG, unix.S_IFDIR:
		return unix.ENOTSOCK
	}
	return nil
}
