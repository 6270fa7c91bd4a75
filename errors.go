// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// ErrorKind is the symbolic classification of a failed operation. Every
// [OpError] carries exactly one kind, alongside the native error number (if
// any) that produced it.
type ErrorKind int

const (
	// OperationFailed wraps any native error without a more specific kind.
	OperationFailed ErrorKind = iota
	// InvalidState indicates the handle is closing, closed, or not yet in a
	// state that supports the operation (e.g. listen before bind).
	InvalidState
	// AddressInUse indicates a bind conflict.
	AddressInUse
	// AddressNotAvailable indicates the address cannot be used, including
	// permission failures.
	AddressNotAvailable
	// InvalidArgument indicates a bad mask, an empty buffer, a descriptor of
	// the wrong type, or similar caller error.
	InvalidArgument
	// ConnectionReset indicates the peer reset the connection.
	ConnectionReset
	// EndOfStream indicates the peer closed its write side. It is reported
	// through read results, and is not a failure.
	EndOfStream
)

// String returns a human-readable representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case OperationFailed:
		return "OperationFailed"
	case InvalidState:
		return "InvalidState"
	case AddressInUse:
		return "AddressInUse"
	case AddressNotAvailable:
		return "AddressNotAvailable"
	case InvalidArgument:
		return "InvalidArgument"
	case ConnectionReset:
		return "ConnectionReset"
	case EndOfStream:
		return "EndOfStream"
	default:
		return "Unknown"
	}
}

// Sentinel errors, matched via [errors.Is]. Each [OpError] unwraps to the
// sentinel of its kind.
var (
	ErrOperationFailed     = errors.New("reactor: operation failed")
	ErrInvalidState        = errors.New("reactor: invalid state")
	ErrAddressInUse        = errors.New("reactor: address in use")
	ErrAddressNotAvailable = errors.New("reactor: address not available")
	ErrInvalidArgument     = errors.New("reactor: invalid argument")
	ErrConnectionReset     = errors.New("reactor: connection reset")

	// ErrEndOfStream is [io.EOF], the sentinel for [EndOfStream].
	ErrEndOfStream = io.EOF

	// ErrLoopRunning is returned by [Loop.Run] and [Loop.Close] while another
	// run is in progress, including re-entrant calls from callbacks.
	ErrLoopRunning = errors.New("reactor: loop is already running")

	// ErrLoopClosed is returned by operations on a closed loop.
	ErrLoopClosed = errors.New("reactor: loop is closed")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case InvalidState:
		return ErrInvalidState
	case AddressInUse:
		return ErrAddressInUse
	case AddressNotAvailable:
		return ErrAddressNotAvailable
	case InvalidArgument:
		return ErrInvalidArgument
	case ConnectionReset:
		return ErrConnectionReset
	case EndOfStream:
		return ErrEndOfStream
	default:
		return ErrOperationFailed
	}
}

// OpError describes a failed operation. The native error number is
// preserved in Errno (zero if the failure was not produced by the OS), and
// Err holds any non-errno cause.
type OpError struct {
	Err   error
	Op    string
	Kind  ErrorKind
	Errno unix.Errno
}

// Error implements the error interface.
func (e *OpError) Error() string {
	switch {
	case e.Errno != 0:
		return fmt.Sprintf("reactor: %s: %s: %s", e.Op, e.Kind, e.Errno.Error())
	case e.Err != nil:
		return fmt.Sprintf("reactor: %s: %s: %s", e.Op, e.Kind, e.Err.Error())
	default:
		return fmt.Sprintf("reactor: %s: %s", e.Op, e.Kind)
	}
}

// Unwrap exposes the kind sentinel, the errno, and the cause, so that both
// errors.Is(err, ErrAddressInUse) and errors.Is(err, unix.EADDRINUSE) match.
func (e *OpError) Unwrap() []error {
	errs := make([]error, 0, 3)
	errs = append(errs, e.Kind.sentinel())
	if e.Errno != 0 {
		errs = append(errs, e.Errno)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Code returns the native error number, or zero.
func (e *OpError) Code() unix.Errno {
	return e.Errno
}

// KindOf returns the kind of err, which is OperationFailed for anything that
// is not an [OpError] (or a bare [unix.Errno], which is classified).
func KindOf(err error) ErrorKind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return kindOfErrno(errno)
	}
	if errors.Is(err, io.EOF) {
		return EndOfStream
	}
	return OperationFailed
}

func kindOfErrno(errno unix.Errno) ErrorKind {
	switch errno {
	case unix.EADDRINUSE:
		return AddressInUse
	case unix.EADDRNOTAVAIL, unix.EACCES, unix.EPERM:
		return AddressNotAvailable
	case unix.EINVAL, unix.ENOTSOCK, unix.ENAMETOOLONG, unix.EAFNOSUPPORT, unix.EBADF:
		return InvalidArgument
	case unix.ECONNRESET, unix.EPIPE:
		return ConnectionReset
	default:
		return OperationFailed
	}
}

// newOpError maps err onto the taxonomy. A nil err yields nil, and an
// existing *OpError is returned as-is.
func newOpError(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		if errno == 0 {
			return nil
		}
		return &OpError{Op: op, Kind: kindOfErrno(errno), Errno: errno}
	}
	return &OpError{Op: op, Kind: OperationFailed, Err: err}
}

func errState(op string, errno unix.Errno) error {
	return &OpError{Op: op, Kind: InvalidState, Errno: errno}
}

func errArgument(op string, errno unix.Errno) error {
	return &OpError{Op: op, Kind: InvalidArgument, Errno: errno}
}

func errClosing(op string) error {
	return errState(op, unix.EINVAL)
}

var errEOF error = &OpError{Op: "read", Kind: EndOfStream}

// PanicError wraps a value recovered from a panicking callback. It is
// returned by [Loop.Run] once the iteration's close bookkeeping has run.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("reactor: callback panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
