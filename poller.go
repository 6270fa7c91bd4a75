package reactor

import (
	"errors"
	"math"
	"time"
)

// IOEvents is the readiness bitmask exchanged with a [Poller].
type IOEvents uint32

const (
	// EventRead indicates the descriptor is readable.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is writable.
	EventWrite
	// EventError indicates an error condition. Always reported, never
	// requested.
	EventError
	// EventHangup indicates both directions are closed. Always reported,
	// never requested.
	EventHangup
	// EventReadHangup indicates the peer closed its write side.
	EventReadHangup
)

// Readiness is a single readiness report from [Poller.Wait].
type Readiness struct {
	FD     int
	Events IOEvents
}

// Poller is the native readiness substrate driven by a [Loop]. The default
// implementation wraps epoll (linux) or kqueue (darwin). It is used only from
// the goroutine running the loop, except for Wake, which must be safe to
// call from any goroutine.
type Poller interface {
	// Register starts monitoring fd for events.
	Register(fd int, events IOEvents) error
	// Modify replaces the monitored events of a registered fd.
	Modify(fd int, events IOEvents) error
	// Unregister stops monitoring fd.
	Unregister(fd int) error
	// Wait blocks for up to timeout (negative means indefinitely) and fills
	// ready, returning the number of entries written. Each fd appears at most
	// once. A Wake call causes Wait to return, possibly with zero entries.
	Wait(timeout time.Duration, ready []Readiness) (int, error)
	// Wake interrupts a concurrent or subsequent Wait.
	Wake() error
	// Close releases the poller.
	Close() error
}

// Standard errors.
var (
	ErrFDAlreadyRegistered = errors.New("reactor: fd already registered")
	ErrFDNotRegistered     = errors.New("reactor: fd not registered")
	ErrPollerClosed        = errors.New("reactor: poller closed")
)

// timeoutMillis converts a wait timeout to whole milliseconds, rounding up so
// a timer is never woken before it is due.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout / time.Millisecond
	if timeout%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
