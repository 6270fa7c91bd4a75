package reactor

// HandleState is the lifecycle state of a [Handle].
//
// State Machine:
//
//	HandleCreated → HandleActive      [Start, ReadStart, Listen, ...]
//	HandleActive  → HandleCreated     [Stop, ReadStop, request drained]
//	HandleCreated → HandleClosing     [Close]
//	HandleActive  → HandleClosing     [Close]
//	HandleClosing → HandleClosed      [close queue drained]
//	HandleClosed  → (terminal)
type HandleState uint8

const (
	// HandleCreated indicates the handle is registered with its loop, but
	// nothing is being monitored.
	HandleCreated HandleState = iota
	// HandleActive indicates the loop is monitoring the handle.
	HandleActive
	// HandleClosing indicates a close was requested, and the native release
	// is pending.
	HandleClosing
	// HandleClosed indicates the native resource was released and the close
	// callback has been invoked.
	HandleClosed
)

// String returns a human-readable representation of the state.
func (s HandleState) String() string {
	switch s {
	case HandleCreated:
		return "Created"
	case HandleActive:
		return "Active"
	case HandleClosing:
		return "Closing"
	case HandleClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// HandleKind identifies the concrete type behind a [Handle].
type HandleKind uint8

const (
	HandleTimer HandleKind = iota + 1
	HandleIdle
	HandleAsync
	HandlePoll
	HandleStream
)

// String returns a human-readable representation of the kind.
func (k HandleKind) String() string {
	switch k {
	case HandleTimer:
		return "timer"
	case HandleIdle:
		return "idle"
	case HandleAsync:
		return "async"
	case HandlePoll:
		return "poll"
	case HandleStream:
		return "stream"
	default:
		return "unknown"
	}
}

// RunMode selects how [Loop.Run] iterates.
type RunMode uint8

const (
	// RunDefault runs until no handle keeps the loop alive.
	RunDefault RunMode = iota
	// RunOnce runs a single iteration, blocking for I/O if nothing is ready.
	RunOnce
	// RunNoWait runs a single iteration without blocking.
	RunNoWait
)

// String returns a human-readable representation of the mode.
func (m RunMode) String() string {
	switch m {
	case RunDefault:
		return "default"
	case RunOnce:
		return "once"
	case RunNoWait:
		return "nowait"
	default:
		return "unknown"
	}
}
