package reactor

import (
	"golang.org/x/sys/unix"
)

type (
	// Handle is implemented by every loop-owned resource: [*Timer], [*Idle],
	// [*Async], [*Poll], and [*Stream].
	//
	// All methods must be called from the goroutine running the loop, or
	// while the loop is not running.
	Handle interface {
		// ID returns the stable identifier of the handle.
		ID() HandleID
		// Kind returns the concrete handle type.
		Kind() HandleKind
		// Loop returns the owning loop.
		Loop() *Loop
		// State returns the lifecycle state.
		State() HandleState
		// IsActive reports whether the loop is monitoring the handle.
		IsActive() bool
		// IsClosing reports whether Close has been called.
		IsClosing() bool
		// Close stops the handle and schedules release of its native
		// resource. The callback is invoked exactly once, from within a loop
		// iteration, after the release. Calling Close again returns an
		// InvalidState error, and has no other effect.
		Close(cb CloseCallback) error
		// Ref marks the handle as keeping the loop alive while active (the
		// default).
		Ref()
		// Unref marks the handle as passive: it is still monitored, but does
		// not keep [RunDefault] running.
		Unref()
		// HasRef reports whether the handle keeps the loop alive.
		HasRef() bool
		// UserToken returns the opaque value set by SetUserToken.
		UserToken() any
		// SetUserToken associates an opaque value with the handle.
		SetUserToken(token any)

		base() *handle
		// beginClose stops all activity, synchronously.
		beginClose()
		// finishClose releases native resources, during the close phase.
		finishClose()
	}

	// CloseCallback is invoked once a handle is closed.
	CloseCallback func(h Handle)
)

// NopClose is a CloseCallback that does nothing.
func NopClose(Handle) {}

// handle is the lifecycle record embedded by every handle type.
type handle struct {
	token   any
	loop    *Loop
	self    Handle
	onClose CloseCallback
	id      HandleID
	kind    HandleKind
	state   HandleState
	unref   bool
}

func (h *handle) base() *handle { return h }

func (h *handle) ID() HandleID { return h.id }

func (h *handle) Kind() HandleKind { return h.kind }

func (h *handle) Loop() *Loop { return h.loop }

func (h *handle) State() HandleState { return h.state }

func (h *handle) IsActive() bool { return h.state == HandleActive }

func (h *handle) IsClosing() bool { return h.state >= HandleClosing }

func (h *handle) HasRef() bool { return !h.unref }

func (h *handle) UserToken() any { return h.token }

func (h *handle) SetUserToken(token any) { h.token = token }

func (h *handle) Ref() {
	if !h.unref {
		return
	}
	h.unref = false
	if h.state == HandleActive {
		h.loop.activeRefs++
	}
}

func (h *handle) Unref() {
	if h.unref {
		return
	}
	h.unref = true
	if h.state == HandleActive {
		h.loop.activeRefs--
	}
}

func (h *handle) Close(cb CloseCallback) error {
	if cb == nil {
		return errArgument("close", unix.EINVAL)
	}
	if h.state >= HandleClosing {
		return errClosing("close")
	}
	h.self.beginClose()
	h.deactivate()
	h.state = HandleClosing
	h.onClose = cb
	h.loop.closing.Add(h.self)
	return nil
}

// validate guards every operation against use after Close.
func (h *handle) validate(op string) error {
	if h.state >= HandleClosing {
		return errClosing(op)
	}
	if h.loop.closed {
		return ErrLoopClosed
	}
	return nil
}

func (h *handle) activate() {
	if h.state != HandleCreated {
		return
	}
	h.state = HandleActive
	if !h.unref {
		h.loop.activeRefs++
	}
}

func (h *handle) deactivate() {
	if h.state != HandleActive {
		return
	}
	h.state = HandleCreated
	if !h.unref {
		h.loop.activeRefs--
	}
}

func (h *handle) setActive(active bool) {
	if active {
		h.activate()
	} else {
		h.deactivate()
	}
}
