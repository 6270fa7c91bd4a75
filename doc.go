// Package reactor implements an embeddable, single-threaded event loop in
// the reactor style.
//
// A [Loop] multiplexes TCP and local (unix domain) streams, raw descriptor
// polling, timers, idle callbacks, and cross-goroutine wake-ups onto one
// native poller (epoll on linux, kqueue on darwin), dispatching readiness
// and completions through callbacks.
//
// # Threading
//
// All callbacks run on the goroutine calling [Loop.Run]. Handles, and the
// loop itself, must only be used from that goroutine (or while the loop is
// not running), with the single exception of [Async.Send].
//
// # Iterations
//
// Each iteration:
//
//  1. computes the wait timeout (zero when there is immediate work, else the
//     delay until the nearest timer, else indefinite)
//  2. waits for readiness
//  3. runs idle callbacks, then due timers, in due-time order
//  4. runs queued completions (writes, shutdowns, connects), dispatches
//     readiness to streams and poll handles, and runs async callbacks
//  5. releases handles closed during the iteration, invoking their close
//     callbacks
//
// [RunDefault] repeats this until nothing keeps the loop alive: an active
// handle that has not been unref'd, or an in-flight request.
//
// # Handles
//
// Every handle follows the lifecycle Created, Active, Closing, Closed.
// [Handle.Close] stops the handle immediately, but the native resource is
// only released, and the close callback invoked, at step 5. Handles are
// identified by a [HandleID], which stays unique even after the handle is
// closed, so [Loop.Handle] never resolves a stale ID to a different handle.
//
// # Errors
//
// Setup failures are returned synchronously, as an [*OpError] carrying an
// [ErrorKind] and the native errno. Failures of in-flight operations are
// delivered through the completion callback instead.
package reactor
