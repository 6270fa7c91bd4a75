// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"container/heap"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Loop is a single-threaded reactor. It owns every handle created from it,
// and the native poller they are registered with.
//
// A Loop is not safe for concurrent use, with the exception of
// [Async.Send]: all other methods, and all handle methods, must be called
// from the goroutine running [Loop.Run], or while the loop is not running.
type Loop struct {
	epoch   time.Time
	poller  Poller
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	config  *Config

	// pending holds completions (func()) to run in the next pending phase
	pending *queue.Queue
	// closing holds handles (Handle) awaiting the close phase
	closing *queue.Queue

	fds      map[int]HandleID
	panicked *PanicError
	metrics  *metricsRecorder

	arena   arena
	timers  timerHeap
	idles   []*Idle
	asyncs  []*Async
	ready   []Readiness
	readBuf []byte
	scratch []Handle

	now      time.Duration
	timerSeq uint64
	phase    loopPhase

	activeRefs int
	activeReqs int

	running      atomic.Bool
	asyncPending atomic.Bool
	ctxDone      atomic.Bool

	stopFlag bool
	closed   bool
}

// New creates a new Loop, with the given options applied over
// [DefaultConfig].
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	limiter, err := newWarnLimiter(cfg.WarnRates)
	if err != nil {
		return nil, err
	}

	poller := cfg.Poller
	if poller == nil {
		if poller, err = newDefaultPoller(cfg.MaxEvents); err != nil {
			return nil, newOpError("loop init", err)
		}
	}

	l := &Loop{
		epoch:   time.Now(),
		poller:  poller,
		logger:  cfg.Logger,
		limiter: limiter,
		config:  cfg,
		pending: queue.New(),
		closing: queue.New(),
		fds:     make(map[int]HandleID),
		ready:   make([]Readiness, cfg.MaxEvents),
		readBuf: make([]byte, cfg.ReadBufferSize),
	}
	if cfg.Metrics {
		l.metrics = newMetricsRecorder(l.epoch)
	}

	return l, nil
}

func newWarnLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			limiter, err = nil, fmt.Errorf("reactor: invalid warn rates: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// Config returns a copy of the loop's configuration.
func (l *Loop) Config() Config {
	return *l.config
}

// Metrics returns a snapshot of the loop's statistics, or nil if the loop
// was not created [WithMetrics]. It is safe to call from any goroutine.
func (l *Loop) Metrics() *Metrics {
	return l.metrics.snapshot(time.Now())
}

// Now returns the cached loop time, as the monotonic duration since the loop
// was created. It is updated at the start of each iteration, and after each
// wait.
func (l *Loop) Now() time.Duration {
	return l.now
}

// UpdateTime refreshes the cached loop time.
func (l *Loop) UpdateTime() {
	l.now = time.Since(l.epoch)
}

// Alive reports whether the loop has anything keeping it running: an active
// handle with a ref, an in-flight request, a pending completion, or a handle
// waiting to finish closing.
func (l *Loop) Alive() bool {
	return l.activeRefs > 0 ||
		l.activeReqs > 0 ||
		l.pending.Length() != 0 ||
		l.closing.Length() != 0
}

// Stop makes the current (or next) [Loop.Run] return after the iteration in
// progress.
func (l *Loop) Stop() {
	l.stopFlag = true
}

// Handle returns the live handle with the given ID, or nil.
func (l *Loop) Handle(id HandleID) Handle {
	return l.arena.get(id)
}

// Walk calls fn for each handle that has not been closed yet, including
// handles that are closing. Handles created or closed by fn do not affect
// the walk.
func (l *Loop) Walk(fn func(h Handle)) {
	handles := l.arena.snapshot(nil)
	for _, h := range handles {
		fn(h)
	}
}

// Close closes every remaining handle (with [NopClose] where none was
// requested), runs their outstanding completions and close callbacks, then
// releases the poller. It fails while the loop is running. If one of those
// callbacks panicked, the loop is still closed, and the first panic is
// returned as a [PanicError].
func (l *Loop) Close() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	if l.closed {
		return ErrLoopClosed
	}

	var forced int
	l.Walk(func(h Handle) {
		if !h.IsClosing() {
			_ = h.Close(NopClose)
			forced++
		}
	})
	if forced != 0 {
		l.logger.Debug().
			Int(`handles`, forced).
			Log(`loop close forced handle closure`)
	}

	for l.pending.Length() != 0 || l.closing.Length() != 0 {
		l.runPending()
		l.runClosing()
	}
	var err error
	if p := l.panicked; p != nil {
		l.panicked = nil
		err = *p
	}

	l.closed = true
	l.timers = nil
	l.idles = nil
	l.asyncs = nil

	if cerr := l.poller.Close(); cerr != nil {
		err = errors.Join(err, newOpError("loop close", cerr))
	}
	return err
}

// register attaches a new handle to the loop.
func (l *Loop) register(h Handle, kind HandleKind) error {
	if l.closed {
		return ErrLoopClosed
	}
	b := h.base()
	b.loop = l
	b.self = h
	b.kind = kind
	b.state = HandleCreated
	b.id = l.arena.insert(h)
	return nil
}

// queueCompletion schedules fn for the next pending phase.
func (l *Loop) queueCompletion(fn func()) {
	l.pending.Add(fn)
}

// invoke runs a user callback, converting a panic into l.panicked. It
// returns false if the callback panicked.
func (l *Loop) invoke(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err := PanicError{Value: r, Stack: stack()}
			l.logger.Err().
				Any(`panic`, r).
				Log(`callback panicked`)
			if l.panicked == nil {
				l.panicked = &err
			}
			ok = false
		}
	}()
	l.metrics.callback(l.phase)
	fn()
	return true
}

// warn returns a warning builder, or nil if category is being throttled.
func (l *Loop) warn(category any) *logiface.Builder[logiface.Event] {
	if l.logger == nil {
		return nil
	}
	if _, ok := l.limiter.Allow(category); !ok {
		return nil
	}
	return l.logger.Warning()
}

func (l *Loop) nextTimerSeq() uint64 {
	l.timerSeq++
	return l.timerSeq
}

// backendTimeout computes the wait timeout for the next iteration.
func (l *Loop) backendTimeout(mode RunMode) time.Duration {
	if mode == RunNoWait || l.stopFlag || l.ctxDone.Load() {
		return 0
	}
	if len(l.idles) != 0 || l.pending.Length() != 0 || l.closing.Length() != 0 {
		return 0
	}
	if l.asyncPending.Load() {
		return 0
	}
	if len(l.timers) == 0 {
		return -1
	}
	if d := l.timers[0].due - l.now; d > 0 {
		return d
	}
	return 0
}

// runIdles invokes each active idle handle once, in start order.
func (l *Loop) runIdles() {
	l.phase = phaseIdle
	if len(l.idles) == 0 {
		return
	}
	idles := append([]*Idle(nil), l.idles...)
	for _, idle := range idles {
		if idle.state != HandleActive {
			continue
		}
		cb := idle.cb
		if !l.invoke(func() { cb(idle) }) {
			return
		}
	}
}

// runTimers fires every due timer, ordered by due time then start order.
// Timers started during this phase wait for the next iteration.
func (l *Loop) runTimers() {
	l.phase = phaseTimer
	limit := l.timerSeq
	for len(l.timers) != 0 {
		t := l.timers[0]
		if t.due > l.now || t.seq > limit {
			return
		}
		heap.Pop(&l.timers)
		if t.repeat > 0 {
			t.due = l.now + t.repeat
			t.seq = l.nextTimerSeq()
			heap.Push(&l.timers, t)
		} else {
			t.deactivate()
		}
		cb := t.cb
		if !l.invoke(func() { cb(t) }) {
			return
		}
	}
}

// runPending runs the completions queued before this phase began.
func (l *Loop) runPending() {
	l.phase = phasePending
	for n := l.pending.Length(); n > 0; n-- {
		fn := l.pending.Remove().(func())
		if !l.invoke(fn) {
			return
		}
	}
}

// dispatchIO delivers readiness to the owning handles.
func (l *Loop) dispatchIO(n int) {
	l.phase = phaseIO
	for i := 0; i < n; i++ {
		r := l.ready[i]
		id, ok := l.fds[r.FD]
		if !ok {
			// unregistered by an earlier callback this iteration
			continue
		}
		h, ok := l.arena.get(id).(ioHandle)
		if !ok {
			continue
		}
		h.onReady(r.Events)
		if l.panicked != nil {
			return
		}
	}
}

// runAsyncs invokes the callback of each async handle with a pending send.
func (l *Loop) runAsyncs() {
	l.phase = phaseAsync
	if !l.asyncPending.Swap(false) {
		return
	}
	asyncs := append([]*Async(nil), l.asyncs...)
	for i, a := range asyncs {
		if a.state >= HandleClosing || !a.pending.Swap(false) {
			continue
		}
		cb := a.cb
		if !l.invoke(func() { cb(a) }) {
			for _, rest := range asyncs[i+1:] {
				if rest.pending.Load() {
					l.asyncPending.Store(true)
					break
				}
			}
			return
		}
	}
}

// runClosing releases every handle queued for closing before this phase
// began, then invokes its close callback. A panicking close callback does
// not prevent the remaining handles from closing.
func (l *Loop) runClosing() {
	l.phase = phaseClose
	for n := l.closing.Length(); n > 0; n-- {
		h := l.closing.Remove().(Handle)
		b := h.base()
		h.finishClose()
		l.arena.remove(b.id)
		b.state = HandleClosed
		cb := b.onClose
		b.onClose = nil
		l.logger.Trace().
			Str(`kind`, b.kind.String()).
			Uint64(`id`, uint64(b.id)).
			Log(`handle closed`)
		l.invoke(func() { cb(h) })
	}
}

// ioHandle is implemented by handles registered with the poller.
type ioHandle interface {
	onReady(events IOEvents)
}
