//go:build linux || darwin

package reactor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// scriptedPoller is a Poller driven by canned readiness batches. Each Wait
// consumes one batch, or returns zero entries when the script is empty.
type scriptedPoller struct {
	mu       sync.Mutex
	fds      map[int]IOEvents
	script   [][]Readiness
	timeouts []time.Duration
	wakes    int
	closed   bool
	waitErr  error
}

func newScriptedPoller() *scriptedPoller {
	return &scriptedPoller{fds: make(map[int]IOEvents)}
}

func (p *scriptedPoller) push(batch ...Readiness) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, batch)
}

func (p *scriptedPoller) interest(fd int) (IOEvents, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	events, ok := p.fds[fd]
	return events, ok
}

func (p *scriptedPoller) Register(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = events
	return nil
}

func (p *scriptedPoller) Modify(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	p.fds[fd] = events
	return nil
}

func (p *scriptedPoller) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	return nil
}

func (p *scriptedPoller) Wait(timeout time.Duration, ready []Readiness) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, timeout)
	if p.waitErr != nil {
		return 0, p.waitErr
	}
	if len(p.script) == 0 {
		return 0, nil
	}
	batch := p.script[0]
	p.script = p.script[1:]
	return copy(ready, batch), nil
}

func (p *scriptedPoller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakes++
	return nil
}

func (p *scriptedPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPollerClosed
	}
	p.closed = true
	return nil
}

func (p *scriptedPoller) lastTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeouts[len(p.timeouts)-1]
}

// newTestLoop creates a loop that is closed when the test ends.
func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	l, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := l.Close(); err != nil && !errors.Is(err, ErrLoopClosed) {
			t.Errorf("loop close: %v", err)
		}
	})
	return l
}

// runUntil runs single iterations until cond holds, failing the test after
// a few seconds.
func runUntil(t *testing.T, l *Loop, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for !cond() {
		if err := l.Run(ctx, RunOnce); err != nil {
			t.Fatalf("run: %v", err)
		}
		if !l.Alive() && !cond() {
			t.Fatal("loop is no longer alive")
		}
	}
}

// runDefault runs the loop to completion, failing the test after a few
// seconds.
func runDefault(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx, RunDefault))
}

func newBufferLogger(buf *bytes.Buffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}

// socketPair returns a connected pair of unix stream sockets, closed when
// the test ends.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// requireKind asserts err is an OpError of the given kind and errno.
func requireKind(t *testing.T, err error, kind ErrorKind, errno unix.Errno) {
	t.Helper()
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, kind, opErr.Kind, "error: %v", err)
	if errno != 0 {
		require.Equal(t, errno, opErr.Errno, "error: %v", err)
	}
	require.ErrorIs(t, err, kind.sentinel())
}
