//go:build linux || darwin

package reactor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pipePath returns a socket path in a fresh directory, kept short for the
// sun_path limit.
func pipePath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "reactor")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

// pipePair returns both ends of a connection accepted by a pipe listener,
// which is closed after accepting.
func pipePair(t *testing.T, l *Loop) (server, client *Stream) {
	t.Helper()
	name := pipePath(t)

	listener, err := l.NewPipe()
	require.NoError(t, err)
	lp, _ := listener.Pipe()
	require.NoError(t, lp.Bind(name))
	require.NoError(t, listener.Listen(0, func(ls, c *Stream, err error) {
		require.NoError(t, err)
		server = c
		require.NoError(t, ls.Close(NopClose))
	}))

	client, err = l.NewPipe()
	require.NoError(t, err)
	cp, _ := client.Pipe()
	var connected bool
	require.NoError(t, cp.Connect(name, func(_ *Stream, err error) {
		require.NoError(t, err)
		connected = true
	}))
	runUntil(t, l, func() bool { return server != nil && connected })
	return server, client
}

func TestStream_WriteThenShutdownDeliversExactBytes(t *testing.T) {
	l := newTestLoop(t, WithReadBufferSize(4096), WithMaxReadsPerEvent(4))
	server, client := pipePair(t, l)
	assert.True(t, client.IsWritable())
	assert.True(t, server.IsReadable())

	payload := make([]byte, 2<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	var (
		got   []byte
		eofs  int
		reads int
	)
	require.NoError(t, server.ReadStart(func(s *Stream, r ReadResult) {
		if r.EOF() {
			eofs++
			assert.False(t, s.IsReadable())
			require.NoError(t, s.Close(NopClose))
			return
		}
		require.NoError(t, r.Err)
		require.NotEmpty(t, r.Data)
		reads++
		got = append(got, r.Data...)
	}))
	assert.True(t, server.IsActive())

	const chunks = 32
	size := len(payload) / chunks
	var completed []int
	for i := 0; i < chunks; i++ {
		require.NoError(t, client.Write(payload[i*size:(i+1)*size], func(_ *Stream, err error) {
			require.NoError(t, err)
			completed = append(completed, i)
		}))
	}

	var shutdowns int
	require.NoError(t, client.Shutdown(func(s *Stream, err error) {
		require.NoError(t, err)
		shutdowns++
		// every write completed first
		assert.Len(t, completed, chunks)
		assert.Equal(t, 0, s.WriteQueueSize())
		require.NoError(t, s.Close(NopClose))
	}))
	assert.False(t, client.IsWritable())
	requireKind(t, client.Write([]byte("late"), func(*Stream, error) {}), InvalidState, unix.EPIPE)
	requireKind(t, client.Shutdown(func(*Stream, error) {}), InvalidState, unix.EALREADY)

	runDefault(t, l)

	assert.Equal(t, payload, got)
	assert.Greater(t, reads, 1)
	assert.Equal(t, 1, eofs)
	assert.Equal(t, 1, shutdowns)
	expected := make([]int, chunks)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, completed)
	assert.Equal(t, 0, l.activeReqs)
}

func TestStream_CloseCancelsQueuedWrites(t *testing.T) {
	l := newTestLoop(t)
	_, client := pipePair(t, l)

	var order []string
	var errs []error
	record := func(name string) WriteCallback {
		return func(_ *Stream, err error) {
			order = append(order, name)
			errs = append(errs, err)
		}
	}
	// the peer never reads, so most of this stays queued
	require.NoError(t, client.Write(make([]byte, 16<<20), record("big")))
	require.NoError(t, client.Write([]byte("tail"), record("tail")))
	assert.Greater(t, client.WriteQueueSize(), 4)
	var shutdownErr error
	require.NoError(t, client.Shutdown(func(_ *Stream, err error) {
		order = append(order, "shutdown")
		shutdownErr = err
	}))

	require.NoError(t, client.Close(func(Handle) { order = append(order, "close") }))
	runDefault(t, l)

	assert.Equal(t, []string{"big", "tail", "shutdown", "close"}, order)
	for _, err := range errs {
		requireKind(t, err, OperationFailed, unix.ECANCELED)
	}
	requireKind(t, shutdownErr, OperationFailed, unix.ECANCELED)
	assert.Equal(t, 0, client.WriteQueueSize())
	assert.Equal(t, -1, client.FD())
	assert.Equal(t, 0, l.activeReqs)
}

func TestStream_ReadStop(t *testing.T) {
	l := newTestLoop(t)
	server, client := pipePair(t, l)

	var got []byte
	require.NoError(t, server.ReadStart(func(s *Stream, r ReadResult) {
		require.NoError(t, r.Err)
		got = append(got, r.Data...)
		require.NoError(t, s.ReadStop())
	}))
	require.NoError(t, client.Write([]byte("one"), func(*Stream, error) {}))
	runUntil(t, l, func() bool { return len(got) != 0 })
	assert.Equal(t, "one", string(got))
	assert.False(t, server.IsActive())

	// unread data stays in the socket
	require.NoError(t, client.Write([]byte("two"), func(*Stream, error) {}))
	runDefault(t, l)
	assert.Equal(t, "one", string(got))

	require.NoError(t, server.ReadStart(func(s *Stream, r ReadResult) {
		require.NoError(t, r.Err)
		got = append(got, r.Data...)
		require.NoError(t, s.ReadStop())
	}))
	runUntil(t, l, func() bool { return len(got) == 6 })
	assert.Equal(t, "onetwo", string(got))
}

func TestStream_PeerClosed(t *testing.T) {
	l := newTestLoop(t)
	server, client := pipePair(t, l)

	var results []ReadResult
	require.NoError(t, server.ReadStart(func(_ *Stream, r ReadResult) {
		results = append(results, r)
	}))
	require.NoError(t, client.Close(NopClose))
	runDefault(t, l)

	require.Len(t, results, 1)
	assert.True(t, results[0].EOF())
	assert.Equal(t, EndOfStream, KindOf(results[0].Err))
	assert.False(t, server.IsActive())

	// reading can be restarted, and reports end-of-stream again
	require.NoError(t, server.ReadStart(func(_ *Stream, r ReadResult) {
		results = append(results, r)
	}))
	runDefault(t, l)
	require.Len(t, results, 2)
	assert.True(t, results[1].EOF())
}

func TestStream_InvalidOperations(t *testing.T) {
	l := newTestLoop(t)
	s, err := l.NewPipe()
	require.NoError(t, err)
	assert.Equal(t, -1, s.FD())
	assert.Equal(t, TransportPipe, s.Transport())
	_, ok := s.TCP()
	assert.False(t, ok)
	assert.False(t, s.IsReadable())
	assert.False(t, s.IsWritable())

	nopWrite := func(*Stream, error) {}
	requireKind(t, s.Write(nil, nopWrite), InvalidArgument, unix.EINVAL)
	requireKind(t, s.Write([]byte("x"), nil), InvalidArgument, unix.EINVAL)
	requireKind(t, s.Write([]byte("x"), nopWrite), InvalidState, unix.ENOTCONN)
	requireKind(t, s.ReadStart(nil), InvalidArgument, unix.EINVAL)
	requireKind(t, s.ReadStart(func(*Stream, ReadResult) {}), InvalidState, unix.ENOTCONN)
	requireKind(t, s.Shutdown(nopWrite), InvalidState, unix.ENOTCONN)
	requireKind(t, s.Listen(0, func(_, _ *Stream, _ error) {}), InvalidState, unix.EINVAL)
	requireKind(t, s.Listen(0, nil), InvalidArgument, unix.EINVAL)

	_, err = s.SendBufferSize()
	requireKind(t, err, InvalidState, unix.EBADF)
	requireKind(t, s.SetReceiveBufferSize(0), InvalidArgument, unix.EINVAL)
	requireKind(t, s.SetReceiveBufferSize(4096), InvalidState, unix.EBADF)

	require.NoError(t, s.ReadStop())
	require.NoError(t, s.Close(NopClose))
	requireKind(t, s.Write([]byte("x"), nopWrite), InvalidState, unix.EINVAL)
	requireKind(t, s.ReadStop(), InvalidState, unix.EINVAL)
	p, _ := s.Pipe()
	requireKind(t, p.Bind(pipePath(t)), InvalidState, unix.EINVAL)
}

func TestStream_ConnectFailureIsAsynchronous(t *testing.T) {
	l := newTestLoop(t)
	s, err := l.NewPipe()
	require.NoError(t, err)
	p, _ := s.Pipe()

	var connectErr error
	var calls int
	require.NoError(t, p.Connect(pipePath(t), func(_ *Stream, err error) {
		calls++
		connectErr = err
	}))
	assert.Equal(t, 0, calls)
	assert.True(t, l.Alive())

	runDefault(t, l)
	assert.Equal(t, 1, calls)
	requireKind(t, connectErr, OperationFailed, unix.ENOENT)
	assert.False(t, s.IsWritable())
	require.NoError(t, s.Close(NopClose))
}

func TestStream_BufferSizes(t *testing.T) {
	l := newTestLoop(t)
	_, client := pipePair(t, l)

	require.NoError(t, client.SetSendBufferSize(64*1024))
	size, err := client.SendBufferSize()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, 64*1024)

	require.NoError(t, client.SetReceiveBufferSize(32*1024))
	size, err = client.ReceiveBufferSize()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, 32*1024)
}

func TestTransportKind_String(t *testing.T) {
	assert.Equal(t, "tcp", TransportTCP.String())
	assert.Equal(t, "pipe", TransportPipe.String())
	assert.Equal(t, "unknown", TransportKind(0).String())
}

func TestStream_CloseDeliversDueCompletionsFirst(t *testing.T) {
	l := newTestLoop(t)
	_, client := pipePair(t, l)

	var order []string
	var errs []error
	record := func(name string) WriteCallback {
		return func(_ *Stream, err error) {
			order = append(order, name)
			errs = append(errs, err)
		}
	}
	// async callbacks run after the pending phase, so the first write's
	// completion is still queued when the stream closes
	async, err := l.NewAsync(func(a *Async) {
		require.NoError(t, client.Write([]byte("small"), record("small")))
		require.NoError(t, client.Write(make([]byte, 16<<20), record("big")))
		require.NoError(t, client.Close(func(Handle) { order = append(order, "close") }))
		require.NoError(t, a.Close(NopClose))
	})
	require.NoError(t, err)
	require.NoError(t, async.Send())
	runDefault(t, l)

	assert.Equal(t, []string{"small", "big", "close"}, order)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	requireKind(t, errs[1], OperationFailed, unix.ECANCELED)
	assert.Equal(t, 0, l.activeReqs)
}

func TestStream_CloseAfterShutdownDeliversShutdownFirst(t *testing.T) {
	l := newTestLoop(t)
	_, client := pipePair(t, l)

	var order []string
	var shutdownErr error
	async, err := l.NewAsync(func(a *Async) {
		require.NoError(t, client.Shutdown(func(_ *Stream, err error) {
			order = append(order, "shutdown")
			shutdownErr = err
		}))
		require.NoError(t, client.Close(func(Handle) { order = append(order, "close") }))
		require.NoError(t, a.Close(NopClose))
	})
	require.NoError(t, err)
	require.NoError(t, async.Send())
	runDefault(t, l)

	assert.Equal(t, []string{"shutdown", "close"}, order)
	assert.NoError(t, shutdownErr)
	assert.Equal(t, 0, l.activeReqs)
}
