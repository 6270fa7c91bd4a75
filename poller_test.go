//go:build linux || darwin

package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPoller_WakeInterruptsWait(t *testing.T) {
	p, err := newDefaultPoller(8)
	require.NoError(t, err)
	defer p.Close()

	ready := make([]Readiness, 8)
	require.NoError(t, p.Wake())
	require.NoError(t, p.Wake())
	start := time.Now()
	n, err := p.Wait(-1, ready)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Less(t, time.Since(start), time.Second)

	// both wakes were drained by the first wait
	n, err = p.Wait(0, ready)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDefaultPoller_WakeAfterClose(t *testing.T) {
	p, err := newDefaultPoller(8)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Wake(), ErrPollerClosed)
	assert.NoError(t, p.Close())
	_, err = p.Wait(0, make([]Readiness, 8))
	assert.ErrorIs(t, err, ErrPollerClosed)
}

func TestDefaultPoller_WakeRacesClose(t *testing.T) {
	p, err := newDefaultPoller(8)
	require.NoError(t, err)

	const senders = 4
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := p.Wake(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close())
	wg.Wait()
	close(errs)

	var count int
	for err := range errs {
		assert.ErrorIs(t, err, ErrPollerClosed)
		count++
	}
	assert.Equal(t, senders, count)
}
