//go:build linux || darwin

package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_MetricsDisabled(t *testing.T) {
	l := newTestLoop(t, WithPoller(newScriptedPoller()))
	assert.False(t, l.Config().Metrics)
	assert.Nil(t, l.Metrics())

	timer, err := l.NewTimer()
	require.NoError(t, err)
	require.NoError(t, timer.Start(func(*Timer) {}, 0, 0))
	runDefault(t, l)
	assert.Nil(t, l.Metrics())
}

func TestLoop_MetricsIterations(t *testing.T) {
	l := newTestLoop(t, WithPoller(newScriptedPoller()), WithMetrics(true))
	assert.True(t, l.Config().Metrics)

	stats := l.Metrics()
	require.NotNil(t, stats)
	assert.Zero(t, stats.Iterations)
	assert.Zero(t, stats.Wait.Samples)

	// iteration 1: idle, timer, async, then the async closes
	// iteration 2: idle, two completions
	// iteration 3: idle, then the idle closes
	var idleCalls int
	idle, err := l.NewIdle()
	require.NoError(t, err)
	require.NoError(t, idle.Start(func(i *Idle) {
		idleCalls++
		if idleCalls == 3 {
			require.NoError(t, i.Close(NopClose))
		}
	}))
	timer, err := l.NewTimer()
	require.NoError(t, err)
	require.NoError(t, timer.Start(func(*Timer) {}, 0, 0))
	async, err := l.NewAsync(func(a *Async) {
		// the pending phase has already run this iteration
		l.queueCompletion(func() {})
		l.queueCompletion(func() {})
		require.NoError(t, a.Close(NopClose))
	})
	require.NoError(t, err)
	require.NoError(t, async.Send())

	runDefault(t, l)

	stats = l.Metrics()
	require.NotNil(t, stats)
	assert.Equal(t, uint64(3), stats.Iterations)
	assert.Equal(t, PhaseCounts{
		Idle:    3,
		Timer:   1,
		Pending: 2,
		Async:   1,
		Close:   2,
	}, stats.Callbacks)

	assert.Equal(t, 0, stats.Pending.Current)
	assert.Equal(t, 2, stats.Pending.Max)
	assert.InDelta(t, 0.18, stats.Pending.Avg, 1e-9)

	assert.Equal(t, 1, stats.Closing.Current)
	assert.Equal(t, 1, stats.Closing.Max)
	assert.InDelta(t, 0.91, stats.Closing.Avg, 1e-9)

	for _, latency := range []LatencyMetrics{stats.Wait, stats.Dispatch} {
		assert.Equal(t, 3, latency.Samples)
		assert.LessOrEqual(t, latency.P50, latency.Max)
		assert.LessOrEqual(t, latency.P99, latency.Max)
	}
	assert.Positive(t, stats.IterationsPerSecond)
}

func TestLoop_MetricsWaitLatency(t *testing.T) {
	l := newTestLoop(t, WithMetrics(true))
	timer, err := l.NewTimer()
	require.NoError(t, err)
	require.NoError(t, timer.Start(func(*Timer) {}, 30*time.Millisecond, 0))
	runDefault(t, l)

	stats := l.Metrics()
	require.NotNil(t, stats)
	assert.Equal(t, uint64(1), stats.Callbacks.Timer)
	assert.GreaterOrEqual(t, stats.Wait.Max, 20*time.Millisecond)
	assert.GreaterOrEqual(t, stats.Wait.Max, stats.Dispatch.Max)
}

func TestLoop_MetricsConcurrentSnapshot(t *testing.T) {
	l := newTestLoop(t, WithMetrics(true))
	var fired int
	timer, err := l.NewTimer()
	require.NoError(t, err)
	require.NoError(t, timer.Start(func(tm *Timer) {
		fired++
		if fired == 20 {
			_ = tm.Stop()
		}
	}, time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if stats := l.Metrics(); stats == nil {
				t.Error("nil metrics")
				return
			}
		}
	}()
	runDefault(t, l)
	cancel()
	wg.Wait()

	stats := l.Metrics()
	assert.Equal(t, uint64(20), stats.Callbacks.Timer)
	assert.GreaterOrEqual(t, stats.Iterations, uint64(20))
}

func TestLatencySampler(t *testing.T) {
	var s latencySampler
	assert.Equal(t, LatencyMetrics{}, s.summary())

	for i := 1; i <= 100; i++ {
		s.record(time.Duration(i) * time.Millisecond)
	}
	summary := s.summary()
	assert.Equal(t, 100, summary.Samples)
	assert.Equal(t, 51*time.Millisecond, summary.P50)
	assert.Equal(t, 91*time.Millisecond, summary.P90)
	assert.Equal(t, 96*time.Millisecond, summary.P95)
	assert.Equal(t, 100*time.Millisecond, summary.P99)
	assert.Equal(t, 100*time.Millisecond, summary.Max)
	assert.Equal(t, 50500*time.Microsecond, summary.Mean)
}

func TestLatencySampler_Rolls(t *testing.T) {
	var s latencySampler
	for i := 0; i < sampleSize; i++ {
		s.record(time.Hour)
	}
	for i := 0; i < sampleSize; i++ {
		s.record(time.Millisecond)
	}
	summary := s.summary()
	assert.Equal(t, sampleSize, summary.Samples)
	assert.Equal(t, time.Millisecond, summary.Max)
	assert.Equal(t, time.Millisecond, summary.Mean)
}

func TestPercentileIndex(t *testing.T) {
	for _, tc := range []struct {
		n, p, want int
	}{
		{1, 50, 0},
		{1, 99, 0},
		{10, 50, 5},
		{10, 100, 9},
		{1000, 99, 990},
	} {
		assert.Equal(t, tc.want, percentileIndex(tc.n, tc.p), "n=%d p=%d", tc.n, tc.p)
	}
}

func TestObserveDepth(t *testing.T) {
	var (
		q  QueueMetrics
		ok bool
	)
	observeDepth(&q, &ok, 10)
	assert.Equal(t, QueueMetrics{Current: 10, Max: 10, Avg: 10}, q)
	observeDepth(&q, &ok, 0)
	assert.Equal(t, 0, q.Current)
	assert.Equal(t, 10, q.Max)
	assert.InDelta(t, 9, q.Avg, 1e-9)
}

func TestRateCounter(t *testing.T) {
	start := time.Unix(0, 0)
	c := newRateCounter(start, time.Second, 100*time.Millisecond)
	assert.Len(t, c.buckets, 10)
	assert.Zero(t, c.perSecond(start))

	for i := 0; i < 5; i++ {
		c.add(start.Add(50 * time.Millisecond))
	}
	for i := 0; i < 5; i++ {
		c.add(start.Add(550 * time.Millisecond))
	}
	assert.InDelta(t, 10, c.perSecond(start.Add(900*time.Millisecond)), 1e-9)

	// the first five fall out of the window
	assert.InDelta(t, 5, c.perSecond(start.Add(1050*time.Millisecond)), 1e-9)

	// a gap longer than the window clears everything
	assert.Zero(t, c.perSecond(start.Add(time.Minute)))
	c.add(start.Add(time.Minute))
	assert.InDelta(t, 1, c.perSecond(start.Add(time.Minute)), 1e-9)
}

func TestRateCounter_Degenerate(t *testing.T) {
	start := time.Unix(0, 0)
	c := newRateCounter(start, time.Millisecond, time.Second)
	assert.Len(t, c.buckets, 1)
	c.add(start)
	assert.InDelta(t, 1000, c.perSecond(start), 1e-9)
}
