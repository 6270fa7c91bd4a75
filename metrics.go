package reactor

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of loop statistics, returned by [Loop.Metrics] when
// the loop was created [WithMetrics].
//
// Example:
//
//	loop, _ := New(WithMetrics(true))
//	_ = loop.Run(ctx, RunDefault)
//	stats := loop.Metrics()
//	fmt.Printf("iterations: %d, p99 dispatch: %v\n",
//		stats.Iterations, stats.Dispatch.P99)
type Metrics struct {
	// Wait is the time spent blocked in the poller, per iteration.
	Wait LatencyMetrics

	// Dispatch is the time spent running phases after the wait, per
	// iteration, including the close phase.
	Dispatch LatencyMetrics

	// Pending is the depth of the completion queue when each iteration's
	// wait returns.
	Pending QueueMetrics

	// Closing is the depth of the close queue when each iteration's close
	// phase begins.
	Closing QueueMetrics

	// Callbacks counts the user callbacks invoked, by phase.
	Callbacks PhaseCounts

	// Iterations is the number of completed iterations.
	Iterations uint64

	// IterationsPerSecond is averaged over a rolling ten second window.
	IterationsPerSecond float64
}

// LatencyMetrics summarizes the most recent samples of a duration.
type LatencyMetrics struct {
	P50  time.Duration
	P90  time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration
	Mean time.Duration

	// Samples is the number of samples the summary was computed from.
	Samples int
}

// QueueMetrics tracks the depth of a queue.
type QueueMetrics struct {
	Current int
	Max     int

	// Avg is an exponential moving average with alpha=0.1, initialized to
	// the first observed depth.
	Avg float64
}

// PhaseCounts counts invoked callbacks per iteration phase.
type PhaseCounts struct {
	Idle    uint64
	Timer   uint64
	Pending uint64
	IO      uint64
	Async   uint64
	Close   uint64
}

type loopPhase uint8

const (
	phaseIdle loopPhase = iota
	phaseTimer
	phasePending
	phaseIO
	phaseAsync
	phaseClose
	phaseCount
)

const (
	// sampleSize is the number of latency samples retained.
	sampleSize = 1000

	metricsWindow = 10 * time.Second
	metricsBucket = 100 * time.Millisecond
)

// metricsRecorder collects the statistics behind [Loop.Metrics]. Recording
// happens on the loop goroutine, snapshots may be taken from any goroutine.
// A nil recorder records nothing.
type metricsRecorder struct {
	mu         sync.Mutex
	wait       latencySampler
	dispatch   latencySampler
	pending    QueueMetrics
	closing    QueueMetrics
	rate       rateCounter
	iterations uint64
	pendingOK  bool
	closingOK  bool
	callbacks  [phaseCount]atomic.Uint64
}

func newMetricsRecorder(now time.Time) *metricsRecorder {
	return &metricsRecorder{rate: newRateCounter(now, metricsWindow, metricsBucket)}
}

func (x *metricsRecorder) callback(phase loopPhase) {
	if x == nil {
		return
	}
	x.callbacks[phase].Add(1)
}

func (x *metricsRecorder) iteration(now time.Time, wait, dispatch time.Duration, pending, closing int) {
	if x == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.wait.record(wait)
	x.dispatch.record(dispatch)
	observeDepth(&x.pending, &x.pendingOK, pending)
	observeDepth(&x.closing, &x.closingOK, closing)
	x.rate.add(now)
	x.iterations++
}

func (x *metricsRecorder) snapshot(now time.Time) *Metrics {
	if x == nil {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return &Metrics{
		Wait:     x.wait.summary(),
		Dispatch: x.dispatch.summary(),
		Pending:  x.pending,
		Closing:  x.closing,
		Callbacks: PhaseCounts{
			Idle:    x.callbacks[phaseIdle].Load(),
			Timer:   x.callbacks[phaseTimer].Load(),
			Pending: x.callbacks[phasePending].Load(),
			IO:      x.callbacks[phaseIO].Load(),
			Async:   x.callbacks[phaseAsync].Load(),
			Close:   x.callbacks[phaseClose].Load(),
		},
		Iterations:          x.iterations,
		IterationsPerSecond: x.rate.perSecond(now),
	}
}

func observeDepth(q *QueueMetrics, initialized *bool, depth int) {
	q.Current = depth
	if depth > q.Max {
		q.Max = depth
	}
	if !*initialized {
		q.Avg = float64(depth)
		*initialized = true
	} else {
		q.Avg = 0.9*q.Avg + 0.1*float64(depth)
	}
}

// latencySampler is a rolling buffer of the last sampleSize durations.
type latencySampler struct {
	samples [sampleSize]time.Duration
	sum     time.Duration
	idx     int
	count   int
}

func (s *latencySampler) record(d time.Duration) {
	// if the buffer is full, drop the sample being replaced from the sum
	if s.count >= sampleSize {
		s.sum -= s.samples[s.idx]
	}
	s.samples[s.idx] = d
	s.sum += d
	s.idx++
	if s.idx >= sampleSize {
		s.idx = 0
	}
	if s.count < sampleSize {
		s.count++
	}
}

func (s *latencySampler) summary() LatencyMetrics {
	if s.count == 0 {
		return LatencyMetrics{}
	}
	sorted := slices.Clone(s.samples[:s.count])
	slices.Sort(sorted)
	return LatencyMetrics{
		P50:     sorted[percentileIndex(s.count, 50)],
		P90:     sorted[percentileIndex(s.count, 90)],
		P95:     sorted[percentileIndex(s.count, 95)],
		P99:     sorted[percentileIndex(s.count, 99)],
		Max:     sorted[s.count-1],
		Mean:    s.sum / time.Duration(s.count),
		Samples: s.count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// rateCounter counts events over a rolling window of fixed-size buckets.
// The rate is zero until the first event, and reflects the whole window
// thereafter.
type rateCounter struct {
	last    time.Time
	buckets []int64
	bucket  time.Duration
	window  time.Duration
}

func newRateCounter(now time.Time, window, bucket time.Duration) rateCounter {
	n := int(window / bucket)
	if n < 1 {
		n = 1
	}
	return rateCounter{
		last:    now,
		buckets: make([]int64, n),
		bucket:  bucket,
		window:  window,
	}
}

// rotate advances the buckets to now.
func (c *rateCounter) rotate(now time.Time) {
	advance := int(now.Sub(c.last) / c.bucket)
	if advance <= 0 {
		return
	}
	if advance >= len(c.buckets) {
		clear(c.buckets)
		c.last = now
		return
	}
	copy(c.buckets, c.buckets[advance:])
	clear(c.buckets[len(c.buckets)-advance:])
	c.last = c.last.Add(time.Duration(advance) * c.bucket)
}

func (c *rateCounter) add(now time.Time) {
	c.rotate(now)
	c.buckets[len(c.buckets)-1]++
}

func (c *rateCounter) perSecond(now time.Time) float64 {
	c.rotate(now)
	var sum int64
	for _, n := range c.buckets {
		sum += n
	}
	return float64(sum) / c.window.Seconds()
}
