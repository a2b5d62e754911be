package cluster

import (
	"sync"
	"time"
)

// latencyWindow keeps store latencies of the last window so the heartbeat
// reports recent load rather than a lifetime average.
type latencyWindow struct {
	mu      sync.Mutex
	window  time.Duration
	samples []latencySample
}

type latencySample struct {
	at time.Time
	d  time.Duration
}

func newLatencyWindow(window time.Duration) *latencyWindow {
	return &latencyWindow{window: window, samples: make([]latencySample, 0, 128)}
}

// Record adds a sample taken now.
func (w *latencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	w.samples = append(w.samples, latencySample{at: time.Now(), d: d})
	w.mu.Unlock()
}

// Avg returns the mean latency in milliseconds and the number of samples
// still inside the window. Older samples are dropped.
func (w *latencyWindow) Avg() (avgMs float64, count int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-w.window)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
	if len(w.samples) == 0 {
		return 0, 0
	}

	var total time.Duration
	for _, s := range w.samples {
		total += s.d
	}
	return float64(total.Microseconds()) / 1000 / float64(len(w.samples)), len(w.samples)
}
