package audio

import "time"

// LatencyWindow keeps a rolling average over the most recent samples.
// It is not safe for concurrent use; callers hold the owning session's lock.
type LatencyWindow struct {
	samples []time.Duration
	next    int
	filled  bool
	sum     time.Duration
	last    time.Duration
}

// NewLatencyWindow creates a window of size n.
func NewLatencyWindow(n int) *LatencyWindow {
	if n < 1 {
		n = 1
	}
	return &LatencyWindow{samples: make([]time.Duration, n)}
}

// Add records a sample. Negative samples are ignored.
func (w *LatencyWindow) Add(d time.Duration) {
	if d < 0 {
		return
	}
	w.sum -= w.samples[w.next]
	w.samples[w.next] = d
	w.sum += d
	w.last = d

	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// Count returns how many samples the average covers.
func (w *LatencyWindow) Count() int {
	if w.filled {
		return len(w.samples)
	}
	return w.next
}

// Average returns the mean of the retained samples.
func (w *LatencyWindow) Average() time.Duration {
	n := w.Count()
	if n == 0 {
		return 0
	}
	return w.sum / time.Duration(n)
}

// Last returns the most recent sample.
func (w *LatencyWindow) Last() time.Duration {
	return w.last
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
