package util

import (
	"math"
	"sort"
	"sync"
)

// LatencyWindow is a fixed-capacity ring of duration samples (milliseconds)
// used for rolling average and percentile reporting.
type LatencyWindow struct {
	mu   sync.Mutex
	buf  []float64
	head int
	size int
}

// NewLatencyWindow creates a window holding up to capacity samples.
func NewLatencyWindow(capacity int) *LatencyWindow {
	if capacity <= 0 {
		capacity = 100
	}
	return &LatencyWindow{buf: make([]float64, capacity)}
}

// Observe records one latency sample, evicting the oldest when full.
func (w *LatencyWindow) Observe(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.head] = ms
	w.head = (w.head + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

// Avg returns the mean of the stored samples, or 0 when empty.
func (w *LatencyWindow) Avg() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.size; i++ {
		sum += w.buf[i]
	}
	return sum / float64(w.size)
}

// Percentile returns the p-th percentile (0 < p <= 100) using the
// nearest-rank method, or 0 when empty.
func (w *LatencyWindow) Percentile(p float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size == 0 {
		return 0
	}
	tmp := make([]float64, w.size)
	copy(tmp, w.buf[:w.size])
	sort.Float64s(tmp)
	rank := int(math.Ceil(p/100*float64(w.size))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= w.size {
		rank = w.size - 1
	}
	return tmp[rank]
}

// Len returns the number of stored samples.
func (w *LatencyWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}
