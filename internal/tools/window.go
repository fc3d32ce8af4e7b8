package tools

import (
	"slices"
	"sync"
	"time"
)

// windowSize is how many recent calls each tool's statistics cover.
const windowSize = 100

// window keeps the latest call latencies and outcomes of one tool in a ring
// buffer.
type window struct {
	mu      sync.Mutex
	samples []time.Duration
	failed  []bool
	pos     int
	count   int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = windowSize
	}
	return &window{samples: make([]time.Duration, size), failed: make([]bool, size)}
}

// record adds one call, overwriting the oldest once the buffer is full.
func (w *window) record(d time.Duration, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = d
	w.failed[w.pos] = isError
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

func (w *window) stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := min(w.count, len(w.samples))
	if n == 0 {
		return Stats{}
	}
	sorted := slices.Clone(w.samples[:n])
	slices.Sort(sorted)
	errs := 0
	for _, f := range w.failed[:n] {
		if f {
			errs++
		}
	}
	return Stats{
		Calls:     w.count,
		P50:       sorted[n/2],
		P99:       sorted[int(float64(n-1)*0.99)],
		ErrorRate: float64(errs) / float64(n),
	}
}
