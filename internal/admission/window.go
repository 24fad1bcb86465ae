package admission

import (
	"sync"
	"time"
)

// SlidingWindow is the fleet-wide permit budget: a fixed number of permits
// per rolling window, divided into segments so the budget decays smoothly
// instead of resetting at a hard boundary.
type SlidingWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	segDur   time.Duration
	counts   []int
	seconds  []int64
	now      func() time.Time
}

// NewSlidingWindow builds a window with the given permit budget split across
// segments. segments must divide the window evenly.
func NewSlidingWindow(limit int, window time.Duration, segments int) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		segDur:  window / time.Duration(segments),
		counts:  make([]int, segments),
		seconds: make([]int64, segments),
		now:     time.Now,
	}
}

// Allow charges one permit against the rolling budget. It never blocks or
// queues; an exhausted budget is an immediate reject.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := w.now().UnixNano() / int64(w.segDur)
	idx := int(seg % int64(len(w.counts)))
	if w.seconds[idx] != seg {
		w.counts[idx] = 0
		w.seconds[idx] = seg
	}

	total := 0
	oldest := seg - int64(len(w.counts)) + 1
	for i := range w.counts {
		if w.seconds[i] >= oldest {
			total += w.counts[i]
		}
	}
	if total >= w.limit {
		return false
	}
	w.counts[idx]++
	return true
}

// WindowSeconds is the caller-facing retry hint for a global reject.
func (w *SlidingWindow) WindowSeconds() int {
	return int(w.window / time.Second)
}

// withClock replaces the time source. For tests.
func (w *SlidingWindow) withClock(now func() time.Time) *SlidingWindow {
	w.now = now
	return w
}
