package engine

import (
	"math"
	"sort"
	"sync"
)

// Sliding window bounds. A window never holds more than maxWindowPoints
// entries or spans more than maxWindowAgeMs from its newest point.
const (
	maxWindowPoints = 1000
	maxWindowAgeMs  = 3_600_000
)

type windowPoint struct {
	ts int64 // ms since epoch
	v  float64
}

// WindowStats summarizes the points inside one time window, ordered by ts.
type WindowStats struct {
	Count  int
	Min    float64
	Max    float64
	First  float64
	Last   float64
	Avg    float64
	StdDev float64 // population standard deviation
}

// RateOfChange reports the movement of a signal across one time window.
// PercentChange is zero when the first value is too close to zero to divide.
type RateOfChange struct {
	Count          int
	AbsoluteChange float64 // max - min
	PercentChange  float64 // |(max-min)/first| * 100
}

// tagWindow is the per-(device, tag) ring. It has its own lock so unrelated
// tags never serialize.
type tagWindow struct {
	mu  sync.Mutex
	pts []windowPoint
}

// WindowStore holds a bounded sliding window per (device, tag). The RoC
// evaluator inserts; the RoC and volatility evaluators both read.
type WindowStore struct {
	mu      sync.RWMutex
	windows map[string]*tagWindow
}

// NewWindowStore returns an empty store.
func NewWindowStore() *WindowStore {
	return &WindowStore{windows: map[string]*tagWindow{}}
}

func windowKey(deviceID, tagID string) string { return deviceID + "\x00" + tagID }

func (s *WindowStore) window(deviceID, tagID string) *tagWindow {
	key := windowKey(deviceID, tagID)
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[key]; ok {
		return w
	}
	w = &tagWindow{}
	s.windows[key] = w
	return w
}

// Insert appends a point and trims the window to its bounds. Re-inserting
// the newest (ts, value) pair is a no-op, so replayed samples do not skew
// statistics. Out-of-order timestamps are accepted; readers sort.
func (s *WindowStore) Insert(deviceID, tagID string, ts int64, v float64) {
	w := s.window(deviceID, tagID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(w.pts); n > 0 && w.pts[n-1].ts == ts && w.pts[n-1].v == v {
		return
	}
	w.pts = append(w.pts, windowPoint{ts: ts, v: v})

	newest := w.pts[0].ts
	for _, p := range w.pts {
		if p.ts > newest {
			newest = p.ts
		}
	}
	cutoff := newest - maxWindowAgeMs
	keep := w.pts[:0]
	for _, p := range w.pts {
		if p.ts >= cutoff {
			keep = append(keep, p)
		}
	}
	w.pts = keep
	// Evict by ts, not insertion order: under out-of-order arrival the slice
	// head is not necessarily the oldest point.
	for excess := len(w.pts) - maxWindowPoints; excess > 0; excess-- {
		oldest := 0
		for i, p := range w.pts {
			if p.ts < w.pts[oldest].ts {
				oldest = i
			}
		}
		w.pts = append(w.pts[:oldest], w.pts[oldest+1:]...)
	}
}

// snapshot copies the points with ts >= nowMs-windowMs, sorted by ts.
func (s *WindowStore) snapshot(deviceID, tagID string, nowMs, windowMs int64) []windowPoint {
	w := s.window(deviceID, tagID)
	w.mu.Lock()
	cutoff := nowMs - windowMs
	out := make([]windowPoint, 0, len(w.pts))
	for _, p := range w.pts {
		if p.ts >= cutoff && p.ts <= nowMs {
			out = append(out, p)
		}
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ts < out[j].ts })
	return out
}

// Stats computes windowed statistics over [nowMs-windowMs, nowMs].
func (s *WindowStore) Stats(deviceID, tagID string, nowMs, windowMs int64) WindowStats {
	pts := s.snapshot(deviceID, tagID, nowMs, windowMs)
	if len(pts) == 0 {
		return WindowStats{}
	}
	st := WindowStats{
		Count: len(pts),
		Min:   pts[0].v,
		Max:   pts[0].v,
		First: pts[0].v,
		Last:  pts[len(pts)-1].v,
	}
	var sum float64
	for _, p := range pts {
		if p.v < st.Min {
			st.Min = p.v
		}
		if p.v > st.Max {
			st.Max = p.v
		}
		sum += p.v
	}
	st.Avg = sum / float64(len(pts))
	var sq float64
	for _, p := range pts {
		d := p.v - st.Avg
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(len(pts)))
	return st
}

// GetRateOfChange computes the window movement over [nowMs-windowMs, nowMs].
func (s *WindowStore) GetRateOfChange(deviceID, tagID string, nowMs, windowMs int64) RateOfChange {
	st := s.Stats(deviceID, tagID, nowMs, windowMs)
	rc := RateOfChange{Count: st.Count}
	if st.Count < 2 {
		return rc
	}
	rc.AbsoluteChange = st.Max - st.Min
	if math.Abs(st.First) > 1e-9 {
		rc.PercentChange = math.Abs(rc.AbsoluteChange/st.First) * 100
	}
	return rc
}

// Size reports the number of tracked (device, tag) windows.
func (s *WindowStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// Points reports the entry count for one window; used by tests and stats.
func (s *WindowStore) Points(deviceID, tagID string) int {
	w := s.window(deviceID, tagID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pts)
}
