package metrics

import (
	"sort"
	"sync"
	"time"
)

type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ring struct {
	points []Point
	head   int
	size   int
}

func newRing(capacity int) *ring {
	return &ring{points: make([]Point, capacity)}
}

func (r *ring) push(p Point) {
	r.points[r.head] = p
	r.head = (r.head + 1) % len(r.points)
	if r.size < len(r.points) {
		r.size++
	}
}

// each visits points oldest first.
func (r *ring) each(fn func(Point)) {
	start := (r.head - r.size + len(r.points)) % len(r.points)
	for i := 0; i < r.size; i++ {
		fn(r.points[(start+i)%len(r.points)])
	}
}

// TimeSeries keeps a fixed-capacity circular buffer of points per metric name.
// Once full, the oldest point is overwritten.
type TimeSeries struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[string]*ring
	now      func() time.Time
}

func NewTimeSeries(capacity int, now func() time.Time) *TimeSeries {
	if capacity <= 0 {
		capacity = 2016
	}
	if now == nil {
		now = time.Now
	}
	return &TimeSeries{
		capacity: capacity,
		buffers:  make(map[string]*ring),
		now:      now,
	}
}

func (ts *TimeSeries) Record(name string, at time.Time, value float64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	buf, ok := ts.buffers[name]
	if !ok {
		buf = newRing(ts.capacity)
		ts.buffers[name] = buf
	}
	buf.push(Point{Timestamp: at, Value: value})
}

// Points returns points at or after since, ordered by timestamp. A zero since
// returns everything retained.
func (ts *TimeSeries) Points(name string, since time.Time) []Point {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	buf, ok := ts.buffers[name]
	if !ok {
		return []Point{}
	}

	points := make([]Point, 0, buf.size)
	buf.each(func(p Point) {
		if since.IsZero() || !p.Timestamp.Before(since) {
			points = append(points, p)
		}
	})

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points
}

func (ts *TimeSeries) Names() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	names := make([]string, 0, len(ts.buffers))
	for name := range ts.buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CleanupOldData drops points older than maxAge and removes emptied series.
// It returns the number of points removed.
func (ts *TimeSeries) CleanupOldData(maxAge time.Duration) int {
	cutoff := ts.now().Add(-maxAge)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	removed := 0
	for name, buf := range ts.buffers {
		kept := newRing(ts.capacity)
		buf.each(func(p Point) {
			if p.Timestamp.Before(cutoff) {
				removed++
				return
			}
			kept.push(p)
		})

		if kept.size == 0 {
			delete(ts.buffers, name)
			continue
		}
		ts.buffers[name] = kept
	}
	return removed
}
