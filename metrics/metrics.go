// Package metrics provides lock-free counters and gauges and bounded-sample histograms for
// the orchestrator loop.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing metric
type Counter struct {
	value atomic.Uint64
	name  string
}

// NewCounter creates a new counter
func NewCounter(name string) *Counter {
	return &Counter{name: name}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter
func (c *Counter) Add(delta uint64) {
	c.value.Add(delta)
}

// Get returns the current value
func (c *Counter) Get() uint64 {
	return c.value.Load()
}

func (c *Counter) Name() string {
	return c.name
}

// Gauge is a metric that can go up and down
type Gauge struct {
	value atomic.Uint64 // bits of float64
	name  string
}

// NewGauge creates a new gauge
func NewGauge(name string) *Gauge {
	return &Gauge{name: name}
}

// Set sets the gauge to the given value
func (g *Gauge) Set(value float64) {
	g.value.Store(math.Float64bits(value))
}

// Add adds the given delta to the gauge
func (g *Gauge) Add(delta float64) {
	for {
		old := g.value.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.value.CompareAndSwap(old, next) {
			return
		}
	}
}

// Get returns the current value
func (g *Gauge) Get() float64 {
	return math.Float64frombits(g.value.Load())
}

func (g *Gauge) Name() string {
	return g.name
}

// Histogram tracks the distribution of the most recent observations. Count, sum, min and
// max cover every observation; percentiles cover the retained window.
type Histogram struct {
	mu      sync.Mutex
	name    string
	samples []float64
	next    int
	count   uint64
	sum     float64
	min     float64
	max     float64
}

const defaultWindow = 1000

// NewHistogram creates a histogram retaining up to window samples.
func NewHistogram(name string, window int) *Histogram {
	if window <= 0 {
		window = defaultWindow
	}
	return &Histogram{name: name, samples: make([]float64, 0, window), min: math.MaxFloat64}
}

// Observe records a new observation
func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) < cap(h.samples) {
		h.samples = append(h.samples, value)
	} else {
		h.samples[h.next] = value
		h.next = (h.next + 1) % len(h.samples)
	}
	h.count++
	h.sum += value
	h.min = min(h.min, value)
	h.max = max(h.max, value)
}

// Summary is a point-in-time view of a histogram.
type Summary struct {
	Count uint64  `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
}

// Summary returns count, mean, extremes and the median and 95th percentile.
func (h *Histogram) Summary() Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return Summary{}
	}
	sorted := make([]float64, len(h.samples))
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	return Summary{
		Count: h.count,
		Mean:  h.sum / float64(h.count),
		Min:   h.min,
		Max:   h.max,
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
	}
}

func percentile(sorted []float64, p float64) float64 {
	index := int(float64(len(sorted)) * p / 100.0)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func (h *Histogram) Name() string {
	return h.name
}

// Timer measures durations in seconds.
type Timer struct {
	*Histogram
}

// NewTimer creates a new timer
func NewTimer(name string) *Timer {
	return &Timer{Histogram: NewHistogram(name, defaultWindow)}
}

// Record records a duration
func (t *Timer) Record(d time.Duration) {
	t.Observe(d.Seconds())
}

// Since records the time elapsed from start.
func (t *Timer) Since(start time.Time) {
	t.Record(time.Since(start))
}

// Registry names a set of metrics so they can be reported together.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	timers   map[string]*Timer
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		timers:   make(map[string]*Timer),
	}
}

// Counter returns the counter called name, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = NewCounter(name)
		r.counters[name] = c
	}
	return c
}

// Gauge returns the gauge called name, creating it on first use.
func (r *Registry) Gauge(name string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gauges[name]
	if !ok {
		g = NewGauge(name)
		r.gauges[name] = g
	}
	return g
}

// Timer returns the timer called name, creating it on first use.
func (r *Registry) Timer(name string) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[name]
	if !ok {
		t = NewTimer(name)
		r.timers[name] = t
	}
	return t
}

// Snapshot is a JSON friendly copy of every metric.
type Snapshot struct {
	Counters map[string]uint64  `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
	Timers   map[string]Summary `json:"timers"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Counters: make(map[string]uint64, len(r.counters)),
		Gauges:   make(map[string]float64, len(r.gauges)),
		Timers:   make(map[string]Summary, len(r.timers)),
	}
	for name, c := range r.counters {
		s.Counters[name] = c.Get()
	}
	for name, g := range r.gauges {
		s.Gauges[name] = g.Get()
	}
	for name, t := range r.timers {
		s.Timers[name] = t.Summary()
	}
	return s
}
