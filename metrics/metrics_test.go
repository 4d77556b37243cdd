package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounterConcurrent(t *testing.T) {
	c := NewCounter("cycles")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(5000), c.Get())
}

func TestGauge(t *testing.T) {
	g := NewGauge("queue_depth")
	g.Set(3)
	g.Add(1.5)
	g.Add(-0.5)
	assert.Equal(t, 4.0, g.Get())
}

func TestHistogramWindow(t *testing.T) {
	h := NewHistogram("latency", 4)
	for _, v := range []float64{100, 1, 2, 3, 4} {
		h.Observe(v)
	}

	s := h.Summary()
	assert.Equal(t, uint64(5), s.Count)
	assert.Equal(t, 22.0, s.Mean)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 100.0, s.Max, "extremes cover every observation")
	assert.Equal(t, 4.0, s.P95, "percentiles cover the retained window only")

	assert.Equal(t, Summary{}, NewHistogram("empty", 0).Summary())
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Counter("tasks_completed").Add(2)
	r.Counter("tasks_completed").Inc()
	r.Gauge("active_agents").Set(2)
	r.Timer("cycle").Record(1500 * time.Millisecond)

	s := r.Snapshot()
	assert.Equal(t, uint64(3), s.Counters["tasks_completed"])
	assert.Equal(t, 2.0, s.Gauges["active_agents"])
	assert.Equal(t, 1.5, s.Timers["cycle"].Mean)
}
