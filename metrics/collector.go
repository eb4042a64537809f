package metrics

import (
	"math"
	"sync"
	"time"
)

const sep = "."

// Collector aggregates counters, gauges and timing samples between
// flushes. A flush drains the collector and resets counters and timers
// so every interval reports its own activity.
type Collector struct {
	mu        sync.Mutex
	counters  map[string]int64
	gauges    map[string]int64
	timings   map[string][]float64
	lastReset time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	c := &Collector{}
	c.reset()
	return c
}

func (c *Collector) reset() {
	c.counters = make(map[string]int64)
	c.gauges = make(map[string]int64)
	c.timings = make(map[string][]float64)
	c.lastReset = time.Now()
}

// Increment adds one to a counter.
func (c *Collector) Increment(metric string) {
	c.IncrementBy(metric, 1)
}

// IncrementBy adds delta to a counter.
func (c *Collector) IncrementBy(metric string, delta int64) {
	c.mu.Lock()
	c.counters[metric] += delta
	c.mu.Unlock()
}

// Gauge sets a gauge to value.
func (c *Collector) Gauge(metric string, value int64) {
	c.mu.Lock()
	c.gauges[metric] = value
	c.mu.Unlock()
}

// Timing records one interval sample in milliseconds.
func (c *Collector) Timing(metric string, ms float64) {
	c.mu.Lock()
	c.timings[metric] = append(c.timings[metric], ms)
	c.mu.Unlock()
}

// Timer measures one interval and reports it to the collector.
type Timer struct {
	collector *Collector
	metric    string
	start     time.Time
}

// GetTimer starts a timer for metric.
func (c *Collector) GetTimer(metric string) *Timer {
	return &Timer{collector: c, metric: metric, start: time.Now()}
}

// Stop records the elapsed interval and returns it in milliseconds.
func (t *Timer) Stop() float64 {
	ms := float64(time.Since(t.start)) / float64(time.Millisecond)
	t.collector.Timing(t.metric, ms)
	return ms
}

// Get drains the collector: counters produce "<name>.count" and
// "<name>.rate" entries, gauges pass through, timers produce
// min/max/avg/count aggregates. Counters and timers reset; gauges keep
// their last value.
func (c *Collector) Get() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]float64)
	elapsed := time.Since(c.lastReset).Seconds()

	for metric, value := range c.counters {
		out[metric+sep+"count"] = float64(value)
		rate := 0.0
		if elapsed > 0 {
			rate = math.Round(float64(value)/elapsed*100) / 100
		}
		out[metric+sep+"rate"] = rate
	}

	for metric, value := range c.gauges {
		out[metric] = float64(value)
	}

	for metric, intervals := range c.timings {
		minV, maxV, total := intervals[0], 0.0, 0.0
		for _, interval := range intervals {
			total += interval
			if interval > maxV {
				maxV = interval
			}
			if interval < minV {
				minV = interval
			}
		}
		avg := math.Round(total/float64(len(intervals))*100) / 100
		out[metric+sep+"min"] = minV
		out[metric+sep+"max"] = maxV
		out[metric+sep+"avg"] = avg
		out[metric+sep+"count"] = float64(len(intervals))
	}

	gauges := c.gauges
	c.reset()
	c.gauges = gauges

	return out
}
