package monitor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters, gauges and latency histograms in
// memory. The surface is pull only: GetMetrics snapshots everything for
// the scrape endpoint, nothing is pushed or persisted.
type Collector struct {
	mu         sync.RWMutex
	counters   map[string]*atomic.Int64
	gauges     map[string]*atomic.Value
	histograms map[string]*Histogram
}

func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]*atomic.Int64),
		gauges:     make(map[string]*atomic.Value),
		histograms: make(map[string]*Histogram),
	}
}

// IncrementCounter adds one to the labeled counter.
func (c *Collector) IncrementCounter(name string, labels map[string]string) {
	c.AddCounter(name, 1, labels)
}

// AddCounter adds value to the labeled counter.
func (c *Collector) AddCounter(name string, value int64, labels map[string]string) {
	key := metricKey(name, labels)

	c.mu.RLock()
	counter := c.counters[key]
	c.mu.RUnlock()
	if counter == nil {
		c.mu.Lock()
		counter = c.counters[key]
		if counter == nil {
			counter = &atomic.Int64{}
			c.counters[key] = counter
		}
		c.mu.Unlock()
	}
	counter.Add(value)
}

// SetGauge stores the current value of the labeled gauge.
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)

	c.mu.RLock()
	gauge := c.gauges[key]
	c.mu.RUnlock()
	if gauge == nil {
		c.mu.Lock()
		gauge = c.gauges[key]
		if gauge == nil {
			gauge = &atomic.Value{}
			c.gauges[key] = gauge
		}
		c.mu.Unlock()
	}
	gauge.Store(value)
}

// ObserveHistogram records value (milliseconds for latency series) into
// the labeled histogram.
func (c *Collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)

	c.mu.RLock()
	hist := c.histograms[key]
	c.mu.RUnlock()
	if hist == nil {
		c.mu.Lock()
		hist = c.histograms[key]
		if hist == nil {
			hist = NewHistogram(defaultBuckets())
			c.histograms[key] = hist
		}
		c.mu.Unlock()
	}
	hist.Observe(value)
}

// GetMetrics snapshots every series for the scrape endpoint.
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counters := make(map[string]int64, len(c.counters))
	for key, counter := range c.counters {
		counters[key] = counter.Load()
	}

	gauges := make(map[string]float64, len(c.gauges))
	for key, gauge := range c.gauges {
		if val, ok := gauge.Load().(float64); ok {
			gauges[key] = val
		}
	}

	histograms := make(map[string]interface{}, len(c.histograms))
	for key, hist := range c.histograms {
		histograms[key] = hist.Snapshot()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
		"timestamp":  time.Now().UTC(),
	}
}

// metricKey builds a stable series key from the name and sorted labels.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	key := name
	for _, k := range keys {
		key += fmt.Sprintf("_%s_%s", k, labels[k])
	}
	return key
}

// Histogram tracks the distribution of observed values in fixed buckets
// plus an overflow bucket.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func NewHistogram(buckets []float64) *Histogram {
	return &Histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)+1),
	}
}

func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += value
	h.count++
	for i, bucket := range h.buckets {
		if value <= bucket {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.counts)-1]++
}

func (h *Histogram) Snapshot() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := map[string]interface{}{
		"buckets": h.buckets,
		"counts":  append([]uint64(nil), h.counts...),
		"sum":     h.sum,
		"count":   h.count,
	}
	if h.count > 0 {
		snap["avg"] = h.sum / float64(h.count)
	}
	return snap
}

// defaultBuckets covers sub-millisecond cache hits up to multi-second
// venue timeouts, in milliseconds.
func defaultBuckets() []float64 {
	return []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}
}
