package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/venued/venued/pkg/types"
)

const defaultWindow = 1024

// Sample is one observed caller operation. Cache hits are recorded too,
// at their near-zero latency; the tuned quantity is effective latency,
// not wire latency.
type Sample struct {
	Venue     string
	Op        string
	Duration  time.Duration
	Timestamp time.Time
	Success   bool
	CacheHit  bool
}

// Tracker keeps the most recent samples in a fixed-size ring. Recording
// beyond capacity evicts the oldest sample.
type Tracker struct {
	mu    sync.Mutex
	buf   []Sample
	next  int
	count int
}

func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = defaultWindow
	}
	return &Tracker{buf: make([]Sample, capacity)}
}

func (t *Tracker) Record(s Sample) {
	t.mu.Lock()
	t.buf[t.next] = s
	t.next = (t.next + 1) % len(t.buf)
	if t.count < len(t.buf) {
		t.count++
	}
	t.mu.Unlock()
}

// Stats is a pure function of the window contents at the time of the
// Aggregate call. Hit and miss counts cover the cacheable read
// operations only; balance reads are always fresh and would poison the
// hit rate.
type Stats struct {
	Total       int           `json:"total"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	CacheHits   int           `json:"cache_hits"`
	CacheMisses int           `json:"cache_misses"`
	HitRate     float64       `json:"hit_rate"`
	SuccessRate float64       `json:"success_rate"`
	Mean        time.Duration `json:"mean_ns"`
	P95         time.Duration `json:"p95_ns"`
	P99         time.Duration `json:"p99_ns"`
}

// Aggregate recomputes stats from the current window.
func (t *Tracker) Aggregate() Stats {
	t.mu.Lock()
	window := make([]Sample, t.count)
	if t.count < len(t.buf) {
		copy(window, t.buf[:t.count])
	} else {
		n := copy(window, t.buf[t.next:])
		copy(window[n:], t.buf[:t.next])
	}
	t.mu.Unlock()

	var st Stats
	st.Total = len(window)
	if st.Total == 0 {
		return st
	}

	durations := make([]time.Duration, 0, len(window))
	var sum time.Duration
	for _, s := range window {
		if s.Success {
			st.Successes++
		} else {
			st.Failures++
		}
		switch s.Op {
		case types.OpOrderBook, types.OpTicker:
			if s.CacheHit {
				st.CacheHits++
			} else {
				st.CacheMisses++
			}
		}
		durations = append(durations, s.Duration)
		sum += s.Duration
	}

	st.SuccessRate = float64(st.Successes) / float64(st.Total)
	if reads := st.CacheHits + st.CacheMisses; reads > 0 {
		st.HitRate = float64(st.CacheHits) / float64(reads)
	}
	st.Mean = sum / time.Duration(st.Total)

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	st.P95 = percentile(durations, 0.95)
	st.P99 = percentile(durations, 0.99)
	return st
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
