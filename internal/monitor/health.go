package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venued/venued/internal/venue"
	"github.com/venued/venued/pkg/nats"
	"github.com/venued/venued/pkg/types"
)

// Config controls the probe cadence and the failure threshold.
type Config struct {
	// Interval between probe rounds.
	Interval time.Duration
	// Threshold is the number of consecutive failures after which a
	// venue is marked unreachable. Fewer failures mark it degraded.
	Threshold int
	// ProbeTimeout bounds a single balance probe.
	ProbeTimeout time.Duration
}

// Monitor probes every live venue on a fixed interval and moves each
// connection between health states from the probe outcomes. A probe is
// a balance fetch: it exercises authentication, transport and venue
// availability in one call. Probe failures never stop the loop.
type Monitor struct {
	registry *venue.Registry
	events   *nats.Client
	metrics  *Collector
	log      *logrus.Entry

	interval  time.Duration
	threshold int
	timeout   time.Duration

	mu      sync.Mutex
	streaks map[string]int

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMonitor wires the monitor to the registry it drives. The events
// client may be nil when event publishing is disabled.
func NewMonitor(registry *venue.Registry, events *nats.Client, metrics *Collector, cfg Config, log *logrus.Entry) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	return &Monitor{
		registry:  registry,
		events:    events,
		metrics:   metrics,
		log:       log.WithField("component", "health-monitor"),
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		timeout:   cfg.ProbeTimeout,
		streaks:   make(map[string]int),
	}
}

// Start launches the probe loop. The first round runs immediately so
// venues leave the unknown state without waiting a full interval.
func (m *Monitor) Start(ctx context.Context) {
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run(ctx)
	m.log.WithField("interval", m.interval).Info("health monitor started")
}

// Stop halts the probe loop and waits for in-flight probes to finish.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.log.Info("health monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	m.checkAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

// checkAll probes every live connection concurrently and waits for the
// round to finish. Connections without a live handle keep their state.
func (m *Monitor) checkAll(ctx context.Context) {
	var round sync.WaitGroup
	for _, conn := range m.registry.All() {
		handle, ok := conn.Handle()
		if !ok {
			continue
		}
		round.Add(1)
		go func(name string, v types.Venue) {
			defer round.Done()
			m.probe(ctx, name, v)
		}(conn.Name(), handle)
	}
	round.Wait()
}

func (m *Monitor) probe(ctx context.Context, name string, v types.Venue) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	start := time.Now()
	_, err := v.FetchBalance(probeCtx)
	elapsed := time.Since(start)
	cancel()

	m.metrics.ObserveHistogram("health_probe_ms", float64(elapsed.Milliseconds()), map[string]string{"venue": name})

	m.mu.Lock()
	if err != nil {
		m.streaks[name]++
	} else {
		m.streaks[name] = 0
	}
	streak := m.streaks[name]
	m.mu.Unlock()

	next := types.HealthHealthy
	if err != nil {
		next = types.HealthDegraded
		if streak >= m.threshold {
			next = types.HealthUnreachable
		}
		m.log.WithFields(logrus.Fields{
			"venue":  name,
			"streak": streak,
		}).WithError(err).Warn("venue probe failed")
	}

	prev := m.registry.SetHealth(name, next)
	m.metrics.SetGauge("venue_health", healthGaugeValue(next), map[string]string{"venue": name})
	if prev == next {
		return
	}

	m.log.WithFields(logrus.Fields{
		"venue":    name,
		"previous": prev,
		"current":  next,
	}).Info("venue health changed")

	if m.events != nil {
		msg := &nats.HealthChangeMessage{
			Venue:     name,
			Previous:  string(prev),
			Current:   string(next),
			Streak:    streak,
			Timestamp: time.Now().UTC(),
		}
		if err := m.events.PublishHealthChange(msg); err != nil {
			m.log.WithError(err).Warn("publish health change")
		}
	}
}

func healthGaugeValue(s types.HealthState) float64 {
	switch s {
	case types.HealthHealthy:
		return 1
	case types.HealthDegraded:
		return 0.5
	default:
		return 0
	}
}
