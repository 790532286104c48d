package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venued/venued/internal/monitor"
	"github.com/venued/venued/pkg/nats"
)

const (
	defaultPerfInterval     = 10 * time.Second
	defaultTargetLatency    = 250 * time.Millisecond
	defaultHitRateFloor     = 0.5
	defaultSuccessRateFloor = 0.95
	defaultShrinkFactor     = 0.9
	defaultGrowFactor       = 1.1
	defaultInitialTTL       = 2 * time.Second
	defaultMinTTL           = 250 * time.Millisecond
	defaultMaxTTL           = 30 * time.Second
)

// PerformanceConfig tunes the feedback loop between the latency window
// and the cache TTL.
type PerformanceConfig struct {
	Interval         time.Duration
	TargetLatency    time.Duration
	HitRateFloor     float64
	SuccessRateFloor float64
	ShrinkFactor     float64
	GrowFactor       float64
	InitialTTL       time.Duration
	MinTTL           time.Duration
	MaxTTL           time.Duration
}

func (c *PerformanceConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultPerfInterval
	}
	if c.TargetLatency <= 0 {
		c.TargetLatency = defaultTargetLatency
	}
	if c.HitRateFloor <= 0 {
		c.HitRateFloor = defaultHitRateFloor
	}
	if c.SuccessRateFloor <= 0 {
		c.SuccessRateFloor = defaultSuccessRateFloor
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		c.ShrinkFactor = defaultShrinkFactor
	}
	if c.GrowFactor <= 1 {
		c.GrowFactor = defaultGrowFactor
	}
	if c.InitialTTL <= 0 {
		c.InitialTTL = defaultInitialTTL
	}
	if c.MinTTL <= 0 {
		c.MinTTL = defaultMinTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = defaultMaxTTL
	}
}

// PerformanceController owns the cache TTL. Every interval it reads the
// latency window and adjusts: a mean above target shrinks the TTL, a
// hit rate below the floor grows it. Both checks run on the same tick,
// and the result is clamped to [MinTTL, MaxTTL] after each step. A
// success rate below its floor raises the degradation signal.
type PerformanceController struct {
	tracker *monitor.Tracker
	metrics *monitor.Collector
	events  *nats.Client
	log     *logrus.Entry

	cfg PerformanceConfig
	ttl atomic.Int64

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewPerformanceController(tracker *monitor.Tracker, metrics *monitor.Collector, events *nats.Client, cfg PerformanceConfig, log *logrus.Entry) *PerformanceController {
	cfg.applyDefaults()
	pc := &PerformanceController{
		tracker: tracker,
		metrics: metrics,
		events:  events,
		cfg:     cfg,
		log:     log.WithField("component", "performance"),
	}
	pc.ttl.Store(int64(clampTTL(cfg.InitialTTL, cfg.MinTTL, cfg.MaxTTL)))
	return pc
}

// TTL returns the duration applied to new cache entries.
func (pc *PerformanceController) TTL() time.Duration {
	return time.Duration(pc.ttl.Load())
}

func (pc *PerformanceController) Start(ctx context.Context) {
	pc.stop = make(chan struct{})
	pc.wg.Add(1)
	go pc.run(ctx)
	pc.log.WithFields(logrus.Fields{
		"interval": pc.cfg.Interval,
		"ttl":      pc.TTL(),
	}).Info("performance controller started")
}

func (pc *PerformanceController) Stop() {
	if pc.stop == nil {
		return
	}
	pc.stopOnce.Do(func() {
		close(pc.stop)
	})
	pc.wg.Wait()
}

func (pc *PerformanceController) run(ctx context.Context) {
	defer pc.wg.Done()

	ticker := time.NewTicker(pc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pc.stop:
			return
		case <-ticker.C:
			pc.tick()
		}
	}
}

// tick applies one adjustment round. An empty window leaves the TTL
// alone; there is nothing to learn from silence.
func (pc *PerformanceController) tick() {
	stats := pc.tracker.Aggregate()
	if stats.Total == 0 {
		return
	}

	prev := time.Duration(pc.ttl.Load())
	ttl := prev
	if stats.Mean > pc.cfg.TargetLatency {
		ttl = pc.step(ttl, pc.cfg.ShrinkFactor)
	}
	if reads := stats.CacheHits + stats.CacheMisses; reads > 0 && stats.HitRate < pc.cfg.HitRateFloor {
		ttl = pc.step(ttl, pc.cfg.GrowFactor)
	}
	if ttl != prev {
		pc.ttl.Store(int64(ttl))
		pc.log.WithFields(logrus.Fields{
			"previous_ttl": prev,
			"ttl":          ttl,
			"mean":         stats.Mean,
			"hit_rate":     stats.HitRate,
		}).Info("cache ttl adjusted")
	}
	pc.metrics.SetGauge("cache_ttl_ms", float64(ttl.Milliseconds()), nil)

	if stats.SuccessRate < pc.cfg.SuccessRateFloor {
		pc.degrade(stats)
	} else {
		pc.metrics.SetGauge("degraded", 0, nil)
	}
}

func (pc *PerformanceController) step(ttl time.Duration, factor float64) time.Duration {
	return clampTTL(time.Duration(float64(ttl)*factor), pc.cfg.MinTTL, pc.cfg.MaxTTL)
}

func (pc *PerformanceController) degrade(stats monitor.Stats) {
	pc.log.WithFields(logrus.Fields{
		"success_rate": stats.SuccessRate,
		"window":       stats.Total,
	}).Warn("success rate below floor")
	pc.metrics.SetGauge("degraded", 1, nil)

	if pc.events == nil {
		return
	}
	msg := &nats.DegradationMessage{
		SuccessRate: stats.SuccessRate,
		WindowSize:  stats.Total,
		Timestamp:   time.Now().UTC(),
	}
	if err := pc.events.PublishDegradation(msg); err != nil {
		pc.log.WithError(err).Warn("failed to publish degradation event")
	}
}

func clampTTL(ttl, min, max time.Duration) time.Duration {
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}
