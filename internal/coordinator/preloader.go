package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venued/venued/internal/monitor"
	"github.com/venued/venued/internal/venue"
	"github.com/venued/venued/pkg/cache"
	"github.com/venued/venued/pkg/types"
)

const (
	defaultPreloadInterval = 100 * time.Millisecond
	defaultPreloadMargin   = 200 * time.Millisecond
	defaultPreloadWorkers  = 4
	defaultPreloadTimeout  = 5 * time.Second
)

// WatchItem names one venue order book to keep warm.
type WatchItem struct {
	Venue  string
	Symbol string
}

// ParseWatchItem parses a "venue:symbol" entry.
func ParseWatchItem(s string) (WatchItem, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return WatchItem{}, fmt.Errorf("watch entry %q must be venue:symbol", s)
	}
	return WatchItem{Venue: parts[0], Symbol: parts[1]}, nil
}

// PreloaderConfig tunes the refresh loop.
type PreloaderConfig struct {
	Interval time.Duration
	Margin   time.Duration
	Workers  int
	Depth    int
	Timeout  time.Duration
}

func (c *PreloaderConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultPreloadInterval
	}
	if c.Margin <= 0 {
		c.Margin = defaultPreloadMargin
	}
	if c.Workers <= 0 {
		c.Workers = defaultPreloadWorkers
	}
	if c.Depth <= 0 {
		c.Depth = defaultOrderBookDepth
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultPreloadTimeout
	}
}

// Preloader keeps watched order books warm. Every tick it refreshes the
// entries whose remaining TTL fell under the margin, spending venue
// budget only when TryAcquire grants it; a denied grant skips the item
// until the next tick. Preload traffic never lands in the latency
// window, only in its own counters.
type Preloader struct {
	registry *venue.Registry
	limiter  *cache.RateLimiter
	books    *cache.Cache
	perf     *PerformanceController
	metrics  *monitor.Collector
	log      *logrus.Entry

	cfg   PreloaderConfig
	watch []WatchItem
	pool  *workerPool

	mu       sync.Mutex
	inflight map[string]struct{}

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewPreloader(registry *venue.Registry, limiter *cache.RateLimiter, books *cache.Cache, perf *PerformanceController, metrics *monitor.Collector, watch []WatchItem, cfg PreloaderConfig, log *logrus.Entry) *Preloader {
	cfg.applyDefaults()
	return &Preloader{
		registry: registry,
		limiter:  limiter,
		books:    books,
		perf:     perf,
		metrics:  metrics,
		log:      log.WithField("component", "preloader"),
		cfg:      cfg,
		watch:    watch,
		pool:     newWorkerPool(cfg.Workers, len(watch)+cfg.Workers),
		inflight: make(map[string]struct{}),
	}
}

func (p *Preloader) Start(ctx context.Context) {
	p.stop = make(chan struct{})
	p.pool.Start()
	p.wg.Add(1)
	go p.run(ctx)
	p.log.WithFields(logrus.Fields{
		"watch":    len(p.watch),
		"interval": p.cfg.Interval,
		"margin":   p.cfg.Margin,
	}).Info("preloader started")
}

func (p *Preloader) Stop() {
	if p.stop == nil {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
	p.pool.Stop()
}

func (p *Preloader) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Preloader) sweep(ctx context.Context) {
	for _, item := range p.watch {
		p.maybeRefresh(ctx, item)
	}
}

// maybeRefresh schedules one refresh when the entry is missing or close
// to expiry. An item already in flight is left to its worker.
func (p *Preloader) maybeRefresh(ctx context.Context, item WatchItem) {
	key := cache.Key(item.Venue, item.Symbol, types.OpOrderBook)
	if ttl, ok := p.books.TimeToLive(key); ok && ttl > p.cfg.Margin {
		return
	}

	conn, err := p.registry.Get(item.Venue)
	if err != nil {
		return
	}
	handle, ok := conn.Handle()
	if !ok {
		return
	}

	if !p.tryStart(key) {
		return
	}
	if !p.limiter.TryAcquire(item.Venue) {
		p.metrics.IncrementCounter("preload_skipped_total", map[string]string{"venue": item.Venue, "reason": "rate_limited"})
		p.finish(key)
		return
	}

	submitted := p.pool.Submit(func() {
		defer p.finish(key)
		p.refresh(ctx, item, key, handle)
	})
	if !submitted {
		p.metrics.IncrementCounter("preload_skipped_total", map[string]string{"venue": item.Venue, "reason": "queue_full"})
		p.finish(key)
	}
}

func (p *Preloader) refresh(ctx context.Context, item WatchItem, key string, handle types.Venue) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	book, err := handle.FetchOrderBook(callCtx, item.Symbol, p.cfg.Depth)
	if err != nil {
		p.metrics.IncrementCounter("preload_failed_total", map[string]string{"venue": item.Venue})
		p.log.WithFields(logrus.Fields{
			"venue":  item.Venue,
			"symbol": item.Symbol,
		}).WithError(err).Debug("preload fetch failed")
		return
	}

	p.books.Put(key, book, p.perf.TTL())
	p.metrics.IncrementCounter("preload_refreshed_total", map[string]string{"venue": item.Venue})
}

func (p *Preloader) tryStart(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Preloader) finish(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}
