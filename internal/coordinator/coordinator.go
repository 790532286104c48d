package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/venued/venued/internal/monitor"
	"github.com/venued/venued/internal/venue"
	"github.com/venued/venued/pkg/cache"
	"github.com/venued/venued/pkg/nats"
	"github.com/venued/venued/pkg/types"
)

const (
	defaultVenueTimeout   = 15 * time.Second
	defaultOrderBookDepth = 50
)

// Config bounds individual venue calls.
type Config struct {
	VenueTimeout   time.Duration
	OrderBookDepth int
}

// Coordinator fronts every venue call. It enforces per-venue rate
// budgets, serves market reads through the response cache and fans
// queries out across all registered venues without letting one failure
// hide the answers of the others. Balances bypass the cache entirely.
type Coordinator struct {
	registry *venue.Registry
	limiter  *cache.RateLimiter
	books    *cache.Cache
	perf     *PerformanceController
	tracker  *monitor.Tracker
	metrics  *monitor.Collector
	events   *nats.Client
	cfg      Config
	log      *logrus.Entry
}

func New(registry *venue.Registry, limiter *cache.RateLimiter, books *cache.Cache, perf *PerformanceController, tracker *monitor.Tracker, metrics *monitor.Collector, events *nats.Client, cfg Config, log *logrus.Entry) *Coordinator {
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = defaultVenueTimeout
	}
	if cfg.OrderBookDepth <= 0 {
		cfg.OrderBookDepth = defaultOrderBookDepth
	}
	return &Coordinator{
		registry: registry,
		limiter:  limiter,
		books:    books,
		perf:     perf,
		tracker:  tracker,
		metrics:  metrics,
		events:   events,
		cfg:      cfg,
		log:      log.WithField("component", "coordinator"),
	}
}

// TradeRequest is a caller's order intent before venue validation.
type TradeRequest struct {
	Venue  string
	Symbol string
	Side   types.OrderSide
	Type   types.OrderType
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// TradeResult carries the acknowledged order and the venue round trip.
type TradeResult struct {
	Order   *types.Order
	Latency time.Duration
}

// OrderBookResult is one venue's slot in a fan-out answer. Exactly one
// of Book or Err is set.
type OrderBookResult struct {
	Venue    string
	Book     *types.OrderBook
	CacheHit bool
	Latency  time.Duration
	Err      error
}

// BalanceResult is one venue's balances in a fan-out answer.
type BalanceResult struct {
	Venue    string
	Balances []types.Balance
	Latency  time.Duration
	Err      error
}

// ExecuteTrade validates and places a single order on one venue. The
// rate budget is only spent after validation passes, and a spent token
// is never refunded on venue failure.
func (c *Coordinator) ExecuteTrade(ctx context.Context, req *TradeRequest) (*TradeResult, error) {
	handle, err := c.liveHandle(req.Venue, types.OpCreateOrder)
	if err != nil {
		return nil, err
	}
	if err := validateTrade(req); err != nil {
		return nil, types.NewVenueError(req.Venue, types.OpCreateOrder, types.ErrVenueRejected, err)
	}
	if !c.limiter.TryAcquire(req.Venue) {
		c.metrics.IncrementCounter("rate_limited_total", map[string]string{"venue": req.Venue, "op": types.OpCreateOrder})
		return nil, types.NewVenueError(req.Venue, types.OpCreateOrder, types.ErrRateLimited, fmt.Errorf("rate budget exhausted"))
	}

	orderType := req.Type
	if orderType == "" {
		orderType = types.OrderTypeMarket
	}
	orderReq := &types.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          orderType,
		Quantity:      req.Amount,
		Price:         req.Price,
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.VenueTimeout)
	defer cancel()

	start := time.Now()
	order, err := handle.CreateOrder(callCtx, orderReq)
	elapsed := time.Since(start)

	c.tracker.Record(monitor.Sample{
		Venue:     req.Venue,
		Op:        types.OpCreateOrder,
		Duration:  elapsed,
		Timestamp: start,
		Success:   err == nil,
	})
	c.metrics.ObserveHistogram("venue_latency_ms", durationMS(elapsed), map[string]string{"venue": req.Venue, "op": types.OpCreateOrder})

	if err != nil {
		verr := types.Classify(req.Venue, types.OpCreateOrder, err)
		c.metrics.IncrementCounter("trades_failed_total", map[string]string{"venue": req.Venue, "symbol": req.Symbol, "side": string(req.Side)})
		c.log.WithFields(logrus.Fields{
			"venue":  req.Venue,
			"symbol": req.Symbol,
			"side":   req.Side,
			"kind":   verr.Kind,
		}).WithError(err).Warn("trade failed")
		return nil, verr
	}

	c.metrics.IncrementCounter("trades_total", map[string]string{"venue": req.Venue, "symbol": req.Symbol, "side": string(req.Side)})
	c.log.WithFields(logrus.Fields{
		"venue":    req.Venue,
		"symbol":   req.Symbol,
		"side":     req.Side,
		"order_id": order.OrderID,
		"latency":  elapsed,
	}).Info("trade executed")
	c.publishTrade(order, elapsed)

	return &TradeResult{Order: order, Latency: elapsed}, nil
}

// GetOrderBook serves one venue's book, preferring a live cache entry.
// A miss spends rate budget and refreshes the cache with the TTL the
// performance controller currently holds.
func (c *Coordinator) GetOrderBook(ctx context.Context, venueName, symbol string) (*OrderBookResult, error) {
	key := cache.Key(venueName, symbol, types.OpOrderBook)

	start := time.Now()
	if payload, ok := c.books.Get(key); ok {
		if book, ok := payload.(*types.OrderBook); ok {
			elapsed := time.Since(start)
			c.tracker.Record(monitor.Sample{
				Venue:     venueName,
				Op:        types.OpOrderBook,
				Duration:  elapsed,
				Timestamp: start,
				Success:   true,
				CacheHit:  true,
			})
			c.metrics.IncrementCounter("cache_hits_total", map[string]string{"op": types.OpOrderBook})
			return &OrderBookResult{Venue: venueName, Book: book, CacheHit: true, Latency: elapsed}, nil
		}
	}
	c.metrics.IncrementCounter("cache_misses_total", map[string]string{"op": types.OpOrderBook})

	handle, err := c.liveHandle(venueName, types.OpOrderBook)
	if err != nil {
		return nil, err
	}
	if !c.limiter.TryAcquire(venueName) {
		c.metrics.IncrementCounter("rate_limited_total", map[string]string{"venue": venueName, "op": types.OpOrderBook})
		return nil, types.NewVenueError(venueName, types.OpOrderBook, types.ErrRateLimited, fmt.Errorf("rate budget exhausted"))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.VenueTimeout)
	defer cancel()

	start = time.Now()
	book, err := handle.FetchOrderBook(callCtx, symbol, c.cfg.OrderBookDepth)
	elapsed := time.Since(start)

	c.tracker.Record(monitor.Sample{
		Venue:     venueName,
		Op:        types.OpOrderBook,
		Duration:  elapsed,
		Timestamp: start,
		Success:   err == nil,
	})
	c.metrics.ObserveHistogram("venue_latency_ms", durationMS(elapsed), map[string]string{"venue": venueName, "op": types.OpOrderBook})

	if err != nil {
		return nil, types.Classify(venueName, types.OpOrderBook, err)
	}

	c.books.Put(key, book, c.perf.TTL())
	return &OrderBookResult{Venue: venueName, Book: book, Latency: elapsed}, nil
}

// GetOrderBooks asks every registered venue for symbol concurrently.
// The map always carries one entry per venue; a failed venue keeps its
// slot with the error instead of disappearing from the answer.
func (c *Coordinator) GetOrderBooks(ctx context.Context, symbol string) map[string]*OrderBookResult {
	conns := c.registry.All()
	results := make(map[string]*OrderBookResult, len(conns))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, conn := range conns {
		name := conn.Name()
		if _, ok := conn.Handle(); !ok {
			results[name] = &OrderBookResult{Venue: name, Err: deadVenueError(name, types.OpOrderBook)}
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			res, err := c.GetOrderBook(ctx, name, symbol)
			if err != nil {
				res = &OrderBookResult{Venue: name, Err: err}
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// GetBalance always asks the venue; balances are never served from the
// cache.
func (c *Coordinator) GetBalance(ctx context.Context, venueName string) (*BalanceResult, error) {
	handle, err := c.liveHandle(venueName, types.OpBalance)
	if err != nil {
		return nil, err
	}
	if !c.limiter.TryAcquire(venueName) {
		c.metrics.IncrementCounter("rate_limited_total", map[string]string{"venue": venueName, "op": types.OpBalance})
		return nil, types.NewVenueError(venueName, types.OpBalance, types.ErrRateLimited, fmt.Errorf("rate budget exhausted"))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.VenueTimeout)
	defer cancel()

	start := time.Now()
	balances, err := handle.FetchBalance(callCtx)
	elapsed := time.Since(start)

	c.tracker.Record(monitor.Sample{
		Venue:     venueName,
		Op:        types.OpBalance,
		Duration:  elapsed,
		Timestamp: start,
		Success:   err == nil,
	})
	c.metrics.ObserveHistogram("venue_latency_ms", durationMS(elapsed), map[string]string{"venue": venueName, "op": types.OpBalance})

	if err != nil {
		return nil, types.Classify(venueName, types.OpBalance, err)
	}
	return &BalanceResult{Venue: venueName, Balances: balances, Latency: elapsed}, nil
}

// GetBalances fetches fresh balances from every registered venue
// concurrently, one entry per venue.
func (c *Coordinator) GetBalances(ctx context.Context) map[string]*BalanceResult {
	conns := c.registry.All()
	results := make(map[string]*BalanceResult, len(conns))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, conn := range conns {
		name := conn.Name()
		if _, ok := conn.Handle(); !ok {
			results[name] = &BalanceResult{Venue: name, Err: deadVenueError(name, types.OpBalance)}
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			res, err := c.GetBalance(ctx, name)
			if err != nil {
				res = &BalanceResult{Venue: name, Err: err}
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// GetTicker serves one venue's ticker through the same cache and
// budget discipline as order books. The bool reports a cache hit.
func (c *Coordinator) GetTicker(ctx context.Context, venueName, symbol string) (*types.Ticker, bool, error) {
	key := cache.Key(venueName, symbol, types.OpTicker)

	start := time.Now()
	if payload, ok := c.books.Get(key); ok {
		if ticker, ok := payload.(*types.Ticker); ok {
			c.tracker.Record(monitor.Sample{
				Venue:     venueName,
				Op:        types.OpTicker,
				Duration:  time.Since(start),
				Timestamp: start,
				Success:   true,
				CacheHit:  true,
			})
			c.metrics.IncrementCounter("cache_hits_total", map[string]string{"op": types.OpTicker})
			return ticker, true, nil
		}
	}
	c.metrics.IncrementCounter("cache_misses_total", map[string]string{"op": types.OpTicker})

	handle, err := c.liveHandle(venueName, types.OpTicker)
	if err != nil {
		return nil, false, err
	}
	if !c.limiter.TryAcquire(venueName) {
		c.metrics.IncrementCounter("rate_limited_total", map[string]string{"venue": venueName, "op": types.OpTicker})
		return nil, false, types.NewVenueError(venueName, types.OpTicker, types.ErrRateLimited, fmt.Errorf("rate budget exhausted"))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.VenueTimeout)
	defer cancel()

	start = time.Now()
	ticker, err := handle.FetchTicker(callCtx, symbol)
	elapsed := time.Since(start)

	c.tracker.Record(monitor.Sample{
		Venue:     venueName,
		Op:        types.OpTicker,
		Duration:  elapsed,
		Timestamp: start,
		Success:   err == nil,
	})
	c.metrics.ObserveHistogram("venue_latency_ms", durationMS(elapsed), map[string]string{"venue": venueName, "op": types.OpTicker})

	if err != nil {
		return nil, false, types.Classify(venueName, types.OpTicker, err)
	}

	c.books.Put(key, ticker, c.perf.TTL())
	return ticker, false, nil
}

// liveHandle resolves a venue name to a usable handle or a typed error:
// unknown venues are rejected, registered but dead ones are unreachable.
func (c *Coordinator) liveHandle(name, op string) (types.Venue, error) {
	conn, err := c.registry.Get(name)
	if err != nil {
		return nil, types.NewVenueError(name, op, types.ErrVenueRejected, err)
	}
	handle, ok := conn.Handle()
	if !ok {
		return nil, deadVenueError(name, op)
	}
	return handle, nil
}

func (c *Coordinator) publishTrade(order *types.Order, latency time.Duration) {
	if c.events == nil {
		return
	}
	msg := &nats.TradeExecutedMessage{
		Venue:         order.Venue,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Quantity:      order.Quantity,
		Price:         order.Price,
		Status:        string(order.Status),
		LatencyMS:     latency.Milliseconds(),
		Timestamp:     time.Now().UTC(),
	}
	if err := c.events.PublishTradeExecuted(msg); err != nil {
		c.log.WithError(err).Warn("failed to publish trade event")
	}
}

func validateTrade(req *TradeRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if req.Side != types.OrderSideBuy && req.Side != types.OrderSideSell {
		return fmt.Errorf("side must be %s or %s", types.OrderSideBuy, types.OrderSideSell)
	}
	if req.Type == types.OrderTypeLimit && !req.Price.IsPositive() {
		return fmt.Errorf("limit orders need a positive price")
	}
	return nil
}

func deadVenueError(name, op string) *types.VenueError {
	return types.NewVenueError(name, op, types.ErrNetworkUnavailable, fmt.Errorf("venue has no live connection"))
}

func durationMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
