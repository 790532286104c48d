package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venued/venued/pkg/cache"
	"github.com/venued/venued/pkg/types"
)

// gatedVenue parks order book fetches on a channel so a test can hold a
// refresh in flight.
type gatedVenue struct {
	*stubVenue
	gate chan struct{}
}

func (v *gatedVenue) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	<-v.gate
	return v.stubVenue.FetchOrderBook(ctx, symbol, depth)
}

func newTestPreloader(fx *fixture, watch []WatchItem, cfg PreloaderConfig) *Preloader {
	return NewPreloader(fx.registry, fx.limiter, fx.books, fx.perf, fx.metrics, watch, cfg, testLogger())
}

func TestPreloaderWarmsMissingEntries(t *testing.T) {
	stub := newStubVenue("binance")
	fx := newFixture(10, map[string]types.Venue{"binance": stub})
	p := newTestPreloader(fx, []WatchItem{
		{Venue: "binance", Symbol: "BTCUSDT"},
		{Venue: "binance", Symbol: "ETHUSDT"},
	}, PreloaderConfig{})
	p.pool.Start()
	defer p.pool.Stop()

	p.sweep(context.Background())

	require.Eventually(t, func() bool {
		return counters(fx)["preload_refreshed_total_venue_binance"] == 2
	}, time.Second, 5*time.Millisecond)

	_, ok := fx.books.Get(cache.Key("binance", "BTCUSDT", types.OpOrderBook))
	assert.True(t, ok)
	_, ok = fx.books.Get(cache.Key("binance", "ETHUSDT", types.OpOrderBook))
	assert.True(t, ok)

	assert.Equal(t, 8, fx.limiter.Remaining("binance"), "each refresh spends venue budget")
	assert.Zero(t, fx.tracker.Aggregate().Total, "preload traffic stays out of the latency window")
}

func TestPreloaderSkipsFreshEntries(t *testing.T) {
	stub := newStubVenue("binance")
	fx := newFixture(10, map[string]types.Venue{"binance": stub})
	key := cache.Key("binance", "BTCUSDT", types.OpOrderBook)
	fx.books.Put(key, &types.OrderBook{Venue: "binance", Symbol: "BTCUSDT"}, time.Hour)

	p := newTestPreloader(fx, []WatchItem{{Venue: "binance", Symbol: "BTCUSDT"}}, PreloaderConfig{})
	p.pool.Start()
	defer p.pool.Stop()

	p.sweep(context.Background())

	books, _, _, _ := stub.calls()
	assert.Zero(t, books)
	assert.Equal(t, 10, fx.limiter.Remaining("binance"))
}

func TestPreloaderRefreshesNearExpiry(t *testing.T) {
	stub := newStubVenue("binance")
	fx := newFixture(10, map[string]types.Venue{"binance": stub})
	key := cache.Key("binance", "BTCUSDT", types.OpOrderBook)
	fx.books.Put(key, &types.OrderBook{Venue: "binance", Symbol: "BTCUSDT"}, 50*time.Millisecond)

	p := newTestPreloader(fx, []WatchItem{{Venue: "binance", Symbol: "BTCUSDT"}}, PreloaderConfig{
		Margin: 200 * time.Millisecond,
	})
	p.pool.Start()
	defer p.pool.Stop()

	p.sweep(context.Background())

	require.Eventually(t, func() bool {
		return counters(fx)["preload_refreshed_total_venue_binance"] == 1
	}, time.Second, 5*time.Millisecond)

	books, _, _, _ := stub.calls()
	assert.Equal(t, 1, books)

	ttl, ok := fx.books.TimeToLive(key)
	require.True(t, ok)
	assert.Greater(t, ttl, 200*time.Millisecond, "refresh replaces the expiring entry")
}

func TestPreloaderHonorsBudget(t *testing.T) {
	stub := newStubVenue("binance")
	fx := newFixture(0, map[string]types.Venue{"binance": stub})
	p := newTestPreloader(fx, []WatchItem{{Venue: "binance", Symbol: "BTCUSDT"}}, PreloaderConfig{})
	p.pool.Start()
	defer p.pool.Stop()

	p.sweep(context.Background())

	assert.Equal(t, int64(1), counters(fx)["preload_skipped_total_reason_rate_limited_venue_binance"])
	books, _, _, _ := stub.calls()
	assert.Zero(t, books, "a denied grant must not reach the venue")
}

func TestPreloaderSkipsDeadVenues(t *testing.T) {
	fx := newFixture(10, map[string]types.Venue{"binance": newStubVenue("binance")})
	fx.registry.Register("okx", nil)

	p := newTestPreloader(fx, []WatchItem{
		{Venue: "okx", Symbol: "BTCUSDT"},
		{Venue: "kraken", Symbol: "BTCUSDT"},
	}, PreloaderConfig{})
	p.pool.Start()
	defer p.pool.Stop()

	p.sweep(context.Background())

	assert.Empty(t, counters(fx), "dead and unknown venues are skipped without spending anything")
}

func TestPreloaderSingleFlight(t *testing.T) {
	gated := &gatedVenue{stubVenue: newStubVenue("binance"), gate: make(chan struct{})}
	fx := newFixture(10, map[string]types.Venue{"binance": gated})
	p := newTestPreloader(fx, []WatchItem{{Venue: "binance", Symbol: "BTCUSDT"}}, PreloaderConfig{})
	p.pool.Start()

	released := false
	release := func() {
		if !released {
			released = true
			close(gated.gate)
		}
	}
	defer p.pool.Stop()
	defer release()

	ctx := context.Background()
	p.sweep(ctx)
	assert.Equal(t, 9, fx.limiter.Remaining("binance"))

	// Same item still in flight: the second tick must not buy another
	// grant for it.
	p.sweep(ctx)
	assert.Equal(t, 9, fx.limiter.Remaining("binance"))

	release()
	require.Eventually(t, func() bool {
		return counters(fx)["preload_refreshed_total_venue_binance"] == 1
	}, time.Second, 5*time.Millisecond)

	books, _, _, _ := gated.calls()
	assert.Equal(t, 1, books)
}

func TestPreloaderRetriesFailures(t *testing.T) {
	stub := newStubVenue("binance")
	stub.fail(types.NewVenueError("binance", types.OpOrderBook, types.ErrNetworkUnavailable, errors.New("connection refused")))
	fx := newFixture(50, map[string]types.Venue{"binance": stub})
	p := newTestPreloader(fx, []WatchItem{{Venue: "binance", Symbol: "BTCUSDT"}}, PreloaderConfig{})
	p.pool.Start()
	defer p.pool.Stop()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		p.sweep(ctx)
		return counters(fx)["preload_failed_total_venue_binance"] >= 2
	}, time.Second, 5*time.Millisecond, "a failed item is retried on later ticks")

	_, ok := fx.books.Get(cache.Key("binance", "BTCUSDT", types.OpOrderBook))
	assert.False(t, ok, "failures must not populate the cache")

	stub.fail(nil)
	require.Eventually(t, func() bool {
		p.sweep(ctx)
		_, ok := fx.books.Get(cache.Key("binance", "BTCUSDT", types.OpOrderBook))
		return ok
	}, time.Second, 5*time.Millisecond, "recovery warms the entry")
}

func TestPreloaderLifecycle(t *testing.T) {
	stub := newStubVenue("binance")
	fx := newFixture(10, map[string]types.Venue{"binance": stub})
	p := newTestPreloader(fx, []WatchItem{{Venue: "binance", Symbol: "BTCUSDT"}}, PreloaderConfig{
		Interval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.Eventually(t, func() bool {
		_, ok := fx.books.Get(cache.Key("binance", "BTCUSDT", types.OpOrderBook))
		return ok
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
}

func TestPreloaderStopWithoutStart(t *testing.T) {
	fx := newFixture(10, map[string]types.Venue{"binance": newStubVenue("binance")})
	p := newTestPreloader(fx, nil, PreloaderConfig{})
	p.Stop()
}

func TestParseWatchItem(t *testing.T) {
	item, err := ParseWatchItem("binance:BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, WatchItem{Venue: "binance", Symbol: "BTCUSDT"}, item)

	for _, bad := range []string{"", "binance", ":BTCUSDT", "binance:"} {
		_, err := ParseWatchItem(bad)
		assert.Error(t, err, "entry %q must be rejected", bad)
	}
}
