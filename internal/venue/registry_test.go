package venue

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venued/venued/pkg/types"
)

type fakeVenue struct {
	name   string
	closed int
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeVenue) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeVenue) FetchBalance(ctx context.Context) ([]types.Balance, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeVenue) CreateOrder(ctx context.Context, req *types.OrderRequest) (*types.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeVenue) Close() error {
	f.closed++
	return nil
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func TestRegistryPartialStartup(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register("binance", &fakeVenue{name: "binance"})
	reg.Register("bybit", nil) // construction failed

	assert.Equal(t, []string{"binance"}, reg.ListEnabled())
	assert.Len(t, reg.All(), 2, "dead venues must stay visible for fan-out")

	conn, err := reg.Get("bybit")
	require.NoError(t, err)
	_, ok := conn.Handle()
	assert.False(t, ok)
	assert.Equal(t, types.HealthUnreachable, conn.Status())

	healthy, err := reg.Get("binance")
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnknown, healthy.Status(), "live venues start unknown until probed")
}

func TestRegistryGetUnknownVenue(t *testing.T) {
	reg := NewRegistry(testLogger())
	_, err := reg.Get("kraken")
	assert.Error(t, err)
}

func TestRegistryRegisterTwiceKeepsFirst(t *testing.T) {
	reg := NewRegistry(testLogger())
	first := reg.Register("binance", &fakeVenue{name: "binance"})
	second := reg.Register("binance", &fakeVenue{name: "binance"})

	assert.Same(t, first, second)
	assert.Len(t, reg.All(), 1)
}

func TestRegistrySetHealthReturnsPrevious(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register("binance", &fakeVenue{name: "binance"})

	prev := reg.SetHealth("binance", types.HealthHealthy)
	assert.Equal(t, types.HealthUnknown, prev)

	prev = reg.SetHealth("binance", types.HealthDegraded)
	assert.Equal(t, types.HealthHealthy, prev)

	conn, _ := reg.Get("binance")
	assert.Equal(t, types.HealthDegraded, conn.Status())
	assert.False(t, conn.LastChecked().IsZero())
}

func TestRegistryCloseMakesVenueDead(t *testing.T) {
	reg := NewRegistry(testLogger())
	fv := &fakeVenue{name: "binance"}
	reg.Register("binance", fv)

	require.NoError(t, reg.Close("binance"))

	conn, _ := reg.Get("binance")
	_, ok := conn.Handle()
	assert.False(t, ok)
	assert.Equal(t, types.HealthUnreachable, conn.Status())
	assert.Empty(t, reg.ListEnabled())
}

func TestRegistryCloseAllIdempotent(t *testing.T) {
	reg := NewRegistry(testLogger())
	fv := &fakeVenue{name: "binance"}
	reg.Register("binance", fv)
	reg.Register("bybit", nil)

	reg.CloseAll()
	reg.CloseAll()

	assert.Equal(t, 1, fv.closed, "handle must be released exactly once")
	assert.Empty(t, reg.ListEnabled())
}

func TestRegistryStatuses(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register("binance", &fakeVenue{name: "binance"})
	reg.Register("bybit", nil)
	reg.SetHealth("binance", types.HealthHealthy)

	statuses := reg.Statuses()
	assert.Equal(t, types.HealthHealthy, statuses["binance"])
	assert.Equal(t, types.HealthUnreachable, statuses["bybit"])
}
