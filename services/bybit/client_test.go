package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venued/venued/pkg/types"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func testClient(server *httptest.Server) *Client {
	return &Client{
		name:      "bybit",
		baseURL:   server.URL,
		apiKey:    "key",
		apiSecret: "secret",
		http:      server.Client(),
		log:       testLogger(),
	}
}

func TestParseLevelsDropsBadRows(t *testing.T) {
	rows := [][]string{
		{"100.5", "2"},
		{"101"},
		{"abc", "1"},
		{"102", "oops"},
		{"103", "0.25"},
	}

	levels := parseLevels(rows)
	require.Len(t, levels, 2)
	assert.True(t, levels[0].Price.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, levels[1].Quantity.Equal(decimal.RequireFromString("0.25")))
}

func TestKindForRetCode(t *testing.T) {
	assert.Equal(t, types.ErrUnauthorized, kindForRetCode(10003))
	assert.Equal(t, types.ErrUnauthorized, kindForRetCode(10004))
	assert.Equal(t, types.ErrRateLimited, kindForRetCode(10006))
	assert.Equal(t, types.ErrRateLimited, kindForRetCode(10018))
	assert.Equal(t, types.ErrVenueRejected, kindForRetCode(10001))
	assert.Equal(t, types.ErrVenueRejected, kindForRetCode(110007))
	assert.Equal(t, types.ErrUnknown, kindForRetCode(99999))
}

func TestSideAndTypeToWire(t *testing.T) {
	assert.Equal(t, "Buy", sideToWire(types.OrderSideBuy))
	assert.Equal(t, "Sell", sideToWire(types.OrderSideSell))
	assert.Equal(t, "Market", typeToWire(types.OrderTypeMarket))
	assert.Equal(t, "Limit", typeToWire(types.OrderTypeLimit))
}

func TestFetchOrderBookRequestAndDecode(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"s":"BTCUSDT","b":[["100","1"],["99","2"]],"a":[["101","3"]],"ts":1700000000000,"u":5}}`)
	}))
	defer server.Close()

	book, err := testClient(server).FetchOrderBook(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	assert.Equal(t, "/v5/market/orderbook", gotPath)
	assert.Contains(t, gotQuery, "category=spot")
	assert.Contains(t, gotQuery, "symbol=BTCUSDT")
	assert.Contains(t, gotQuery, "limit=50")

	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, "bybit", book.Venue)
	assert.True(t, book.Asks[0].Price.Equal(decimal.NewFromInt(101)))
}

func TestFetchBalanceSignsRequest(t *testing.T) {
	var header http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"accountType":"SPOT","coin":[{"coin":"USDT","free":"5","locked":"0","total":"5"},{"coin":"DUST","free":"0","locked":"0","total":"0"}]}]}}`)
	}))
	defer server.Close()

	balances, err := testClient(server).FetchBalance(context.Background())
	require.NoError(t, err)

	// The zero-balance coin is filtered out.
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Asset)

	assert.Equal(t, "key", header.Get("X-BAPI-API-KEY"))
	assert.Equal(t, "5000", header.Get("X-BAPI-RECV-WINDOW"))
	assert.NotEmpty(t, header.Get("X-BAPI-TIMESTAMP"))
	assert.NotEmpty(t, header.Get("X-BAPI-SIGN"))
}

func TestRetCodeBecomesTypedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":10006,"retMsg":"too many visits"}`)
	}))
	defer server.Close()

	_, err := testClient(server).FetchBalance(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.KindOf(err))
}

func TestCreateOrderEchoesAck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v5/order/create", r.URL.Path)
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"1523347543495541248","orderLinkId":"my-id"}}`)
	}))
	defer server.Close()

	req := &types.OrderRequest{
		ClientOrderID: "my-id",
		Symbol:        "BTCUSDT",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeLimit,
		Quantity:      decimal.RequireFromString("0.01"),
		Price:         decimal.NewFromInt(50000),
	}
	order, err := testClient(server).CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "1523347543495541248", order.OrderID)
	assert.Equal(t, "my-id", order.ClientOrderID)
	assert.Equal(t, types.OrderStatusNew, order.Status)
}
