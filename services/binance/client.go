package binance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/venued/venued/pkg/types"
)

const testnetBaseURL = "https://testnet.binance.vision/api"

// Client trades spot on Binance through the official REST API.
type Client struct {
	name string
	api  *binance.Client
	log  *logrus.Entry
}

// New builds a Binance spot client. Keys are required even for market
// data because balance probes hit signed endpoints.
func New(apiKey, apiSecret string, testnet bool, log *logrus.Entry) (*Client, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("binance: api credentials are required")
	}
	api := binance.NewClient(apiKey, apiSecret)
	if testnet {
		api.BaseURL = testnetBaseURL
	}
	return &Client{
		name: "binance",
		api:  api,
		log:  log.WithField("venue", "binance"),
	}, nil
}

func (c *Client) Name() string { return c.name }

// FetchTicker reduces the 24h stats to top of book plus last trade.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	stats, err := c.api.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.classify(types.OpTicker, err)
	}
	if len(stats) == 0 {
		return nil, types.NewVenueError(c.name, types.OpTicker, types.ErrVenueRejected,
			fmt.Errorf("no ticker returned for %s", symbol))
	}

	s := stats[0]
	return &types.Ticker{
		Venue:      c.name,
		Symbol:     symbol,
		Bid:        dec(s.BidPrice),
		Ask:        dec(s.AskPrice),
		Last:       dec(s.LastPrice),
		UpdateTime: time.Now().UTC(),
	}, nil
}

// FetchOrderBook returns up to depth levels per side, best first. Rows
// with unparsable numbers are dropped rather than failing the snapshot.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	res, err := c.api.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		return nil, c.classify(types.OpOrderBook, err)
	}

	book := &types.OrderBook{
		Venue:      c.name,
		Symbol:     symbol,
		Bids:       make([]types.PriceLevel, 0, len(res.Bids)),
		Asks:       make([]types.PriceLevel, 0, len(res.Asks)),
		UpdateTime: time.Now().UTC(),
	}
	for _, b := range res.Bids {
		if lvl, ok := level(b.Price, b.Quantity); ok {
			book.Bids = append(book.Bids, lvl)
		}
	}
	for _, a := range res.Asks {
		if lvl, ok := level(a.Price, a.Quantity); ok {
			book.Asks = append(book.Asks, lvl)
		}
	}
	return book, nil
}

// FetchBalance returns the non-zero spot balances.
func (c *Client) FetchBalance(ctx context.Context) ([]types.Balance, error) {
	account, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.classify(types.OpBalance, err)
	}

	balances := make([]types.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free := dec(b.Free)
		locked := dec(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, types.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

// CreateOrder places a spot order and returns the acknowledgement.
func (c *Client) CreateOrder(ctx context.Context, req *types.OrderRequest) (*types.Order, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(req.Quantity.String())
	if req.ClientOrderID != "" {
		svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Type == types.OrderTypeLimit {
		svc.TimeInForce(binance.TimeInForceTypeGTC).Price(req.Price.String())
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.classify(types.OpCreateOrder, err)
	}

	order := &types.Order{
		Venue:         c.name,
		OrderID:       fmt.Sprintf("%d", res.OrderID),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          types.OrderSide(res.Side),
		Type:          types.OrderType(res.Type),
		Quantity:      dec(res.OrigQuantity),
		Price:         dec(res.Price),
		Status:        types.OrderStatus(res.Status),
		CreatedAt:     time.UnixMilli(res.TransactTime),
	}
	c.log.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"side":     order.Side,
		"order_id": order.OrderID,
		"status":   order.Status,
	}).Info("order placed")
	return order, nil
}

// Close releases nothing; the REST client keeps no open connections.
func (c *Client) Close() error { return nil }

// classify maps Binance API error codes onto coordinator error kinds so
// callers can tell an auth failure from a throttle or a bad order.
func (c *Client) classify(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return types.NewVenueError(c.name, op, kindForCode(apiErr.Code), err)
	}
	return types.Classify(c.name, op, err)
}

func kindForCode(code int64) types.ErrorKind {
	switch code {
	case -1002, -2014, -2015:
		return types.ErrUnauthorized
	case -1003, -1015:
		return types.ErrRateLimited
	case -1013, -1111, -1121, -2010, -2011:
		return types.ErrVenueRejected
	}
	return types.ErrUnknown
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func level(price, qty string) (types.PriceLevel, bool) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return types.PriceLevel{}, false
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return types.PriceLevel{}, false
	}
	return types.PriceLevel{Price: p, Quantity: q}, true
}
