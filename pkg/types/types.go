package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order as venues expect it on the wire.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType selects the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the venue's view of an order's lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Operation names shared by cache keys, latency samples and metrics labels.
const (
	OpCreateOrder = "create_order"
	OpOrderBook   = "orderbook"
	OpBalance     = "balance"
	OpTicker      = "ticker"
)

// OrderRequest is what a driver needs to place one order.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
}

// Order is the venue's acknowledgement of a placed order.
type Order struct {
	Venue         string          `json:"venue"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PriceLevel is one row of an order book side.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a depth snapshot for one symbol on one venue. Bids are
// sorted best (highest) first, asks best (lowest) first.
type OrderBook struct {
	Venue      string       `json:"venue"`
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	UpdateTime time.Time    `json:"update_time"`
}

// Balance is the holdings of one asset on one venue.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Ticker is a best bid/ask plus last trade price snapshot.
type Ticker struct {
	Venue      string          `json:"venue"`
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	UpdateTime time.Time       `json:"update_time"`
}
