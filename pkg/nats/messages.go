package nats

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeIntentMessage is an order intent published by a strategy
// collaborator for the coordinator to execute. Side and type are
// case-insensitive on the wire; an empty type means market.
type TradeIntentMessage struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Type      string          `json:"type,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price,omitempty"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TradeExecutedMessage is emitted after a venue acknowledges an order.
type TradeExecutedMessage struct {
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Status        string          `json:"status"`
	LatencyMS     int64           `json:"latency_ms"`
	Timestamp     time.Time       `json:"timestamp"`
}

// TradeFailedMessage is emitted when an intent could not be executed,
// carrying the classified error kind so strategies can react without
// parsing error strings.
type TradeFailedMessage struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Source    string    `json:"source,omitempty"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChangeMessage is emitted when the monitor moves a venue between
// health states.
type HealthChangeMessage struct {
	Venue     string    `json:"venue"`
	Previous  string    `json:"previous"`
	Current   string    `json:"current"`
	Streak    int       `json:"streak"`
	Timestamp time.Time `json:"timestamp"`
}

// DegradationMessage is emitted when the observed success rate over the
// sample window falls below the configured floor.
type DegradationMessage struct {
	SuccessRate float64   `json:"success_rate"`
	WindowSize  int       `json:"window_size"`
	Timestamp   time.Time `json:"timestamp"`
}
