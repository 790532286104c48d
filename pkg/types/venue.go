package types

import "context"

// Venue is the capability contract every exchange driver satisfies.
// Implementations must be safe for concurrent use and must honor ctx
// cancellation and deadlines on every network call.
type Venue interface {
	Name() string
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	FetchBalance(ctx context.Context) ([]Balance, error)
	CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	Close() error
}

// HealthState is the monitor's verdict on a venue connection.
type HealthState string

const (
	// HealthUnknown is the state before the first probe completes.
	HealthUnknown HealthState = "UNKNOWN"
	// HealthHealthy means the last probe succeeded.
	HealthHealthy HealthState = "HEALTHY"
	// HealthDegraded means probes are failing but below the threshold.
	HealthDegraded HealthState = "DEGRADED"
	// HealthUnreachable means the failure threshold was crossed, the
	// connection never came up, or it has been closed.
	HealthUnreachable HealthState = "UNREACHABLE"
)
