package common

import "context"

// Gateway abstracts a trading venue. Implementations must honor ctx
// cancellation on every call and map venue errors onto the sentinel
// taxonomy in errors.go.
type Gateway interface {
	// PlaceOrder submits a new order and returns the exchange ack.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// CancelOrder cancels a resting order by exchange order id.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// GetOrder queries the authoritative state of an order. Either
	// exchangeOrderID or clientOrderID must be set; exchangeOrderID wins
	// when both are.
	GetOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (OrderState, error)

	// GetPrice returns the latest traded price for a symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetBalance returns a live account snapshot.
	GetBalance(ctx context.Context) (Balance, error)

	// Ping checks venue reachability without authentication.
	Ping(ctx context.Context) error
}
