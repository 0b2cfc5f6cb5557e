package engine

import (
	"strings"

	"execution-core/pkg/exchanges/common"
)

// Request is a caller's order intent.
type Request struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	OrderType    string  `json:"order_type"`
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	StopPrice    float64 `json:"stop_price"`
	CredentialID string  `json:"credential_id"`
}

// normalize uppercases the symbolic fields and strips whitespace.
func (r *Request) normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = strings.ToUpper(strings.TrimSpace(r.Side))
	r.OrderType = strings.ToUpper(strings.TrimSpace(r.OrderType))
	r.CredentialID = strings.TrimSpace(r.CredentialID)
}

// validate checks request shape. Price fields are validated per order
// type: MARKET ignores both prices, LIMIT takes a limit price only, and
// STOP_LIMIT takes both. Returns a field-level ValidationError.
func (r *Request) validate() error {
	if r.Symbol == "" {
		return invalid("symbol", "is required")
	}

	switch common.Side(r.Side) {
	case common.SideBuy, common.SideSell:
	default:
		return invalid("side", "must be BUY or SELL")
	}

	if r.Quantity <= 0 {
		return invalid("quantity", "must be positive")
	}

	switch common.OrderType(r.OrderType) {
	case common.OrderTypeMarket:
		// Prices are meaningless on MARKET; drop them rather than reject.
		r.Price = 0
		r.StopPrice = 0
	case common.OrderTypeLimit:
		if r.Price <= 0 {
			return invalid("price", "is required for LIMIT orders")
		}
		if r.StopPrice != 0 {
			return invalid("stop_price", "is only valid for STOP_LIMIT orders")
		}
	case common.OrderTypeStopLimit:
		if r.Price <= 0 {
			return invalid("price", "is required for STOP_LIMIT orders")
		}
		if r.StopPrice <= 0 {
			return invalid("stop_price", "is required for STOP_LIMIT orders")
		}
	default:
		return invalid("order_type", "must be MARKET, LIMIT or STOP_LIMIT")
	}

	return nil
}

// checkStopDirection rejects stop prices on the wrong side of the live
// market: a BUY stop triggers at or above the current price, a SELL stop
// at or below. A stop exactly at the market price is valid.
func checkStopDirection(side common.Side, stopPrice, livePrice float64) error {
	switch side {
	case common.SideBuy:
		if stopPrice < livePrice {
			return invalid("stop_price", "must be at or above the current price for BUY stop orders")
		}
	case common.SideSell:
		if stopPrice > livePrice {
			return invalid("stop_price", "must be at or below the current price for SELL stop orders")
		}
	}
	return nil
}
