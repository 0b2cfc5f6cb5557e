package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the engine accepts.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus is the canonical lifecycle status. Venue-specific states are
// normalized into this set at the gateway boundary.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusFailed          OrderStatus = "FAILED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether the status can never change again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the five canonical statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPartiallyFilled, StatusFilled, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for LIMIT and STOP_LIMIT
	StopPrice   float64 // required for STOP_LIMIT
	TimeInForce TimeInForce
	ClientID    string // client order id, used to recover orders after a crash
}

// OrderResult returns the exchange ack for a placed order.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	ExecutedQty     float64
	AvgPrice        float64
}

// OrderState is the exchange's authoritative view of an order, as returned
// by a status query.
type OrderState struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	Qty             float64
	ExecutedQty     float64
	Price           float64
	StopPrice       float64
}

// AssetBalance is a single-asset row of an account snapshot.
type AssetBalance struct {
	Asset            string  `json:"asset"`
	WalletBalance    float64 `json:"wallet_balance"`
	AvailableBalance float64 `json:"available_balance"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
}

// Balance is a live account snapshot. Zero-balance assets are omitted.
type Balance struct {
	TotalWalletBalance    float64        `json:"total_wallet_balance"`
	AvailableBalance      float64        `json:"available_balance"`
	TotalMarginBalance    float64        `json:"total_margin_balance"`
	TotalUnrealizedProfit float64        `json:"total_unrealized_profit"`
	Assets                []AssetBalance `json:"assets"`
}
