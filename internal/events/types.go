package events

import "time"

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventOrderUpdate          Event = "order_update"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventOrderCancelled       Event = "order.cancelled"
)

// OrderUpdate is the payload published on every order state change.
type OrderUpdate struct {
	OrderID         int64     `json:"order_id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	UserID          string    `json:"user_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Status          string    `json:"status"`
	ExecutedQty     float64   `json:"executed_qty"`
	Quantity        float64   `json:"quantity"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
