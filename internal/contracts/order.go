package contracts

import "time"

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus is the lifecycle status of an order. Identity fields never
// mutate; only status and fill fields do, and only through the tracker.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusAcknowledged    OrderStatus = "ACKNOWLEDGED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"

	// StatusLocalOrphan marks a persisted order the broker has no record
	// of after reconciliation. Requires operator review.
	StatusLocalOrphan OrderStatus = "LOCAL_ONLY_ORPHAN"
)

// IsTerminal reports whether the status ends the order lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusLocalOrphan:
		return true
	}
	return false
}

// Order is the tracked record of one broker order.
type Order struct {
	ClientID   string      `json:"client_id"`
	BrokerID   string      `json:"broker_id,omitempty"` // empty until acknowledged
	SessionID  string      `json:"session_id"`
	Instrument Instrument  `json:"instrument"`
	Side       OrderSide   `json:"side"`
	Qty        int         `json:"qty"`
	LimitPrice float64     `json:"limit_price,omitempty"` // 0 means market
	Status     OrderStatus `json:"status"`
	FilledQty  int         `json:"filled_qty"`
	FillPrice  float64     `json:"fill_price"`
	Tag        string      `json:"tag,omitempty"`
	PlacedAt   time.Time   `json:"placed_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Archived   bool        `json:"archived,omitempty"`
}

// IsFilled checks if the order is fully filled.
func (o *Order) IsFilled() bool {
	return o.Status == StatusFilled
}

// Active reports whether the order still counts toward an open position,
// meaning the broker may still fill it.
func (o *Order) Active() bool {
	return !o.Status.IsTerminal()
}

// OrderIntent is what the strategy engine asks the tracker to execute.
// The tracker assigns the client identifier and owns all persistence.
type OrderIntent struct {
	SessionID  string
	Instrument Instrument
	Side       OrderSide
	Qty        int
	Price      float64 // protection price; 0 for market
	Tag        string
}

// Fill carries fill details attached to a status update.
type Fill struct {
	Qty   int     `json:"qty"`
	Price float64 `json:"price"`
}
