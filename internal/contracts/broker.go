package contracts

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrOrderRejected is a terminal broker error: the order was
	// explicitly refused and must not be retried blindly.
	ErrOrderRejected = errors.New("order rejected by broker")

	// ErrUnknownOrder is returned when the broker has no record of the
	// referenced order.
	ErrUnknownOrder = errors.New("broker has no record of order")
)

// BrokerSession is the result of a successful authentication.
type BrokerSession struct {
	AccessToken string
	UserID      string
	ExpiresAt   time.Time
}

// Range selects a historical data window.
type Range struct {
	From time.Time
	To   time.Time
}

// OrderSpec is the broker-facing order request shape.
type OrderSpec struct {
	Instrument Instrument
	Side       OrderSide
	Qty        int
	Price      float64 // 0 for market
	Tag        string
}

// BrokerOrderRef is the broker-assigned order identifier.
type BrokerOrderRef string

// BrokerOrderStatus is the broker's view of an order, used during
// reconciliation and status polling.
type BrokerOrderStatus struct {
	Ref       BrokerOrderRef
	Status    OrderStatus
	FilledQty int
	AvgPrice  float64
	UpdatedAt time.Time
}

// Broker is the capability interface every brokerage integration must
// satisfy. Strategy and dispatcher code depend only on this contract,
// never on a concrete brokerage type.
type Broker interface {
	// Authenticate establishes a broker session.
	Authenticate(ctx context.Context) (*BrokerSession, error)

	// SubscribeTicks opens a live tick stream for the given instruments.
	SubscribeTicks(ctx context.Context, instruments []Instrument) (TickSource, error)

	// GetHistorical retrieves bars for an instrument within a range.
	GetHistorical(ctx context.Context, instrument Instrument, r Range) ([]Bar, error)

	// GetQuote returns the last traded price for an instrument.
	GetQuote(ctx context.Context, instrument Instrument) (float64, error)

	// PlaceOrder submits an order and returns the broker reference.
	PlaceOrder(ctx context.Context, spec OrderSpec) (BrokerOrderRef, error)

	// ModifyOrder replaces the working spec of an open order.
	ModifyOrder(ctx context.Context, ref BrokerOrderRef, spec OrderSpec) error

	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, ref BrokerOrderRef) error

	// GetOrderStatus returns the broker's current view of an order.
	GetOrderStatus(ctx context.Context, ref BrokerOrderRef) (*BrokerOrderStatus, error)
}
