package orders

import (
	"context"
	"errors"

	"github.com/vsharma2491/trading-algo/internal/contracts"
)

// ErrNotFound is returned when a record does not exist in the store.
var ErrNotFound = errors.New("record not found")

// Store is the durable keyed record store behind the tracker. Records
// are append/update only: terminal orders are archived, never deleted.
// Every write is flushed synchronously so the on-disk view never lags
// the in-memory view by more than one update.
type Store interface {
	// SaveOrder upserts one order record keyed by client order id.
	SaveOrder(ctx context.Context, order *contracts.Order) error

	// GetOrder loads one order by client order id.
	GetOrder(ctx context.Context, clientID string) (*contracts.Order, error)

	// ListOrders returns all persisted orders, archived ones included.
	ListOrders(ctx context.Context) ([]*contracts.Order, error)

	// SaveState upserts the session strategy state keyed by session id.
	SaveState(ctx context.Context, state *contracts.StrategyState) error

	// LoadState loads a session's strategy state.
	LoadState(ctx context.Context, sessionID string) (*contracts.StrategyState, error)

	Close() error
}
