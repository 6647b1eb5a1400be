package contracts

import "time"

// Phase is the session-level strategy state.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseAwaitingEntry Phase = "AWAITING_ENTRY"
	PhaseLegsActive    Phase = "LEGS_ACTIVE"
	PhaseExitCE        Phase = "EXIT_CE"
	PhaseExitPE        Phase = "EXIT_PE"
	PhaseExitBoth      Phase = "EXIT_BOTH"
	PhaseClosed        Phase = "CLOSED"
)

// IsTerminal reports whether the session has ended.
func (p Phase) IsTerminal() bool {
	return p == PhaseClosed
}

// LegID names one side of the two-sided position.
type LegID string

const (
	LegCE LegID = "CE"
	LegPE LegID = "PE"
)

// LegStatus is the independent per-leg state projection. A leg whose
// sibling has exited keeps its own status until its own condition fires.
type LegStatus string

const (
	LegPendingEntry LegStatus = "PENDING_ENTRY"
	LegActive       LegStatus = "ACTIVE"
	LegExiting      LegStatus = "EXITING"
	LegExited       LegStatus = "EXITED"
	LegExpired      LegStatus = "EXPIRED"

	// LegFailed halts all automated action for the leg after broker
	// retries are exhausted. The sibling leg continues independently.
	LegFailed LegStatus = "FAILED"
)

// Done reports whether the leg needs no further automated action.
func (s LegStatus) Done() bool {
	return s == LegExited || s == LegExpired || s == LegFailed
}

// LegState tracks one leg of the position.
type LegState struct {
	ID           LegID      `json:"id"`
	Instrument   Instrument `json:"instrument"`
	Status       LegStatus  `json:"status"`
	EntryOrderID string     `json:"entry_order_id,omitempty"`
	ExitOrderID  string     `json:"exit_order_id,omitempty"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    float64    `json:"exit_price"`
	Qty          int        `json:"qty"`
	LastPrice    float64    `json:"last_price"`
}

// StrategyParams is the configuration snapshot frozen into a session.
type StrategyParams struct {
	SymbolInitials string  `json:"symbol_initials"`
	IndexSymbol    string  `json:"index_symbol"`
	Exchange       string  `json:"exchange"`
	CEGap          int64   `json:"ce_gap"`
	PEGap          int64   `json:"pe_gap"`
	CEQuantity     int     `json:"ce_quantity"`
	PEQuantity     int     `json:"pe_quantity"`
	MinPriceToSell float64 `json:"min_price_to_sell"`
	StopLossPrice  float64 `json:"stop_loss_price"`
	LotSize        int     `json:"lot_size"`
	ExitPriority   string  `json:"exit_priority"` // CE_FIRST or PE_FIRST
}

// StrategyState is the engine's persisted session record. Owned
// exclusively by the strategy engine; the tracker's store only carries it.
type StrategyState struct {
	SessionID   string             `json:"session_id"`
	Params      StrategyParams     `json:"params"`
	Phase       Phase              `json:"phase"`
	Legs        map[LegID]LegState `json:"legs"`
	RealizedPnL float64            `json:"realized_pnl"`
	LastSeq     map[string]uint64  `json:"last_seq"` // by instrument key
	StartedAt   time.Time          `json:"started_at"`
	ClosedAt    time.Time          `json:"closed_at,omitempty"`
}

// Trade is one closed round trip, exposed for reporting.
type Trade struct {
	Leg        LegID      `json:"leg"`
	Instrument Instrument `json:"instrument"`
	Qty        int        `json:"qty"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	PnL        float64    `json:"pnl"`
	ClosedAt   time.Time  `json:"closed_at"`
}
