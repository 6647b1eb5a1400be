package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/internal/dispatch"
	"github.com/vsharma2491/trading-algo/internal/orders"
	"github.com/vsharma2491/trading-algo/internal/strategy"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// SessionSource lets the handlers observe a running session without
// owning it. A live session.Runner satisfies it; accessors return nil
// until the session has started.
type SessionSource interface {
	Engine() *strategy.Engine
	Tracker() *orders.Tracker
	Dispatch() dispatch.Stats
}

// Handler serves the read-only status endpoints.
type Handler struct {
	session SessionSource
	logger  *logger.Logger
}

// NewHandler creates a status handler over a session source.
func NewHandler(session SessionSource, log *logger.Logger) *Handler {
	return &Handler{session: session, logger: log.WithComponent("api")}
}

// StatusResponse is the session snapshot returned by GetStatus.
type StatusResponse struct {
	SessionID   string                                 `json:"session_id"`
	Phase       contracts.Phase                        `json:"phase"`
	StartedAt   time.Time                              `json:"started_at"`
	ClosedAt    *time.Time                             `json:"closed_at,omitempty"`
	Legs        map[contracts.LegID]contracts.LegState `json:"legs"`
	RealizedPnL float64                                `json:"realized_pnl"`
	WinRate     float64                                `json:"win_rate"`
	Dispatch    dispatch.Stats                         `json:"dispatch"`
}

// GetStatus returns the current session phase, legs and P&L.
// GET /api/v1/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	eng := h.session.Engine()
	if eng == nil {
		respondError(w, http.StatusServiceUnavailable, "No active session")
		return
	}

	state := eng.State()
	resp := StatusResponse{
		SessionID:   state.SessionID,
		Phase:       state.Phase,
		StartedAt:   state.StartedAt,
		Legs:        state.Legs,
		RealizedPnL: eng.RealizedPnL(),
		WinRate:     eng.WinRate(),
		Dispatch:    h.session.Dispatch(),
	}
	if !state.ClosedAt.IsZero() {
		closed := state.ClosedAt
		resp.ClosedAt = &closed
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetOrders returns every order of the current session, oldest first.
// GET /api/v1/orders
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	tracker := h.session.Tracker()
	if tracker == nil {
		respondError(w, http.StatusServiceUnavailable, "No active session")
		return
	}

	snapshot, err := tracker.Snapshot(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to snapshot orders")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve orders")
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}

// GetTrades returns the closed round trips of the current session.
// GET /api/v1/trades
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	eng := h.session.Engine()
	if eng == nil {
		respondError(w, http.StatusServiceUnavailable, "No active session")
		return
	}

	respondJSON(w, http.StatusOK, eng.ClosedTrades())
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
