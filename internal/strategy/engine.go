// Package strategy implements the Survivor option-selling session engine.
//
// The engine is a single actor: one goroutine owns the session state and
// consumes market ticks and order updates. All trading decisions happen
// on that goroutine; readers get copies through the snapshot accessors.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/internal/dispatch"
	"github.com/vsharma2491/trading-algo/internal/orders"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

const (
	// tickBuffer bounds the tick event queue between the pump goroutine
	// and the run loop.
	tickBuffer = 256

	// orderBuffer bounds the order update queue. Order updates flow on
	// their own channel so a saturated tick queue can never block the
	// tracker's update callback. A session places a handful of orders,
	// each producing a few transitions, so this never fills.
	orderBuffer = 64
)

type command int

const (
	cmdSquareOff command = iota
	cmdEOF
)

// Config freezes everything a session needs before the first tick.
type Config struct {
	SessionID string
	Params    contracts.StrategyParams
	CE        contracts.Instrument // resolved call strike
	PE        contracts.Instrument // resolved put strike

	// SquareOffAtEOF forces an exit of open legs when the tick source
	// drains. Backtests set it so every run produces a closed report;
	// live sessions leave it off and resume after reconnect instead.
	SquareOffAtEOF bool
}

// Engine drives one Survivor session from entry to close.
type Engine struct {
	cfg     Config
	tracker *orders.Tracker
	log     *logger.Logger

	ticks    chan contracts.Tick
	updates  chan contracts.Order
	commands chan command

	// mu guards state, trades and orderLegs. The run loop is the only
	// writer; the snapshot accessors are the readers.
	mu        sync.RWMutex
	state     *contracts.StrategyState
	trades    []contracts.Trade
	orderLegs map[string]legRole // client order id -> role
}

// legRole ties an order back to the leg and lifecycle side it serves.
type legRole struct {
	leg   contracts.LegID
	entry bool
}

// New builds an engine for a fresh session.
func New(cfg Config, tracker *orders.Tracker, log *logger.Logger) *Engine {
	state := &contracts.StrategyState{
		SessionID: cfg.SessionID,
		Params:    cfg.Params,
		Phase:     contracts.PhaseIdle,
		Legs: map[contracts.LegID]contracts.LegState{
			contracts.LegCE: {
				ID:         contracts.LegCE,
				Instrument: cfg.CE,
				Status:     contracts.LegPendingEntry,
				Qty:        cfg.Params.CEQuantity,
			},
			contracts.LegPE: {
				ID:         contracts.LegPE,
				Instrument: cfg.PE,
				Status:     contracts.LegPendingEntry,
				Qty:        cfg.Params.PEQuantity,
			},
		},
		LastSeq:   make(map[string]uint64),
		StartedAt: time.Now().UTC(),
	}
	return newEngine(cfg, tracker, log, state)
}

// Resume rebuilds an engine over a previously persisted session. Order
// linkage is restored from the state's leg records, so in-flight exits
// pick up where they left off.
func Resume(cfg Config, tracker *orders.Tracker, log *logger.Logger, state *contracts.StrategyState) *Engine {
	cfg.SessionID = state.SessionID
	cfg.Params = state.Params
	if leg, ok := state.Legs[contracts.LegCE]; ok {
		cfg.CE = leg.Instrument
	}
	if leg, ok := state.Legs[contracts.LegPE]; ok {
		cfg.PE = leg.Instrument
	}
	if state.LastSeq == nil {
		state.LastSeq = make(map[string]uint64)
	}
	e := newEngine(cfg, tracker, log, state)
	for _, leg := range state.Legs {
		if leg.EntryOrderID != "" {
			e.orderLegs[leg.EntryOrderID] = legRole{leg: leg.ID, entry: true}
		}
		if leg.ExitOrderID != "" {
			e.orderLegs[leg.ExitOrderID] = legRole{leg: leg.ID}
		}
	}
	return e
}

func newEngine(cfg Config, tracker *orders.Tracker, log *logger.Logger, state *contracts.StrategyState) *Engine {
	e := &Engine{
		cfg:       cfg,
		tracker:   tracker,
		log:       log.WithComponent("strategy"),
		ticks:     make(chan contracts.Tick, tickBuffer),
		updates:   make(chan contracts.Order, orderBuffer),
		commands:  make(chan command, 2),
		state:     state,
		orderLegs: make(map[string]legRole),
	}
	tracker.OnUpdate(func(order contracts.Order) {
		e.updates <- order
	})
	return e
}

// Instruments returns the two leg contracts of this session.
func (e *Engine) Instruments() []contracts.Instrument {
	return []contracts.Instrument{e.cfg.CE, e.cfg.PE}
}

// SquareOff asks the run loop to exit every open leg. Non-blocking; the
// exits happen on the engine goroutine.
func (e *Engine) SquareOff() {
	select {
	case e.commands <- cmdSquareOff:
	default:
	}
}

// Run consumes the subscription until the session closes, the source
// drains or the context is cancelled. It must be called exactly once.
func (e *Engine) Run(ctx context.Context, sub *dispatch.Subscription) error {
	e.mu.Lock()
	if e.state.Phase == contracts.PhaseIdle {
		e.state.Phase = contracts.PhaseAwaitingEntry
	}
	// A resumed session may carry orders whose terminal transition hit
	// the store while no engine was listening. Replay them before the
	// first tick so an interrupted exit completes without fresh data.
	e.syncOrders(ctx)
	e.persist(ctx)
	closed := e.state.Phase.IsTerminal()
	e.mu.Unlock()
	if closed {
		e.logClosed()
		return nil
	}

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go e.pump(pumpCtx, sub)

	e.log.WithFields(map[string]interface{}{
		"session": e.state.SessionID,
		"ce":      e.cfg.CE.Symbol(),
		"pe":      e.cfg.PE.Symbol(),
		"phase":   e.state.Phase,
	}).Info("Survivor session running")

	for {
		// Order updates drain before ticks, and ticks before commands.
		// The end-of-stream command therefore only runs once every tick
		// already queued has been applied.
		select {
		case order := <-e.updates:
			e.mu.Lock()
			e.handleOrderUpdate(ctx, order)
			e.mu.Unlock()
		default:
			select {
			case tick := <-e.ticks:
				e.mu.Lock()
				e.handleTick(ctx, tick)
				e.mu.Unlock()
			default:
				done, err := e.waitEvent(ctx)
				if done {
					return err
				}
			}
		}

		e.mu.RLock()
		closed := e.state.Phase.IsTerminal()
		e.mu.RUnlock()
		if closed {
			e.mu.Lock()
			e.persist(ctx)
			e.mu.Unlock()
			e.logClosed()
			return nil
		}
	}
}

// waitEvent blocks for the next event when both priority queues are
// empty. It reports done=true when Run should return.
func (e *Engine) waitEvent(ctx context.Context) (done bool, err error) {
	select {
	case <-ctx.Done():
		e.mu.Lock()
		e.persist(context.Background())
		e.mu.Unlock()
		return true, ctx.Err()

	case order := <-e.updates:
		e.mu.Lock()
		e.handleOrderUpdate(ctx, order)
		e.mu.Unlock()

	case tick := <-e.ticks:
		e.mu.Lock()
		e.handleTick(ctx, tick)
		e.mu.Unlock()

	case cmd := <-e.commands:
		switch cmd {
		case cmdSquareOff:
			e.mu.Lock()
			e.drainPending(ctx)
			e.squareOff(ctx)
			e.mu.Unlock()
		case cmdEOF:
			e.mu.Lock()
			// Everything the source emitted is already queued by the
			// time end-of-stream lands; apply it before closing out.
			e.drainPending(ctx)
			if e.cfg.SquareOffAtEOF {
				e.squareOff(ctx)
				e.drainPending(ctx)
				e.expireUnentered()
			}
			e.persist(ctx)
			closed := e.state.Phase.IsTerminal()
			e.mu.Unlock()
			if closed {
				e.logClosed()
				return true, nil
			}
			// Live feed closed with the position still open. The state
			// is persisted; a restart resumes the session.
			e.log.Warn("Tick source drained with session still open")
			return true, io.EOF
		}
	}
	return false, nil
}

func (e *Engine) logClosed() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.log.WithFields(map[string]interface{}{
		"session": e.state.SessionID,
		"pnl":     e.state.RealizedPnL,
		"trades":  len(e.trades),
	}).Info("Survivor session closed")
}

// pump moves ticks from the subscription onto the tick queue so the run
// loop stays a single consumer.
func (e *Engine) pump(ctx context.Context, sub *dispatch.Subscription) {
	for {
		tick, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				select {
				case e.commands <- cmdEOF:
				case <-ctx.Done():
				}
			}
			return
		}
		select {
		case e.ticks <- tick:
		case <-ctx.Done():
			return
		}
	}
}

// drainPending applies every already-queued order update and tick,
// updates first. Called with the state lock held.
func (e *Engine) drainPending(ctx context.Context) {
	for {
		select {
		case order := <-e.updates:
			e.handleOrderUpdate(ctx, order)
			continue
		default:
		}
		select {
		case tick := <-e.ticks:
			e.handleTick(ctx, tick)
			continue
		default:
		}
		return
	}
}

// syncOrders replays the tracker's view of every linked order and keeps
// watching the ones still open. Called with the state lock held.
func (e *Engine) syncOrders(ctx context.Context) {
	for _, legID := range e.legOrder() {
		leg := e.state.Legs[legID]
		if leg.Status.Done() {
			continue
		}
		for _, clientID := range []string{leg.EntryOrderID, leg.ExitOrderID} {
			if clientID == "" {
				continue
			}
			order, err := e.tracker.Get(ctx, clientID)
			if err != nil {
				e.log.WithError(err).WithField("client_id", clientID).
					Warn("Linked order missing from store, leaving leg as is")
				continue
			}
			e.handleOrderUpdate(ctx, order)
			if !order.Status.IsTerminal() {
				if err := e.tracker.Watch(ctx, clientID); err != nil {
					e.log.WithError(err).WithField("client_id", clientID).
						Warn("Failed to watch open order")
				}
			}
		}
	}
}

func (e *Engine) handleTick(ctx context.Context, tick contracts.Tick) {
	key := tick.Instrument.Key()
	e.state.LastSeq[key] = tick.Seq

	legID, ok := e.legForKey(key)
	if !ok {
		return
	}
	leg := e.state.Legs[legID]
	leg.LastPrice = tick.LastPrice
	e.state.Legs[legID] = leg

	switch leg.Status {
	case contracts.LegPendingEntry:
		if leg.EntryOrderID == "" {
			e.enterLeg(ctx, legID, tick.LastPrice)
		}
	case contracts.LegActive:
		if reason := e.exitReason(tick.LastPrice); reason != "" {
			e.exitLeg(ctx, legID, reason)
		}
	}
}

// exitReason evaluates the two exit conditions against a leg premium.
// The target comparison is inclusive: decay TO the minimum sell price
// counts, not just below it.
func (e *Engine) exitReason(price float64) string {
	p := e.state.Params
	if price <= p.MinPriceToSell {
		return "target"
	}
	if p.StopLossPrice > 0 && price >= p.StopLossPrice {
		return "stoploss"
	}
	return ""
}

// enterLeg sells the leg at market on its first observed premium.
func (e *Engine) enterLeg(ctx context.Context, legID contracts.LegID, price float64) {
	leg := e.state.Legs[legID]
	if price <= e.state.Params.MinPriceToSell {
		// Premium already at or under the exit target; selling it would
		// open a position with no room to decay. Skip this leg.
		e.log.WithFields(map[string]interface{}{
			"leg":   legID,
			"price": price,
		}).Warn("Leg premium already at exit target, not entering")
		leg.Status = contracts.LegExpired
		e.state.Legs[legID] = leg
		e.recomputePhase()
		return
	}

	order, err := e.tracker.Submit(ctx, contracts.OrderIntent{
		SessionID:  e.state.SessionID,
		Instrument: leg.Instrument,
		Side:       contracts.OrderSideSell,
		Qty:        leg.Qty,
		Price:      price,
		Tag:        fmt.Sprintf("entry-%s", legID),
	})
	if order != nil {
		leg = e.state.Legs[legID]
		leg.EntryOrderID = order.ClientID
		e.state.Legs[legID] = leg
		e.orderLegs[order.ClientID] = legRole{leg: legID, entry: true}
	}
	if err != nil {
		e.failLeg(ctx, legID, "entry", err)
		return
	}
	e.persist(ctx)
}

// exitLeg buys the leg back at market. The leg is marked EXITING
// immediately so later ticks cannot trigger a second exit order.
func (e *Engine) exitLeg(ctx context.Context, legID contracts.LegID, reason string) {
	leg := e.state.Legs[legID]
	leg.Status = contracts.LegExiting
	e.state.Legs[legID] = leg
	e.recomputePhase()

	e.log.WithFields(map[string]interface{}{
		"leg":    legID,
		"reason": reason,
		"price":  leg.LastPrice,
	}).Info("Exiting leg")

	order, err := e.tracker.Submit(ctx, contracts.OrderIntent{
		SessionID:  e.state.SessionID,
		Instrument: leg.Instrument,
		Side:       contracts.OrderSideBuy,
		Qty:        leg.Qty,
		Price:      leg.LastPrice,
		Tag:        fmt.Sprintf("exit-%s-%s", legID, reason),
	})
	if order != nil {
		leg = e.state.Legs[legID]
		leg.ExitOrderID = order.ClientID
		e.state.Legs[legID] = leg
		e.orderLegs[order.ClientID] = legRole{leg: legID}
	}
	if err != nil {
		e.failLeg(ctx, legID, "exit", err)
		return
	}
	e.persist(ctx)
}

func (e *Engine) handleOrderUpdate(ctx context.Context, order contracts.Order) {
	role, ok := e.orderLegs[order.ClientID]
	if !ok {
		return
	}
	leg := e.state.Legs[role.leg]
	if leg.Status.Done() {
		return
	}

	switch order.Status {
	case contracts.StatusAcknowledged:
		// A live entry order means the leg is working even before the
		// fill confirmation lands. Activate it on the acknowledgment so
		// exit conditions are evaluated; the fill refines EntryPrice.
		if role.entry && leg.Status == contracts.LegPendingEntry {
			leg.Status = contracts.LegActive
			if leg.EntryPrice == 0 {
				leg.EntryPrice = order.LimitPrice
			}
			e.state.Legs[role.leg] = leg
			e.log.WithFields(map[string]interface{}{
				"leg":   role.leg,
				"price": leg.EntryPrice,
			}).Info("Leg entry acknowledged")
			e.recomputePhase()
			e.persist(ctx)
		}

	case contracts.StatusFilled:
		if role.entry {
			if leg.Status != contracts.LegPendingEntry && leg.Status != contracts.LegActive {
				// An exit is already in flight; a replayed entry fill
				// must not regress the leg.
				return
			}
			leg.Status = contracts.LegActive
			leg.EntryPrice = order.FillPrice
			e.state.Legs[role.leg] = leg
			e.log.WithFields(map[string]interface{}{
				"leg":   role.leg,
				"price": order.FillPrice,
				"qty":   order.FilledQty,
			}).Info("Leg entered")
			// The premium may already satisfy an exit condition by fill
			// time; the next tick for the leg decides.
		} else {
			leg.Status = contracts.LegExited
			leg.ExitPrice = order.FillPrice
			e.state.Legs[role.leg] = leg
			e.bookTrade(leg, order)
		}
		e.recomputePhase()
		e.persist(ctx)

	case contracts.StatusRejected, contracts.StatusCancelled, contracts.StatusLocalOrphan:
		side := "exit"
		if role.entry {
			side = "entry"
		}
		e.failLeg(ctx, role.leg, side, fmt.Errorf("order %s ended %s", order.ClientID, order.Status))
	}
}

// bookTrade records the closed round trip. Short premium: profit is
// entry minus exit.
func (e *Engine) bookTrade(leg contracts.LegState, exit contracts.Order) {
	pnl := (leg.EntryPrice - exit.FillPrice) * float64(leg.Qty)
	trade := contracts.Trade{
		Leg:        leg.ID,
		Instrument: leg.Instrument,
		Qty:        leg.Qty,
		EntryPrice: leg.EntryPrice,
		ExitPrice:  exit.FillPrice,
		PnL:        pnl,
		ClosedAt:   exit.UpdatedAt,
	}
	e.trades = append(e.trades, trade)
	e.state.RealizedPnL += pnl
	e.log.WithFields(map[string]interface{}{
		"leg":   leg.ID,
		"entry": leg.EntryPrice,
		"exit":  exit.FillPrice,
		"pnl":   pnl,
	}).Info("Trade closed")
}

// failLeg halts automated action for one leg. The sibling keeps trading.
func (e *Engine) failLeg(ctx context.Context, legID contracts.LegID, side string, err error) {
	leg := e.state.Legs[legID]
	leg.Status = contracts.LegFailed
	e.state.Legs[legID] = leg
	e.log.WithError(err).WithFields(map[string]interface{}{
		"leg":  legID,
		"side": side,
	}).Error("Leg failed, automated action halted for this leg")
	e.recomputePhase()
	e.persist(ctx)
}

// squareOff force-exits every open leg in the configured priority order.
func (e *Engine) squareOff(ctx context.Context) {
	for _, legID := range e.legOrder() {
		if e.state.Legs[legID].Status == contracts.LegActive {
			e.exitLeg(ctx, legID, "squareoff")
		}
	}
}

// expireUnentered marks legs that never placed an entry order as
// EXPIRED so a drained backtest always closes. A leg with an entry
// order outstanding is NOT expired; its broker outcome is still live.
func (e *Engine) expireUnentered() {
	for legID, leg := range e.state.Legs {
		if leg.Status == contracts.LegPendingEntry && leg.EntryOrderID == "" {
			leg.Status = contracts.LegExpired
			e.state.Legs[legID] = leg
		}
	}
	e.recomputePhase()
}

// legOrder returns both legs with the exit-priority leg first.
func (e *Engine) legOrder() []contracts.LegID {
	if e.state.Params.ExitPriority == "PE_FIRST" {
		return []contracts.LegID{contracts.LegPE, contracts.LegCE}
	}
	return []contracts.LegID{contracts.LegCE, contracts.LegPE}
}

func (e *Engine) legForKey(key string) (contracts.LegID, bool) {
	switch key {
	case e.cfg.CE.Key():
		return contracts.LegCE, true
	case e.cfg.PE.Key():
		return contracts.LegPE, true
	}
	return "", false
}

// recomputePhase derives the session phase from the two leg statuses.
func (e *Engine) recomputePhase() {
	ce := e.state.Legs[contracts.LegCE]
	pe := e.state.Legs[contracts.LegPE]

	switch {
	case ce.Status.Done() && pe.Status.Done():
		if !e.state.Phase.IsTerminal() {
			e.state.Phase = contracts.PhaseClosed
			e.state.ClosedAt = time.Now().UTC()
		}
	case ce.Status == contracts.LegExiting && pe.Status == contracts.LegExiting:
		e.state.Phase = contracts.PhaseExitBoth
	case ce.Status == contracts.LegExiting || (ce.Status.Done() && !pe.Status.Done()):
		e.state.Phase = contracts.PhaseExitCE
	case pe.Status == contracts.LegExiting || (pe.Status.Done() && !ce.Status.Done()):
		e.state.Phase = contracts.PhaseExitPE
	case ce.Status == contracts.LegActive && pe.Status == contracts.LegActive:
		e.state.Phase = contracts.PhaseLegsActive
	}
}

func (e *Engine) persist(ctx context.Context) {
	if err := e.tracker.SaveState(ctx, e.state); err != nil {
		e.log.WithError(err).Error("Failed to persist session state")
	}
}

// State returns a deep copy of the current session state.
func (e *Engine) State() contracts.StrategyState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := *e.state
	snap.Legs = make(map[contracts.LegID]contracts.LegState, len(e.state.Legs))
	for id, leg := range e.state.Legs {
		snap.Legs[id] = leg
	}
	snap.LastSeq = make(map[string]uint64, len(e.state.LastSeq))
	for k, v := range e.state.LastSeq {
		snap.LastSeq[k] = v
	}
	return snap
}

// ClosedTrades returns the round trips booked so far, oldest first.
func (e *Engine) ClosedTrades() []contracts.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]contracts.Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// RealizedPnL returns the session's booked profit and loss.
func (e *Engine) RealizedPnL() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.RealizedPnL
}

// WinRate returns the fraction of closed trades with positive PnL,
// or zero when nothing has closed.
func (e *Engine) WinRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.trades) == 0 {
		return 0
	}
	wins := 0
	for _, tr := range e.trades {
		if tr.PnL > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(e.trades))
}
