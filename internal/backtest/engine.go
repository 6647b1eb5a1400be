// Package backtest replays historical bars through the exact live
// pipeline: dispatcher, strategy engine and order tracker. Only the
// ends differ, a replay source instead of a websocket and a simulated
// broker instead of a real one.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/vsharma2491/trading-algo/internal/broker"
	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/internal/dispatch"
	"github.com/vsharma2491/trading-algo/internal/instruments"
	"github.com/vsharma2491/trading-algo/internal/orders"
	"github.com/vsharma2491/trading-algo/internal/strategy"
	"github.com/vsharma2491/trading-algo/pkg/config"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// Config selects what to replay.
type Config struct {
	SessionID string
	Params    contracts.StrategyParams
	From      time.Time
	To        time.Time

	// Pace inserts a delay between replayed ticks. Zero replays as
	// fast as the pipeline drains.
	Pace time.Duration

	// CE and PE pin the leg contracts. When zero the runner resolves
	// them from the instrument master at the first bar's index price.
	CE contracts.Instrument
	PE contracts.Instrument
}

// Result holds one replayed session's outcome.
type Result struct {
	SessionID string
	From      time.Time
	To        time.Time
	Duration  time.Duration

	TradeCount    int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPnL      float64

	Trades     []contracts.Trade
	FinalState contracts.StrategyState
	Dispatch   dispatch.Stats
}

// Engine wires a replayed session together.
type Engine struct {
	data    contracts.Broker // historical bars for index and legs
	store   orders.Store
	dispCfg config.DispatcherConfig
	ordCfg  config.OrdersConfig
	log     *logger.Logger
}

// NewEngine creates a backtest engine over a historical data broker.
func NewEngine(data contracts.Broker, store orders.Store, dispCfg config.DispatcherConfig, ordCfg config.OrdersConfig, log *logger.Logger) *Engine {
	return &Engine{
		data:    data,
		store:   store,
		dispCfg: dispCfg,
		ordCfg:  ordCfg,
		log:     log.WithComponent("backtest"),
	}
}

// Run replays one session and reports its outcome.
func (e *Engine) Run(ctx context.Context, cfg Config, master *instruments.Master) (*Result, error) {
	started := time.Now()
	window := contracts.Range{From: cfg.From, To: cfg.To}

	ce, pe := cfg.CE, cfg.PE
	if ce.Symbol() == "" || pe.Symbol() == "" {
		resolved, err := e.resolveLegs(ctx, cfg, master, window)
		if err != nil {
			return nil, err
		}
		ce, pe = resolved[0], resolved[1]
	}

	bars, err := e.legBars(ctx, window, ce, pe)
	if err != nil {
		return nil, err
	}

	sim := broker.NewPaper(e.log)
	tracker := orders.NewTracker(e.store, sim, e.ordCfg, e.log)
	disp := dispatch.New(e.dispCfg, e.log)

	eng := strategy.New(strategy.Config{
		SessionID:      cfg.SessionID,
		Params:         cfg.Params,
		CE:             ce,
		PE:             pe,
		SquareOffAtEOF: true,
	}, tracker, e.log)

	sub, err := disp.Subscribe(eng.Instruments()...)
	if err != nil {
		return nil, err
	}

	src := broker.NewQuoteTap(broker.NewReplaySource(bars, cfg.Pace), sim)
	dispErr := make(chan error, 1)
	go func() { dispErr <- disp.Start(ctx, src) }()

	if err := eng.Run(ctx, sub); err != nil {
		return nil, fmt.Errorf("replay session failed: %w", err)
	}
	if err := <-dispErr; err != nil {
		return nil, fmt.Errorf("replay dispatch failed: %w", err)
	}

	trades := eng.ClosedTrades()
	result := &Result{
		SessionID:  cfg.SessionID,
		From:       cfg.From,
		To:         cfg.To,
		Duration:   time.Since(started),
		TradeCount: len(trades),
		TotalPnL:   eng.RealizedPnL(),
		WinRate:    eng.WinRate(),
		Trades:     trades,
		FinalState: eng.State(),
		Dispatch:   disp.Stats(),
	}
	for _, tr := range trades {
		if tr.PnL > 0 {
			result.WinningTrades++
		} else {
			result.LosingTrades++
		}
	}

	e.log.WithFields(map[string]interface{}{
		"session": cfg.SessionID,
		"trades":  result.TradeCount,
		"pnl":     result.TotalPnL,
		"winrate": result.WinRate,
	}).Info("Backtest complete")
	return result, nil
}

// resolveLegs picks both leg contracts from the index price at the
// start of the window, quoting candidates from their first bar so the
// selection sees only information available at session start.
func (e *Engine) resolveLegs(ctx context.Context, cfg Config, master *instruments.Master, window contracts.Range) ([2]contracts.Instrument, error) {
	var none [2]contracts.Instrument
	if master == nil {
		return none, fmt.Errorf("leg resolution needs an instrument master")
	}

	index := contracts.ParseIndex(cfg.Params.IndexSymbol)
	indexBars, err := e.data.GetHistorical(ctx, index, window)
	if err != nil {
		return none, fmt.Errorf("failed to load index history: %w", err)
	}
	if len(indexBars) == 0 {
		return none, fmt.Errorf("no index bars between %s and %s", cfg.From.Format("2006-01-02"), cfg.To.Format("2006-01-02"))
	}
	spot := indexBars[0].Open

	selector := instruments.NewSelector(master, &openingQuoter{data: e.data, window: window}, cfg.Params, e.log)
	ce, pe, err := selector.SelectLegs(ctx, spot)
	if err != nil {
		return none, err
	}
	return [2]contracts.Instrument{ce, pe}, nil
}

func (e *Engine) legBars(ctx context.Context, window contracts.Range, legs ...contracts.Instrument) ([]contracts.Bar, error) {
	var bars []contracts.Bar
	for _, leg := range legs {
		legBars, err := e.data.GetHistorical(ctx, leg, window)
		if err != nil {
			return nil, fmt.Errorf("failed to load history for %s: %w", leg.Symbol(), err)
		}
		if len(legBars) == 0 {
			return nil, fmt.Errorf("no bars for %s in window", leg.Symbol())
		}
		bars = append(bars, legBars...)
	}
	return bars, nil
}

// openingQuoter quotes an instrument at the open of its first bar in
// the replay window.
type openingQuoter struct {
	data   contracts.Broker
	window contracts.Range
}

func (q *openingQuoter) GetQuote(ctx context.Context, instrument contracts.Instrument) (float64, error) {
	bars, err := q.data.GetHistorical(ctx, instrument, q.window)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("no bars for %s in window", instrument.Symbol())
	}
	return bars[0].Open, nil
}
