// Package session owns the lifecycle of one live trading day: config
// pre-flight, broker login, reconciliation, strike selection, the tick
// pipeline, the scheduled square-off and graceful shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vsharma2491/trading-algo/internal/backtest"
	"github.com/vsharma2491/trading-algo/internal/broker"
	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/internal/dispatch"
	"github.com/vsharma2491/trading-algo/internal/instruments"
	"github.com/vsharma2491/trading-algo/internal/orders"
	"github.com/vsharma2491/trading-algo/internal/scheduler"
	"github.com/vsharma2491/trading-algo/internal/scheduler/jobs"
	"github.com/vsharma2491/trading-algo/internal/strategy"
	"github.com/vsharma2491/trading-algo/pkg/config"
	"github.com/vsharma2491/trading-algo/pkg/database"
	"github.com/vsharma2491/trading-algo/pkg/httputil"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

var (
	// ErrDefaultParams blocks a live run whose strategy parameters are
	// all untouched defaults. Pass force to trade them anyway.
	ErrDefaultParams = errors.New("strategy parameters are shipped defaults")

	// ErrOrphanedOrders blocks a resume while reconciliation found
	// orders the broker does not know. An operator must resolve them.
	ErrOrphanedOrders = errors.New("reconciliation found orphaned orders")
)

// Options tune one invocation of the runner.
type Options struct {
	// Force accepts default strategy parameters for a live session.
	Force bool
}

// Runner wires and drives a live Survivor session.
type Runner struct {
	cfg *config.Config
	log *logger.Logger

	mu      sync.RWMutex
	eng     *strategy.Engine
	tracker *orders.Tracker
	disp    *dispatch.Dispatcher
}

// NewRunner builds a runner over loaded configuration.
func NewRunner(cfg *config.Config, log *logger.Logger) *Runner {
	return &Runner{cfg: cfg, log: log.WithComponent("session")}
}

// Engine exposes the running strategy engine for read-only callers
// such as the status API. Nil until Run has started one.
func (r *Runner) Engine() *strategy.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eng
}

// Tracker exposes the order tracker. Nil until Run has started.
func (r *Runner) Tracker() *orders.Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracker
}

// Dispatch exposes tick delivery counters.
func (r *Runner) Dispatch() dispatch.Stats {
	r.mu.RLock()
	disp := r.disp
	r.mu.RUnlock()

	if disp == nil {
		return dispatch.Stats{}
	}
	return disp.Stats()
}

// SessionID derives the id of the session trading on the given day.
func SessionID(day time.Time) string {
	return "survivor-" + day.Format("2006-01-02")
}

// Run drives a full live session. It returns when the session closes,
// the feed ends, or ctx is cancelled and shutdown completes.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	if r.cfg.IsDefault() && !opts.Force {
		return fmt.Errorf("%w: refusing to trade them, tune the environment or pass --force", ErrDefaultParams)
	}

	store, err := r.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	brk, err := r.openBroker(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tracker = orders.NewTracker(store, brk, r.cfg.Orders, r.log)
	r.mu.Unlock()

	// Broker truth first: a restart must adopt whatever happened while
	// the process was down before it trades again.
	report, err := r.tracker.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	if report.HasOrphans() {
		return fmt.Errorf("%w: %d orphaned, resolve before restarting", ErrOrphanedOrders, len(report.Orphans))
	}

	eng, err := r.buildEngine(ctx, brk)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.eng = eng
	r.mu.Unlock()

	src, err := brk.SubscribeTicks(ctx, eng.Instruments())
	if err != nil {
		return fmt.Errorf("failed to open tick stream: %w", err)
	}
	defer src.Close()

	disp := dispatch.New(r.cfg.Dispatcher, r.log)
	r.mu.Lock()
	r.disp = disp
	r.mu.Unlock()

	sub, err := disp.Subscribe(eng.Instruments()...)
	if err != nil {
		return err
	}

	sched := scheduler.New(r.log)
	if err := sched.AddJob(jobs.NewSquareOff(r.cfg.Strategy.SquareOffCron, eng.SquareOff, r.log)); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = disp.Start(runCtx, src) }()

	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx, sub) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	// Graceful stop: no new entries can happen once the engine winds
	// down, so just flatten the book and give fills a bounded window.
	r.log.Warn("Shutdown requested, squaring off open legs")
	eng.SquareOff()

	select {
	case err := <-done:
		return err
	case <-time.After(r.cfg.Orders.ShutdownTimeout):
		r.log.Error("Shutdown window elapsed with legs still open, forcing stop")
		cancel()
		return <-done
	}
}

// openStore builds the configured order store.
func (r *Runner) openStore(ctx context.Context) (orders.Store, error) {
	switch r.cfg.Orders.Store {
	case "postgres":
		db, err := database.New(ctx, r.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		store := orders.NewPGStore(db.Pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate order schema: %w", err)
		}
		return store, nil
	default:
		return orders.NewFileStore(r.cfg.Orders.DataDir)
	}
}

// openBroker builds and authenticates the configured brokerage.
func (r *Runner) openBroker(ctx context.Context) (contracts.Broker, error) {
	var brk contracts.Broker
	switch r.cfg.Broker.Name {
	case "rest":
		brk = broker.NewREST(r.cfg.Broker, r.log)
	default:
		r.log.Warn("Paper broker selected, no real orders will be placed")
		brk = broker.NewPaper(r.log)
	}

	if _, err := brk.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("broker authentication failed: %w", err)
	}
	return brk, nil
}

// buildEngine resumes today's persisted session if one is open,
// otherwise selects fresh strikes and starts a new one.
func (r *Runner) buildEngine(ctx context.Context, brk contracts.Broker) (*strategy.Engine, error) {
	sessionID := SessionID(time.Now())
	params := ParamsFromConfig(r.cfg.Strategy)

	if state, err := r.tracker.LoadState(ctx, sessionID); err == nil {
		if !state.Phase.IsTerminal() {
			r.log.WithFields(map[string]interface{}{
				"session": sessionID,
				"phase":   state.Phase,
			}).Info("Resuming open session")
			return strategy.Resume(strategy.Config{}, r.tracker, r.log, state), nil
		}
		return nil, fmt.Errorf("session %s already closed today", sessionID)
	} else if !errors.Is(err, orders.ErrNotFound) {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}

	ce, pe, err := r.selectLegs(ctx, brk, params)
	if err != nil {
		return nil, err
	}

	return strategy.New(strategy.Config{
		SessionID: sessionID,
		Params:    params,
		CE:        ce,
		PE:        pe,
	}, r.tracker, r.log), nil
}

// selectLegs downloads the instrument master and resolves both leg
// contracts from the current index price.
func (r *Runner) selectLegs(ctx context.Context, brk contracts.Broker, params contracts.StrategyParams) (ce, pe contracts.Instrument, err error) {
	var none contracts.Instrument

	if r.cfg.Broker.InstrumentsURL == "" {
		return none, none, errors.New("BROKER_INSTRUMENTS_URL is not set, cannot select strikes")
	}

	client := httputil.New(r.log).WithRateLimit(r.cfg.Broker.RatePerSecond, 1)
	master := instruments.NewMaster(client, r.cfg.Broker.InstrumentsURL, r.log)
	if err := master.Download(ctx, params.SymbolInitials); err != nil {
		return none, none, err
	}

	index := contracts.ParseIndex(r.cfg.Strategy.IndexSymbol)
	spot, err := brk.GetQuote(ctx, index)
	if err != nil {
		return none, none, fmt.Errorf("failed to quote index: %w", err)
	}

	selector := instruments.NewSelector(master, brk, params, r.log)
	return selector.SelectLegs(ctx, spot)
}

// Backtest replays a historical window through the same pipeline.
func (r *Runner) Backtest(ctx context.Context, from, to time.Time) (*backtest.Result, error) {
	store, err := r.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	data, err := r.openBroker(ctx)
	if err != nil {
		return nil, err
	}

	client := httputil.New(r.log).WithRateLimit(r.cfg.Broker.RatePerSecond, 1)
	master := instruments.NewMaster(client, r.cfg.Broker.InstrumentsURL, r.log)
	if r.cfg.Broker.InstrumentsURL != "" {
		if err := master.Download(ctx, r.cfg.Strategy.SymbolInitials); err != nil {
			return nil, err
		}
	}

	eng := backtest.NewEngine(data, store, r.cfg.Dispatcher, r.cfg.Orders, r.log)
	return eng.Run(ctx, backtest.Config{
		SessionID: "backtest-" + from.Format("2006-01-02"),
		Params:    ParamsFromConfig(r.cfg.Strategy),
		From:      from,
		To:        to,
	}, master)
}

// Reconcile rebuilds order truth from the broker without trading.
func (r *Runner) Reconcile(ctx context.Context) (*orders.ReconcileReport, error) {
	store, err := r.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	brk, err := r.openBroker(ctx)
	if err != nil {
		return nil, err
	}

	tracker := orders.NewTracker(store, brk, r.cfg.Orders, r.log)
	return tracker.Reconcile(ctx)
}

// ParamsFromConfig freezes tunable configuration into the immutable
// parameter snapshot a session records.
func ParamsFromConfig(s config.StrategyConfig) contracts.StrategyParams {
	return contracts.StrategyParams{
		SymbolInitials: s.SymbolInitials,
		IndexSymbol:    s.IndexSymbol,
		Exchange:       s.Exchange,
		CEGap:          s.CEGap,
		PEGap:          s.PEGap,
		CEQuantity:     s.CEQuantity,
		PEQuantity:     s.PEQuantity,
		MinPriceToSell: s.MinPriceToSell,
		StopLossPrice:  s.StopLossPrice,
		LotSize:        s.LotSize,
		ExitPriority:   s.ExitPriority,
	}
}
