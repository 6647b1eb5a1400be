package strategy

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsharma2491/trading-algo/internal/broker"
	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/internal/dispatch"
	"github.com/vsharma2491/trading-algo/internal/orders"
	"github.com/vsharma2491/trading-algo/pkg/config"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// sliceSource replays a fixed tick slice through the TickSource contract.
type sliceSource struct {
	ticks []contracts.Tick
	pos   int
}

func (s *sliceSource) Next(ctx context.Context) (contracts.Tick, error) {
	if err := ctx.Err(); err != nil {
		return contracts.Tick{}, err
	}
	if s.pos >= len(s.ticks) {
		return contracts.Tick{}, io.EOF
	}
	t := s.ticks[s.pos]
	s.pos++
	return t, nil
}

func (s *sliceSource) Close() error { return nil }

func ceLeg() contracts.Instrument {
	return contracts.Instrument{
		Underlying: "NIFTY25807",
		Exchange:   "NFO",
		Strike:     24700,
		OptionType: contracts.OptionTypeCE,
	}
}

func peLeg() contracts.Instrument {
	return contracts.Instrument{
		Underlying: "NIFTY25807",
		Exchange:   "NFO",
		Strike:     24300,
		OptionType: contracts.OptionTypePE,
	}
}

func testParams() contracts.StrategyParams {
	return contracts.StrategyParams{
		SymbolInitials: "NIFTY25807",
		IndexSymbol:    "NSE:NIFTY 50",
		Exchange:       "NFO",
		CEGap:          200,
		PEGap:          200,
		CEQuantity:     75,
		PEQuantity:     75,
		MinPriceToSell: 15,
		LotSize:        75,
		ExitPriority:   "CE_FIRST",
	}
}

type harness struct {
	paper   *broker.Paper
	tracker *orders.Tracker
	disp    *dispatch.Dispatcher
	eng     *Engine
}

func newHarness(t *testing.T, params contracts.StrategyParams) *harness {
	t.Helper()

	log := logger.Nop()
	paper := broker.NewPaper(log)
	store, err := orders.NewFileStore(t.TempDir())
	require.NoError(t, err)
	tracker := orders.NewTracker(store, paper, config.OrdersConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, log)
	disp := dispatch.New(config.DispatcherConfig{
		BufferCapacity:  64,
		StalenessWindow: 2 * time.Second,
		ReorderDepth:    4,
	}, log)

	eng := New(Config{
		SessionID:      "sess-test",
		Params:         params,
		CE:             ceLeg(),
		PE:             peLeg(),
		SquareOffAtEOF: true,
	}, tracker, log)

	return &harness{paper: paper, tracker: tracker, disp: disp, eng: eng}
}

// run pushes the scripted ticks through the full pipeline and blocks
// until the session ends.
func (h *harness) run(t *testing.T, ticks []contracts.Tick) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := h.disp.Subscribe(h.eng.Instruments()...)
	require.NoError(t, err)

	src := broker.NewQuoteTap(&sliceSource{ticks: ticks}, h.paper)
	go func() { _ = h.disp.Start(ctx, src) }()

	return h.eng.Run(ctx, sub)
}

func tk(ins contracts.Instrument, seq uint64, price float64) contracts.Tick {
	base := time.Date(2025, 8, 7, 9, 30, 0, 0, time.UTC)
	return contracts.Tick{
		Instrument: ins,
		LastPrice:  price,
		Timestamp:  base.Add(time.Duration(seq) * time.Second),
		Seq:        seq,
	}
}

func TestSessionRunsToTargetExit(t *testing.T) {
	h := newHarness(t, testParams())
	require.Equal(t, contracts.PhaseIdle, h.eng.State().Phase)

	ticks := []contracts.Tick{
		tk(ceLeg(), 1, 100),   // entry
		tk(peLeg(), 1, 90),    // entry
		tk(ceLeg(), 2, 60),    // decaying, no exit
		tk(peLeg(), 2, 14),    // at/under target, exit
		tk(ceLeg(), 3, 15.01), // just above target, must hold
		tk(ceLeg(), 4, 15),    // inclusive boundary, exit
	}
	require.NoError(t, h.run(t, ticks))

	state := h.eng.State()
	assert.Equal(t, contracts.PhaseClosed, state.Phase)
	assert.Equal(t, contracts.LegExited, state.Legs[contracts.LegCE].Status)
	assert.Equal(t, contracts.LegExited, state.Legs[contracts.LegPE].Status)

	trades := h.eng.ClosedTrades()
	require.Len(t, trades, 2)

	var ce, pe contracts.Trade
	for _, tr := range trades {
		if tr.Leg == contracts.LegCE {
			ce = tr
		} else {
			pe = tr
		}
	}
	// The 15.01 tick must not have triggered; the exit fills at 15.00.
	assert.Equal(t, 100.0, ce.EntryPrice)
	assert.Equal(t, 15.0, ce.ExitPrice)
	assert.Equal(t, 90.0, pe.EntryPrice)
	assert.Equal(t, 14.0, pe.ExitPrice)

	wantPnL := (100.0-15.0)*75 + (90.0-14.0)*75
	assert.InDelta(t, wantPnL, h.eng.RealizedPnL(), 1e-9)
	assert.Equal(t, 1.0, h.eng.WinRate())
}

func TestNoReentryAfterExit(t *testing.T) {
	h := newHarness(t, testParams())

	ticks := []contracts.Tick{
		tk(ceLeg(), 1, 100),
		tk(peLeg(), 1, 90),
		tk(ceLeg(), 2, 15), // exit
		tk(ceLeg(), 3, 80), // premium recovers, must not re-enter
		tk(ceLeg(), 4, 95),
		tk(peLeg(), 2, 14), // exit
	}
	require.NoError(t, h.run(t, ticks))

	assert.Equal(t, contracts.PhaseClosed, h.eng.State().Phase)
	assert.Len(t, h.eng.ClosedTrades(), 2)

	// Exactly two entries and two exits, nothing else.
	all, err := h.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestFailedLegDoesNotStopSibling(t *testing.T) {
	h := newHarness(t, testParams())
	h.paper.RejectNext(ceLeg(), 1)

	ticks := []contracts.Tick{
		tk(ceLeg(), 1, 100), // entry rejected, leg fails
		tk(peLeg(), 1, 90),
		tk(peLeg(), 2, 14), // sibling exits normally
	}
	require.NoError(t, h.run(t, ticks))

	state := h.eng.State()
	assert.Equal(t, contracts.PhaseClosed, state.Phase)
	assert.Equal(t, contracts.LegFailed, state.Legs[contracts.LegCE].Status)
	assert.Equal(t, contracts.LegExited, state.Legs[contracts.LegPE].Status)

	trades := h.eng.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, contracts.LegPE, trades[0].Leg)
	assert.InDelta(t, (90.0-14.0)*75, h.eng.RealizedPnL(), 1e-9)
}

func TestStopLossExitsLosingLeg(t *testing.T) {
	params := testParams()
	params.StopLossPrice = 200
	h := newHarness(t, params)

	ticks := []contracts.Tick{
		tk(ceLeg(), 1, 100),
		tk(peLeg(), 1, 90),
		tk(ceLeg(), 2, 205), // premium blows through the stop
		tk(peLeg(), 2, 14),
	}
	require.NoError(t, h.run(t, ticks))

	state := h.eng.State()
	assert.Equal(t, contracts.PhaseClosed, state.Phase)

	var ce contracts.Trade
	for _, tr := range h.eng.ClosedTrades() {
		if tr.Leg == contracts.LegCE {
			ce = tr
		}
	}
	assert.Equal(t, 205.0, ce.ExitPrice)
	assert.Less(t, ce.PnL, 0.0)
}

func TestSquareOffAtEOFClosesOpenLegs(t *testing.T) {
	h := newHarness(t, testParams())

	ticks := []contracts.Tick{
		tk(ceLeg(), 1, 100),
		tk(peLeg(), 1, 90),
		tk(ceLeg(), 2, 60), // neither leg reaches the target
		tk(peLeg(), 2, 85),
	}
	require.NoError(t, h.run(t, ticks))

	state := h.eng.State()
	assert.Equal(t, contracts.PhaseClosed, state.Phase)
	require.Len(t, h.eng.ClosedTrades(), 2)

	// Forced exits fill at each leg's last seen premium.
	var ce, pe contracts.Trade
	for _, tr := range h.eng.ClosedTrades() {
		if tr.Leg == contracts.LegCE {
			ce = tr
		} else {
			pe = tr
		}
	}
	assert.Equal(t, 60.0, ce.ExitPrice)
	assert.Equal(t, 85.0, pe.ExitPrice)
	assert.InDelta(t, (100.0-60.0)*75+(90.0-85.0)*75, h.eng.RealizedPnL(), 1e-9)
}

func TestEntrySkippedWhenPremiumAlreadyAtTarget(t *testing.T) {
	h := newHarness(t, testParams())

	ticks := []contracts.Tick{
		tk(ceLeg(), 1, 12), // already at/under the exit target
		tk(peLeg(), 1, 90),
		tk(peLeg(), 2, 14),
	}
	require.NoError(t, h.run(t, ticks))

	state := h.eng.State()
	assert.Equal(t, contracts.PhaseClosed, state.Phase)
	assert.Equal(t, contracts.LegExpired, state.Legs[contracts.LegCE].Status)
	assert.Len(t, h.eng.ClosedTrades(), 1)
}

func TestResumeContinuesOpenSession(t *testing.T) {
	log := logger.Nop()
	paper := broker.NewPaper(log)
	store, err := orders.NewFileStore(t.TempDir())
	require.NoError(t, err)
	tracker := orders.NewTracker(store, paper, config.OrdersConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, log)
	disp := dispatch.New(config.DispatcherConfig{
		BufferCapacity:  64,
		StalenessWindow: 2 * time.Second,
		ReorderDepth:    4,
	}, log)

	// A session persisted mid-flight: both legs active, entries filled.
	prior := &contracts.StrategyState{
		SessionID: "sess-resume",
		Params:    testParams(),
		Phase:     contracts.PhaseLegsActive,
		Legs: map[contracts.LegID]contracts.LegState{
			contracts.LegCE: {
				ID: contracts.LegCE, Instrument: ceLeg(),
				Status: contracts.LegActive, EntryPrice: 110, Qty: 75,
			},
			contracts.LegPE: {
				ID: contracts.LegPE, Instrument: peLeg(),
				Status: contracts.LegActive, EntryPrice: 95, Qty: 75,
			},
		},
		LastSeq:   map[string]uint64{},
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, tracker.SaveState(context.Background(), prior))

	loaded, err := tracker.LoadState(context.Background(), "sess-resume")
	require.NoError(t, err)

	eng := Resume(Config{SquareOffAtEOF: true}, tracker, log, loaded)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := disp.Subscribe(eng.Instruments()...)
	require.NoError(t, err)

	ticks := []contracts.Tick{
		tk(ceLeg(), 1, 15), // resumes straight into an exit
		tk(peLeg(), 1, 14),
	}
	go func() { _ = disp.Start(ctx, broker.NewQuoteTap(&sliceSource{ticks: ticks}, paper)) }()
	require.NoError(t, eng.Run(ctx, sub))

	state := eng.State()
	assert.Equal(t, contracts.PhaseClosed, state.Phase)
	assert.InDelta(t, (110.0-15.0)*75+(95.0-14.0)*75, eng.RealizedPnL(), 1e-9)
}

// ackOnlyBroker acknowledges every placement and never reports a fill,
// the way an exchange-routed broker behaves until the fill comes back.
type ackOnlyBroker struct {
	*broker.Paper

	mu     sync.Mutex
	placed int
}

func (b *ackOnlyBroker) PlaceOrder(ctx context.Context, spec contracts.OrderSpec) (contracts.BrokerOrderRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed++
	return contracts.BrokerOrderRef(fmt.Sprintf("EXCH-%d", b.placed)), nil
}

func (b *ackOnlyBroker) GetOrderStatus(ctx context.Context, ref contracts.BrokerOrderRef) (*contracts.BrokerOrderStatus, error) {
	return &contracts.BrokerOrderStatus{Ref: ref, Status: contracts.StatusAcknowledged}, nil
}

func (b *ackOnlyBroker) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placed
}

func TestAcknowledgedEntriesActivateLegs(t *testing.T) {
	log := logger.Nop()
	slow := &ackOnlyBroker{Paper: broker.NewPaper(log)}
	store, err := orders.NewFileStore(t.TempDir())
	require.NoError(t, err)
	tracker := orders.NewTracker(store, slow, config.OrdersConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, log)
	disp := dispatch.New(config.DispatcherConfig{
		BufferCapacity:  64,
		StalenessWindow: 2 * time.Second,
		ReorderDepth:    4,
	}, log)

	eng := New(Config{
		SessionID: "sess-async",
		Params:    testParams(),
		CE:        ceLeg(),
		PE:        peLeg(),
	}, tracker, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := disp.Subscribe(eng.Instruments()...)
	require.NoError(t, err)

	ticks := []contracts.Tick{
		tk(ceLeg(), 1, 100),
		tk(peLeg(), 1, 90),
		tk(ceLeg(), 2, 15), // exit condition fires on the acknowledged leg
	}
	go func() { _ = disp.Start(ctx, broker.NewQuoteTap(&sliceSource{ticks: ticks}, slow.Paper)) }()
	require.ErrorIs(t, eng.Run(ctx, sub), io.EOF)

	// Both entries and the CE exit went to the broker; nothing filled, so
	// the session persists open instead of closing over live orders.
	state := eng.State()
	assert.False(t, state.Phase.IsTerminal())
	assert.Equal(t, contracts.PhaseExitCE, state.Phase)
	assert.Equal(t, contracts.LegExiting, state.Legs[contracts.LegCE].Status)
	assert.Equal(t, contracts.LegActive, state.Legs[contracts.LegPE].Status)
	assert.Equal(t, 3, slow.placedCount())
	assert.Empty(t, eng.ClosedTrades())
}

func TestResumeCompletesInterruptedExit(t *testing.T) {
	log := logger.Nop()
	paper := broker.NewPaper(log)
	store, err := orders.NewFileStore(t.TempDir())
	require.NoError(t, err)
	tracker := orders.NewTracker(store, paper, config.OrdersConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, log)
	ctx := context.Background()

	// The prior process entered CE at 100 and died after its exit order
	// filled at 15 but before the engine observed the fill.
	entry, err := tracker.Submit(ctx, contracts.OrderIntent{
		SessionID:  "sess-cut",
		Instrument: ceLeg(),
		Side:       contracts.OrderSideSell,
		Qty:        75,
		Price:      100,
		Tag:        "entry-CE",
	})
	require.NoError(t, err)
	exit, err := tracker.Submit(ctx, contracts.OrderIntent{
		SessionID:  "sess-cut",
		Instrument: ceLeg(),
		Side:       contracts.OrderSideBuy,
		Qty:        75,
		Price:      15,
		Tag:        "exit-CE-target",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusFilled, exit.Status)

	prior := &contracts.StrategyState{
		SessionID: "sess-cut",
		Params:    testParams(),
		Phase:     contracts.PhaseExitCE,
		Legs: map[contracts.LegID]contracts.LegState{
			contracts.LegCE: {
				ID: contracts.LegCE, Instrument: ceLeg(),
				Status: contracts.LegExiting, EntryPrice: 100, Qty: 75,
				EntryOrderID: entry.ClientID, ExitOrderID: exit.ClientID,
			},
			contracts.LegPE: {
				ID: contracts.LegPE, Instrument: peLeg(),
				Status: contracts.LegExpired, Qty: 75,
			},
		},
		LastSeq:   map[string]uint64{},
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, tracker.SaveState(ctx, prior))

	loaded, err := tracker.LoadState(ctx, "sess-cut")
	require.NoError(t, err)
	eng := Resume(Config{SquareOffAtEOF: true}, tracker, log, loaded)

	// No fresh ticks: the stored fill alone must complete the exit.
	disp := dispatch.New(config.DispatcherConfig{
		BufferCapacity:  64,
		StalenessWindow: 2 * time.Second,
		ReorderDepth:    4,
	}, log)
	sub, err := disp.Subscribe(eng.Instruments()...)
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Run(runCtx, sub))

	state := eng.State()
	assert.Equal(t, contracts.PhaseClosed, state.Phase)
	assert.Equal(t, contracts.LegExited, state.Legs[contracts.LegCE].Status)
	assert.Equal(t, 15.0, state.Legs[contracts.LegCE].ExitPrice)

	trades := eng.ClosedTrades()
	require.Len(t, trades, 1)
	assert.InDelta(t, (100.0-15.0)*75, trades[0].PnL, 1e-9)
	assert.InDelta(t, (100.0-15.0)*75, eng.RealizedPnL(), 1e-9)
}

func TestLiveFeedDrainWithOpenPositionReturnsEOF(t *testing.T) {
	h := newHarness(t, testParams())
	h.eng.cfg.SquareOffAtEOF = false

	ticks := []contracts.Tick{
		tk(ceLeg(), 1, 100),
		tk(peLeg(), 1, 90),
	}
	err := h.run(t, ticks)
	require.ErrorIs(t, err, io.EOF)

	// The open position survives for the next start to resume.
	state := h.eng.State()
	assert.False(t, state.Phase.IsTerminal())
	assert.Equal(t, contracts.LegActive, state.Legs[contracts.LegCE].Status)
}
