package orders

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsharma2491/trading-algo/internal/broker"
	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// seedOrder writes a persisted record directly, simulating the leftovers
// of a crashed prior run.
func seedOrder(t *testing.T, store Store, order *contracts.Order) {
	t.Helper()
	require.NoError(t, store.SaveOrder(context.Background(), order))
}

func TestReconcileAdoptsBrokerFill(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	paper := broker.NewPaper(logger.Nop())
	paper.SetQuote(peInstrument(), 30)

	// The broker filled an order the previous process only saw ACKNOWLEDGED.
	ref, err := paper.PlaceOrder(ctx, contracts.OrderSpec{
		Instrument: peInstrument(),
		Side:       contracts.OrderSideSell,
		Qty:        75,
	})
	require.NoError(t, err)

	seedOrder(t, store, &contracts.Order{
		ClientID:   "c-ack",
		BrokerID:   string(ref),
		SessionID:  "sess-1",
		Instrument: peInstrument(),
		Side:       contracts.OrderSideSell,
		Qty:        75,
		Status:     contracts.StatusAcknowledged,
		PlacedAt:   time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	})

	tracker := NewTracker(store, paper, testOrdersConfig(), logger.Nop())
	report, err := tracker.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Adopted)
	assert.False(t, report.HasOrphans())

	order, err := tracker.Get(ctx, "c-ack")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFilled, order.Status)
	assert.Equal(t, 75, order.FilledQty)
	assert.Equal(t, 30.0, order.FillPrice)
}

func TestReconcileMarksOrphans(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	paper := broker.NewPaper(logger.Nop())

	// PENDING with no broker reference: crashed between persist and send.
	seedOrder(t, store, &contracts.Order{
		ClientID:   "c-pending",
		SessionID:  "sess-1",
		Instrument: peInstrument(),
		Side:       contracts.OrderSideSell,
		Qty:        75,
		Status:     contracts.StatusPending,
		PlacedAt:   time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	})

	// ACKNOWLEDGED but the broker lost the record.
	seedOrder(t, store, &contracts.Order{
		ClientID:   "c-lost",
		BrokerID:   "PPR-999999",
		SessionID:  "sess-1",
		Instrument: peInstrument(),
		Side:       contracts.OrderSideSell,
		Qty:        75,
		Status:     contracts.StatusAcknowledged,
		PlacedAt:   time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	})

	tracker := NewTracker(store, paper, testOrdersConfig(), logger.Nop())
	report, err := tracker.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Checked)
	assert.True(t, report.HasOrphans())
	assert.ElementsMatch(t, []string{"c-pending", "c-lost"}, report.Orphans)

	for _, id := range report.Orphans {
		order, err := tracker.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusLocalOrphan, order.Status)
	}
}

func TestReconcileSkipsTerminalOrders(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	paper := broker.NewPaper(logger.Nop())

	seedOrder(t, store, &contracts.Order{
		ClientID:   "c-done",
		BrokerID:   "PPR-000001",
		SessionID:  "sess-1",
		Instrument: peInstrument(),
		Side:       contracts.OrderSideSell,
		Qty:        75,
		Status:     contracts.StatusFilled,
		Archived:   true,
		PlacedAt:   time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	})

	tracker := NewTracker(store, paper, testOrdersConfig(), logger.Nop())
	report, err := tracker.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Checked)
	assert.False(t, report.HasOrphans())
}
