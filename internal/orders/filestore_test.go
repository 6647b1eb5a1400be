package orders

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsharma2491/trading-algo/internal/contracts"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	order := &contracts.Order{
		ClientID:   "c-1",
		SessionID:  "sess-1",
		Instrument: peInstrument(),
		Side:       contracts.OrderSideSell,
		Qty:        75,
		Status:     contracts.StatusPending,
		PlacedAt:   time.Date(2025, 8, 7, 9, 20, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2025, 8, 7, 9, 20, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveOrder(ctx, order))

	loaded, err := store.GetOrder(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, order, loaded)

	_, err = store.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreRecordsAreHumanInspectable(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewFileStore(root)
	require.NoError(t, err)

	order := &contracts.Order{
		ClientID:   "c-2",
		SessionID:  "sess-1",
		Instrument: peInstrument(),
		Side:       contracts.OrderSideSell,
		Qty:        75,
		Status:     contracts.StatusFilled,
		PlacedAt:   time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.SaveOrder(ctx, order))

	data, err := os.ReadFile(filepath.Join(root, "orders", "c-2.json"))
	require.NoError(t, err)

	// Pretty-printed JSON, one file per order.
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, string(data), "\n  \"client_id\": \"c-2\"")
}

func TestFileStoreListOrdersSortedByPlacement(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2025, 8, 7, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"c-later", "c-earlier"} {
		require.NoError(t, store.SaveOrder(ctx, &contracts.Order{
			ClientID:   id,
			SessionID:  "sess-1",
			Instrument: peInstrument(),
			Side:       contracts.OrderSideSell,
			Qty:        75,
			Status:     contracts.StatusPending,
			PlacedAt:   base.Add(time.Duration(1-i) * time.Minute),
			UpdatedAt:  base,
		}))
	}

	list, err := store.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c-earlier", list[0].ClientID)
	assert.Equal(t, "c-later", list[1].ClientID)
}
