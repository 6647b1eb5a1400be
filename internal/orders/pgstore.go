package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vsharma2491/trading-algo/internal/contracts"
)

// PGStore persists orders and session state in PostgreSQL. Same contract
// as FileStore; selected with ORDER_STORE=postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS survivor`,
		`CREATE TABLE IF NOT EXISTS survivor.orders (
			client_id   TEXT PRIMARY KEY,
			broker_id   TEXT,
			session_id  TEXT NOT NULL,
			instrument  JSONB NOT NULL,
			side        TEXT NOT NULL,
			qty         INT NOT NULL,
			status      TEXT NOT NULL,
			filled_qty  INT NOT NULL DEFAULT 0,
			fill_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
			tag         TEXT,
			placed_at   TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			archived    BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_session ON survivor.orders (session_id)`,
		`CREATE TABLE IF NOT EXISTS survivor.sessions (
			session_id TEXT PRIMARY KEY,
			state      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveOrder upserts one order record keyed by client order id.
func (s *PGStore) SaveOrder(ctx context.Context, order *contracts.Order) error {
	instrument, err := json.Marshal(order.Instrument)
	if err != nil {
		return fmt.Errorf("failed to encode instrument: %w", err)
	}

	query := `
		INSERT INTO survivor.orders (
			client_id, broker_id, session_id, instrument, side, qty,
			status, filled_qty, fill_price, tag, placed_at, updated_at, archived
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (client_id) DO UPDATE SET
			broker_id  = EXCLUDED.broker_id,
			status     = EXCLUDED.status,
			filled_qty = EXCLUDED.filled_qty,
			fill_price = EXCLUDED.fill_price,
			updated_at = EXCLUDED.updated_at,
			archived   = EXCLUDED.archived
	`

	_, err = s.pool.Exec(ctx, query,
		order.ClientID, order.BrokerID, order.SessionID, instrument,
		order.Side, order.Qty, order.Status, order.FilledQty,
		order.FillPrice, order.Tag, order.PlacedAt, order.UpdatedAt, order.Archived,
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder loads one order by client order id.
func (s *PGStore) GetOrder(ctx context.Context, clientID string) (*contracts.Order, error) {
	query := `
		SELECT client_id, broker_id, session_id, instrument, side, qty,
		       status, filled_qty, fill_price, tag, placed_at, updated_at, archived
		FROM survivor.orders
		WHERE client_id = $1
	`
	row := s.pool.QueryRow(ctx, query, clientID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

// ListOrders returns all persisted orders sorted by placement time.
func (s *PGStore) ListOrders(ctx context.Context) ([]*contracts.Order, error) {
	query := `
		SELECT client_id, broker_id, session_id, instrument, side, qty,
		       status, filled_qty, fill_price, tag, placed_at, updated_at, archived
		FROM survivor.orders
		ORDER BY placed_at
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// SaveState upserts the session strategy state keyed by session id.
func (s *PGStore) SaveState(ctx context.Context, state *contracts.StrategyState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	query := `
		INSERT INTO survivor.sessions (session_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, state.SessionID, payload); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// LoadState loads a session's strategy state.
func (s *PGStore) LoadState(ctx context.Context, sessionID string) (*contracts.StrategyState, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM survivor.sessions WHERE session_id = $1`, sessionID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	var state contracts.StrategyState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return &state, nil
}

// Close is a no-op; pool lifecycle is owned by the caller.
func (s *PGStore) Close() error { return nil }

func scanOrder(row pgx.Row) (*contracts.Order, error) {
	var order contracts.Order
	var instrument []byte
	err := row.Scan(
		&order.ClientID, &order.BrokerID, &order.SessionID, &instrument,
		&order.Side, &order.Qty, &order.Status, &order.FilledQty,
		&order.FillPrice, &order.Tag, &order.PlacedAt, &order.UpdatedAt, &order.Archived,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(instrument, &order.Instrument); err != nil {
		return nil, fmt.Errorf("failed to decode instrument: %w", err)
	}
	return &order, nil
}
