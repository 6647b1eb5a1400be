package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/pkg/config"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// ErrRetriesExhausted is returned when transient broker failures outlast
// the retry budget. The persisted record stays PENDING so reconciliation
// can resolve the true outcome after a restart.
var ErrRetriesExhausted = errors.New("order placement retries exhausted")

// UpdateFunc receives every persisted order transition.
type UpdateFunc func(order contracts.Order)

// Tracker is the single source of truth for order state. All writes
// between the strategy engine and the broker go through it; the engine
// never touches the store directly. One mutex serializes every mutation,
// so concurrent readers always observe a consistent snapshot.
type Tracker struct {
	store  Store
	broker contracts.Broker
	cfg    config.OrdersConfig
	log    *logger.Logger

	mu       sync.Mutex
	orders   map[string]*contracts.Order
	onUpdate UpdateFunc
}

// NewTracker creates a tracker over the given store and broker.
func NewTracker(store Store, broker contracts.Broker, cfg config.OrdersConfig, log *logger.Logger) *Tracker {
	return &Tracker{
		store:  store,
		broker: broker,
		cfg:    cfg,
		log:    log.WithComponent("orders"),
		orders: make(map[string]*contracts.Order),
	}
}

// OnUpdate registers the callback invoked after every persisted
// transition. Must be set before Submit is first called.
func (t *Tracker) OnUpdate(fn UpdateFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpdate = fn
}

// Submit assigns a client identifier, persists a PENDING record BEFORE
// calling the broker, then updates status from the broker response. A
// crash between send and acknowledgment therefore leaves a recoverable
// PENDING record, never an untracked order.
func (t *Tracker) Submit(ctx context.Context, intent contracts.OrderIntent) (*contracts.Order, error) {
	if intent.Qty <= 0 {
		return nil, fmt.Errorf("order intent qty must be positive, got %d", intent.Qty)
	}

	now := time.Now().UTC()
	order := &contracts.Order{
		ClientID:   uuid.NewString(),
		SessionID:  intent.SessionID,
		Instrument: intent.Instrument,
		Side:       intent.Side,
		Qty:        intent.Qty,
		LimitPrice: intent.Price,
		Status:     contracts.StatusPending,
		Tag:        intent.Tag,
		PlacedAt:   now,
		UpdatedAt:  now,
	}

	if err := t.persist(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to persist pending order: %w", err)
	}

	t.log.WithFields(map[string]interface{}{
		"client_id":  order.ClientID,
		"instrument": order.Instrument.Symbol(),
		"side":       order.Side,
		"qty":        order.Qty,
	}).Info("Order submitted")

	ref, err := t.placeWithRetry(ctx, order)
	if err != nil {
		if errors.Is(err, contracts.ErrOrderRejected) {
			// Terminal broker error: record it and let the engine decide.
			t.transition(ctx, order, contracts.StatusRejected, nil, "")
			return order, err
		}
		// Transient exhaustion: the record stays PENDING on purpose; the
		// true broker-side outcome is unknown until reconciliation.
		t.log.WithError(err).WithField("client_id", order.ClientID).
			Error("Order placement outcome unknown, record left PENDING")
		return order, fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
	}

	t.transition(ctx, order, contracts.StatusAcknowledged, nil, string(ref))

	// Best-effort immediate status poll: market orders often fill by the
	// time the acknowledgment returns. Later transitions still arrive
	// through Update or the background poll.
	t.pollOnce(ctx, order)

	t.mu.Lock()
	open := !order.Status.IsTerminal()
	t.mu.Unlock()
	if open {
		go t.watch(ctx, order)
	}

	return order, nil
}

// Watch polls the broker for an open order until it reaches a terminal
// status or the context ends. Used after a restart to resume tracking
// orders that were in flight when the process died.
func (t *Tracker) Watch(ctx context.Context, clientID string) error {
	t.mu.Lock()
	order, ok := t.orders[clientID]
	t.mu.Unlock()
	if !ok {
		loaded, err := t.store.GetOrder(ctx, clientID)
		if err != nil {
			return fmt.Errorf("unknown order %s: %w", clientID, err)
		}
		t.mu.Lock()
		if cached, dup := t.orders[clientID]; dup {
			order = cached
		} else {
			t.orders[clientID] = loaded
			order = loaded
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	open := !order.Status.IsTerminal()
	t.mu.Unlock()
	if open {
		go t.watch(ctx, order)
	}
	return nil
}

// watch drives pollOnce at the configured cadence until the order is
// terminal. Brokers that only acknowledge synchronously rely on this
// loop for fills; without it an acknowledged order would never advance.
func (t *Tracker) watch(ctx context.Context, order *contracts.Order) {
	interval := t.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.pollOnce(ctx, order)
		t.mu.Lock()
		done := order.Status.IsTerminal()
		t.mu.Unlock()
		if done {
			return
		}
	}
}

// pollOnce fetches the broker-side status and applies it if it moved.
func (t *Tracker) pollOnce(ctx context.Context, order *contracts.Order) {
	t.mu.Lock()
	ref := contracts.BrokerOrderRef(order.BrokerID)
	current := order.Status
	t.mu.Unlock()
	if ref == "" || current.IsTerminal() {
		return
	}

	status, err := t.broker.GetOrderStatus(ctx, ref)
	if err != nil || status.Status == current {
		return
	}
	var fill *contracts.Fill
	if status.FilledQty > 0 {
		fill = &contracts.Fill{Qty: status.FilledQty, Price: status.AvgPrice}
	}
	t.transition(ctx, order, status.Status, fill, "")
}

// placeWithRetry calls the broker with bounded exponential backoff on
// transient failures. Explicit rejections are never retried.
func (t *Tracker) placeWithRetry(ctx context.Context, order *contracts.Order) (contracts.BrokerOrderRef, error) {
	spec := contracts.OrderSpec{
		Instrument: order.Instrument,
		Side:       order.Side,
		Qty:        order.Qty,
		Price:      order.LimitPrice,
		Tag:        order.Tag,
	}

	delay := t.cfg.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		ref, err := t.broker.PlaceOrder(ctx, spec)
		if err == nil {
			return ref, nil
		}
		if errors.Is(err, contracts.ErrOrderRejected) {
			return "", err
		}
		lastErr = err

		if attempt == t.cfg.MaxRetries {
			break
		}
		t.log.WithFields(map[string]interface{}{
			"client_id": order.ClientID,
			"attempt":   attempt + 1,
			"delay":     delay,
		}).Warn("Transient broker error, retrying placement")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", lastErr
}

// Update applies a status transition. Idempotent: re-applying the same
// terminal update is a no-op, and a terminal record never regresses.
func (t *Tracker) Update(ctx context.Context, clientID string, status contracts.OrderStatus, fill *contracts.Fill) error {
	t.mu.Lock()
	order, ok := t.orders[clientID]
	t.mu.Unlock()
	if !ok {
		loaded, err := t.store.GetOrder(ctx, clientID)
		if err != nil {
			return fmt.Errorf("unknown order %s: %w", clientID, err)
		}
		order = loaded
		t.mu.Lock()
		t.orders[clientID] = order
		t.mu.Unlock()
	}

	t.mu.Lock()
	if order.Status.IsTerminal() {
		same := order.Status == status
		t.mu.Unlock()
		if !same {
			t.log.WithFields(map[string]interface{}{
				"client_id": clientID,
				"have":      order.Status,
				"got":       status,
			}).Warn("Ignoring status update on terminal order")
		}
		return nil
	}
	t.mu.Unlock()

	t.transition(ctx, order, status, fill, "")
	return nil
}

// transition mutates, persists and notifies under the single-writer lock.
func (t *Tracker) transition(ctx context.Context, order *contracts.Order, status contracts.OrderStatus, fill *contracts.Fill, brokerID string) {
	t.mu.Lock()
	order.Status = status
	order.UpdatedAt = time.Now().UTC()
	if brokerID != "" {
		order.BrokerID = brokerID
	}
	if fill != nil {
		order.FilledQty = fill.Qty
		order.FillPrice = fill.Price
	}
	if status.IsTerminal() {
		order.Archived = true
	}
	snapshot := *order
	fn := t.onUpdate
	t.mu.Unlock()

	if err := t.store.SaveOrder(ctx, &snapshot); err != nil {
		// Persistence failure must never be silent; the in-memory state
		// is ahead of disk by exactly this one update.
		t.log.WithError(err).WithField("client_id", order.ClientID).
			Error("Failed to persist order transition")
	}

	t.log.WithFields(map[string]interface{}{
		"client_id": snapshot.ClientID,
		"status":    snapshot.Status,
	}).Info("Order transitioned")

	if fn != nil {
		fn(snapshot)
	}
}

// persist stores a brand-new record and caches it.
func (t *Tracker) persist(ctx context.Context, order *contracts.Order) error {
	if err := t.store.SaveOrder(ctx, order); err != nil {
		return err
	}
	t.mu.Lock()
	t.orders[order.ClientID] = order
	t.mu.Unlock()
	return nil
}

// Get returns a copy of one tracked order.
func (t *Tracker) Get(ctx context.Context, clientID string) (contracts.Order, error) {
	t.mu.Lock()
	if order, ok := t.orders[clientID]; ok {
		snapshot := *order
		t.mu.Unlock()
		return snapshot, nil
	}
	t.mu.Unlock()

	order, err := t.store.GetOrder(ctx, clientID)
	if err != nil {
		return contracts.Order{}, err
	}
	return *order, nil
}

// Snapshot returns copies of every persisted order, oldest first.
func (t *Tracker) Snapshot(ctx context.Context) ([]contracts.Order, error) {
	list, err := t.store.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.Order, 0, len(list))
	for _, order := range list {
		out = append(out, *order)
	}
	return out, nil
}

// SaveState persists the engine's session state. The engine owns the
// state; the tracker owns the store.
func (t *Tracker) SaveState(ctx context.Context, state *contracts.StrategyState) error {
	if err := t.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist strategy state: %w", err)
	}
	return nil
}

// LoadState rehydrates a prior session's state, or ErrNotFound.
func (t *Tracker) LoadState(ctx context.Context, sessionID string) (*contracts.StrategyState, error) {
	return t.store.LoadState(ctx, sessionID)
}
