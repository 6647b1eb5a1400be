package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/vsharma2491/trading-algo/internal/contracts"
)

// ReconcileReport summarizes the startup alignment between local
// records and the broker's view.
type ReconcileReport struct {
	Checked  int      `json:"checked"`
	Adopted  int      `json:"adopted"` // local record updated from broker truth
	Orphans  []string `json:"orphans"` // client ids needing operator review
}

// HasOrphans reports whether operator acknowledgment is required before
// the session may proceed.
func (r *ReconcileReport) HasOrphans() bool {
	return len(r.Orphans) > 0
}

// Reconcile loads every persisted non-terminal order and queries the
// broker for its current status, adopting the broker's truth. Orders the
// broker has no record of are marked LOCAL_ONLY_ORPHAN and surfaced,
// never auto-resolved. Mandatory before the strategy engine resumes a
// prior session.
func (t *Tracker) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	persisted, err := t.store.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: failed to list orders: %w", err)
	}

	report := &ReconcileReport{}
	for _, order := range persisted {
		t.mu.Lock()
		if cached, ok := t.orders[order.ClientID]; ok {
			order = cached
		} else {
			t.orders[order.ClientID] = order
		}
		t.mu.Unlock()

		if order.Status.IsTerminal() {
			continue
		}
		report.Checked++

		// A PENDING record without a broker reference means we crashed
		// between persist and send, or the send outcome was lost. The
		// broker cannot be queried by reference; flag for review.
		if order.BrokerID == "" {
			t.markOrphan(ctx, order, report)
			continue
		}

		status, err := t.broker.GetOrderStatus(ctx, contracts.BrokerOrderRef(order.BrokerID))
		if err != nil {
			if errors.Is(err, contracts.ErrUnknownOrder) {
				t.markOrphan(ctx, order, report)
				continue
			}
			return nil, fmt.Errorf("reconcile: broker query for %s failed: %w", order.ClientID, err)
		}

		if status.Status == order.Status {
			continue
		}

		t.log.WithFields(map[string]interface{}{
			"client_id": order.ClientID,
			"local":     order.Status,
			"broker":    status.Status,
		}).Warn("Reconciliation divergence, adopting broker state")

		var fill *contracts.Fill
		if status.FilledQty > 0 {
			fill = &contracts.Fill{Qty: status.FilledQty, Price: status.AvgPrice}
		}
		t.transition(ctx, order, status.Status, fill, "")
		report.Adopted++
	}

	t.log.WithFields(map[string]interface{}{
		"checked": report.Checked,
		"adopted": report.Adopted,
		"orphans": len(report.Orphans),
	}).Info("Reconciliation complete")

	return report, nil
}

func (t *Tracker) markOrphan(ctx context.Context, order *contracts.Order, report *ReconcileReport) {
	t.log.WithField("client_id", order.ClientID).
		Error("Order unknown to broker, marked for operator review")
	t.transition(ctx, order, contracts.StatusLocalOrphan, nil, "")
	report.Orphans = append(report.Orphans, order.ClientID)
}
