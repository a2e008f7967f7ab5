// Package progress recomputes order-level delivery aggregates from ledger
// state. Synchronization is a derived view: it reads only line items, so it
// is idempotent and safely retryable after any failure.
package progress

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/ledger"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/tracing"
)

// OrderStore is the persistence the synchronizer needs.
type OrderStore interface {
	GetLineItems(ctx context.Context, companyID, orderID string) ([]models.OrderLineItem, error)
	UpdateProgress(ctx context.Context, order *models.PurchaseOrder) error
}

// Summary reports the recomputed aggregates for one synchronization pass.
type Summary struct {
	Totals   ledger.Totals
	Progress models.DeliveryProgress
	// JustCompleted is set only on the pass that moved the order to
	// complete; re-synchronizing an already-complete order is a no-op.
	JustCompleted bool
	Changed       bool
}

// Synchronizer recomputes delivery_progress and quantity totals for an order.
type Synchronizer struct {
	logger ectologger.Logger
	orders OrderStore
}

// NewSynchronizer creates a new order progress synchronizer.
func NewSynchronizer(logger ectologger.Logger, orders OrderStore) *Synchronizer {
	return &Synchronizer{
		logger: logger,
		orders: orders,
	}
}

// Derive computes the progress state for a set of line items without touching
// storage.
func Derive(items []models.OrderLineItem) (ledger.Totals, models.DeliveryProgress) {
	totals := ledger.Sum(items)

	switch {
	case totals.DeliveredQty == 0:
		return totals, models.ProgressNotStarted
	case totals.OrderedQty > 0 && totals.DeliveredQty >= totals.OrderedQty:
		return totals, models.ProgressCompleted
	default:
		return totals, models.ProgressPartiallyDelivered
	}
}

// Sync recomputes the order's aggregates from its line items and persists
// them when they changed. When progress reaches completed the order status
// moves to complete as well; that transition is one-way and idempotent.
func (s *Synchronizer) Sync(ctx context.Context, order *models.PurchaseOrder) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "progress.Synchronizer.Sync")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"order_id":   order.ID,
		"company_id": order.CompanyID,
	})

	items, err := s.orders.GetLineItems(ctx, order.CompanyID, order.ID)
	if err != nil {
		log.WithError(err).Error("Failed to load order line items")
		return nil, err
	}

	totals, derived := Derive(items)

	summary := &Summary{Totals: totals, Progress: derived}

	changed := order.DeliveryProgress != derived ||
		order.DeliveredQty != totals.DeliveredQty ||
		order.RemainingQty != totals.RemainingQty ||
		order.DeliveredValue != totals.DeliveredValue

	if derived == models.ProgressCompleted && !order.IsComplete() {
		order.Status = models.OrderStatusComplete
		summary.JustCompleted = true
		changed = true
	}

	if !changed {
		return summary, nil
	}

	previous := order.DeliveryProgress
	order.DeliveryProgress = derived
	order.DeliveredQty = totals.DeliveredQty
	order.RemainingQty = totals.RemainingQty
	order.DeliveredValue = totals.DeliveredValue
	order.UpdatedAt = time.Now().UTC()

	if err := s.orders.UpdateProgress(ctx, order); err != nil {
		log.WithError(err).Error("Failed to persist order progress")
		return nil, err
	}

	summary.Changed = true
	log.WithFields(map[string]any{
		"previous_progress": previous,
		"new_progress":      derived,
		"delivered_qty":     totals.DeliveredQty,
		"remaining_qty":     totals.RemainingQty,
	}).Info("Updated order delivery progress")

	return summary, nil
}
