// Package ledger holds the quantity arithmetic for order line items. Every
// delivered quantity flows through Apply, which is the single place the
// 0 <= delivered_qty <= ordered_qty invariant is enforced.
package ledger

import (
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
)

// Apply adds a delivered quantity to the line item and returns the remainder
// still outstanding. Violating requests are rejected, never clamped: an event
// that would push delivered_qty past ordered_qty must be an explicit,
// auditable correction, not a silent side effect.
func Apply(li *models.OrderLineItem, qty float64) (remainder float64, err error) {
	if qty <= 0 {
		return 0, models.NewValidationError("delivered_qty must be positive, got %g", qty)
	}

	if li.DeliveredQty+qty > li.OrderedQty {
		return 0, models.NewValidationError(
			"delivery of %g exceeds ordered quantity: %g of %g already delivered",
			qty, li.DeliveredQty, li.OrderedQty)
	}

	li.DeliveredQty += qty
	return li.RemainingQty(), nil
}

// Check validates the line item's quantity invariant without mutating it.
// Used to re-verify rows loaded from storage before acting on them.
func Check(li *models.OrderLineItem) error {
	if li.OrderedQty < 0 {
		return models.NewValidationError("line item %s has negative ordered_qty %g", li.ID, li.OrderedQty)
	}
	if li.DeliveredQty < 0 || li.DeliveredQty > li.OrderedQty {
		return models.NewValidationError(
			"line item %s delivered_qty %g outside [0, %g]", li.ID, li.DeliveredQty, li.OrderedQty)
	}
	return nil
}

// Totals aggregates ordered/delivered quantities and delivered value across a
// set of line items. The progress synchronizer derives order aggregates from
// this alone so a failed synchronization can always be recomputed later.
type Totals struct {
	OrderedQty     float64
	DeliveredQty   float64
	RemainingQty   float64
	DeliveredValue float64
}

// Sum computes ledger totals for an order's line items.
func Sum(items []models.OrderLineItem) Totals {
	var t Totals
	for i := range items {
		li := &items[i]
		t.OrderedQty += li.OrderedQty
		t.DeliveredQty += li.DeliveredQty
		t.DeliveredValue += li.DeliveredValue()
	}
	t.RemainingQty = t.OrderedQty - t.DeliveredQty
	return t
}
