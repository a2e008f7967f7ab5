// Package backorder keeps the promise of an order line item honest: whenever
// a delivery event fulfills less than the ordered quantity, a single open
// placeholder delivery carries the remainder until later events retire it.
package backorder

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/tracing"
)

// DeliveryStore is the persistence the resolver needs. Implemented by the
// delivery repository; faked in tests.
type DeliveryStore interface {
	// GetOpenBackorder returns the open (pending/partial) backorder for the
	// (order, product) pair, or nil when none exists.
	GetOpenBackorder(ctx context.Context, companyID, orderID, productID string) (*models.Delivery, error)
	Create(ctx context.Context, d *models.Delivery) error
	Update(ctx context.Context, d *models.Delivery) error
}

// Action describes what the resolver did for one delivery event.
type Action string

const (
	ActionNone    Action = "none"
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionClosed  Action = "closed"
)

// Outcome reports the resolver's effect so the orchestrator can emit the
// matching domain event.
type Outcome struct {
	Action    Action
	Backorder *models.Delivery
}

// Resolver creates, refreshes, and retires backorder placeholders.
type Resolver struct {
	logger     ectologger.Logger
	deliveries DeliveryStore
}

// NewResolver creates a new backorder resolver.
func NewResolver(logger ectologger.Logger, deliveries DeliveryStore) *Resolver {
	return &Resolver{
		logger:     logger,
		deliveries: deliveries,
	}
}

// Resolve runs after a delivery's quantity has been applied to the line item,
// inside the same transaction. remainder is the line item's outstanding
// quantity after the event.
//
// Invariant: at most one open backorder exists per (order, product) pair. The
// update path is idempotent; re-running with the same remainder changes
// nothing and never creates a duplicate.
func (r *Resolver) Resolve(ctx context.Context, li *models.OrderLineItem, trigger *models.Delivery, remainder float64) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "backorder.Resolver.Resolve")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"order_id":   li.OrderID,
		"product_id": li.ProductID,
		"remainder":  remainder,
	})

	open, err := r.deliveries.GetOpenBackorder(ctx, li.CompanyID, li.OrderID, li.ProductID)
	if err != nil {
		log.WithError(err).Error("Failed to look up open backorder")
		return nil, err
	}

	now := time.Now().UTC()

	if remainder <= 0 {
		// The event exactly closed the gap; retire the placeholder instead
		// of leaving it dangling.
		if open == nil {
			return &Outcome{Action: ActionNone}, nil
		}
		open.Status = models.DeliveryStatusDelivered
		open.RemainingQty = 0
		open.DeliveredAt = &now
		open.UpdatedAt = now
		note := models.BackorderNote(0)
		open.Note = &note
		if err := r.deliveries.Update(ctx, open); err != nil {
			log.WithError(err).Error("Failed to close backorder")
			return nil, err
		}
		log.WithFields(map[string]any{"backorder_id": open.ID}).Info("Closed backorder")
		return &Outcome{Action: ActionClosed, Backorder: open}, nil
	}

	if open != nil {
		if open.RemainingQty == remainder {
			return &Outcome{Action: ActionNone, Backorder: open}, nil
		}
		open.RemainingQty = remainder
		note := models.BackorderNote(remainder)
		open.Note = &note
		open.UpdatedAt = now
		if err := r.deliveries.Update(ctx, open); err != nil {
			log.WithError(err).Error("Failed to refresh backorder remainder")
			return nil, err
		}
		log.WithFields(map[string]any{"backorder_id": open.ID}).Debug("Refreshed backorder remainder")
		return &Outcome{Action: ActionUpdated, Backorder: open}, nil
	}

	// Mirror the triggering event's in-flight status so a partial shipment
	// shows a partial placeholder.
	status := models.DeliveryStatusPending
	if trigger.Status == models.DeliveryStatusPartial {
		status = models.DeliveryStatusPartial
	}

	note := models.BackorderNote(remainder)
	placeholder := &models.Delivery{
		ID:           uuid.New().String(),
		CompanyID:    li.CompanyID,
		OrderID:      li.OrderID,
		ProductID:    li.ProductID,
		Status:       status,
		DeliveredQty: 0,
		IsBackorder:  true,
		RemainingQty: remainder,
		Note:         &note,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.deliveries.Create(ctx, placeholder); err != nil {
		log.WithError(err).Error("Failed to create backorder")
		return nil, err
	}

	log.WithFields(map[string]any{"backorder_id": placeholder.ID}).Info("Created backorder")
	return &Outcome{Action: ActionCreated, Backorder: placeholder}, nil
}
