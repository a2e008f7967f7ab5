// Package events emits change notifications for the audit log and realtime
// broadcast consumers. Emission is best-effort: failures are logged and never
// fail the transaction that produced the change.
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/backorder"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/kafka"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/tracing"
)

// Verbs consumed by the activity log. Kept aligned with what the dashboard
// expects to render.
const (
	VerbDeliveryCreated       = "delivery.create"
	VerbDeliveryStatusChanged = "delivery.status_changed"
	VerbDeliveryArchived      = "delivery.archived"
	VerbBackorderCreated      = "backorder.created"
	VerbBackorderUpdated      = "backorder.updated"
	VerbBackorderResolved     = "backorder.resolved"
	VerbOrderProgressUpdated  = "order.delivery_progress_updated"
	VerbOrderAutoCompleted    = "order.status_auto_complete"
	VerbProjectActualsUpdated = "project.actuals_updated"
)

// Emitter publishes engine change notifications.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter.
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// emit publishes one change event, swallowing failures.
func (e *Emitter) emit(ctx context.Context, entityType, entityID, verb, companyID, actorID string, data any) {
	if e.producer == nil {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.emit")
	defer span.End()

	var payload json.RawMessage
	if data != nil {
		payload, _ = json.Marshal(data)
	}

	event := &kafka.ChangeEvent{
		EntityType: entityType,
		EntityID:   entityID,
		Verb:       verb,
		CompanyID:  companyID,
		ActorID:    actorID,
		Data:       payload,
	}

	if err := e.producer.PublishChangeEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to emit %s event", verb)
	}
}

// EmitDeliveryCreated announces a recorded delivery event.
func (e *Emitter) EmitDeliveryCreated(ctx context.Context, d *models.Delivery, actorID string) {
	e.emit(ctx, "delivery", d.ID, VerbDeliveryCreated, d.CompanyID, actorID, map[string]any{
		"order_id":      d.OrderID,
		"product_id":    d.ProductID,
		"delivered_qty": d.DeliveredQty,
		"status":        d.Status,
	})
}

// EmitDeliveryStatusChanged announces an accepted status transition.
func (e *Emitter) EmitDeliveryStatusChanged(ctx context.Context, d *models.Delivery, previous models.DeliveryStatus, actorID string) {
	e.emit(ctx, "delivery", d.ID, VerbDeliveryStatusChanged, d.CompanyID, actorID, map[string]any{
		"order_id":        d.OrderID,
		"previous_status": previous,
		"new_status":      d.Status,
	})
}

// EmitDeliveryArchived announces a soft delete.
func (e *Emitter) EmitDeliveryArchived(ctx context.Context, d *models.Delivery, actorID string) {
	e.emit(ctx, "delivery", d.ID, VerbDeliveryArchived, d.CompanyID, actorID, map[string]any{
		"order_id": d.OrderID,
	})
}

// EmitBackorderChanged announces a backorder create/update/close from its
// resolver outcome.
func (e *Emitter) EmitBackorderChanged(ctx context.Context, outcome *backorder.Outcome, actorID string) {
	if outcome == nil || outcome.Backorder == nil {
		return
	}

	var verb string
	switch outcome.Action {
	case backorder.ActionCreated:
		verb = VerbBackorderCreated
	case backorder.ActionUpdated:
		verb = VerbBackorderUpdated
	case backorder.ActionClosed:
		verb = VerbBackorderResolved
	default:
		return
	}

	e.emit(ctx, "backorder", outcome.Backorder.ID, verb, outcome.Backorder.CompanyID, actorID, map[string]any{
		"order_id":      outcome.Backorder.OrderID,
		"product_id":    outcome.Backorder.ProductID,
		"remaining_qty": outcome.Backorder.RemainingQty,
	})
}

// EmitOrderProgressUpdated announces a recomputed order aggregate.
func (e *Emitter) EmitOrderProgressUpdated(ctx context.Context, o *models.PurchaseOrder, actorID string) {
	e.emit(ctx, "order", o.ID, VerbOrderProgressUpdated, o.CompanyID, actorID, map[string]any{
		"delivery_progress": o.DeliveryProgress,
		"delivered_qty":     o.DeliveredQty,
		"remaining_qty":     o.RemainingQty,
		"delivered_value":   o.DeliveredValue,
	})
}

// EmitOrderAutoCompleted announces the one-way move to complete.
func (e *Emitter) EmitOrderAutoCompleted(ctx context.Context, o *models.PurchaseOrder, actorID string) {
	e.emit(ctx, "order", o.ID, VerbOrderAutoCompleted, o.CompanyID, actorID, map[string]any{
		"delivered_qty": o.DeliveredQty,
		"total_amount":  o.TotalAmount,
	})
}

// EmitProjectActualsUpdated announces an applied cost rollup.
func (e *Emitter) EmitProjectActualsUpdated(ctx context.Context, r *models.ProjectRollup, actorID string) {
	e.emit(ctx, "project", r.ProjectID, VerbProjectActualsUpdated, r.CompanyID, actorID, map[string]any{
		"order_id":    r.OrderID,
		"delivery_id": r.DeliveryID,
		"amount":      r.Amount,
	})
}
