// Package reconcile is the write path of the fulfillment engine. Every
// delivery mutation runs here as one transaction: lock the line item, apply
// the quantity, reconcile the backorder, resync order progress, stage the
// project rollup, commit. Events and rollup application happen after commit
// and never fail the request.
package reconcile

import (
	"context"
	"database/sql"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/backorder"
	ctxmiddleware "github.com/12313131dBossza/siteproc-fulfillment/pkg/context"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/database"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/events"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/ledger"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/progress"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/rollup"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/statemachine"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/tracing"
)

// maxConflictRetries bounds how many times a request is replayed after losing
// a version race on its line item.
const maxConflictRetries = 3

// OrderStore is the order persistence the engine needs. Satisfied by the
// order repository.
type OrderStore interface {
	progress.OrderStore
	Get(ctx context.Context, companyID, id string) (*models.PurchaseOrder, error)
	GetLineItemForUpdate(ctx context.Context, companyID, orderID, productID string) (*models.OrderLineItem, error)
	UpdateLineItemDelivered(ctx context.Context, li *models.OrderLineItem) error
}

// DeliveryStore is the delivery persistence the engine needs. Satisfied by
// the delivery repository.
type DeliveryStore interface {
	backorder.DeliveryStore
	Get(ctx context.Context, companyID, id string) (*models.Delivery, error)
}

// RecordDeliveryRequest is a delivery event against one order line item.
type RecordDeliveryRequest struct {
	OrderID      string                `json:"order_id" validate:"required,uuid"`
	ProductID    string                `json:"product_id" validate:"required,uuid"`
	DeliveredQty float64               `json:"delivered_qty" validate:"required,gt=0"`
	Status       models.DeliveryStatus `json:"status" validate:"omitempty,oneof=pending partial delivered"`
	DriverName   *string               `json:"driver_name,omitempty"`
	SignerName   *string               `json:"signer_name,omitempty"`
	ProofURL     *string               `json:"proof_url,omitempty"`
	Note         *string               `json:"note,omitempty"`
}

// TransitionDeliveryRequest moves a delivery through its status lifecycle.
type TransitionDeliveryRequest struct {
	Status     models.DeliveryStatus `json:"status" validate:"required,oneof=partial delivered"`
	DriverName *string               `json:"driver_name,omitempty"`
	SignerName *string               `json:"signer_name,omitempty"`
	ProofURL   *string               `json:"proof_url,omitempty"`
	Note       *string               `json:"note,omitempty"`
}

// Result reports everything one mutation changed, for the response body and
// the post-commit event emission.
type Result struct {
	Delivery  *models.Delivery      `json:"delivery"`
	Order     *models.PurchaseOrder `json:"order"`
	Backorder *backorder.Outcome    `json:"-"`
	Summary   *progress.Summary     `json:"-"`

	previousStatus models.DeliveryStatus
	staged         *models.ProjectRollup
}

// Service orchestrates delivery reconciliation.
type Service struct {
	logger     ectologger.Logger
	db         database.DB
	orders     OrderStore
	deliveries DeliveryStore
	resolver   *backorder.Resolver
	progress   *progress.Synchronizer
	rollups    *rollup.Propagator
	events     *events.Emitter
}

// NewService creates the reconciliation service.
func NewService(
	logger ectologger.Logger,
	db database.DB,
	orders OrderStore,
	deliveries DeliveryStore,
	resolver *backorder.Resolver,
	synchronizer *progress.Synchronizer,
	rollups *rollup.Propagator,
	emitter *events.Emitter,
) *Service {
	return &Service{
		logger:     logger,
		db:         db,
		orders:     orders,
		deliveries: deliveries,
		resolver:   resolver,
		progress:   synchronizer,
		rollups:    rollups,
		events:     emitter,
	}
}

// RecordDelivery records a delivery event: applies the quantity to the line
// item ledger, creates the delivery record, reconciles the backorder, resyncs
// order progress, and stages the project cost rollup. Retries a bounded
// number of times when a concurrent event wins the version race.
func (s *Service) RecordDelivery(ctx context.Context, req RecordDeliveryRequest) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Service.RecordDelivery")
	defer span.End()

	role := ctxmiddleware.GetRole(ctx)
	if !role.CanCreateDelivery() {
		return nil, &models.PermissionError{Role: role, Action: "record deliveries"}
	}

	if req.Status == "" {
		req.Status = models.DeliveryStatusPending
	}
	if req.Status != models.DeliveryStatusPending {
		// Creating directly in partial or delivered carries the same field
		// requirements as transitioning there from pending.
		probe := &models.Delivery{Status: models.DeliveryStatusPending}
		treq := statemachine.TransitionRequest{
			Target:     req.Status,
			DriverName: req.DriverName,
			SignerName: req.SignerName,
			ProofURL:   req.ProofURL,
			Note:       req.Note,
		}
		if err := statemachine.Validate(probe, treq, role); err != nil {
			return nil, err
		}
	}

	var result *Result
	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		result, err = s.recordOnce(ctx, req)
		if err == nil || !models.IsConcurrencyConflictError(err) {
			break
		}
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"order_id":   req.OrderID,
			"product_id": req.ProductID,
			"attempt":    attempt,
		}).Warn("Delivery lost line item version race, retrying")
	}
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, result)
	return result, nil
}

func (s *Service) recordOnce(ctx context.Context, req RecordDeliveryRequest) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Service.recordOnce")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	actorID := ctxmiddleware.GetActorID(ctx)
	now := time.Now().UTC()

	txCtx, tx, err := s.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	li, err := s.orders.GetLineItemForUpdate(txCtx, companyID, req.OrderID, req.ProductID)
	if err != nil {
		return nil, err
	}
	if err := ledger.Check(li); err != nil {
		return nil, err
	}

	remainder, err := ledger.Apply(li, req.DeliveredQty)
	if err != nil {
		return nil, err
	}
	li.UpdatedAt = now
	if err := s.orders.UpdateLineItemDelivered(txCtx, li); err != nil {
		return nil, err
	}

	d := &models.Delivery{
		ID:           uuid.New().String(),
		CompanyID:    companyID,
		OrderID:      req.OrderID,
		ProductID:    req.ProductID,
		Status:       req.Status,
		DeliveredQty: req.DeliveredQty,
		Note:         req.Note,
		DriverName:   req.DriverName,
		SignerName:   req.SignerName,
		ProofURL:     req.ProofURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if actorID != "" {
		d.CreatedBy = &actorID
	}
	if req.Status == models.DeliveryStatusDelivered {
		d.DeliveredAt = &now
	}
	if err := s.deliveries.Create(txCtx, d); err != nil {
		return nil, err
	}

	outcome, err := s.resolver.Resolve(txCtx, li, d, remainder)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.Get(txCtx, companyID, req.OrderID)
	if err != nil {
		return nil, err
	}
	summary, err := s.progress.Sync(txCtx, order)
	if err != nil {
		return nil, err
	}

	staged, err := s.stageRollup(txCtx, order, d, li, summary)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &Result{
		Delivery:  d,
		Order:     order,
		Backorder: outcome,
		Summary:   summary,
		staged:    staged,
	}, nil
}

// stageRollup writes the outbox row for the configured policy. Orders without
// a project roll up nowhere.
func (s *Service) stageRollup(ctx context.Context, order *models.PurchaseOrder, d *models.Delivery, li *models.OrderLineItem, summary *progress.Summary) (*models.ProjectRollup, error) {
	if order.ProjectID == nil {
		return nil, nil
	}

	switch s.rollups.Policy() {
	case rollup.PolicyPerDelivery:
		return s.rollups.Stage(ctx, order.CompanyID, *order.ProjectID, order.ID, d.ID, d.DeliveredQty*li.UnitPrice)
	default:
		if summary != nil && summary.JustCompleted {
			// Keyed by the triggering delivery so a replayed completion
			// stages nothing new.
			return s.rollups.Stage(ctx, order.CompanyID, *order.ProjectID, order.ID, d.ID, order.DeliveredValue)
		}
	}
	return nil, nil
}

// TransitionDelivery moves one delivery through its status lifecycle. The
// quantity was applied when the delivery was recorded, so no ledger or
// progress state changes here.
func (s *Service) TransitionDelivery(ctx context.Context, deliveryID string, req TransitionDeliveryRequest) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Service.TransitionDelivery")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	role := ctxmiddleware.GetRole(ctx)
	now := time.Now().UTC()

	txCtx, tx, err := s.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	d, err := s.deliveries.Get(txCtx, companyID, deliveryID)
	if err != nil {
		return nil, err
	}

	treq := statemachine.TransitionRequest{
		Target:     req.Status,
		DriverName: req.DriverName,
		SignerName: req.SignerName,
		ProofURL:   req.ProofURL,
		Note:       req.Note,
	}
	if err := statemachine.Validate(d, treq, role); err != nil {
		return nil, err
	}

	previous := d.Status
	statemachine.Apply(d, treq, now)

	if err := s.deliveries.Update(txCtx, d); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	result := &Result{Delivery: d, previousStatus: previous}
	s.afterCommit(ctx, result)
	return result, nil
}

// ArchiveDelivery soft-deletes a delivery and reverses its ledger
// contribution, resyncing the order's aggregates. Project actual cost is not
// reversed here; corrections flow through the bookkeeping surface.
func (s *Service) ArchiveDelivery(ctx context.Context, deliveryID string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Service.ArchiveDelivery")
	defer span.End()

	var result *Result
	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		result, err = s.archiveOnce(ctx, deliveryID)
		if err == nil || !models.IsConcurrencyConflictError(err) {
			break
		}
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"delivery_id": deliveryID,
			"attempt":     attempt,
		}).Warn("Archive lost line item version race, retrying")
	}
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, result)
	return result, nil
}

func (s *Service) archiveOnce(ctx context.Context, deliveryID string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Service.archiveOnce")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	role := ctxmiddleware.GetRole(ctx)
	now := time.Now().UTC()

	txCtx, tx, err := s.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	d, err := s.deliveries.Get(txCtx, companyID, deliveryID)
	if err != nil {
		return nil, err
	}
	if err := statemachine.ValidateArchive(d, role); err != nil {
		return nil, err
	}

	result := &Result{previousStatus: d.Status}

	// Backorder placeholders carry no delivered quantity; archiving one
	// touches no ledger state.
	if !d.IsBackorder && d.DeliveredQty > 0 {
		li, err := s.orders.GetLineItemForUpdate(txCtx, companyID, d.OrderID, d.ProductID)
		if err != nil {
			return nil, err
		}

		li.DeliveredQty -= d.DeliveredQty
		if li.DeliveredQty < 0 {
			li.DeliveredQty = 0
		}
		li.UpdatedAt = now
		if err := s.orders.UpdateLineItemDelivered(txCtx, li); err != nil {
			return nil, err
		}

		outcome, err := s.resolver.Resolve(txCtx, li, d, li.RemainingQty())
		if err != nil {
			return nil, err
		}
		result.Backorder = outcome
	}

	statemachine.ApplyArchive(d, now)
	if err := s.deliveries.Update(txCtx, d); err != nil {
		return nil, err
	}

	order, err := s.orders.Get(txCtx, companyID, d.OrderID)
	if err != nil {
		return nil, err
	}
	summary, err := s.progress.Sync(txCtx, order)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	result.Delivery = d
	result.Order = order
	result.Summary = summary
	return result, nil
}

// afterCommit emits change events and applies the staged rollup. The work is
// detached from the request context so a client disconnect cannot strand a
// committed mutation half-announced.
func (s *Service) afterCommit(ctx context.Context, result *Result) {
	ctx = context.WithoutCancel(ctx)
	actorID := ctxmiddleware.GetActorID(ctx)

	d := result.Delivery
	switch {
	case d != nil && d.Status == models.DeliveryStatusArchived:
		s.events.EmitDeliveryArchived(ctx, d, actorID)
	case d != nil && result.previousStatus != "" && result.previousStatus != d.Status:
		s.events.EmitDeliveryStatusChanged(ctx, d, result.previousStatus, actorID)
	case d != nil:
		s.events.EmitDeliveryCreated(ctx, d, actorID)
	}

	if result.Backorder != nil && result.Backorder.Action != backorder.ActionNone {
		s.events.EmitBackorderChanged(ctx, result.Backorder, actorID)
	}

	if result.Order != nil && result.Summary != nil && result.Summary.Changed {
		s.events.EmitOrderProgressUpdated(ctx, result.Order, actorID)
		if result.Summary.JustCompleted {
			s.events.EmitOrderAutoCompleted(ctx, result.Order, actorID)
		}
	}

	if result.staged != nil {
		if err := s.rollups.Dispatch(ctx, result.staged); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"rollup_id": result.staged.ID,
			}).Error("Rollup application deferred to retry")
			return
		}
		s.events.EmitProjectActualsUpdated(ctx, result.staged, actorID)
	}
}
