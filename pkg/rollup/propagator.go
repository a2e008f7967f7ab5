// Package rollup propagates realized delivery cost into project actual-cost
// accumulators. The ledger/order transaction is authoritative; rollups are an
// eventually-consistent view committed as outbox rows and applied either
// inline after commit or by the out-of-band worker.
package rollup

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/tracing"
)

// Policy names when realized cost is pushed to the project.
type Policy string

const (
	// PolicyOnCompletion rolls up the order's full delivered value once,
	// when delivery progress reaches completed.
	PolicyOnCompletion Policy = "on_completion"
	// PolicyPerDelivery rolls up each delivery's value as it is recorded.
	PolicyPerDelivery Policy = "per_delivery"
)

// ParsePolicy parses a configured policy name, defaulting to on_completion.
func ParsePolicy(s string) Policy {
	if Policy(s) == PolicyPerDelivery {
		return PolicyPerDelivery
	}
	return PolicyOnCompletion
}

// Store is the persistence the propagator needs.
type Store interface {
	// InsertPending writes the outbox row. Returns false when a rollup for
	// this delivery already exists, which is how retried requests avoid
	// double-counting.
	InsertPending(ctx context.Context, r *models.ProjectRollup) (bool, error)
	// Apply increments the project accumulator and marks the row applied,
	// atomically. Applying an already-applied rollup is a no-op.
	Apply(ctx context.Context, companyID, rollupID string) error
	// ListPending returns committed rollups not yet applied, oldest first.
	ListPending(ctx context.Context, limit int) ([]models.ProjectRollup, error)
}

// Queue is the retry channel for rollups that could not be applied inline.
type Queue interface {
	PublishRollup(ctx context.Context, r *models.ProjectRollup) error
}

// Propagator commits and applies project cost rollups.
type Propagator struct {
	logger ectologger.Logger
	store  Store
	queue  Queue
	policy Policy
}

// NewPropagator creates a new rollup propagator. queue may be nil, in which
// case failed rollups wait for the pending sweep.
func NewPropagator(logger ectologger.Logger, store Store, queue Queue, policy Policy) *Propagator {
	return &Propagator{
		logger: logger,
		store:  store,
		queue:  queue,
		policy: policy,
	}
}

// Policy returns the configured rollup policy.
func (p *Propagator) Policy() Policy {
	return p.policy
}

// Stage writes the outbox row for a completion event. Called inside the
// delivery transaction so the rollup commits atomically with the ledger
// update. Idempotent per delivery: a retried request stages nothing new.
func (p *Propagator) Stage(ctx context.Context, companyID, projectID, orderID, deliveryID string, amount float64) (*models.ProjectRollup, error) {
	ctx, span := tracing.StartSpan(ctx, "rollup.Propagator.Stage")
	defer span.End()

	r := &models.ProjectRollup{
		ID:         uuid.New().String(),
		CompanyID:  companyID,
		ProjectID:  projectID,
		OrderID:    orderID,
		DeliveryID: deliveryID,
		Amount:     amount,
		Status:     models.RollupStatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	inserted, err := p.store.InsertPending(ctx, r)
	if err != nil {
		return nil, err
	}
	if !inserted {
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"delivery_id": deliveryID,
			"project_id":  projectID,
		}).Debug("Rollup already staged for delivery")
		return nil, nil
	}

	return r, nil
}

// Dispatch applies a staged rollup after the owning transaction committed.
// Failure never propagates to the delivery caller: the row stays pending, is
// pushed onto the retry queue, and the typed error is returned only so the
// caller can log it.
func (p *Propagator) Dispatch(ctx context.Context, r *models.ProjectRollup) *models.RollupPropagationError {
	ctx, span := tracing.StartSpan(ctx, "rollup.Propagator.Dispatch")
	defer span.End()

	if err := p.store.Apply(ctx, r.CompanyID, r.ID); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rollup_id":  r.ID,
			"project_id": r.ProjectID,
		}).Error("Failed to apply project rollup, queueing for retry")

		if p.queue != nil {
			if qErr := p.queue.PublishRollup(ctx, r); qErr != nil {
				p.logger.WithContext(ctx).WithError(qErr).Warn("Failed to queue rollup retry; pending sweep will pick it up")
			}
		}

		return &models.RollupPropagationError{RollupID: r.ID, Cause: err}
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"rollup_id":  r.ID,
		"project_id": r.ProjectID,
		"amount":     r.Amount,
	}).Info("Applied project rollup")

	return nil
}
