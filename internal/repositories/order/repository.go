package order

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/database"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/tracing"
)

var orderColumns = []string{
	"id", "company_id", "project_id", "order_number", "status",
	"delivery_progress", "total_amount", "delivered_qty", "remaining_qty",
	"delivered_value", "created_at", "updated_at", "archived_at",
}

var lineItemColumns = []string{
	"id", "company_id", "order_id", "product_id", "product_name", "unit",
	"ordered_qty", "delivered_qty", "unit_price", "version", "created_at", "updated_at",
}

// Repository handles purchase order and line item persistence. Methods run on
// the transaction carried by the context when one is open.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new order repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a purchase order by ID.
func (r *Repository) Get(ctx context.Context, companyID, id string) (*models.PurchaseOrder, error) {
	ctx, span := tracing.StartSpan(ctx, "order.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(orderColumns...)
	sb.From("purchase_orders")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("company_id", companyID),
	)

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	var order models.PurchaseOrder
	if err := q.GetContext(ctx, &order, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("order %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"order_id": id}).Error("Failed to get order")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get order")
	}
	return &order, nil
}

// GetLineItems retrieves all line items for an order.
func (r *Repository) GetLineItems(ctx context.Context, companyID, orderID string) ([]models.OrderLineItem, error) {
	ctx, span := tracing.StartSpan(ctx, "order.Repository.GetLineItems")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(lineItemColumns...)
	sb.From("order_line_items")
	sb.Where(
		sb.Equal("company_id", companyID),
		sb.Equal("order_id", orderID),
	)
	sb.OrderBy("created_at ASC", "id ASC")

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	var items []models.OrderLineItem
	if err := q.SelectContext(ctx, &items, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"order_id": orderID}).Error("Failed to get order line items")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get order line items")
	}
	return items, nil
}

// GetLineItemForUpdate retrieves the line item for an (order, product) pair
// and takes a row lock on it for the duration of the surrounding transaction.
// Concurrent delivery events for the same line item serialize here.
func (r *Repository) GetLineItemForUpdate(ctx context.Context, companyID, orderID, productID string) (*models.OrderLineItem, error) {
	ctx, span := tracing.StartSpan(ctx, "order.Repository.GetLineItemForUpdate")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(lineItemColumns...)
	sb.From("order_line_items")
	sb.Where(
		sb.Equal("company_id", companyID),
		sb.Equal("order_id", orderID),
		sb.Equal("product_id", productID),
	)

	query, args := sb.Build()
	query += " FOR UPDATE"

	q := database.QueryerFromContext(ctx, r.db)
	var li models.OrderLineItem
	if err := q.GetContext(ctx, &li, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("order %s has no line item for product %s", orderID, productID))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"order_id": orderID, "product_id": productID}).Error("Failed to lock order line item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to lock order line item")
	}
	return &li, nil
}

// UpdateLineItemDelivered persists the line item's new delivered quantity. The
// version predicate catches writes that raced past the row lock; zero affected
// rows surfaces as a ConcurrencyConflictError for the engine to retry.
func (r *Repository) UpdateLineItemDelivered(ctx context.Context, li *models.OrderLineItem) error {
	ctx, span := tracing.StartSpan(ctx, "order.Repository.UpdateLineItemDelivered")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("order_line_items")
	sb.Set(
		sb.Assign("delivered_qty", li.DeliveredQty),
		sb.Incr("version"),
		sb.Assign("updated_at", li.UpdatedAt),
	)
	sb.Where(
		sb.Equal("id", li.ID),
		sb.Equal("company_id", li.CompanyID),
		sb.Equal("version", li.Version),
	)

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"line_item_id": li.ID}).Error("Failed to update line item delivered quantity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update line item")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"line_item_id": li.ID}).Error("Failed to read affected rows for line item update")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update line item")
	}
	if affected == 0 {
		return &models.ConcurrencyConflictError{LineItemID: li.ID}
	}

	li.Version++
	return nil
}

// UpdateProgress persists the order's recomputed delivery aggregates.
func (r *Repository) UpdateProgress(ctx context.Context, order *models.PurchaseOrder) error {
	ctx, span := tracing.StartSpan(ctx, "order.Repository.UpdateProgress")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("purchase_orders")
	sb.Set(
		sb.Assign("status", order.Status),
		sb.Assign("delivery_progress", order.DeliveryProgress),
		sb.Assign("delivered_qty", order.DeliveredQty),
		sb.Assign("remaining_qty", order.RemainingQty),
		sb.Assign("delivered_value", order.DeliveredValue),
		sb.Assign("updated_at", order.UpdatedAt),
	)
	sb.Where(
		sb.Equal("id", order.ID),
		sb.Equal("company_id", order.CompanyID),
	)

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"order_id": order.ID}).Error("Failed to update order progress")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update order progress")
	}
	return nil
}
