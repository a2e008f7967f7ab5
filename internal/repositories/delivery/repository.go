package delivery

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

var columns = []string{
	"id", "company_id", "order_id", "product_id", "status", "delivered_qty",
	"is_backorder", "remaining_qty", "note", "driver_name", "signer_name",
	"proof_url", "created_by", "delivered_at", "archived_at", "created_at", "updated_at",
}

// ListResponse is a page of deliveries for an order.
type ListResponse struct {
	Items      []models.Delivery `json:"items"`
	TotalCount int               `json:"total_count"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
}

// Repository handles delivery persistence. Methods run on the transaction
// carried by the context when one is open.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new delivery repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a delivery row, including backorder placeholders.
func (r *Repository) Create(ctx context.Context, d *models.Delivery) error {
	ctx, span := tracing.StartSpan(ctx, "delivery.Repository.Create")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("deliveries")
	sb.Cols(columns...)
	sb.Values(
		d.ID, d.CompanyID, d.OrderID, d.ProductID, d.Status, d.DeliveredQty,
		d.IsBackorder, d.RemainingQty, d.Note, d.DriverName, d.SignerName,
		d.ProofURL, d.CreatedBy, d.DeliveredAt, d.ArchivedAt, d.CreatedAt, d.UpdatedAt,
	)

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"delivery_id": d.ID, "order_id": d.OrderID}).Error("Failed to create delivery")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create delivery")
	}
	return nil
}

// Update rewrites the mutable fields of a delivery row.
func (r *Repository) Update(ctx context.Context, d *models.Delivery) error {
	ctx, span := tracing.StartSpan(ctx, "delivery.Repository.Update")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("deliveries")
	sb.Set(
		sb.Assign("status", d.Status),
		sb.Assign("delivered_qty", d.DeliveredQty),
		sb.Assign("remaining_qty", d.RemainingQty),
		sb.Assign("note", d.Note),
		sb.Assign("driver_name", d.DriverName),
		sb.Assign("signer_name", d.SignerName),
		sb.Assign("proof_url", d.ProofURL),
		sb.Assign("delivered_at", d.DeliveredAt),
		sb.Assign("archived_at", d.ArchivedAt),
		sb.Assign("updated_at", d.UpdatedAt),
	)
	sb.Where(
		sb.Equal("id", d.ID),
		sb.Equal("company_id", d.CompanyID),
	)

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"delivery_id": d.ID}).Error("Failed to update delivery")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update delivery")
	}
	return nil
}

// Get retrieves a delivery by ID.
func (r *Repository) Get(ctx context.Context, companyID, id string) (*models.Delivery, error) {
	ctx, span := tracing.StartSpan(ctx, "delivery.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("deliveries")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("company_id", companyID),
	)

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	var d models.Delivery
	if err := q.GetContext(ctx, &d, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("delivery %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"delivery_id": id}).Error("Failed to get delivery")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get delivery")
	}
	return &d, nil
}

// GetOpenBackorder returns the open (pending/partial) backorder placeholder
// for the (order, product) pair, or nil when none exists. A partial unique
// index guarantees at most one such row.
func (r *Repository) GetOpenBackorder(ctx context.Context, companyID, orderID, productID string) (*models.Delivery, error) {
	ctx, span := tracing.StartSpan(ctx, "delivery.Repository.GetOpenBackorder")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("deliveries")
	sb.Where(
		sb.Equal("company_id", companyID),
		sb.Equal("order_id", orderID),
		sb.Equal("product_id", productID),
		sb.Equal("is_backorder", true),
		sb.In("status", string(models.DeliveryStatusPending), string(models.DeliveryStatusPartial)),
	)
	sb.Limit(1)

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	var d models.Delivery
	if err := q.GetContext(ctx, &d, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"order_id": orderID, "product_id": productID}).Error("Failed to look up open backorder")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up open backorder")
	}
	return &d, nil
}

// ListByOrder retrieves deliveries for an order with pagination, newest first.
// Archived rows are excluded unless includeArchived is set.
func (r *Repository) ListByOrder(ctx context.Context, companyID, orderID string, includeArchived bool, page, pageSize int) (*ListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "delivery.Repository.ListByOrder")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	baseWhere := func(sb *sqlbuilder.SelectBuilder) []string {
		where := []string{
			sb.Equal("company_id", companyID),
			sb.Equal("order_id", orderID),
		}
		if !includeArchived {
			where = append(where, sb.NotEqual("status", string(models.DeliveryStatusArchived)))
		}
		return where
	}

	q := database.QueryerFromContext(ctx, r.db)

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("deliveries")
	countSb.Where(baseWhere(countSb)...)

	countQuery, countArgs := countSb.Build()
	var totalCount int
	if err := q.GetContext(ctx, &totalCount, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"order_id": orderID}).Error("Failed to count deliveries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count deliveries")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("deliveries")
	sb.Where(baseWhere(sb)...)
	sb.OrderBy("created_at DESC", "id DESC")
	sb.Limit(pageSize).Offset(offset)

	query, args := sb.Build()
	var deliveries []models.Delivery
	if err := q.SelectContext(ctx, &deliveries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"order_id": orderID}).Error("Failed to list deliveries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list deliveries")
	}

	return &ListResponse{
		Items:      deliveries,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}
