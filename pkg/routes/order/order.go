package order

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	orderrepo "github.com/12313131dBossza/siteproc-fulfillment/internal/repositories/order"
	ctxmiddleware "github.com/12313131dBossza/siteproc-fulfillment/pkg/context"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/ledger"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/progress"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/tracing"
)

// Register registers order routes
func Register(g *echo.Group) {
	g.GET("/:id", Get)
	g.GET("/:id/progress", GetProgress)
}

// OrderResponse is an order with its line items.
type OrderResponse struct {
	Order     *models.PurchaseOrder  `json:"order"`
	LineItems []models.OrderLineItem `json:"line_items"`
}

// ProgressResponse is the delivery progress derived live from ledger state.
type ProgressResponse struct {
	OrderID  string                  `json:"order_id"`
	Progress models.DeliveryProgress `json:"progress"`
	Totals   ledger.Totals           `json:"totals"`
}

// Get returns an order with its line items
func Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "order_handler.Get")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	if companyID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "company_id is required")
	}
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*orderrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	order, err := repo.Get(ctx, companyID, id)
	if err != nil {
		return err
	}
	items, err := repo.GetLineItems(ctx, companyID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, OrderResponse{Order: order, LineItems: items})
}

// GetProgress recomputes the order's delivery progress from its line items
// without persisting it. Useful for verifying the stored aggregates.
func GetProgress(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "order_handler.GetProgress")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	if companyID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "company_id is required")
	}
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*orderrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	items, err := repo.GetLineItems(ctx, companyID, id)
	if err != nil {
		return err
	}

	totals, derived := progress.Derive(items)
	return c.JSON(http.StatusOK, ProgressResponse{
		OrderID:  id,
		Progress: derived,
		Totals:   totals,
	})
}
