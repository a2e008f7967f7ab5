package delivery

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	deliveryrepo "github.com/12313131dBossza/siteproc-fulfillment/internal/repositories/delivery"
	ctxmiddleware "github.com/12313131dBossza/siteproc-fulfillment/pkg/context"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/reconcile"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/tracing"
)

var validate = validator.New()

// Register registers delivery routes
func Register(g *echo.Group) {
	g.GET("", List)
	g.POST("", Record)
	g.GET("/:id", Get)
	g.PUT("/:id/status", Transition)
	g.DELETE("/:id", Archive)
}

// Record records a delivery event against an order line item
func Record(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "delivery_handler.Record")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	if companyID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "company_id is required")
	}

	var req reconcile.RecordDeliveryRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, svc, err := ectoinject.GetContext[*reconcile.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get service")
	}

	result, err := svc.RecordDelivery(ctx, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, result)
}

// List returns deliveries for an order, newest first
func List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "delivery_handler.List")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	if companyID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "company_id is required")
	}

	orderID := c.QueryParam("order_id")
	if orderID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "order_id is required")
	}
	includeArchived, _ := strconv.ParseBool(c.QueryParam("include_archived"))

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if pageSize < 1 {
		pageSize = 20
	}

	ctx, repo, err := ectoinject.GetContext[*deliveryrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	resp, err := repo.ListByOrder(ctx, companyID, orderID, includeArchived, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// Get returns a delivery by ID
func Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "delivery_handler.Get")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	if companyID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "company_id is required")
	}
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*deliveryrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	d, err := repo.Get(ctx, companyID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, d)
}

// Transition moves a delivery through its status lifecycle
func Transition(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "delivery_handler.Transition")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	if companyID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "company_id is required")
	}
	id := c.Param("id")

	var req reconcile.TransitionDeliveryRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, svc, err := ectoinject.GetContext[*reconcile.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get service")
	}

	result, err := svc.TransitionDelivery(ctx, id, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// Archive soft-deletes a delivery and resyncs the order's aggregates
func Archive(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "delivery_handler.Archive")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	if companyID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "company_id is required")
	}
	id := c.Param("id")

	ctx, svc, err := ectoinject.GetContext[*reconcile.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get service")
	}

	result, err := svc.ArchiveDelivery(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
