package project

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	projectrepo "github.com/12313131dBossza/siteproc-fulfillment/internal/repositories/project"
	ctxmiddleware "github.com/12313131dBossza/siteproc-fulfillment/pkg/context"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/tracing"
)

// Register registers project routes
func Register(g *echo.Group) {
	g.GET("/:id", Get)
}

// Get returns a project with its budget and accumulated actual cost
func Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "project_handler.Get")
	defer span.End()

	companyID := ctxmiddleware.GetCompanyID(ctx)
	if companyID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "company_id is required")
	}
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*projectrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	p, err := repo.Get(ctx, companyID, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, p)
}
