// Package routes assembles the HTTP surface of the fulfillment service.
package routes

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/middleware"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/routes/delivery"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/routes/health"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/routes/order"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/routes/project"
)

// NewRouter builds the echo instance with telemetry, request context, and
// error handling wired, and all route groups registered.
func NewRouter(serviceName string, logger ectologger.Logger, checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	if checker != nil {
		checker.RegisterRoutes(e)
	}

	api := e.Group("/api/v1")
	delivery.Register(api.Group("/deliveries"))
	order.Register(api.Group("/orders"))
	project.Register(api.Group("/projects"))

	return e
}
