package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/context"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
)

const (
	// HeaderCompanyID is the header key for the acting company
	HeaderCompanyID = "X-Company-ID"
	// HeaderUserID is the header key for the acting user
	HeaderUserID = "X-User-ID"
	// HeaderUserRole is the header key for the acting user's company role,
	// resolved by the auth gateway
	HeaderUserRole = "X-User-Role"
)

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()

			// get request id from header
			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			companyID := req.Header.Get(HeaderCompanyID)
			actorID := req.Header.Get(HeaderUserID)
			role := models.Role(req.Header.Get(HeaderUserRole))

			ctx := req.Context()
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, req.URL.Path)
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			ctx = context.SetCompanyID(ctx, companyID)
			ctx = context.SetActorID(ctx, actorID)
			ctx = context.SetRole(ctx, role)

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
