package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

// OrganizationIDKey is the request-context key holding the resolved
// organization ID.
const OrganizationIDKey contextKey = "organization_id"

var organizationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Organization resolves the tenant for the request and stores it in the
// request context. Resolution order: X-Organization-ID header, then the
// subdomain of the Host, then the configured default. Requests that resolve
// to no organization are rejected; every store operation downstream is keyed
// by this value.
func Organization(defaultOrg string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			orgID := extractOrganizationID(c, defaultOrg)
			if orgID == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "organization could not be resolved")
			}
			if !organizationIDPattern.MatchString(orgID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid organization identifier")
			}

			ctx := context.WithValue(c.Request().Context(), OrganizationIDKey, orgID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("organization_id", orgID)

			return next(c)
		}
	}
}

func extractOrganizationID(c echo.Context, defaultOrg string) string {
	if oid := c.Request().Header.Get("X-Organization-ID"); oid != "" {
		return oid
	}

	// hospital-a.auth.example.com -> hospital-a
	host := c.Request().Host
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	if parts := strings.Split(host, "."); len(parts) > 2 {
		return parts[0]
	}

	return defaultOrg
}

// OrganizationFromContext retrieves the organization ID resolved for the
// request. Empty when the middleware did not run.
func OrganizationFromContext(ctx context.Context) string {
	oid, _ := ctx.Value(OrganizationIDKey).(string)
	return oid
}
