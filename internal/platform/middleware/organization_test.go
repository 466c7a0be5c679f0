package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func organizationTestHandler(captured *string) echo.HandlerFunc {
	return func(c echo.Context) error {
		*captured = OrganizationFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	}
}

func TestOrganization_Header(t *testing.T) {
	e := echo.New()
	var got string
	e.GET("/", organizationTestHandler(&got), Organization("default-org"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Organization-ID", "hospital-a")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got != "hospital-a" {
		t.Errorf("resolved %q, want hospital-a", got)
	}
}

func TestOrganization_Subdomain(t *testing.T) {
	e := echo.New()
	var got string
	e.GET("/", organizationTestHandler(&got), Organization("default-org"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "hospital-b.auth.example.com:8443"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got != "hospital-b" {
		t.Errorf("resolved %q, want hospital-b", got)
	}
}

func TestOrganization_HeaderWinsOverSubdomain(t *testing.T) {
	e := echo.New()
	var got string
	e.GET("/", organizationTestHandler(&got), Organization("default-org"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "hospital-b.auth.example.com"
	req.Header.Set("X-Organization-ID", "hospital-a")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got != "hospital-a" {
		t.Errorf("resolved %q, want hospital-a", got)
	}
}

func TestOrganization_Default(t *testing.T) {
	e := echo.New()
	var got string
	e.GET("/", organizationTestHandler(&got), Organization("default-org"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.com"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got != "default-org" {
		t.Errorf("resolved %q, want default-org", got)
	}
}

func TestOrganization_NoResolution(t *testing.T) {
	e := echo.New()
	var got string
	e.GET("/", organizationTestHandler(&got), Organization(""))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.com"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOrganization_InvalidIdentifier(t *testing.T) {
	e := echo.New()
	var got string
	e.GET("/", organizationTestHandler(&got), Organization("default-org"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Organization-ID", "bad org; DROP TABLE")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOrganizationFromContext_Unset(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := OrganizationFromContext(req.Context()); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
