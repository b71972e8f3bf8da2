package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithRoles(t *testing.T, roles []string, required ...string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequireRole(required...)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return rec, h(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	rec, err := runWithRoles(t, []string{RoleScheduler}, RoleRegistrar, RoleScheduler)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	if _, err := runWithRoles(t, []string{RoleAdmin}, RoleIntake); err != nil {
		t.Errorf("admin should pass every role check, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	_, err := runWithRoles(t, []string{RoleViewer}, RoleRegistrar)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_NoRoles(t *testing.T) {
	if _, err := runWithRoles(t, nil, RoleViewer); err == nil {
		t.Error("expected error with no roles")
	}
}

func TestIsPublicPath(t *testing.T) {
	for _, p := range []string{"/health", "/health/db", "/metrics"} {
		if !IsPublicPath(p) {
			t.Errorf("expected %s to be public", p)
		}
	}
	if IsPublicPath("/api/v1/identities/search") {
		t.Error("api routes must not be public")
	}
}
