package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func serve(t *testing.T, mw echo.MiddlewareFunc, header string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen echo.Context
	err := mw(func(c echo.Context) error {
		seen = c
		return c.String(http.StatusOK, "ok")
	})(c)
	return seen, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tok := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "staff-42",
			Issuer:    "patientlink",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "clinic_a",
		Roles:    []string{RoleScheduler},
	}, testSigningKey)

	c, err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "patientlink"}), "Bearer "+tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "staff-42" {
		t.Errorf("expected subject staff-42, got %q", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleScheduler {
		t.Errorf("unexpected roles %v", roles)
	}
	if tid, _ := c.Get("jwt_tenant_id").(string); tid != "clinic_a" {
		t.Errorf("expected tenant clinic_a, got %q", tid)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	tok := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "staff-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, testSigningKey)
	_, err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tok)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tok := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}}, []byte("other-key"))
	_, err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tok)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingSubject(t *testing.T) {
	tok := createTestToken(t, Claims{Roles: []string{RoleAdmin}}, testSigningKey)
	_, err := serve(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tok)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }})
	if _, err := serve(t, mw, ""); err != nil {
		t.Errorf("skipped request should pass, got %v", err)
	}
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	c, err := serve(t, DevAuthMiddleware(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := c.Request().Context()
	if UserIDFromContext(ctx) != "dev-user" {
		t.Errorf("expected dev-user, got %q", UserIDFromContext(ctx))
	}
	if !HasAnyRole(RolesFromContext(ctx), RoleRegistrar) {
		t.Error("dev user should pass role checks")
	}
}

func TestActorFromContext(t *testing.T) {
	if got := ActorFromContext(context.Background()); got != SystemActor {
		t.Errorf("expected %q, got %q", SystemActor, got)
	}
	ctx := WithUser(context.Background(), "nurse-7", nil)
	if got := ActorFromContext(ctx); got != "nurse-7" {
		t.Errorf("expected nurse-7, got %q", got)
	}
}
