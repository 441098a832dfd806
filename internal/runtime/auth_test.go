package runtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/noteloom/noteloom/config"
)

var secret = []byte("unit-test-secret")

func authedApp() *echo.Echo {
	e := echo.New()
	e.GET("/me", func(c echo.Context) error {
		sub, _ := SubjectFromContext(c.Request().Context())
		return c.JSON(http.StatusOK, map[string]string{
			"user_id": c.Get("user_id").(string),
			"subject": sub,
		})
	}, EchoAuthMiddleware(secret))
	return e
}

func TestAuthMiddlewareBearerToken(t *testing.T) {
	tok, err := SignJWT("user-42", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	authedApp().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{`"user_id":"user-42"`, `"subject":"user-42"`} {
		if !strings.Contains(body, want) {
			t.Errorf("body %s missing %s", body, want)
		}
	}
}

func TestAuthMiddlewareCookie(t *testing.T) {
	tok, err := SignJWT("user-42", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: tok})
	rec := httptest.NewRecorder()
	authedApp().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	expired, err := SignJWT("user-42", secret, -time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	wrongKey, err := SignJWT("user-42", []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	cases := map[string]string{
		"no token":    "",
		"garbage":     "Bearer not.a.jwt",
		"expired":     "Bearer " + expired,
		"wrong key":   "Bearer " + wrongKey,
		"bare scheme": "Bearer ",
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		authedApp().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d", name, rec.Code)
		}
	}
}

func TestLoadJWTSecret(t *testing.T) {
	cfg := &config.Config{}
	if _, err := LoadJWTSecret(cfg); err == nil {
		t.Error("empty secret should error")
	}
	cfg.Server.JWTSecret = "configured"
	got, err := LoadJWTSecret(cfg)
	if err != nil || string(got) != "configured" {
		t.Errorf("LoadJWTSecret = %q, %v", got, err)
	}
	if _, err := LoadJWTSecret(nil); err == nil {
		t.Error("nil config should error")
	}
}
