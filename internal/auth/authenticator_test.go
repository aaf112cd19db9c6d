package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/theroutercompany/engine_manager/internal/config"
)

type testClaims struct {
	Scope    string `json:"scope,omitempty"`
	Versions string `json:"opencv_versions,omitempty"`
	jwt.RegisteredClaims
}

func signToken(t *testing.T, secret string, claims testClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthenticateSuccess(t *testing.T) {
	cfg := config.AuthConfig{Secret: "secret", Audiences: []string{"engine"}, Issuer: "manager"}
	authenticator, err := New(cfg)
	if err != nil {
		t.Fatalf("expected authenticator, got error: %v", err)
	}

	tokenString := signToken(t, cfg.Secret, testClaims{
		Scope: "engine.read engine.install",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "device-123",
			Audience:  jwt.ClaimStrings{"engine"},
			Issuer:    "manager",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/engine/install", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	grant, err := authenticator.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if grant.Subject != "device-123" {
		t.Fatalf("unexpected subject: %s", grant.Subject)
	}
	if err := grant.Require(ScopeInstall); err != nil {
		t.Fatalf("expected install scope, got %v", err)
	}
	var authErr Error
	if err := grant.Require("engine.admin"); !errors.As(err, &authErr) || authErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 for admin scope, got %v", err)
	}
	if err := grant.AllowsVersion("not-a-version"); err != nil {
		t.Fatalf("unrestricted grant should allow any version, got %v", err)
	}
}

func TestGrantRestrictsInstallableVersions(t *testing.T) {
	cfg := config.AuthConfig{Secret: "secret"}
	authenticator, _ := New(cfg)

	tokenString := signToken(t, cfg.Secret, testClaims{
		Scope:    ScopeInstall,
		Versions: ">=4.5.0, <5.0.0",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "device-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/engine/install", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	grant, err := authenticator.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := grant.AllowsVersion("4.8.0"); err != nil {
		t.Fatalf("expected 4.8.0 allowed, got %v", err)
	}
	for _, version := range []string{"3.4.16", "5.0.0", "latest"} {
		var authErr Error
		if err := grant.AllowsVersion(version); !errors.As(err, &authErr) || authErr.Status != http.StatusForbidden {
			t.Fatalf("expected 403 for %s, got %v", version, err)
		}
	}
}

func TestAuthenticateRejectsInvalidVersionClaim(t *testing.T) {
	cfg := config.AuthConfig{Secret: "secret"}
	authenticator, _ := New(cfg)

	tokenString := signToken(t, cfg.Secret, testClaims{
		Versions: "four point five",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/engine/install", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	var authErr Error
	if _, err := authenticator.Authenticate(req); !errors.As(err, &authErr) || !authErr.Challenge() {
		t.Fatalf("expected 401 for invalid version claim, got %v", err)
	}
}

func TestAuthenticateMissingHeader(t *testing.T) {
	authenticator, _ := New(config.AuthConfig{Secret: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := authenticator.Authenticate(req)
	var authErr Error
	if !errors.As(err, &authErr) || authErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 auth error, got %v", err)
	}
}

func TestAuthenticateRejectsMalformedHeader(t *testing.T) {
	authenticator, _ := New(config.AuthConfig{Secret: "secret"})

	for _, header := range []string{"Basic abc", "Bearer", "Bearer    "} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		if _, err := authenticator.Authenticate(req); err == nil {
			t.Fatalf("expected error for header %q", header)
		}
	}
}

func TestAuthenticateRejectsWrongAudience(t *testing.T) {
	cfg := config.AuthConfig{Secret: "secret", Audiences: []string{"engine"}}
	authenticator, _ := New(cfg)

	tokenString := signToken(t, cfg.Secret, testClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "device-123",
		Audience:  jwt.ClaimStrings{"other"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	if _, err := authenticator.Authenticate(req); err == nil {
		t.Fatalf("expected audience mismatch error")
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(config.AuthConfig{}); err == nil {
		t.Fatalf("expected error without secret")
	}
}
