// Package auth turns JWT bearer tokens into engine manager grants. A grant
// names its holder, the operations it covers and, optionally, the OpenCV
// versions it may install.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/theroutercompany/engine_manager/internal/config"
)

// ScopeInstall grants permission to request engine installs.
const ScopeInstall = "engine.install"

// Error is an authorization failure with the HTTP status it maps to.
type Error struct {
	Status int
	Title  string
	Detail string
}

func (e Error) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Title
}

// Challenge reports whether the caller should be asked for credentials.
func (e Error) Challenge() bool { return e.Status == http.StatusUnauthorized }

func unauthorized(detail string) Error {
	return Error{Status: http.StatusUnauthorized, Title: "Authentication Required", Detail: detail}
}

func forbidden(title, detail string) Error {
	return Error{Status: http.StatusForbidden, Title: title, Detail: detail}
}

// Grant is what a verified token allows its holder to do.
type Grant struct {
	Subject string
	Scopes  []string

	// versions limits installable OpenCV versions; nil allows any.
	versions *semver.Constraints
}

// Require fails with a 403 Error unless the grant holds scope.
func (g *Grant) Require(scope string) error {
	if slices.Contains(g.Scopes, scope) {
		return nil
	}
	return forbidden("Insufficient Scope", "Requires scope: "+scope)
}

// AllowsVersion fails with a 403 Error when the grant restricts versions and
// version falls outside them.
func (g *Grant) AllowsVersion(version string) error {
	if g.versions == nil {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return forbidden("Version Not Permitted", fmt.Sprintf("version %q is not a semantic version", version))
	}
	if !g.versions.Check(v) {
		return forbidden("Version Not Permitted", fmt.Sprintf("grant covers opencv %s only", g.versions))
	}
	return nil
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// New constructs an authenticator from configuration. A secret is required.
func New(cfg config.AuthConfig) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret not configured")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if len(cfg.Audiences) > 0 {
		opts = append(opts, jwt.WithAudience(cfg.Audiences...))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Authenticator{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}, nil
}

// Authenticate resolves the request's bearer token into a Grant. Failures
// are Error values.
func (a *Authenticator) Authenticate(r *http.Request) (*Grant, error) {
	token, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	claims := &grantClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, unauthorized(err.Error())
	}

	grant := &Grant{Subject: claims.Subject, Scopes: claims.scopes()}
	if raw := strings.TrimSpace(claims.OpenCV); raw != "" {
		constraints, err := semver.NewConstraint(raw)
		if err != nil {
			return nil, unauthorized(fmt.Sprintf("invalid opencv_versions claim: %v", err))
		}
		grant.versions = constraints
	}
	return grant, nil
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", unauthorized("Missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", unauthorized("Malformed authorization header")
	}
	return token, nil
}

// grantClaims accepts scopes as a space separated "scope" or a "scp" list.
type grantClaims struct {
	Scope  string   `json:"scope"`
	Scp    []string `json:"scp"`
	OpenCV string   `json:"opencv_versions"`
	jwt.RegisteredClaims
}

func (c *grantClaims) scopes() []string {
	if len(c.Scp) > 0 {
		return c.Scp
	}
	return strings.Fields(c.Scope)
}
