package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rmacdonaldsmith/meshweb/internal/resolver"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// DefaultTokenTTL is how long issued tokens stay valid
const DefaultTokenTTL = 24 * time.Hour

// ClaimsEnvironKey is the request environ key the Guard stores validated
// claims under
const ClaimsEnvironKey = "auth.claims"

// JWTClaims represents the JWT token claims
type JWTClaims struct {
	ClientID string `json:"client_id"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth handles JWT token creation and validation
type JWTAuth struct {
	secretKey []byte
	ttl       time.Duration
	issuer    string
}

// NewJWTAuth creates a new JWT authentication handler. A zero ttl uses
// DefaultTokenTTL.
func NewJWTAuth(secretKey string, ttl time.Duration, issuer string) *JWTAuth {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTAuth{
		secretKey: []byte(secretKey),
		ttl:       ttl,
		issuer:    issuer,
	}
}

// GenerateToken creates a new JWT token for a client
func (j *JWTAuth) GenerateToken(clientID string, isAdmin bool) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, errors.New("clientID cannot be empty")
	}

	now := time.Now()
	expiresAt := now.Add(j.ttl)

	claims := JWTClaims{
		ClientID: clientID,
		IsAdmin:  isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return j.secretKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}

	return claims, nil
}

// GuardRule protects every path under Prefix
type GuardRule struct {
	Prefix    string
	AdminOnly bool
}

// Guard is bound on the gateway request channel ahead of the dispatcher. A
// request under a protected prefix without a valid bearer token gets a 401
// (or 403 for a non-admin token on an admin rule); anything else yields an
// empty result so dispatch continues.
type Guard struct {
	auth  *JWTAuth
	rules []GuardRule
}

// NewGuard creates a guard over rules
func NewGuard(auth *JWTAuth, rules []GuardRule) *Guard {
	return &Guard{auth: auth, rules: rules}
}

// Handle implements web.Handler
func (g *Guard) Handle(_ context.Context, ev *web.Event) (any, error) {
	req, resp := ev.Request, ev.Response

	rule, ok := g.match(resolver.Canonical(req.Path))
	if !ok {
		return nil, nil
	}

	header := req.Headers.Get("Authorization")
	if header == "" {
		return g.reject(req, resp, http.StatusUnauthorized, "authorization required"), nil
	}

	claims, err := g.auth.ValidateToken(header)
	if err != nil {
		return g.reject(req, resp, http.StatusUnauthorized, err.Error()), nil
	}
	if rule.AdminOnly && !claims.IsAdmin {
		return web.NewHTTPError(req, resp, http.StatusForbidden, "admin privileges required"), nil
	}

	if req.Environ == nil {
		req.Environ = web.Environ{}
	}
	req.Environ[ClaimsEnvironKey] = claims
	return nil, nil
}

// match returns the longest rule whose prefix covers the canonical path on a
// segment boundary
func (g *Guard) match(path string) (GuardRule, bool) {
	var best GuardRule
	bestLen, found := 0, false
	for _, r := range g.rules {
		prefix := strings.TrimSuffix(resolver.Canonical(r.Prefix), "/")
		covered := prefix == "" || path == prefix || strings.HasPrefix(path, prefix+"/")
		if covered && (!found || len(prefix) > bestLen) {
			best, bestLen, found = r, len(prefix), true
		}
	}
	return best, found
}

func (g *Guard) reject(req *web.Request, resp *web.Response, code int, message string) *web.HTTPError {
	resp.Headers.Set("WWW-Authenticate", `Bearer realm="meshweb"`)
	return web.NewHTTPError(req, resp, code, message)
}

// GetClaims returns the claims the Guard validated for req, if any
func GetClaims(req *web.Request) *JWTClaims {
	if claims, ok := req.Environ[ClaimsEnvironKey].(*JWTClaims); ok {
		return claims
	}
	return nil
}

// LoginConfig controls which clients may obtain tokens
type LoginConfig struct {
	// Clients maps client ids to secrets. Empty accepts any client id
	// without a secret (development mode); such clients are never admins.
	Clients map[string]string

	// Admins lists client ids issued admin tokens
	Admins []string
}

// LoginHandler issues tokens. Bind it on a routable channel such as
// "/auth:login"; it reads client_id and secret from the request parameters.
func LoginHandler(auth *JWTAuth, config LoginConfig) web.Handler {
	admins := make(map[string]bool, len(config.Admins))
	for _, id := range config.Admins {
		admins[id] = true
	}

	return func(_ context.Context, ev *web.Event) (any, error) {
		req, resp := ev.Request, ev.Response
		if req.Method != http.MethodPost {
			resp.Headers.Set("Allow", http.MethodPost)
			return web.NewHTTPError(req, resp, http.StatusMethodNotAllowed, ""), nil
		}

		clientID := req.Params.Get("client_id")
		if clientID == "" {
			return web.NewHTTPError(req, resp, http.StatusBadRequest, "client_id is required"), nil
		}

		isAdmin := false
		if len(config.Clients) > 0 {
			secret, ok := config.Clients[clientID]
			if !ok || secret != req.Params.Get("secret") {
				return web.NewHTTPError(req, resp, http.StatusUnauthorized, "invalid credentials"), nil
			}
			isAdmin = admins[clientID]
		}

		token, expiresAt, err := auth.GenerateToken(clientID, isAdmin)
		if err != nil {
			return nil, err
		}

		body, err := sonic.Marshal(AuthResponse{Token: token, ClientID: clientID, ExpiresAt: expiresAt})
		if err != nil {
			return nil, fmt.Errorf("failed to encode token response: %w", err)
		}

		resp.Headers.Set("Content-Type", "application/json")
		resp.Headers.Set("Cache-Control", "no-store")
		return body, nil
	}
}
