package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowd/native/payment"
)

// AuthConfig configures bearer-token verification. Tokens are HS256 JWTs
// whose subject is the caller's address.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyCaller contextKey = "escrowd.caller"

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Authenticator resolves the calling address from a bearer token.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
}

// NewAuthenticator returns an authenticator for cfg.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, errors.New("auth secret not configured")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(secret)}, nil
}

// Middleware rejects requests without a valid token and stores the caller
// address in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.Authenticate(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate validates the request's bearer token and returns the caller.
func (a *Authenticator) Authenticate(r *http.Request) (payment.Address, error) {
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		// Browsers cannot set headers on websocket upgrades.
		tokenString = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if tokenString == "" {
		return payment.Address{}, errMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return payment.Address{}, errInvalidToken
	}
	caller, err := payment.ParseAddress(claims.Subject)
	if err != nil || caller.IsZero() {
		return payment.Address{}, errInvalidToken
	}
	return caller, nil
}

// IssueToken signs a token for caller valid for ttl. It backs the CLI and
// tests; production deployments typically mint tokens elsewhere with the
// same secret.
func (a *Authenticator) IssueToken(caller payment.Address, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   caller.String(),
		Issuer:    a.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// CallerFromContext returns the authenticated caller.
func CallerFromContext(ctx context.Context) (payment.Address, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(payment.Address)
	return caller, ok
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
