package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Claims carries the authenticated user's identity plus the dialer
// credentials the command layer acts with
type Claims struct {
	UserID       int64  `json:"uid"`
	Name         string `json:"name"`
	VicidialUser string `json:"vicidial_user"`
	VicidialPass string `json:"vicidial_pass"`
	PhoneLogin   string `json:"phone_login"`
	PhonePass    string `json:"phone_pass"`
	jwt.RegisteredClaims
}

type contextKey string

// UserContextKey is the request context key holding the *Claims
const UserContextKey contextKey = "user"

// ErrNoToken is returned when a request carries no bearer token
var ErrNoToken = errors.New("auth: missing token")

// Authenticator validates bearer tokens. Tokens signed with the shared HS256
// secret are the primary path; when an OIDC issuer is configured its JWKS is
// used for RSA/EC-signed tokens as well.
type Authenticator struct {
	secret []byte
	jwks   keyfunc.Keyfunc
	logger zerolog.Logger
}

// NewAuthenticator creates an authenticator with the shared secret.
// issuerURL is optional; when set the issuer's JWKS endpoint is fetched for
// verifying asymmetric tokens.
func NewAuthenticator(secret, issuerURL string, logger zerolog.Logger) (*Authenticator, error) {
	a := &Authenticator{
		secret: []byte(secret),
		logger: logger.With().Str("component", "auth").Logger(),
	}

	if issuerURL != "" {
		jwksURL := strings.TrimSuffix(issuerURL, "/") + "/protocol/openid-connect/certs"
		k, err := keyfunc.NewDefault([]string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("auth: fetch jwks from %s: %w", jwksURL, err)
		}
		a.jwks = k
		a.logger.Info().Str("jwks_url", jwksURL).Msg("jwks loaded")
	}

	return a, nil
}

// Middleware rejects requests without a valid token and stores the claims on
// the request context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		claims, err := a.Validate(tokenString)
		if err != nil {
			a.logger.Debug().Err(err).Msg("token rejected")
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Validate parses and verifies one token string
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, a.keyFor)
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.UserID == 0 {
		return nil, errors.New("auth: token has no user id")
	}
	return claims, nil
}

func (a *Authenticator) keyFor(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
		if len(a.secret) == 0 {
			return nil, errors.New("auth: no shared secret configured")
		}
		return a.secret, nil
	}
	if a.jwks != nil {
		return a.jwks.Keyfunc(token)
	}
	return nil, fmt.Errorf("auth: unsupported signing method %v", token.Header["alg"])
}

// FromContext returns the claims stored by the middleware, or nil
func FromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(UserContextKey).(*Claims)
	return claims
}

// extractToken gets the token from the Authorization header or, for
// websocket connections, the token query parameter
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	return r.URL.Query().Get("token")
}
