package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/creditlock/pkg/api"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
)

// APIKeyHeader carries a static API key.
const APIKeyHeader = "X-API-Key"

// JWTValidator validates HS256 bearer tokens.
type JWTValidator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Claims are the JWT claims expected by the creditlock API.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

// NewJWTValidator creates a validator for tokens signed with secret.
// It returns nil when secret is empty, which leaves bearer tokens disabled.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for subject. Used by the CLI and by tests.
func (v *JWTValidator) Issue(subject, name string, role review.Role, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
		Role: string(role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func lookupKey(keys map[string]KeyGrant, presented string) (KeyGrant, bool) {
	var (
		found KeyGrant
		ok    bool
	)
	for k, g := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			found, ok = g, true
		}
	}
	return found, ok
}

// NewMiddleware authenticates requests by X-API-Key or by a Bearer JWT.
// With no keys and a nil validator every non-public request is rejected.
func NewMiddleware(keys map[string]KeyGrant, validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if key := r.Header.Get(APIKeyHeader); key != "" {
				grant, ok := lookupKey(keys, key)
				if !ok {
					api.WriteUnauthorized(w, "Unknown API key")
					return
				}
				p := &BasePrincipal{ID: "key:" + grant.Name, Name: grant.Name, Role: grant.Role, Method: MethodAPIKey}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header or X-API-Key")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				api.WriteUnauthorized(w, "Bearer authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}
			role, ok := review.ParseRole(claims.Role)
			if !ok {
				api.WriteUnauthorized(w, "Token role is missing or unknown")
				return
			}

			p := &BasePrincipal{ID: claims.Subject, Name: claims.Name, Role: role, Method: MethodJWT}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
