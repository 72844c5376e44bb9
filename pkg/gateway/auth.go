package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/strandworks/strand/pkg/runs"
)

// AuthConfig configures bearer token validation. Disabled auth derives
// the caller's scope from X-Org-ID and X-User-ID headers instead; that
// mode is for development only.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	JWKSURL  string `yaml:"jwks_url" json:"jwks_url"`
	Issuer   string `yaml:"issuer" json:"issuer"`
	Audience string `yaml:"audience" json:"audience"`
}

// Validate checks required fields when auth is enabled.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" {
		return fmt.Errorf("jwks_url is required when auth is enabled")
	}
	return nil
}

// Claims is the caller identity extracted from a validated token.
type Claims struct {
	Subject string
	OrgID   string
	Role    string
}

// Scope converts the claims to the run scope stamped on created runs.
func (c *Claims) Scope() runs.Scope {
	return runs.Scope{OrgID: c.OrgID, UserID: c.Subject}
}

type contextKey string

const claimsContextKey contextKey = "claims"

// TokenValidator validates bearer tokens. The JWKS-backed validator is
// the production implementation; tests substitute their own.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// JWTValidator validates tokens against a JWKS endpoint with cached,
// auto-refreshed keys.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewJWTValidator creates the validator and primes the key cache.
func NewJWTValidator(cfg AuthConfig) (*JWTValidator, error) {
	ctx := context.Background()
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}
	return &JWTValidator{
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

// ValidateToken implements TokenValidator.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{Subject: token.Subject()}
	if orgID, ok := token.Get("org_id"); ok {
		if s, ok := orgID.(string); ok {
			claims.OrgID = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}
	if claims.OrgID == "" {
		return nil, fmt.Errorf("token is missing the org_id claim")
	}
	return claims, nil
}

// authMiddleware validates the bearer token and stores the claims on
// the request context. A nil validator runs the header-based dev mode.
func authMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil {
				claims := &Claims{
					Subject: r.Header.Get("X-User-ID"),
					OrgID:   r.Header.Get("X-Org-ID"),
				}
				if claims.Subject == "" {
					claims.Subject = "anonymous"
				}
				if claims.OrgID == "" {
					claims.OrgID = "default"
				}
				next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "invalid Authorization format, expected: Bearer <token>")
				return
			}

			claims, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, fmt.Sprintf("unauthorized: %v", err))
				return
			}
			next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
		})
	}
}

func contextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// claimsFrom returns the request's claims; the auth middleware
// guarantees they are present on routed handlers.
func claimsFrom(r *http.Request) *Claims {
	if claims, ok := r.Context().Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return &Claims{Subject: "anonymous", OrgID: "default"}
}
