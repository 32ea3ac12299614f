// Package middleware holds the HTTP middleware shared by the ingestion API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/autoreply/internal/tenancy"
)

type contextKey string

const serviceClaimsKey contextKey = "serviceClaims"

// TenantHeader carries the tenant the request acts for.
const TenantHeader = "X-Tenant-Id"

// ServiceClaims are the claims on tokens minted for upstream services such as
// the webhook receiver. A token with TenantID may only act for that tenant.
type ServiceClaims struct {
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// ServiceJWT enforces an HMAC-signed service JWT.
func ServiceJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "service auth disabled", http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")
			claims := ServiceClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), serviceClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceClaimsFromContext returns service JWT claims if present.
func ServiceClaimsFromContext(ctx context.Context) (ServiceClaims, bool) {
	claims, ok := ctx.Value(serviceClaimsKey).(ServiceClaims)
	return claims, ok
}

// RequireTenant resolves the tenant from the X-Tenant-Id header or the token
// and stores it with tenancy.WithTenantID. A header that contradicts a
// tenant-scoped token is rejected.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if claims, ok := ServiceClaimsFromContext(r.Context()); ok && claims.TenantID != "" {
			if tenantID != "" && tenantID != claims.TenantID {
				http.Error(w, "tenant mismatch", http.StatusForbidden)
				return
			}
			tenantID = claims.TenantID
		}
		if tenantID == "" {
			http.Error(w, "missing tenant", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenancy.WithTenantID(r.Context(), tenantID)))
	})
}
