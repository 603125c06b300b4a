package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/example/grocer-orders/internal/auth"
	"github.com/example/grocer-orders/internal/domain/orderitem"
)

// respondError writes a JSON error response
func respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ExtractToken extracts the bearer from the Authorization header, the
// access_token cookie or, for browser websocket clients that cannot set
// headers, the token query parameter.
func ExtractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if cookie, err := r.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

type contextKey string

const (
	UserContextKey contextKey = "user"
)

// Authenticate validates the request's bearer and returns its claims
func Authenticate(jwtService *auth.JWTService, r *http.Request) (*auth.Claims, error) {
	tokenString := ExtractToken(r)
	if tokenString == "" {
		return nil, auth.ErrInvalidToken
	}
	return jwtService.ValidateAccessToken(tokenString)
}

// AuthMiddleware validates JWT tokens and adds user claims to context
func AuthMiddleware(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := Authenticate(jwtService, r)
			if err != nil {
				msg := "unauthorized"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "token expired"
				}
				respondError(w, msg, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole checks if the user has one of the required roles
func RequireRole(roles ...orderitem.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				respondError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			for _, role := range roles {
				if orderitem.Role(claims.Role) == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			respondError(w, "forbidden", http.StatusForbidden)
		})
	}
}

// GetUserFromContext retrieves user claims from the request context
func GetUserFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*auth.Claims)
	return claims, ok
}

// GetActor is a helper to get the acting identity from context
func GetActor(ctx context.Context) (orderitem.Actor, bool) {
	claims, ok := GetUserFromContext(ctx)
	if !ok {
		return orderitem.Actor{}, false
	}
	return claims.Actor(), true
}
