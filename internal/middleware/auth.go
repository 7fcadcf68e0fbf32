package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

type contextKey string

const userIDKey contextKey = "userID"
const adminKey contextKey = "isAdmin"

var redisClient *redis.Client

// InitAuthMiddleware wires the optional redis client used for token
// revocation checks. A nil client disables revocation.
func InitAuthMiddleware(client *redis.Client) {
	redisClient = client
}

// WithUserID returns a context carrying the acting user id, as
// AuthMiddleware sets it after validating a token.
func WithUserID(ctx context.Context, userID int) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id set by AuthMiddleware.
func UserIDFromContext(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(userIDKey).(int)
	return id, ok
}

// IsAdminFromContext reports whether the authenticated user is an admin.
func IsAdminFromContext(ctx context.Context) bool {
	isAdmin, _ := ctx.Value(adminKey).(bool)
	return isAdmin
}

func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		token := parts[1]

		if redisClient != nil {
			revoked, err := redisClient.Exists(r.Context(), "revoked_token:"+token).Result()
			if err == nil && revoked > 0 {
				http.Error(w, "Token revoked", http.StatusUnauthorized)
				return
			}
		}

		userID, isAdmin, err := validateToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, adminKey, isAdmin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects requests from non-admin users. Must run after
// AuthMiddleware.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdminFromContext(r.Context()) {
			http.Error(w, "Admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validateToken(tokenString string) (int, bool, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})

	if err != nil || !token.Valid {
		return 0, false, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, false, fmt.Errorf("invalid claims")
	}

	userID, err := strconv.Atoi(fmt.Sprintf("%v", claims["user_id"]))
	if err != nil {
		return 0, false, fmt.Errorf("invalid user_id claim: %w", err)
	}
	isAdmin, _ := claims["is_admin"].(bool)
	return userID, isAdmin, nil
}
