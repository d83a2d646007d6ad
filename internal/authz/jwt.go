package authz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	obsmw "chorus/internal/observability/middleware"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Validator checks HS256 bearer tokens from the account service and exposes
// the authenticated user and device ids to handlers.
type Validator struct {
	secret []byte
	issuer string
}

func New(secret, issuer string) *Validator {
	return &Validator{
		secret: []byte(secret),
		issuer: issuer,
	}
}

func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := obsmw.RequestIDFromContext(r.Context())
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			slog.Warn("auth missing bearer", "request_id", reqID)
			return
		}
		tokStr := strings.TrimSpace(raw[len("Bearer "):])

		token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
			}
			return v.secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			slog.Warn("auth invalid token", "error", err, "request_id", reqID)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			http.Error(w, "invalid token claims", http.StatusUnauthorized)
			slog.Warn("auth invalid claims", "request_id", reqID)
			return
		}
		if iss, _ := claims["iss"].(string); iss != "" && iss != v.issuer {
			http.Error(w, "issuer mismatch", http.StatusUnauthorized)
			slog.Warn("auth issuer mismatch", "issuer", iss, "request_id", reqID)
			return
		}
		sub, _ := claims["sub"].(string)
		userID, err := uuid.Parse(sub)
		if err != nil {
			http.Error(w, "invalid subject", http.StatusUnauthorized)
			slog.Warn("auth invalid subject", "request_id", reqID)
			return
		}

		ctx := contextWithUser(r.Context(), userID)
		if dev, _ := claims["dev"].(string); dev != "" {
			if deviceID, err := uuid.Parse(dev); err == nil {
				ctx = contextWithDevice(ctx, deviceID)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type userKey struct{}
type deviceKey struct{}

func contextWithUser(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

func contextWithDevice(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, deviceKey{}, id)
}

func UserFrom(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(userKey{}).(uuid.UUID)
	return v, ok
}

func DeviceFrom(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(deviceKey{}).(uuid.UUID)
	return v, ok
}

// SignToken mints an HS256 token for a user/device pair. Used by tests and
// the CLI; production tokens come from the account service.
func SignToken(secret, issuer string, userID, deviceID uuid.UUID) (string, error) {
	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": userID.String(),
		"dev": deviceID.String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
