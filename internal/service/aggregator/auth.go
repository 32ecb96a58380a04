package aggregator

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/louisbranch/proxyfeed/internal/platform/requestctx"
)

// Claims are the token claims the aggregator honors.
type Claims struct {
	TenantID    string         `json:"tenantId,omitempty"`
	Role        string         `json:"role,omitempty"`
	Permissions map[string]any `json:"permissions,omitempty"`
	Locale      string         `json:"locale,omitempty"`
	jwt.RegisteredClaims
}

// roleService marks internal service callers; they act across tenants.
const roleService = "service"

// MintToken issues a signed HS256 token, used by internal services and tests.
func MintToken(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// authMiddleware verifies the bearer token and threads its claims through
// the request context.
func authMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || strings.TrimSpace(raw) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			if claims.TenantID != "" {
				ctx = requestctx.WithTenantID(ctx, claims.TenantID)
			}
			if claims.Role == roleService {
				ctx = requestctx.WithTenantBypass(ctx)
			}
			if claims.Permissions != nil {
				ctx = requestctx.WithPermissions(ctx, claims.Permissions)
			}
			if claims.Locale != "" {
				ctx = requestctx.WithLocale(ctx, claims.Locale)
			}
			ctx = requestctx.WithAuthToken(ctx, raw)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
