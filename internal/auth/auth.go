// Package auth guards the management API with API-key authentication.
package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "auth"))
}

// HeaderAPIKey is the header carrying the management API key.
const HeaderAPIKey = "X-API-Key"

// APIKeyAuthMiddleware rejects requests whose API key is missing, unknown, or
// lacks the required role.
func APIKeyAuthMiddleware(store storage.APIKeyStore, requiredRole string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey))
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}

			roles, err := store.GetAPIKey(c.Request().Context(), key)
			if err != nil {
				logger.Warn("rejected unknown API key", zap.String("path", c.Request().URL.Path))
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			for _, role := range roles {
				if role == requiredRole {
					c.Set("apiKeyRoles", roles)
					return next(c)
				}
			}
			logger.Warn("API key lacks required role",
				zap.String("path", c.Request().URL.Path),
				zap.String("required_role", requiredRole))
			return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
		}
	}
}
