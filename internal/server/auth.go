package server

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/config"
	"github.com/blockadesystems/certforge/internal/queue"
)

const apiKeyHeader = "X-API-Key"

// APIKeyAuthMiddleware guards a route group behind an API key carrying the
// required role. Keys are looked up in storage first, falling back to the
// static keys from configuration.
func APIKeyAuthMiddleware(store queue.Storage, cfg *config.Config, requiredRole string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqLogger, _ := c.Get("logger").(*zap.Logger)
			if reqLogger == nil {
				reqLogger = zap.L()
			}

			apiKey := c.Request().Header.Get(apiKeyHeader)
			if apiKey == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing API key")
			}

			roles, err := store.GetAPIKey(c.Request().Context(), apiKey)
			if err != nil {
				reqLogger.Error("Failed to look up API key", zap.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError, "Authorization check failed")
			}
			if roles == nil {
				if staticKey, ok := cfg.APIKeys[apiKey]; ok {
					roles = staticKey.Roles
				}
			}
			if roles == nil {
				reqLogger.Warn("Unknown API key presented")
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
			}

			// The admin role implies every other role.
			if !slices.Contains(roles, requiredRole) && !slices.Contains(roles, "admin") {
				reqLogger.Warn("API key lacks required role", zap.String("required_role", requiredRole))
				return echo.NewHTTPError(http.StatusForbidden, "Insufficient permissions")
			}

			return next(c)
		}
	}
}
