// Package server wires the two HTTP surfaces of the daemon: the plain-HTTP
// instance answering http-01 challenges, and the management API used to
// submit and inspect certificate requests.
package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/certbot"
	"github.com/blockadesystems/certforge/internal/config"
	"github.com/blockadesystems/certforge/internal/provision"
	"github.com/blockadesystems/certforge/internal/queue"
)

// ApplyCommonMiddleware applies essential middleware to an Echo instance and
// injects dependencies into the request context.
func ApplyCommonMiddleware(e *echo.Echo, store queue.Storage, cfg *config.Config, bot *certbot.CertBot, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := baseLogger.With(zap.String("request_id", reqID))

			c.Set("certbot", bot)
			c.Set("cfg", cfg)
			c.Set("store", store)
			c.Set("logger", reqLogger)
			return next(c)
		}
	})
}

// SetupRouter defines all routes for the application.
//
// The http-01 responder MUST live on the plain-HTTP instance: validation
// servers connect to port 80. The management API lives on its own instance.
func SetupRouter(httpInstance, mgmtInstance *echo.Echo, responder *provision.Responder, store queue.Storage, cfg *config.Config) {
	httpInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certforge is running (HTTP)")
	})
	httpInstance.GET("/.well-known/acme-challenge/:token", responder.Handler)

	mgmtInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certforge is running (management)")
	})

	apiGroup := mgmtInstance.Group("/api/v1")
	requesterAuth := APIKeyAuthMiddleware(store, cfg, "requester")
	requestGroup := apiGroup.Group("/requests")
	requestGroup.Use(requesterAuth)

	requestGroup.POST("", HandleSubmitRequest)
	requestGroup.GET("", HandleListRequests)
	requestGroup.GET("/:requestID", HandleGetRequest)
	requestGroup.DELETE("/:requestID", HandleDeleteRequest)
}
