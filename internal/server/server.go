// Package server maps the ACME protocol core onto HTTP: routing, JWS body
// handling, wire-format rendering, and problem+json error responses.
package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/auth"
	"github.com/blockadesystems/certsmith/internal/management"
	"github.com/blockadesystems/certsmith/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "server"))
}

// ApplyCommonMiddleware applies the middleware every instance needs: panic
// recovery, request IDs, and a per-request logger in the context.
func ApplyCommonMiddleware(e *echo.Echo, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.Set("logger", baseLogger.With(zap.String("request_id", reqID)))
			return next(c)
		}
	})
}

// SetupRouter registers all routes on the two listener instances. The ACME
// protocol and the management API live on the HTTPS instance; the HTTP
// instance only carries unauthenticated artifacts (health, CA cert, CRL).
func SetupRouter(httpInstance, httpsInstance *echo.Echo, h *Handler, store storage.Storage) {
	httpInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Certsmith is running")
	})
	httpInstance.GET("/ca.pem", h.CACertificate)
	httpInstance.GET("/crl.der", h.CRL)

	httpsInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Certsmith is running")
	})
	httpsInstance.GET("/ca.pem", h.CACertificate)
	httpsInstance.GET("/crl.der", h.CRL)

	acmeGroup := httpsInstance.Group("/acme")
	// Every ACME response carries a fresh Replay-Nonce, success or failure.
	acmeGroup.Use(h.ReplayNonceMiddleware)
	acmeGroup.GET("/directory", h.Directory)
	acmeGroup.HEAD("/new-nonce", h.NewNonce)
	acmeGroup.GET("/new-nonce", h.NewNonce)
	acmeGroup.POST("/new-account", h.NewAccount)
	acmeGroup.POST("/account/:accountID", h.Account)
	acmeGroup.POST("/new-order", h.NewOrder)
	acmeGroup.POST("/order/:orderID", h.Order)
	acmeGroup.POST("/authz/:authzID", h.Authorization)
	acmeGroup.POST("/chall/:challengeID", h.Challenge)
	acmeGroup.POST("/finalize/:orderID", h.Finalize)
	acmeGroup.POST("/cert/:orderID", h.Certificate)
	acmeGroup.POST("/revoke-cert", h.RevokeCertificate)

	apiGroup := httpsInstance.Group("/api/v1")
	policyGroup := apiGroup.Group("/policy")
	policyGroup.Use(auth.APIKeyAuthMiddleware(store, "admin"))
	policyGroup.POST("/domains", management.HandleAddDomain(store))
	policyGroup.GET("/domains", management.HandleListDomains(store))
	policyGroup.DELETE("/domains/:domain", management.HandleDeleteDomain(store))
	policyGroup.POST("/suffixes", management.HandleAddSuffix(store))
	policyGroup.GET("/suffixes", management.HandleListSuffixes(store))
	policyGroup.DELETE("/suffixes/:suffix", management.HandleDeleteSuffix(store))
}
