// Package management exposes the issuance-policy administration API: the
// allowed domains and domain suffixes consulted on every new order and CSR.
package management

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "management"))
}

type addDomainRequest struct {
	Domain string `json:"domain"`
}

type addSuffixRequest struct {
	Suffix string `json:"suffix"`
}

// HandleAddDomain adds one exact domain to the issuance allow-list.
func HandleAddDomain(store storage.PolicyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req addDomainRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		domain := strings.TrimSpace(req.Domain)
		if domain == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "domain cannot be empty")
		}
		if err := store.AddAllowedDomain(c.Request().Context(), domain); err != nil {
			logger.Error("failed to add allowed domain", zap.String("domain", domain), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to save domain")
		}
		logger.Info("allowed domain added", zap.String("domain", domain))
		return c.NoContent(http.StatusCreated)
	}
}

// HandleListDomains lists the exact domains on the issuance allow-list.
func HandleListDomains(store storage.PolicyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		domains, err := store.ListAllowedDomains(c.Request().Context())
		if err != nil {
			logger.Error("failed to list allowed domains", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to retrieve domains")
		}
		return c.JSON(http.StatusOK, domains)
	}
}

// HandleDeleteDomain removes one exact domain from the issuance allow-list.
func HandleDeleteDomain(store storage.PolicyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		domain, err := url.PathUnescape(c.Param("domain"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid domain parameter encoding")
		}
		domain = strings.TrimSpace(domain)
		if domain == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "domain parameter cannot be empty")
		}
		if err := store.DeleteAllowedDomain(c.Request().Context(), domain); err != nil {
			logger.Error("failed to delete allowed domain", zap.String("domain", domain), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete domain")
		}
		logger.Info("allowed domain deleted", zap.String("domain", domain))
		return c.NoContent(http.StatusNoContent)
	}
}

// HandleAddSuffix adds one domain suffix to the issuance allow-list. A suffix
// permits every name beneath it.
func HandleAddSuffix(store storage.PolicyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req addSuffixRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		suffix := strings.TrimSpace(req.Suffix)
		if suffix == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "suffix cannot be empty")
		}
		if err := store.AddAllowedSuffix(c.Request().Context(), suffix); err != nil {
			logger.Error("failed to add allowed suffix", zap.String("suffix", suffix), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to save suffix")
		}
		logger.Info("allowed suffix added", zap.String("suffix", suffix))
		return c.NoContent(http.StatusCreated)
	}
}

// HandleListSuffixes lists the domain suffixes on the issuance allow-list.
func HandleListSuffixes(store storage.PolicyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		suffixes, err := store.ListAllowedSuffixes(c.Request().Context())
		if err != nil {
			logger.Error("failed to list allowed suffixes", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to retrieve suffixes")
		}
		return c.JSON(http.StatusOK, suffixes)
	}
}

// HandleDeleteSuffix removes one domain suffix from the issuance allow-list.
func HandleDeleteSuffix(store storage.PolicyStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		suffix, err := url.PathUnescape(c.Param("suffix"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid suffix parameter encoding")
		}
		suffix = strings.TrimSpace(suffix)
		if suffix == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "suffix parameter cannot be empty")
		}
		if err := store.DeleteAllowedSuffix(c.Request().Context(), suffix); err != nil {
			logger.Error("failed to delete allowed suffix", zap.String("suffix", suffix), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete suffix")
		}
		logger.Info("allowed suffix deleted", zap.String("suffix", suffix))
		return c.NoContent(http.StatusNoContent)
	}
}
