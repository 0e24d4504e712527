package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/acme"
	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
)

const problemContentType = "application/problem+json"

// maxRequestBody bounds the JWS body size accepted on ACME endpoints.
const maxRequestBody = 1 << 20

// Handler serves the ACME wire protocol on top of the core service.
type Handler struct {
	svc      *acme.Service
	verifier *acme.Verifier
	store    storage.Storage
	cfg      *config.Config
}

// NewHandler wires the HTTP layer to the protocol core.
func NewHandler(svc *acme.Service, verifier *acme.Verifier, store storage.Storage, cfg *config.Config) *Handler {
	return &Handler{svc: svc, verifier: verifier, store: store, cfg: cfg}
}

// ReplayNonceMiddleware stamps every ACME response with a fresh Replay-Nonce,
// success or failure.
func (h *Handler) ReplayNonceMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		nonce, err := h.svc.Nonces().Issue(c.Request().Context())
		if err != nil {
			logger.Error("failed to issue replay nonce", zap.Error(err))
		} else {
			c.Response().Header().Set("Replay-Nonce", nonce)
			c.Response().Header().Add("Cache-Control", "no-store")
		}
		return next(c)
	}
}

// Directory serves the RFC 8555 section 7.1.1 directory object.
func (h *Handler) Directory(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"newNonce":   h.url("/acme/new-nonce"),
		"newAccount": h.url("/acme/new-account"),
		"newOrder":   h.url("/acme/new-order"),
		"revokeCert": h.url("/acme/revoke-cert"),
		"meta": map[string]interface{}{
			"caaIdentities":           []string{h.cfg.CommonName},
			"profiles":                h.profileNames(),
			"externalAccountRequired": false,
		},
	})
}

// NewNonce serves the dedicated nonce endpoint. The middleware already set the
// header; only the status differs between HEAD and GET.
func (h *Handler) NewNonce(c echo.Context) error {
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusNoContent)
	}
	return c.NoContent(http.StatusOK)
}

// NewAccount creates or returns the account bound to the request key.
func (h *Handler) NewAccount(c echo.Context) error {
	auth, err := h.verify(c, true)
	if err != nil {
		return h.problem(c, err)
	}
	var req acme.NewAccountRequest
	if err := decodePayload(auth.Payload, &req); err != nil {
		return h.problem(c, err)
	}

	account, created, err := h.svc.CreateOrUpdateAccount(c.Request().Context(), auth, &req)
	if err != nil {
		return h.problem(c, err)
	}
	c.Response().Header().Set("Location", h.url("/acme/account/"+account.ID))
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, h.renderAccount(account))
}

// Account serves account retrieval (POST-as-GET) and updates.
func (h *Handler) Account(c echo.Context) error {
	auth, err := h.verify(c, false)
	if err != nil {
		return h.problem(c, err)
	}
	accountID, err := model.ParseID(c.Param("accountID"))
	if err != nil {
		return h.problem(c, acme.MalformedError("%v", err))
	}

	if len(auth.Payload) == 0 {
		if !auth.Owns(accountID) {
			return h.problem(c, acme.UnauthorizedError("the request key does not own account %s", accountID))
		}
		return c.JSON(http.StatusOK, h.renderAccount(auth.Account))
	}

	var req acme.UpdateAccountRequest
	if err := decodePayload(auth.Payload, &req); err != nil {
		return h.problem(c, err)
	}
	account, err := h.svc.UpdateAccount(c.Request().Context(), auth, accountID, &req)
	if err != nil {
		return h.problem(c, err)
	}
	return c.JSON(http.StatusOK, h.renderAccount(account))
}

// NewOrder creates a pending order.
func (h *Handler) NewOrder(c echo.Context) error {
	auth, err := h.verify(c, false)
	if err != nil {
		return h.problem(c, err)
	}
	var req acme.NewOrderRequest
	if err := decodePayload(auth.Payload, &req); err != nil {
		return h.problem(c, err)
	}

	order, err := h.svc.CreateOrder(c.Request().Context(), auth, &req)
	if err != nil {
		return h.problem(c, err)
	}
	c.Response().Header().Set("Location", h.url("/acme/order/"+order.ID))
	return c.JSON(http.StatusCreated, h.renderOrder(order))
}

// Order serves order polling (POST-as-GET).
func (h *Handler) Order(c echo.Context) error {
	auth, err := h.verify(c, false)
	if err != nil {
		return h.problem(c, err)
	}
	order, err := h.svc.GetOrder(c.Request().Context(), auth, c.Param("orderID"))
	if err != nil {
		return h.problem(c, err)
	}
	return c.JSON(http.StatusOK, h.renderOrder(order))
}

// Authorization serves authorization polling and deactivation.
func (h *Handler) Authorization(c echo.Context) error {
	auth, err := h.verify(c, false)
	if err != nil {
		return h.problem(c, err)
	}
	authzID := c.Param("authzID")
	ctx := c.Request().Context()

	if len(auth.Payload) > 0 {
		var req struct {
			Status string `json:"status"`
		}
		if err := decodePayload(auth.Payload, &req); err != nil {
			return h.problem(c, err)
		}
		if req.Status != model.StatusDeactivated {
			return h.problem(c, acme.MalformedError("authorization status may only be set to %q", model.StatusDeactivated))
		}
		authz, err := h.svc.DeactivateAuthorization(ctx, auth, authzID)
		if err != nil {
			return h.problem(c, err)
		}
		return c.JSON(http.StatusOK, h.renderAuthorization(authz))
	}

	authz, _, err := h.svc.GetAuthorization(ctx, auth, authzID)
	if err != nil {
		return h.problem(c, err)
	}
	return c.JSON(http.StatusOK, h.renderAuthorization(authz))
}

// Challenge serves challenge polling (POST-as-GET) and acceptance (POST {}).
func (h *Handler) Challenge(c echo.Context) error {
	auth, err := h.verify(c, false)
	if err != nil {
		return h.problem(c, err)
	}
	challengeID := c.Param("challengeID")
	ctx := c.Request().Context()

	var challenge *model.Challenge
	if len(auth.Payload) == 0 {
		challenge, _, _, err = h.svc.GetChallenge(ctx, auth, challengeID)
	} else {
		challenge, err = h.svc.AcceptChallenge(ctx, auth, challengeID)
	}
	if err != nil {
		return h.problem(c, err)
	}
	c.Response().Header().Set("Link", "<"+h.url("/acme/directory")+">;rel=\"index\"")
	return c.JSON(http.StatusOK, h.renderChallenge(challenge))
}

// Finalize accepts the CSR for a ready order.
func (h *Handler) Finalize(c echo.Context) error {
	auth, err := h.verify(c, false)
	if err != nil {
		return h.problem(c, err)
	}
	var req acme.FinalizeRequest
	if err := decodePayload(auth.Payload, &req); err != nil {
		return h.problem(c, err)
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(req.CSR)
	if err != nil {
		return h.problem(c, acme.BadCSRError("csr is not valid base64url"))
	}

	order, err := h.svc.FinalizeOrder(c.Request().Context(), auth, c.Param("orderID"), csrDER)
	if err != nil {
		return h.problem(c, err)
	}
	c.Response().Header().Set("Location", h.url("/acme/order/"+order.ID))
	return c.JSON(http.StatusOK, h.renderOrder(order))
}

// Certificate downloads the issued certificate chain for a valid order.
func (h *Handler) Certificate(c echo.Context) error {
	auth, err := h.verify(c, false)
	if err != nil {
		return h.problem(c, err)
	}
	chain, err := h.svc.GetCertificate(c.Request().Context(), auth, c.Param("orderID"))
	if err != nil {
		return h.problem(c, err)
	}
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", chain)
}

// RevokeCertificate revokes a certificate issued to the caller's account.
func (h *Handler) RevokeCertificate(c echo.Context) error {
	auth, err := h.verify(c, false)
	if err != nil {
		return h.problem(c, err)
	}
	var req acme.RevokeCertificateRequest
	if err := decodePayload(auth.Payload, &req); err != nil {
		return h.problem(c, err)
	}
	certDER, err := base64.RawURLEncoding.DecodeString(req.Certificate)
	if err != nil {
		return h.problem(c, acme.MalformedError("certificate is not valid base64url"))
	}

	if err := h.svc.RevokeCertificate(c.Request().Context(), auth, certDER, req.Reason); err != nil {
		return h.problem(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// CACertificate serves the CA certificate in PEM form.
func (h *Handler) CACertificate(c echo.Context) error {
	pemBytes, err := h.store.GetCACertificate(c.Request().Context())
	if err != nil || pemBytes == nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.Blob(http.StatusOK, "application/x-pem-file", pemBytes)
}

// CRL serves the latest certificate revocation list in DER form.
func (h *Handler) CRL(c echo.Context) error {
	crl, err := h.store.GetLatestCRL(c.Request().Context())
	if err != nil || crl == nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.Blob(http.StatusOK, "application/pkix-crl", crl)
}

// verify runs the JWS authentication gate over the request body.
func (h *Handler) verify(c echo.Context, newAccount bool) (*acme.AuthContext, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return nil, acme.MalformedError("request body could not be read")
	}
	requestURL := h.url(c.Request().URL.Path)
	return h.verifier.Verify(c.Request().Context(), requestURL, body, newAccount)
}

// problem writes an error as an RFC 7807 problem document. Unclassified errors
// are logged and reported opaquely.
func (h *Handler) problem(c echo.Context, err error) error {
	var acmeErr *acme.Error
	var p *model.ProblemDetails
	if errors.As(err, &acmeErr) {
		p = acmeErr.Problem()
	} else {
		logger.Error("request failed", zap.String("path", c.Request().URL.Path), zap.Error(err))
		p = acme.InternalProblem()
	}
	body, merr := json.Marshal(p)
	if merr != nil {
		body = []byte(`{"type":"urn:ietf:params:acme:error:serverInternal"}`)
	}
	return c.Blob(p.Status, problemContentType, body)
}

// decodePayload unmarshals a JWS payload, treating an empty payload as an
// empty object so accept-style POSTs with "{}" and POST-as-GET both decode.
func decodePayload(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return acme.MalformedError("request payload is not valid JSON")
	}
	return nil
}

func (h *Handler) url(path string) string {
	return h.cfg.ExternalURL + path
}

func (h *Handler) profileNames() map[string]string {
	names := make(map[string]string, len(h.cfg.Profiles))
	for name, p := range h.cfg.Profiles {
		names[name] = (time.Duration(p.CertValidityDays) * 24 * time.Hour).String()
	}
	return names
}

type accountJSON struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact,omitempty"`
	Orders  string   `json:"orders"`
}

type orderJSON struct {
	Status         string                `json:"status"`
	Expires        time.Time             `json:"expires"`
	Identifiers    []model.Identifier    `json:"identifiers"`
	Profile        string                `json:"profile,omitempty"`
	NotBefore      *time.Time            `json:"notBefore,omitempty"`
	NotAfter       *time.Time            `json:"notAfter,omitempty"`
	Authorizations []string              `json:"authorizations"`
	Finalize       string                `json:"finalize"`
	Certificate    string                `json:"certificate,omitempty"`
	Error          *model.ProblemDetails `json:"error,omitempty"`
}

type authorizationJSON struct {
	Identifier model.Identifier `json:"identifier"`
	Status     string           `json:"status"`
	Expires    time.Time        `json:"expires"`
	Wildcard   bool             `json:"wildcard,omitempty"`
	Challenges []challengeJSON  `json:"challenges"`
}

type challengeJSON struct {
	Type      string                `json:"type"`
	URL       string                `json:"url"`
	Status    string                `json:"status"`
	Token     string                `json:"token"`
	Validated *time.Time            `json:"validated,omitempty"`
	Error     *model.ProblemDetails `json:"error,omitempty"`
}

func (h *Handler) renderAccount(account *model.Account) *accountJSON {
	return &accountJSON{
		Status:  account.Status,
		Contact: account.Contact,
		Orders:  h.url("/acme/account/" + account.ID + "/orders"),
	}
}

func (h *Handler) renderOrder(order *model.Order) *orderJSON {
	out := &orderJSON{
		Status:      order.Status,
		Expires:     order.Expires,
		Identifiers: order.Identifiers,
		Profile:     order.Profile,
		NotBefore:   order.NotBefore,
		NotAfter:    order.NotAfter,
		Finalize:    h.url("/acme/finalize/" + order.ID),
		Error:       order.Error,
	}
	for _, authz := range order.Authorizations {
		out.Authorizations = append(out.Authorizations, h.url("/acme/authz/"+authz.ID))
	}
	if order.Status == model.StatusValid && len(order.CertificateChain) > 0 {
		out.Certificate = h.url("/acme/cert/" + order.ID)
	}
	return out
}

func (h *Handler) renderAuthorization(authz *model.Authorization) *authorizationJSON {
	out := &authorizationJSON{
		Identifier: authz.Identifier,
		Status:     authz.Status,
		Expires:    authz.Expires,
		Wildcard:   authz.Wildcard,
	}
	for _, ch := range authz.Challenges {
		out.Challenges = append(out.Challenges, *h.renderChallenge(ch))
	}
	return out
}

func (h *Handler) renderChallenge(ch *model.Challenge) *challengeJSON {
	return &challengeJSON{
		Type:      ch.Type,
		URL:       h.url("/acme/chall/" + ch.ID),
		Status:    ch.Status,
		Token:     ch.Token,
		Validated: ch.ValidatedAt,
		Error:     ch.Error,
	}
}
