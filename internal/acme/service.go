// Package acme implements the protocol core: account management, the
// order/authorization/challenge lifecycle, and the JWS request-authentication
// gate. It owns every state transition; the HTTP layer only maps wire formats
// onto the operations defined here.
package acme

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/pipeline"
	"github.com/blockadesystems/certsmith/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "acme"))
}

// CSRValidator binds a certificate signing request to the order it finalizes:
// the CSR's subject and SAN set must name exactly the order's identifiers and
// satisfy key policy. A non-nil error rejects the finalize request.
type CSRValidator interface {
	ValidateCSR(ctx context.Context, order *model.Order, csr *x509.CertificateRequest) error
}

// Revoker revokes a previously issued certificate at the CA backend.
type Revoker interface {
	Revoke(ctx context.Context, cert *x509.Certificate, reasonCode int) error
}

// Service implements the ACME operations. All mutations go through the
// versioned stores; a version conflict on the request path is reported as a
// Conflict error rather than retried.
type Service struct {
	cfg          *config.Config
	store        storage.Storage
	nonces       *NonceService
	csrValidator CSRValidator
	revoker      Revoker
	validation   *pipeline.Queue
	issuance     *pipeline.Queue
	now          func() time.Time
}

// NewService wires the protocol core to its stores, the CA-side collaborators,
// and the two pipeline queues.
func NewService(cfg *config.Config, store storage.Storage, nonces *NonceService, csrValidator CSRValidator, revoker Revoker, validation, issuance *pipeline.Queue) *Service {
	return &Service{
		cfg:          cfg,
		store:        store,
		nonces:       nonces,
		csrValidator: csrValidator,
		revoker:      revoker,
		validation:   validation,
		issuance:     issuance,
		now:          time.Now,
	}
}

// Nonces exposes the nonce service so the HTTP layer can stamp every response
// with a fresh Replay-Nonce.
func (s *Service) Nonces() *NonceService {
	return s.nonces
}

// NewAccountRequest is the decoded payload of a new-account call.
type NewAccountRequest struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
}

// CreateOrUpdateAccount resolves the caller's key to an account, creating one
// when none exists. The bool result reports whether the account was created by
// this call.
func (s *Service) CreateOrUpdateAccount(ctx context.Context, auth *AuthContext, req *NewAccountRequest) (*model.Account, bool, error) {
	if auth.Key == nil {
		return nil, false, MalformedError("new-account requests must carry an embedded JWK")
	}
	thumbprint, err := Thumbprint(auth.Key)
	if err != nil {
		return nil, false, MalformedError("account key thumbprint could not be computed: %v", err)
	}

	existing, err := s.store.FindAccountByKey(ctx, thumbprint)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}
	if req.OnlyReturnExisting {
		return nil, false, NotFoundError("no account exists for the supplied key")
	}

	keyJSON, err := auth.Key.MarshalJSON()
	if err != nil {
		return nil, false, MalformedError("account key could not be serialized: %v", err)
	}
	now := s.now()
	account := &model.Account{
		ID:             model.NewID(),
		Key:            string(keyJSON),
		KeyThumbprint:  thumbprint,
		Status:         model.StatusValid,
		Contact:        req.Contact,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if req.TermsOfServiceAgreed {
		account.TermsAgreedAt = now
	}
	if err := s.store.SaveAccount(ctx, account, 0); err != nil {
		if errors.Is(err, storage.ErrConcurrency) {
			// Another request with the same key won the creation race.
			if existing, ferr := s.store.FindAccountByKey(ctx, thumbprint); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	logger.Info("account created", zap.String("account_id", account.ID))
	return account, true, nil
}

// UpdateAccountRequest is the decoded payload of an account-update call.
type UpdateAccountRequest struct {
	Contact []string `json:"contact,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// UpdateAccount updates the caller's own account. The only status transition a
// client may request is deactivation, which is irreversible.
func (s *Service) UpdateAccount(ctx context.Context, auth *AuthContext, accountID string, req *UpdateAccountRequest) (*model.Account, error) {
	id, err := model.ParseID(accountID)
	if err != nil {
		return nil, MalformedError("%v", err)
	}
	if !auth.Owns(id) {
		return nil, UnauthorizedError("the request key does not own account %s", id)
	}
	account, err := s.loadAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Status != "" {
		if req.Status != model.StatusDeactivated {
			return nil, MalformedError("account status may only be set to %q", model.StatusDeactivated)
		}
		account.Status = model.StatusDeactivated
	}
	if req.Contact != nil {
		account.Contact = req.Contact
	}
	account.LastModifiedAt = s.now()
	if err := s.saveAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// NewOrderRequest is the decoded payload of a new-order call.
type NewOrderRequest struct {
	Identifiers []model.Identifier `json:"identifiers"`
	Profile     string             `json:"profile,omitempty"`
	NotBefore   *time.Time         `json:"notBefore,omitempty"`
	NotAfter    *time.Time         `json:"notAfter,omitempty"`
}

// CreateOrder creates a pending order with one pending authorization per
// identifier, each carrying one pending challenge per type the profile allows.
// Every identifier is checked against the issuance policy before anything is
// persisted.
func (s *Service) CreateOrder(ctx context.Context, auth *AuthContext, req *NewOrderRequest) (*model.Order, error) {
	if auth.Account == nil {
		return nil, UnauthorizedError("new-order requests require an existing account")
	}
	if len(req.Identifiers) == 0 {
		return nil, MalformedError("an order requires at least one identifier")
	}
	profile, ok := s.cfg.Profile(req.Profile)
	if !ok {
		return nil, MalformedError("unknown profile %q", req.Profile)
	}

	for _, ident := range req.Identifiers {
		if ident.Type != model.IdentifierDNS {
			return nil, RejectedIdentifierError("identifier type %q is not supported", ident.Type)
		}
		if ident.Value == "" {
			return nil, MalformedError("identifier value must not be empty")
		}
		domain := strings.TrimPrefix(ident.Value, "*.")
		allowed, err := s.store.IsDomainAllowed(ctx, domain)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, RejectedIdentifierError("issuance for %q is not permitted by policy", ident.Value)
		}
	}

	now := s.now()
	authzExpiry := now.Add(s.cfg.AuthorizationLifetime)
	order := &model.Order{
		ID:          model.NewID(),
		AccountID:   auth.Account.ID,
		Profile:     req.Profile,
		Status:      model.StatusPending,
		Expires:     now.Add(s.cfg.OrderLifetime),
		Identifiers: req.Identifiers,
		NotBefore:   req.NotBefore,
		NotAfter:    req.NotAfter,
		CreatedAt:   now,
	}
	if order.Profile == "" {
		order.Profile = config.DefaultProfileName
	}
	for _, ident := range req.Identifiers {
		order.Authorizations = append(order.Authorizations, model.NewAuthorization(ident, authzExpiry, profile.ChallengeTypes))
	}

	if err := s.store.SaveOrder(ctx, order, 0); err != nil {
		return nil, err
	}
	logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("account_id", order.AccountID),
		zap.Int("identifiers", len(order.Identifiers)))
	return order, nil
}

// GetOrder returns an order owned by the caller.
func (s *Service) GetOrder(ctx context.Context, auth *AuthContext, orderID string) (*model.Order, error) {
	id, err := model.ParseID(orderID)
	if err != nil {
		return nil, MalformedError("%v", err)
	}
	order, err := s.loadOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.Owns(order.AccountID) {
		return nil, UnauthorizedError("the request account does not own order %s", id)
	}
	return order, nil
}

// GetAuthorization returns an authorization owned by the caller, together with
// its owning order.
func (s *Service) GetAuthorization(ctx context.Context, auth *AuthContext, authzID string) (*model.Authorization, *model.Order, error) {
	id, err := model.ParseID(authzID)
	if err != nil {
		return nil, nil, MalformedError("%v", err)
	}
	order, err := s.store.GetOrderByAuthorizationID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, NotFoundError("authorization %s does not exist", id)
	}
	if err != nil {
		return nil, nil, err
	}
	if !auth.Owns(order.AccountID) {
		return nil, nil, UnauthorizedError("the request account does not own authorization %s", id)
	}
	return order.FindAuthorization(id), order, nil
}

// DeactivateAuthorization deactivates a pending authorization at the client's
// request. The owning order's status is recomputed, so deactivating the last
// outstanding authorization makes the order invalid.
func (s *Service) DeactivateAuthorization(ctx context.Context, auth *AuthContext, authzID string) (*model.Authorization, error) {
	authz, order, err := s.GetAuthorization(ctx, auth, authzID)
	if err != nil {
		return nil, err
	}
	if authz.Status != model.StatusPending {
		return nil, ConflictError("authorization %s is %s, not pending", authz.ID, authz.Status)
	}
	authz.Status = model.StatusDeactivated
	authz.Challenges = nil
	order.RefreshStatus()
	if err := s.saveOrder(ctx, order); err != nil {
		return nil, err
	}
	return authz, nil
}

// GetChallenge returns a challenge owned by the caller, with its owning
// authorization and order.
func (s *Service) GetChallenge(ctx context.Context, auth *AuthContext, challengeID string) (*model.Challenge, *model.Authorization, *model.Order, error) {
	id, err := model.ParseID(challengeID)
	if err != nil {
		return nil, nil, nil, MalformedError("%v", err)
	}
	order, err := s.store.GetOrderByChallengeID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, nil, NotFoundError("challenge %s does not exist", id)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	if !auth.Owns(order.AccountID) {
		return nil, nil, nil, UnauthorizedError("the request account does not own challenge %s", id)
	}
	authz := order.AuthorizationForChallenge(id)
	if authz == nil {
		return nil, nil, nil, NotFoundError("challenge %s does not exist", id)
	}
	return authz.FindChallenge(id), authz, order, nil
}

// AcceptChallenge marks a pending challenge as the one the client will answer
// and hands the order to the validation pipeline. Exactly one challenge per
// authorization may ever be selected.
func (s *Service) AcceptChallenge(ctx context.Context, auth *AuthContext, challengeID string) (*model.Challenge, error) {
	id, err := model.ParseID(challengeID)
	if err != nil {
		return nil, MalformedError("%v", err)
	}
	order, err := s.store.GetOrderByChallengeID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NotFoundError("challenge %s does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	if !auth.Owns(order.AccountID) {
		return nil, UnauthorizedError("the request account does not own challenge %s", id)
	}
	if order.Status != model.StatusPending {
		return nil, ConflictError("order %s is %s, not pending", order.ID, order.Status)
	}

	authz := order.AuthorizationForChallenge(id)
	if authz == nil {
		return nil, NotFoundError("challenge %s does not exist", id)
	}
	if selected := authz.ProcessingChallenge(); selected != nil {
		return nil, ConflictError("challenge %s has already been selected for this authorization", selected.ID)
	}
	challenge := authz.FindChallenge(id)
	if challenge.Status != model.StatusPending {
		return nil, ConflictError("challenge %s is %s, not pending", id, challenge.Status)
	}

	challenge.Status = model.StatusProcessing
	if err := s.saveOrder(ctx, order); err != nil {
		return nil, err
	}
	s.validation.Enqueue(order.ID)
	logger.Info("challenge accepted",
		zap.String("order_id", order.ID),
		zap.String("challenge_id", challenge.ID),
		zap.String("type", challenge.Type))
	return challenge, nil
}

// FinalizeRequest is the decoded payload of a finalize call.
type FinalizeRequest struct {
	CSR string `json:"csr"` // base64url DER
}

// FinalizeOrder accepts a CSR for a ready order, validates it against the
// order's identifiers, and hands the order to the issuance pipeline. A CSR
// that fails validation leaves the order ready so the client can retry with a
// corrected one.
func (s *Service) FinalizeOrder(ctx context.Context, auth *AuthContext, orderID string, csrDER []byte) (*model.Order, error) {
	id, err := model.ParseID(orderID)
	if err != nil {
		return nil, MalformedError("%v", err)
	}
	order, err := s.loadOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.Owns(order.AccountID) {
		return nil, UnauthorizedError("the request account does not own order %s", id)
	}
	if order.Status != model.StatusReady {
		return nil, ConflictError("order %s is %s, not ready", id, order.Status)
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, BadCSRError("CSR could not be parsed: %v", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, BadCSRError("CSR signature is invalid: %v", err)
	}
	if err := s.csrValidator.ValidateCSR(ctx, order, csr); err != nil {
		return nil, BadCSRError("%v", err)
	}

	order.CSR = csrDER
	order.Status = model.StatusProcessing
	if err := s.saveOrder(ctx, order); err != nil {
		return nil, err
	}
	s.issuance.Enqueue(order.ID)
	logger.Info("order finalized", zap.String("order_id", order.ID))
	return order, nil
}

// GetCertificate returns the issued certificate chain (PEM) for a valid order.
func (s *Service) GetCertificate(ctx context.Context, auth *AuthContext, orderID string) ([]byte, error) {
	order, err := s.GetOrder(ctx, auth, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.StatusValid || len(order.CertificateChain) == 0 {
		return nil, NotFoundError("order %s has no certificate", order.ID)
	}
	return order.CertificateChain, nil
}

// RevokeCertificateRequest is the decoded payload of a revoke-cert call.
type RevokeCertificateRequest struct {
	Certificate string `json:"certificate"` // base64url DER
	Reason      int    `json:"reason,omitempty"`
}

// RevokeCertificate revokes a certificate issued to the caller's account.
func (s *Service) RevokeCertificate(ctx context.Context, auth *AuthContext, certDER []byte, reasonCode int) error {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return MalformedError("certificate could not be parsed: %v", err)
	}
	serial := cert.SerialNumber.Text(16)

	certData, err := s.store.GetCertificateData(ctx, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return NotFoundError("certificate %s was not issued by this server", serial)
	}
	if err != nil {
		return err
	}
	if !auth.Owns(certData.AccountID) {
		return UnauthorizedError("the request account does not own certificate %s", serial)
	}
	if certData.Revoked {
		return MalformedError("certificate %s is already revoked", serial)
	}

	if err := s.revoker.Revoke(ctx, cert, reasonCode); err != nil {
		return fmt.Errorf("acme: revoke certificate %s: %w", serial, err)
	}
	logger.Info("certificate revoked", zap.String("serial", serial), zap.Int("reason", reasonCode))
	return nil
}

func (s *Service) loadAccount(ctx context.Context, id string) (*model.Account, error) {
	account, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NotFoundError("account %s does not exist", id)
	}
	return account, err
}

func (s *Service) loadOrder(ctx context.Context, id string) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NotFoundError("order %s does not exist", id)
	}
	return order, err
}

// saveAccount persists an account and maps a lost optimistic-concurrency race
// to a client-visible conflict.
func (s *Service) saveAccount(ctx context.Context, account *model.Account) error {
	err := s.store.SaveAccount(ctx, account, account.Version)
	if errors.Is(err, storage.ErrConcurrency) {
		return ConflictError("account %s was modified concurrently", account.ID)
	}
	return err
}

func (s *Service) saveOrder(ctx context.Context, order *model.Order) error {
	err := s.store.SaveOrder(ctx, order, order.Version)
	if errors.Is(err, storage.ErrConcurrency) {
		return ConflictError("order %s was modified concurrently", order.ID)
	}
	return err
}
