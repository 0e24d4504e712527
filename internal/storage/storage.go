package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "storage"))
}

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConcurrency is returned by versioned saves when the expected version does
// not match the stored one. It means the caller observed a stale copy; the
// stored aggregate is left untouched.
var ErrConcurrency = errors.New("storage: version conflict")

// AccountStore persists ACME accounts. SaveAccount performs an
// optimistic-concurrency check against expectedVersion (0 for a new account)
// and stamps the aggregate with a fresh version on success.
type AccountStore interface {
	SaveAccount(ctx context.Context, acct *model.Account, expectedVersion int64) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	FindAccountByKey(ctx context.Context, thumbprint string) (*model.Account, error)
}

// OrderStore persists order aggregates (orders together with their owned
// authorizations and challenges). Save semantics match AccountStore.
type OrderStore interface {
	SaveOrder(ctx context.Context, order *model.Order, expectedVersion int64) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderByAuthorizationID(ctx context.Context, authzID string) (*model.Order, error)
	GetOrderByChallengeID(ctx context.Context, challengeID string) (*model.Order, error)
	// ListValidatable returns pending orders with at least one processing
	// challenge; ListFinalizable returns orders in the processing status.
	// Both feed the retry sweepers.
	ListValidatable(ctx context.Context) ([]*model.Order, error)
	ListFinalizable(ctx context.Context) ([]*model.Order, error)
}

// NonceStore persists single-use replay nonces. TryConsumeNonce atomically
// removes the nonce and reports whether it was present and unexpired.
type NonceStore interface {
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	TryConsumeNonce(ctx context.Context, value string) (bool, error)
	DeleteExpiredNonces(ctx context.Context) (int64, error)
}

// CertificateStore records issued certificates and their revocation state.
type CertificateStore interface {
	SaveCertificateData(ctx context.Context, certData *model.CertificateData) error
	GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error)
	UpdateCertificateRevocation(ctx context.Context, serialNumber string, revoked bool, revokedAt time.Time, reasonCode int) error
	ListRevokedCertificates(ctx context.Context) ([]*model.CertificateData, error)
}

// PolicyStore holds the issuance policy: domains and domain suffixes that the
// CA is willing to certify.
type PolicyStore interface {
	AddAllowedDomain(ctx context.Context, domain string) error
	DeleteAllowedDomain(ctx context.Context, domain string) error
	ListAllowedDomains(ctx context.Context) ([]string, error)
	IsDomainAllowed(ctx context.Context, domain string) (bool, error)

	AddAllowedSuffix(ctx context.Context, suffix string) error
	DeleteAllowedSuffix(ctx context.Context, suffix string) error
	ListAllowedSuffixes(ctx context.Context) ([]string, error)
}

// CAStore holds the CA's own key material, certificate, and latest CRL.
type CAStore interface {
	SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error
	GetCAPrivateKey(ctx context.Context) ([]byte, error)
	SaveCACertificate(ctx context.Context, certBytes []byte) error
	GetCACertificate(ctx context.Context) ([]byte, error)
	SaveCRL(ctx context.Context, crlBytes []byte) error
	GetLatestCRL(ctx context.Context) ([]byte, error)
}

// APIKeyStore holds management-API credentials and their roles.
type APIKeyStore interface {
	SaveAPIKey(ctx context.Context, apiKey string, roles []string) error
	GetAPIKey(ctx context.Context, apiKey string) ([]string, error)
}

// Storage is the full persistence surface the server is wired with.
type Storage interface {
	AccountStore
	OrderStore
	NonceStore
	CertificateStore
	PolicyStore
	CAStore
	APIKeyStore

	Close() error
}

// NewStorage is the factory function.
func NewStorage(storageType, dbHost, dbUser, dbPassword, dbName string, dbPort int, dbSSLMode, dbCert, dbKey, dbRootCert string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode, dbCert, dbKey, dbRootCert)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}

// nextVersion returns a fresh version stamp strictly greater than prev. The
// value itself is meaningless; only inequality with stale copies matters.
func nextVersion(prev int64) int64 {
	v := time.Now().UnixNano()
	if v <= prev {
		v = prev + 1
	}
	return v
}

// hasProcessingChallenge reports whether any authorization on the order has a
// challenge awaiting validation.
func hasProcessingChallenge(order *model.Order) bool {
	for _, authz := range order.Authorizations {
		if authz.ProcessingChallenge() != nil {
			return true
		}
	}
	return false
}
