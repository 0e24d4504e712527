package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/blockadesystems/certsmith/internal/model"
)

// MemoryStorage is an in-memory Storage implementation. It backs tests and the
// single-node "memory" storage mode. All aggregates are deep-copied on the way
// in and out so callers can never mutate the stored truth directly.
type MemoryStorage struct {
	mu sync.RWMutex

	accounts       map[string]*model.Account
	accountsByKey  map[string]string // thumbprint -> account ID
	orders         map[string]*model.Order
	orderByAuthz   map[string]string // authorization ID -> order ID
	orderByChal    map[string]string // challenge ID -> order ID
	nonces         map[string]*model.Nonce
	certificates   map[string]*model.CertificateData
	allowedDomains map[string]struct{}
	allowedSuffix  map[string]struct{}
	apiKeys        map[string][]string
	caKey          []byte
	caCert         []byte
	crl            []byte
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		accounts:       make(map[string]*model.Account),
		accountsByKey:  make(map[string]string),
		orders:         make(map[string]*model.Order),
		orderByAuthz:   make(map[string]string),
		orderByChal:    make(map[string]string),
		nonces:         make(map[string]*model.Nonce),
		certificates:   make(map[string]*model.CertificateData),
		allowedDomains: make(map[string]struct{}),
		allowedSuffix:  make(map[string]struct{}),
		apiKeys:        make(map[string][]string),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStorage) Close() error { return nil }

// --- Accounts ---

func (s *MemoryStorage) SaveAccount(ctx context.Context, acct *model.Account, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev int64
	if existing, ok := s.accounts[acct.ID]; ok {
		prev = existing.Version
	}
	if prev != expectedVersion {
		return ErrConcurrency
	}
	if expectedVersion == 0 {
		// One account per key: a create that loses the race on the
		// thumbprint index fails like any other stale save.
		if otherID, ok := s.accountsByKey[acct.KeyThumbprint]; ok && otherID != acct.ID {
			return ErrConcurrency
		}
	}
	acct.Version = nextVersion(prev)
	acct.LastModifiedAt = time.Now()
	stored := acct.Clone()
	s.accounts[acct.ID] = stored
	s.accountsByKey[acct.KeyThumbprint] = acct.ID
	return nil
}

func (s *MemoryStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return acct.Clone(), nil
}

func (s *MemoryStorage) FindAccountByKey(ctx context.Context, thumbprint string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountsByKey[thumbprint]
	if !ok {
		return nil, ErrNotFound
	}
	return s.accounts[id].Clone(), nil
}

// --- Orders ---

func (s *MemoryStorage) SaveOrder(ctx context.Context, order *model.Order, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev int64
	if existing, ok := s.orders[order.ID]; ok {
		prev = existing.Version
	}
	if prev != expectedVersion {
		return ErrConcurrency
	}
	order.Version = nextVersion(prev)
	stored := order.Clone()
	s.orders[order.ID] = stored
	for _, authz := range stored.Authorizations {
		s.orderByAuthz[authz.ID] = order.ID
		for _, ch := range authz.Challenges {
			s.orderByChal[ch.ID] = order.ID
		}
	}
	return nil
}

func (s *MemoryStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return order.Clone(), nil
}

func (s *MemoryStorage) GetOrderByAuthorizationID(ctx context.Context, authzID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orderByAuthz[authzID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.orders[id].Clone(), nil
}

func (s *MemoryStorage) GetOrderByChallengeID(ctx context.Context, challengeID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orderByChal[challengeID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.orders[id].Clone(), nil
}

func (s *MemoryStorage) ListValidatable(ctx context.Context) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Order
	for _, order := range s.orders {
		if order.Status == model.StatusPending && hasProcessingChallenge(order) {
			out = append(out, order.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStorage) ListFinalizable(ctx context.Context) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Order
	for _, order := range s.orders {
		if order.Status == model.StatusProcessing {
			out = append(out, order.Clone())
		}
	}
	return out, nil
}

// --- Nonces ---

func (s *MemoryStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup := *nonce
	s.nonces[nonce.Value] = &dup
	return nil
}

func (s *MemoryStorage) TryConsumeNonce(ctx context.Context, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, ok := s.nonces[value]
	if !ok {
		return false, nil
	}
	delete(s.nonces, value)
	if time.Now().After(nonce.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var n int64
	for value, nonce := range s.nonces {
		if now.After(nonce.ExpiresAt) {
			delete(s.nonces, value)
			n++
		}
	}
	return n, nil
}

// --- Certificates ---

func (s *MemoryStorage) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup := *certData
	s.certificates[certData.SerialNumber] = &dup
	return nil
}

func (s *MemoryStorage) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	certData, ok := s.certificates[serialNumber]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *certData
	return &dup, nil
}

func (s *MemoryStorage) UpdateCertificateRevocation(ctx context.Context, serialNumber string, revoked bool, revokedAt time.Time, reasonCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	certData, ok := s.certificates[serialNumber]
	if !ok {
		return ErrNotFound
	}
	certData.Revoked = revoked
	certData.RevokedAt = revokedAt
	certData.RevocationReason = reasonCode
	return nil
}

func (s *MemoryStorage) ListRevokedCertificates(ctx context.Context) ([]*model.CertificateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.CertificateData
	for _, certData := range s.certificates {
		if certData.Revoked {
			dup := *certData
			out = append(out, &dup)
		}
	}
	return out, nil
}

// --- Policy ---

func (s *MemoryStorage) AddAllowedDomain(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedDomains[normalizeDomain(domain)] = struct{}{}
	return nil
}

func (s *MemoryStorage) DeleteAllowedDomain(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowedDomains, normalizeDomain(domain))
	return nil
}

func (s *MemoryStorage) ListAllowedDomains(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.allowedDomains))
	for d := range s.allowedDomains {
		out = append(out, d)
	}
	return out, nil
}

func (s *MemoryStorage) IsDomainAllowed(ctx context.Context, domain string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	norm := normalizeDomain(domain)
	if _, ok := s.allowedDomains[norm]; ok {
		return true, nil
	}
	for suffix := range s.allowedSuffix {
		if norm == suffix || strings.HasSuffix(norm, "."+suffix) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStorage) AddAllowedSuffix(ctx context.Context, suffix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedSuffix[normalizeDomain(suffix)] = struct{}{}
	return nil
}

func (s *MemoryStorage) DeleteAllowedSuffix(ctx context.Context, suffix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowedSuffix, normalizeDomain(suffix))
	return nil
}

func (s *MemoryStorage) ListAllowedSuffixes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.allowedSuffix))
	for suffix := range s.allowedSuffix {
		out = append(out, suffix)
	}
	return out, nil
}

// --- CA data ---

func (s *MemoryStorage) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caKey = append([]byte(nil), keyBytes...)
	return nil
}

func (s *MemoryStorage) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.caKey...), nil
}

func (s *MemoryStorage) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caCert = append([]byte(nil), certBytes...)
	return nil
}

func (s *MemoryStorage) GetCACertificate(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.caCert...), nil
}

func (s *MemoryStorage) SaveCRL(ctx context.Context, crlBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crl = append([]byte(nil), crlBytes...)
	return nil
}

func (s *MemoryStorage) GetLatestCRL(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.crl...), nil
}

// --- API keys ---

func (s *MemoryStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[apiKey] = append([]string(nil), roles...)
	return nil
}

func (s *MemoryStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles, ok := s.apiKeys[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), roles...), nil
}

func normalizeDomain(domain string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
