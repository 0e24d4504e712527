package acme

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
)

// NonceService issues and consumes single-use replay nonces. It keeps no state
// of its own beyond the backing store, so one instance serves the whole
// process.
type NonceService struct {
	store    storage.NonceStore
	lifetime time.Duration
}

// NewNonceService creates a nonce service. Nonces are valid for the given
// lifetime; expired ones are rejected on consumption and swept separately.
func NewNonceService(store storage.NonceStore, lifetime time.Duration) *NonceService {
	return &NonceService{store: store, lifetime: lifetime}
}

// Issue mints, persists, and returns a fresh nonce value.
func (s *NonceService) Issue(ctx context.Context) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("acme: failed to generate nonce: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(b)

	now := time.Now()
	nonce := &model.Nonce{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifetime),
	}
	if err := s.store.SaveNonce(ctx, nonce); err != nil {
		return "", fmt.Errorf("acme: failed to persist nonce: %w", err)
	}
	return value, nil
}

// Consume atomically removes the nonce. It reports true exactly once per
// issued value, regardless of how many callers race on it.
func (s *NonceService) Consume(ctx context.Context, value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	return s.store.TryConsumeNonce(ctx, value)
}
