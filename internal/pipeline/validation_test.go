package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
	"github.com/blockadesystems/certsmith/internal/va"
)

// stubValidator returns a fixed verdict and counts invocations.
type stubValidator struct {
	valid bool
	prob  *model.ProblemDetails
	calls int
}

func (s *stubValidator) Validate(ctx context.Context, chal *model.Challenge, authz *model.Authorization, acct *model.Account) (bool, *model.ProblemDetails) {
	s.calls++
	return s.valid, s.prob
}

// conflictingOrderStore fails every save with a version conflict.
type conflictingOrderStore struct {
	storage.Storage
}

func (s *conflictingOrderStore) SaveOrder(ctx context.Context, order *model.Order, expectedVersion int64) error {
	return storage.ErrConcurrency
}

func newValidationFixture(t *testing.T, stub *stubValidator) (*ValidationWorker, *storage.MemoryStorage, *model.Order) {
	t.Helper()
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	acct := &model.Account{ID: model.NewID(), Key: `{}`, KeyThumbprint: "tp", Status: model.StatusValid}
	require.NoError(t, store.SaveAccount(ctx, acct, 0))

	expires := time.Now().Add(time.Hour)
	order := &model.Order{
		ID:          model.NewID(),
		AccountID:   acct.ID,
		Status:      model.StatusPending,
		Expires:     expires,
		Identifiers: []model.Identifier{{Type: model.IdentifierDNS, Value: "example.com"}},
		Authorizations: []*model.Authorization{
			model.NewAuthorization(model.Identifier{Type: model.IdentifierDNS, Value: "example.com"},
				expires, []string{model.ChallengeHTTP01, model.ChallengeDNS01}),
		},
	}
	order.Authorizations[0].Challenges[0].Status = model.StatusProcessing
	require.NoError(t, store.SaveOrder(ctx, order, 0))

	registry := va.NewRegistry(&config.Config{})
	registry.Register(model.ChallengeHTTP01, stub)
	worker := NewValidationWorker(NewQueue(), store, store, registry)
	return worker, store, order
}

func TestValidationHappyPath(t *testing.T) {
	stub := &stubValidator{valid: true}
	worker, store, order := newValidationFixture(t, stub)
	ctx := context.Background()

	require.NoError(t, worker.ProcessOne(ctx, order.ID))
	assert.Equal(t, 1, stub.calls)

	updated, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, updated.Status)
	authz := updated.Authorizations[0]
	assert.Equal(t, model.StatusValid, authz.Status)
	require.Len(t, authz.Challenges, 1, "unselected challenges are cleared on resolution")
	assert.Equal(t, model.StatusValid, authz.Challenges[0].Status)
	assert.NotNil(t, authz.Challenges[0].ValidatedAt)
	assert.Greater(t, updated.Version, order.Version)
}

func TestValidationFailureRecordsProblem(t *testing.T) {
	prob := &model.ProblemDetails{Type: "urn:ietf:params:acme:error:incorrectResponse", Detail: "mismatch"}
	stub := &stubValidator{valid: false, prob: prob}
	worker, store, order := newValidationFixture(t, stub)
	ctx := context.Background()

	require.NoError(t, worker.ProcessOne(ctx, order.ID))

	updated, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, updated.Status)
	authz := updated.Authorizations[0]
	assert.Equal(t, model.StatusInvalid, authz.Status)
	require.Len(t, authz.Challenges, 1)
	assert.Equal(t, model.StatusInvalid, authz.Challenges[0].Status)
	assert.Equal(t, prob.Detail, authz.Challenges[0].Error.Detail)
}

func TestValidationIdempotentReentry(t *testing.T) {
	stub := &stubValidator{valid: true}
	worker, store, order := newValidationFixture(t, stub)
	ctx := context.Background()

	require.NoError(t, worker.ProcessOne(ctx, order.ID))
	afterFirst, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	// Duplicate delivery of the same item: the order is no longer pending.
	require.NoError(t, worker.ProcessOne(ctx, order.ID))
	afterSecond, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, stub.calls, "second pass must not re-validate")
	assert.Equal(t, afterFirst.Version, afterSecond.Version, "second pass must not write")
}

func TestValidationSkipsMissingOrder(t *testing.T) {
	stub := &stubValidator{valid: true}
	worker, _, _ := newValidationFixture(t, stub)

	require.NoError(t, worker.ProcessOne(context.Background(), model.NewID()))
	assert.Zero(t, stub.calls)
}

func TestValidationInvalidAccountFailsOrder(t *testing.T) {
	stub := &stubValidator{valid: true}
	worker, store, order := newValidationFixture(t, stub)
	ctx := context.Background()

	acct, err := store.GetAccount(ctx, order.AccountID)
	require.NoError(t, err)
	acct.Status = model.StatusDeactivated
	require.NoError(t, store.SaveAccount(ctx, acct, acct.Version))

	require.NoError(t, worker.ProcessOne(ctx, order.ID))
	assert.Zero(t, stub.calls, "validators must not run for a dead account")

	updated, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Equal(t, "urn:ietf:params:acme:error:unauthorized", updated.Error.Type)
}

func TestValidationExpiredAuthorization(t *testing.T) {
	stub := &stubValidator{valid: true}
	worker, store, order := newValidationFixture(t, stub)
	ctx := context.Background()

	// The worker's clock is past the authorization expiry when it runs.
	worker.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	require.NoError(t, worker.ProcessOne(ctx, order.ID))
	assert.Zero(t, stub.calls, "expired authorizations are not validated")

	updated, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	authz := updated.Authorizations[0]
	assert.Equal(t, model.StatusExpired, authz.Status)
	assert.Empty(t, authz.Challenges)
	assert.Equal(t, model.StatusInvalid, updated.Status, "an expired authorization fails the order")
}

func TestValidationUnsupportedIdentifierType(t *testing.T) {
	stub := &stubValidator{valid: true}
	worker, store, order := newValidationFixture(t, stub)
	ctx := context.Background()

	loaded, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	loaded.Authorizations[0].Identifier.Type = "ip"
	require.NoError(t, store.SaveOrder(ctx, loaded, loaded.Version))

	require.NoError(t, worker.ProcessOne(ctx, order.ID))
	assert.Zero(t, stub.calls)

	updated, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, updated.Status)
	authz := updated.Authorizations[0]
	assert.Equal(t, model.StatusInvalid, authz.Status)
	require.Len(t, authz.Challenges, 1)
	require.NotNil(t, authz.Challenges[0].Error)
}

func TestValidationDropsOnVersionConflict(t *testing.T) {
	stub := &stubValidator{valid: true}
	worker, store, order := newValidationFixture(t, stub)
	worker.orders = &conflictingOrderStore{Storage: store}
	ctx := context.Background()

	// The conflict is swallowed; the sweeper re-offers the order later.
	require.NoError(t, worker.ProcessOne(ctx, order.ID))

	stored, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
}
