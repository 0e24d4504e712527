package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
)

// stubIssuer returns a fixed issuance result and counts invocations.
type stubIssuer struct {
	chain  []byte
	serial string
	prob   *model.ProblemDetails
	calls  int
}

func (s *stubIssuer) Issue(ctx context.Context, order *model.Order) ([]byte, string, *model.ProblemDetails) {
	s.calls++
	if s.prob != nil {
		return nil, "", s.prob
	}
	return s.chain, s.serial, nil
}

func newIssuanceFixture(t *testing.T, issuer *stubIssuer) (*IssuanceWorker, *storage.MemoryStorage, *model.Order) {
	t.Helper()
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	acct := &model.Account{ID: model.NewID(), Key: `{}`, KeyThumbprint: "tp", Status: model.StatusValid}
	require.NoError(t, store.SaveAccount(ctx, acct, 0))

	expires := time.Now().Add(time.Hour)
	authz := model.NewAuthorization(model.Identifier{Type: model.IdentifierDNS, Value: "example.com"},
		expires, []string{model.ChallengeHTTP01})
	authz.Status = model.StatusValid
	order := &model.Order{
		ID:             model.NewID(),
		AccountID:      acct.ID,
		Status:         model.StatusProcessing,
		Expires:        expires,
		Identifiers:    []model.Identifier{{Type: model.IdentifierDNS, Value: "example.com"}},
		Authorizations: []*model.Authorization{authz},
		CSR:            []byte{0x30, 0x82},
	}
	require.NoError(t, store.SaveOrder(ctx, order, 0))

	worker := NewIssuanceWorker(NewQueue(), store, store, issuer)
	return worker, store, order
}

func TestIssuanceHappyPath(t *testing.T) {
	issuer := &stubIssuer{chain: []byte("-----BEGIN CERTIFICATE-----\n..."), serial: "abc123"}
	worker, store, order := newIssuanceFixture(t, issuer)
	ctx := context.Background()

	require.NoError(t, worker.ProcessOne(ctx, order.ID))
	assert.Equal(t, 1, issuer.calls)

	updated, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, updated.Status)
	assert.Equal(t, issuer.chain, updated.CertificateChain)
	assert.Equal(t, "abc123", updated.CertificateSerial)
	assert.Nil(t, updated.Error)
}

func TestIssuanceFailureRecordsProblem(t *testing.T) {
	prob := &model.ProblemDetails{Type: "urn:ietf:params:acme:error:serverInternal", Detail: "signing failed"}
	issuer := &stubIssuer{prob: prob}
	worker, store, order := newIssuanceFixture(t, issuer)
	ctx := context.Background()

	require.NoError(t, worker.ProcessOne(ctx, order.ID))

	updated, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Equal(t, prob.Detail, updated.Error.Detail)
	assert.Empty(t, updated.CertificateChain)
}

func TestIssuanceSkipsIneligibleOrders(t *testing.T) {
	issuer := &stubIssuer{chain: []byte("chain"), serial: "s"}
	worker, store, order := newIssuanceFixture(t, issuer)
	ctx := context.Background()

	for _, status := range []string{model.StatusPending, model.StatusReady, model.StatusValid, model.StatusInvalid} {
		loaded, err := store.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		loaded.Status = status
		require.NoError(t, store.SaveOrder(ctx, loaded, loaded.Version))

		require.NoError(t, worker.ProcessOne(ctx, order.ID))
		assert.Zero(t, issuer.calls, "order in status %s must not be issued", status)
	}

	require.NoError(t, worker.ProcessOne(ctx, model.NewID()))
	assert.Zero(t, issuer.calls)
}

func TestIssuanceIdempotentReentry(t *testing.T) {
	issuer := &stubIssuer{chain: []byte("chain"), serial: "s"}
	worker, store, order := newIssuanceFixture(t, issuer)
	ctx := context.Background()

	require.NoError(t, worker.ProcessOne(ctx, order.ID))
	require.NoError(t, worker.ProcessOne(ctx, order.ID))
	assert.Equal(t, 1, issuer.calls, "a duplicate item must not re-issue")

	updated, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, updated.Status)
}

func TestIssuanceInvalidAccountFailsOrder(t *testing.T) {
	issuer := &stubIssuer{chain: []byte("chain"), serial: "s"}
	worker, store, order := newIssuanceFixture(t, issuer)
	ctx := context.Background()

	acct, err := store.GetAccount(ctx, order.AccountID)
	require.NoError(t, err)
	acct.Status = model.StatusRevoked
	require.NoError(t, store.SaveAccount(ctx, acct, acct.Version))

	require.NoError(t, worker.ProcessOne(ctx, order.ID))
	assert.Zero(t, issuer.calls)

	updated, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, updated.Status)
	require.NotNil(t, updated.Error)
}

func TestIssuanceDropsOnVersionConflict(t *testing.T) {
	issuer := &stubIssuer{chain: []byte("chain"), serial: "s"}
	worker, store, order := newIssuanceFixture(t, issuer)
	worker.orders = &conflictingOrderStore{Storage: store}
	ctx := context.Background()

	require.NoError(t, worker.ProcessOne(ctx, order.ID))

	stored, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, stored.Status)
}
