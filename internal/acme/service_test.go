package acme_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certsmith/internal/acme"
	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/pipeline"
	"github.com/blockadesystems/certsmith/internal/storage"
	"github.com/blockadesystems/certsmith/internal/testutils"
	"github.com/blockadesystems/certsmith/internal/va"
)

// passingValidator approves every challenge without touching the network.
type passingValidator struct{}

func (passingValidator) Validate(ctx context.Context, chal *model.Challenge, authz *model.Authorization, acct *model.Account) (bool, *model.ProblemDetails) {
	return true, nil
}

// registerAccount creates an account through the service and returns the
// authenticated context subsequent calls would carry.
func registerAccount(t *testing.T, env *testutils.Env) *acme.AuthContext {
	t.Helper()
	_, pub := testutils.NewAccountKey(t)
	account, created, err := env.Service.CreateOrUpdateAccount(context.Background(),
		&acme.AuthContext{Key: pub},
		&acme.NewAccountRequest{TermsOfServiceAgreed: true})
	require.NoError(t, err)
	require.True(t, created)
	return &acme.AuthContext{Account: account, Key: pub}
}

func newOrder(t *testing.T, env *testutils.Env, auth *acme.AuthContext, names ...string) *model.Order {
	t.Helper()
	req := &acme.NewOrderRequest{}
	for _, name := range names {
		req.Identifiers = append(req.Identifiers, model.Identifier{Type: model.IdentifierDNS, Value: name})
	}
	order, err := env.Service.CreateOrder(context.Background(), auth, req)
	require.NoError(t, err)
	return order
}

func challengeOfType(t *testing.T, authz *model.Authorization, challengeType string) *model.Challenge {
	t.Helper()
	for _, ch := range authz.Challenges {
		if ch.Type == challengeType {
			return ch
		}
	}
	t.Fatalf("authorization %s has no %s challenge", authz.ID, challengeType)
	return nil
}

// csrFor signs a fresh ECDSA CSR covering the given DNS names.
func csrFor(t *testing.T, names ...string) []byte {
	t.Helper()
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: names[0]},
		DNSNames: names,
	}, leafKey)
	require.NoError(t, err)
	return der
}

// runValidation drains the validation queue with a worker that approves every
// challenge.
func runValidation(t *testing.T, env *testutils.Env) {
	t.Helper()
	registry := va.NewRegistry(env.Cfg)
	registry.Register(model.ChallengeHTTP01, passingValidator{})
	registry.Register(model.ChallengeDNS01, passingValidator{})
	worker := pipeline.NewValidationWorker(env.ValidationQueue, env.Store, env.Store, registry)

	ctx := context.Background()
	for env.ValidationQueue.Len() > 0 {
		id, ok := env.ValidationQueue.Dequeue(ctx)
		require.True(t, ok)
		require.NoError(t, worker.ProcessOne(ctx, id))
	}
}

// runIssuance drains the issuance queue against the test environment's CA.
func runIssuance(t *testing.T, env *testutils.Env) {
	t.Helper()
	worker := pipeline.NewIssuanceWorker(env.IssuanceQueue, env.Store, env.Store, env.CA)

	ctx := context.Background()
	for env.IssuanceQueue.Len() > 0 {
		id, ok := env.IssuanceQueue.Dequeue(ctx)
		require.True(t, ok)
		require.NoError(t, worker.ProcessOne(ctx, id))
	}
}

func TestCreateOrUpdateAccount(t *testing.T) {
	env := testutils.SetupTestServer(t)
	ctx := context.Background()
	_, pub := testutils.NewAccountKey(t)

	account, created, err := env.Service.CreateOrUpdateAccount(ctx,
		&acme.AuthContext{Key: pub},
		&acme.NewAccountRequest{Contact: []string{"mailto:ops@example.com"}, TermsOfServiceAgreed: true})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusValid, account.Status)
	assert.Equal(t, []string{"mailto:ops@example.com"}, account.Contact)

	// The same key resolves to the same account.
	again, created, err := env.Service.CreateOrUpdateAccount(ctx,
		&acme.AuthContext{Key: pub}, &acme.NewAccountRequest{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, account.ID, again.ID)

	// onlyReturnExisting with an unknown key finds nothing and creates nothing.
	_, freshPub := testutils.NewAccountKey(t)
	_, _, err = env.Service.CreateOrUpdateAccount(ctx,
		&acme.AuthContext{Key: freshPub},
		&acme.NewAccountRequest{OnlyReturnExisting: true})
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindNotFound})
}

// racingAccountStore slips a rival account with the same key in just before
// the caller's create lands, forcing the create to lose.
type racingAccountStore struct {
	storage.Storage
	rival *model.Account
	once  sync.Once
}

func (s *racingAccountStore) SaveAccount(ctx context.Context, acct *model.Account, expectedVersion int64) error {
	s.once.Do(func() {
		_ = s.Storage.SaveAccount(ctx, s.rival, 0)
	})
	return s.Storage.SaveAccount(ctx, acct, expectedVersion)
}

func TestCreateAccountRecoversLostCreationRace(t *testing.T) {
	env := testutils.SetupTestServer(t)
	ctx := context.Background()
	_, pub := testutils.NewAccountKey(t)

	thumbprint, err := acme.Thumbprint(pub)
	require.NoError(t, err)
	keyJSON, err := pub.MarshalJSON()
	require.NoError(t, err)
	rival := &model.Account{
		ID:            model.NewID(),
		Key:           string(keyJSON),
		KeyThumbprint: thumbprint,
		Status:        model.StatusValid,
	}

	store := &racingAccountStore{Storage: storage.NewMemoryStorage(), rival: rival}
	svc := acme.NewService(env.Cfg, store, env.Nonces, nil, nil, env.ValidationQueue, env.IssuanceQueue)

	account, created, err := svc.CreateOrUpdateAccount(ctx,
		&acme.AuthContext{Key: pub},
		&acme.NewAccountRequest{TermsOfServiceAgreed: true})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rival.ID, account.ID, "the race winner's account is returned")
}

func TestUpdateAccount(t *testing.T) {
	env := testutils.SetupTestServer(t)
	ctx := context.Background()
	auth := registerAccount(t, env)
	other := registerAccount(t, env)

	// Contact updates apply to the caller's own account only.
	updated, err := env.Service.UpdateAccount(ctx, auth, auth.Account.ID,
		&acme.UpdateAccountRequest{Contact: []string{"mailto:admin@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:admin@example.com"}, updated.Contact)

	_, err = env.Service.UpdateAccount(ctx, auth, other.Account.ID,
		&acme.UpdateAccountRequest{Contact: []string{"mailto:x@example.com"}})
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindUnauthorized})

	// Deactivation is the only status a client may request.
	_, err = env.Service.UpdateAccount(ctx, auth, auth.Account.ID,
		&acme.UpdateAccountRequest{Status: "revoked"})
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed})

	updated, err = env.Service.UpdateAccount(ctx, auth, auth.Account.ID,
		&acme.UpdateAccountRequest{Status: model.StatusDeactivated})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeactivated, updated.Status)
}

func TestCreateOrder(t *testing.T) {
	env := testutils.SetupTestServer(t)
	auth := registerAccount(t, env)

	order := newOrder(t, env, auth, "www.example.com", "*.example.com")
	assert.Equal(t, model.StatusPending, order.Status)
	assert.Equal(t, config.DefaultProfileName, order.Profile)
	require.Len(t, order.Authorizations, 2)

	plain := order.Authorizations[0]
	assert.False(t, plain.Wildcard)
	assert.Len(t, plain.Challenges, 3)

	// Wildcard authorizations carry the base name and only dns-01.
	wildcard := order.Authorizations[1]
	assert.True(t, wildcard.Wildcard)
	assert.Equal(t, "example.com", wildcard.Identifier.Value)
	require.Len(t, wildcard.Challenges, 1)
	assert.Equal(t, model.ChallengeDNS01, wildcard.Challenges[0].Type)

	// The creator can read it back; other accounts cannot.
	fetched, err := env.Service.GetOrder(context.Background(), auth, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, fetched.ID)

	other := registerAccount(t, env)
	_, err = env.Service.GetOrder(context.Background(), other, order.ID)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindUnauthorized})
}

func TestCreateOrderRejections(t *testing.T) {
	env := testutils.SetupTestServer(t)
	ctx := context.Background()
	auth := registerAccount(t, env)

	_, err := env.Service.CreateOrder(ctx, &acme.AuthContext{}, &acme.NewOrderRequest{
		Identifiers: []model.Identifier{{Type: model.IdentifierDNS, Value: "www.example.com"}},
	})
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindUnauthorized})

	_, err = env.Service.CreateOrder(ctx, auth, &acme.NewOrderRequest{})
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed})

	_, err = env.Service.CreateOrder(ctx, auth, &acme.NewOrderRequest{
		Identifiers: []model.Identifier{{Type: "ip", Value: "192.0.2.1"}},
	})
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindRejectedIdentifier})

	_, err = env.Service.CreateOrder(ctx, auth, &acme.NewOrderRequest{
		Identifiers: []model.Identifier{{Type: model.IdentifierDNS, Value: "evil.test"}},
	})
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindRejectedIdentifier})

	_, err = env.Service.CreateOrder(ctx, auth, &acme.NewOrderRequest{
		Identifiers: []model.Identifier{{Type: model.IdentifierDNS, Value: "www.example.com"}},
		Profile:     "no-such-profile",
	})
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed})
}

func TestAcceptChallenge(t *testing.T) {
	env := testutils.SetupTestServer(t)
	ctx := context.Background()
	auth := registerAccount(t, env)
	order := newOrder(t, env, auth, "www.example.com")

	httpChal := challengeOfType(t, order.Authorizations[0], model.ChallengeHTTP01)
	dnsChal := challengeOfType(t, order.Authorizations[0], model.ChallengeDNS01)

	accepted, err := env.Service.AcceptChallenge(ctx, auth, httpChal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, accepted.Status)

	// The order was handed to the validation pipeline.
	require.Equal(t, 1, env.ValidationQueue.Len())

	// Only one challenge per authorization may ever be selected.
	_, err = env.Service.AcceptChallenge(ctx, auth, dnsChal.ID)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindConflict})

	_, err = env.Service.AcceptChallenge(ctx, auth, model.NewID())
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindNotFound})

	other := registerAccount(t, env)
	_, err = env.Service.AcceptChallenge(ctx, other, httpChal.ID)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindUnauthorized})

	// Once the order leaves pending, no further challenge can be accepted.
	runValidation(t, env)
	updated, err := env.Service.GetOrder(ctx, auth, order.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusReady, updated.Status)
	_, err = env.Service.AcceptChallenge(ctx, auth, httpChal.ID)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindConflict})
}

func TestDeactivateAuthorization(t *testing.T) {
	env := testutils.SetupTestServer(t)
	ctx := context.Background()
	auth := registerAccount(t, env)
	order := newOrder(t, env, auth, "www.example.com")
	authzID := order.Authorizations[0].ID

	deactivated, err := env.Service.DeactivateAuthorization(ctx, auth, authzID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeactivated, deactivated.Status)
	assert.Empty(t, deactivated.Challenges)

	// Deactivating the only authorization invalidates the order.
	updated, err := env.Service.GetOrder(ctx, auth, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, updated.Status)

	// A second deactivation finds a non-pending authorization.
	_, err = env.Service.DeactivateAuthorization(ctx, auth, authzID)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindConflict})
}

func TestFinalizeOrder(t *testing.T) {
	env := testutils.SetupTestServer(t)
	ctx := context.Background()
	auth := registerAccount(t, env)
	order := newOrder(t, env, auth, "www.example.com")

	csr := csrFor(t, "www.example.com")

	// Pending orders cannot be finalized.
	_, err := env.Service.FinalizeOrder(ctx, auth, order.ID, csr)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindConflict})

	httpChal := challengeOfType(t, order.Authorizations[0], model.ChallengeHTTP01)
	_, err = env.Service.AcceptChallenge(ctx, auth, httpChal.ID)
	require.NoError(t, err)
	runValidation(t, env)

	// A CSR naming the wrong identifiers is rejected and the order stays
	// ready for a corrected attempt.
	_, err = env.Service.FinalizeOrder(ctx, auth, order.ID, csrFor(t, "other.example.com"))
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindBadCSR})
	stillReady, err := env.Service.GetOrder(ctx, auth, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, stillReady.Status)

	finalized, err := env.Service.FinalizeOrder(ctx, auth, order.ID, csr)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, finalized.Status)
	assert.Equal(t, 1, env.IssuanceQueue.Len())

	// The certificate is not available until issuance completes.
	_, err = env.Service.GetCertificate(ctx, auth, order.ID)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindNotFound})
}

func TestIssuanceAndRevocationEndToEnd(t *testing.T) {
	env := testutils.SetupTestServer(t)
	ctx := context.Background()
	auth := registerAccount(t, env)
	order := newOrder(t, env, auth, "www.example.com")

	httpChal := challengeOfType(t, order.Authorizations[0], model.ChallengeHTTP01)
	_, err := env.Service.AcceptChallenge(ctx, auth, httpChal.ID)
	require.NoError(t, err)
	runValidation(t, env)

	_, err = env.Service.FinalizeOrder(ctx, auth, order.ID, csrFor(t, "www.example.com"))
	require.NoError(t, err)
	runIssuance(t, env)

	issued, err := env.Service.GetOrder(ctx, auth, order.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusValid, issued.Status)

	chainPEM, err := env.Service.GetCertificate(ctx, auth, order.ID)
	require.NoError(t, err)

	// The chain leads with the leaf, followed by the CA certificate.
	block, rest := pem.Decode(chainPEM)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "www.example.com")
	caBlock, _ := pem.Decode(rest)
	require.NotNil(t, caBlock, "chain is missing the CA certificate")

	// Other accounts cannot fetch or revoke the certificate.
	other := registerAccount(t, env)
	_, err = env.Service.GetCertificate(ctx, other, order.ID)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindUnauthorized})
	err = env.Service.RevokeCertificate(ctx, other, leaf.Raw, 0)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindUnauthorized})

	require.NoError(t, env.Service.RevokeCertificate(ctx, auth, leaf.Raw, 1))

	certData, err := env.Store.GetCertificateData(ctx, leaf.SerialNumber.Text(16))
	require.NoError(t, err)
	assert.True(t, certData.Revoked)
	assert.Equal(t, 1, certData.RevocationReason)

	// Revoking twice is a client error.
	err = env.Service.RevokeCertificate(ctx, auth, leaf.Raw, 1)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed})

	// The regenerated CRL lists the serial.
	crlDER, err := env.Store.GetLatestCRL(ctx)
	require.NoError(t, err)
	crl, err := x509.ParseRevocationList(crlDER)
	require.NoError(t, err)
	found := false
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(leaf.SerialNumber) == 0 {
			found = true
		}
	}
	assert.True(t, found, "revoked serial missing from CRL")
}

func TestRevokeUnknownCertificate(t *testing.T) {
	env := testutils.SetupTestServer(t)
	auth := registerAccount(t, env)

	err := env.Service.RevokeCertificate(context.Background(), auth, []byte{0x30}, 0)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed})
}
