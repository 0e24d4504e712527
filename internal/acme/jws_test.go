package acme_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certsmith/internal/acme"
	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
	"github.com/blockadesystems/certsmith/internal/testutils"
)

const newAccountURL = testutils.TestExternalURL + "/acme/new-account"

func newTestVerifier(t *testing.T) (*acme.Verifier, *storage.MemoryStorage, *acme.NonceService) {
	t.Helper()
	store := storage.NewMemoryStorage()
	nonces := acme.NewNonceService(store, time.Hour)
	return acme.NewVerifier(store, nonces), store, nonces
}

func freshNonce(t *testing.T, nonces *acme.NonceService) string {
	t.Helper()
	nonce, err := nonces.Issue(context.Background())
	require.NoError(t, err)
	return nonce
}

// storeAccount persists a valid account for the given key and returns its ID
// and kid URL.
func storeAccount(t *testing.T, store *storage.MemoryStorage, pub *jose.JSONWebKey, status string) (string, string) {
	t.Helper()
	keyJSON, err := pub.MarshalJSON()
	require.NoError(t, err)
	thumbprint, err := acme.Thumbprint(pub)
	require.NoError(t, err)

	acct := &model.Account{
		ID:            model.NewID(),
		Key:           string(keyJSON),
		KeyThumbprint: thumbprint,
		Status:        status,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, store.SaveAccount(context.Background(), acct, 0))
	return acct.ID, testutils.TestExternalURL + "/acme/account/" + acct.ID
}

// rawEnvelope builds a flattened JWS object with an arbitrary protected
// header and a garbage signature. Header checks run before signature
// verification, so these bodies never need to verify.
func rawEnvelope(t *testing.T, header map[string]interface{}) []byte {
	t.Helper()
	rawHeader, err := json.Marshal(header)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]string{
		"protected": base64.RawURLEncoding.EncodeToString(rawHeader),
		"payload":   "",
		"signature": base64.RawURLEncoding.EncodeToString([]byte("bogus")),
	})
	require.NoError(t, err)
	return body
}

func TestVerifyNewAccountWithEmbeddedKey(t *testing.T) {
	verifier, _, nonces := newTestVerifier(t)
	signingKey, pub := testutils.NewAccountKey(t)

	payload := []byte(`{"termsOfServiceAgreed":true}`)
	body := testutils.SignJWS(t, signingKey, newAccountURL, freshNonce(t, nonces), "", payload)

	auth, err := verifier.Verify(context.Background(), newAccountURL, body, true)
	require.NoError(t, err)
	assert.Nil(t, auth.Account)
	assert.Equal(t, payload, auth.Payload)

	wantTP, err := acme.Thumbprint(pub)
	require.NoError(t, err)
	gotTP, err := acme.Thumbprint(auth.Key)
	require.NoError(t, err)
	assert.Equal(t, wantTP, gotTP)
}

func TestVerifyKidBindsAccount(t *testing.T) {
	verifier, store, nonces := newTestVerifier(t)
	signingKey, pub := testutils.NewAccountKey(t)
	accountID, kid := storeAccount(t, store, pub, model.StatusValid)

	url := testutils.TestExternalURL + "/acme/new-order"
	body := testutils.SignJWS(t, signingKey, url, freshNonce(t, nonces), kid, []byte(`{}`))

	auth, err := verifier.Verify(context.Background(), url, body, false)
	require.NoError(t, err)
	require.NotNil(t, auth.Account)
	assert.Equal(t, accountID, auth.Account.ID)
	assert.True(t, auth.Owns(accountID))
	assert.False(t, auth.Owns(model.NewID()))
}

func TestVerifyRejectsNonJWSBody(t *testing.T) {
	verifier, _, _ := newTestVerifier(t)

	for name, body := range map[string][]byte{
		"not json":          []byte("certainly not a JWS"),
		"missing signature": []byte(`{"protected":"e30","payload":""}`),
		"bad base64 header": []byte(`{"protected":"!!!","payload":"","signature":"c2ln"}`),
	} {
		_, err := verifier.Verify(context.Background(), newAccountURL, body, true)
		assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed}, name)
	}
}

func TestVerifyRejectsURLMismatch(t *testing.T) {
	verifier, _, nonces := newTestVerifier(t)
	signingKey, _ := testutils.NewAccountKey(t)

	body := testutils.SignJWS(t, signingKey, testutils.TestExternalURL+"/acme/other", freshNonce(t, nonces), "", []byte(`{}`))

	_, err := verifier.Verify(context.Background(), newAccountURL, body, true)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindUnauthorized})
}

func TestVerifyRequiresExactlyOneOfJWKAndKid(t *testing.T) {
	verifier, _, _ := newTestVerifier(t)

	neither := rawEnvelope(t, map[string]interface{}{
		"alg": "ES256", "nonce": "n", "url": newAccountURL,
	})
	_, err := verifier.Verify(context.Background(), newAccountURL, neither, true)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed})

	both := rawEnvelope(t, map[string]interface{}{
		"alg": "ES256", "nonce": "n", "url": newAccountURL,
		"kid": "https://example.com/acme/account/x",
		"jwk": map[string]string{"kty": "EC"},
	})
	_, err = verifier.Verify(context.Background(), newAccountURL, both, true)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed})
}

func TestVerifyEnforcesKeyModePerEndpoint(t *testing.T) {
	verifier, store, nonces := newTestVerifier(t)
	signingKey, pub := testutils.NewAccountKey(t)
	_, kid := storeAccount(t, store, pub, model.StatusValid)

	// new-account must carry an embedded JWK, not a kid.
	body := testutils.SignJWS(t, signingKey, newAccountURL, freshNonce(t, nonces), kid, []byte(`{}`))
	_, err := verifier.Verify(context.Background(), newAccountURL, body, true)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed})

	// Existing resources must use a kid, not an embedded JWK.
	url := testutils.TestExternalURL + "/acme/new-order"
	body = testutils.SignJWS(t, signingKey, url, freshNonce(t, nonces), "", []byte(`{}`))
	_, err = verifier.Verify(context.Background(), url, body, false)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed})
}

func TestVerifyRejectsUnsupportedAlgorithm(t *testing.T) {
	verifier, _, _ := newTestVerifier(t)

	for _, alg := range []string{"none", "HS256", ""} {
		body := rawEnvelope(t, map[string]interface{}{
			"alg": alg, "nonce": "n", "url": newAccountURL,
			"kid": "https://example.com/acme/account/x",
		})
		_, err := verifier.Verify(context.Background(), newAccountURL, body, false)
		assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindBadSignatureAlgorithm}, alg)
	}
}

func TestVerifyRejectsBadNonces(t *testing.T) {
	verifier, _, nonces := newTestVerifier(t)
	signingKey, _ := testutils.NewAccountKey(t)
	ctx := context.Background()

	// Missing nonce.
	body := rawEnvelope(t, map[string]interface{}{
		"alg": "ES256", "url": newAccountURL,
		"kid": "https://example.com/acme/account/x",
	})
	_, err := verifier.Verify(ctx, newAccountURL, body, false)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindBadNonce})

	// Never-issued nonce.
	body = testutils.SignJWS(t, signingKey, newAccountURL, "made-up-nonce", "", []byte(`{}`))
	_, err = verifier.Verify(ctx, newAccountURL, body, true)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindBadNonce})

	// Replayed nonce: the first presentation consumes it.
	body = testutils.SignJWS(t, signingKey, newAccountURL, freshNonce(t, nonces), "", []byte(`{}`))
	_, err = verifier.Verify(ctx, newAccountURL, body, true)
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, newAccountURL, body, true)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindBadNonce})
}

func TestVerifyRejectsSignatureFromWrongKey(t *testing.T) {
	verifier, store, nonces := newTestVerifier(t)
	attackerKey, _ := testutils.NewAccountKey(t)
	_, victimPub := testutils.NewAccountKey(t)
	_, kid := storeAccount(t, store, victimPub, model.StatusValid)

	url := testutils.TestExternalURL + "/acme/new-order"
	body := testutils.SignJWS(t, attackerKey, url, freshNonce(t, nonces), kid, []byte(`{}`))

	_, err := verifier.Verify(context.Background(), url, body, false)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindUnauthorized})
}

func TestVerifyKidResolutionFailures(t *testing.T) {
	verifier, store, nonces := newTestVerifier(t)
	signingKey, pub := testutils.NewAccountKey(t)
	url := testutils.TestExternalURL + "/acme/new-order"
	ctx := context.Background()

	// kid referencing an account that does not exist.
	missingKid := testutils.TestExternalURL + "/acme/account/" + model.NewID()
	body := testutils.SignJWS(t, signingKey, url, freshNonce(t, nonces), missingKid, []byte(`{}`))
	_, err := verifier.Verify(ctx, url, body, false)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindNotFound})

	// kid that is not an account URL at all.
	body = testutils.SignJWS(t, signingKey, url, freshNonce(t, nonces), testutils.TestExternalURL+"/acme/account/not-an-id", []byte(`{}`))
	_, err = verifier.Verify(ctx, url, body, false)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindMalformed})

	// Deactivated accounts no longer authenticate requests.
	_, kid := storeAccount(t, store, pub, model.StatusDeactivated)
	body = testutils.SignJWS(t, signingKey, url, freshNonce(t, nonces), kid, []byte(`{}`))
	_, err = verifier.Verify(ctx, url, body, false)
	assert.ErrorIs(t, err, &acme.Error{Kind: acme.KindAccountInvalid})
}

func TestVerifyFailureDoesNotConsumeOtherNonces(t *testing.T) {
	verifier, _, nonces := newTestVerifier(t)
	signingKey, _ := testutils.NewAccountKey(t)
	ctx := context.Background()

	nonce := freshNonce(t, nonces)

	// A request that fails before the nonce check leaves the nonce intact.
	badURL := testutils.SignJWS(t, signingKey, testutils.TestExternalURL+"/acme/other", nonce, "", []byte(`{}`))
	_, err := verifier.Verify(ctx, newAccountURL, badURL, true)
	require.ErrorIs(t, err, &acme.Error{Kind: acme.KindUnauthorized})

	body := testutils.SignJWS(t, signingKey, newAccountURL, nonce, "", []byte(`{}`))
	_, err = verifier.Verify(ctx, newAccountURL, body, true)
	assert.NoError(t, err)
}

func TestThumbprintIsStablePerKey(t *testing.T) {
	_, pub1 := testutils.NewAccountKey(t)
	_, pub2 := testutils.NewAccountKey(t)

	a, err := acme.Thumbprint(pub1)
	require.NoError(t, err)
	b, err := acme.Thumbprint(pub1)
	require.NoError(t, err)
	c, err := acme.Thumbprint(pub2)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
