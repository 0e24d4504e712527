// Package testutils assembles a fully wired server on in-memory storage for
// package tests, plus helpers for crafting signed ACME requests.
package testutils

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certsmith/internal/acme"
	"github.com/blockadesystems/certsmith/internal/ca"
	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/pipeline"
	"github.com/blockadesystems/certsmith/internal/server"
	"github.com/blockadesystems/certsmith/internal/storage"
)

// TestExternalURL is the external URL the test server believes it is reachable
// at. JWS url headers must be built against it, not the httptest listener.
const TestExternalURL = "https://test-ca.example.com"

// Env is a fully wired server over in-memory storage. Pipeline workers are not
// started; tests drive them deterministically through ProcessOne.
type Env struct {
	Cfg             *config.Config
	Store           storage.Storage
	CA              *ca.Service
	Service         *acme.Service
	Verifier        *acme.Verifier
	Nonces          *acme.NonceService
	ValidationQueue *pipeline.Queue
	IssuanceQueue   *pipeline.Queue
	HTTPS           *echo.Echo
}

// SetupTestServer builds an Env with the default profiles, memory storage, and
// "example.com" plus all its subdomains allowed by policy.
func SetupTestServer(t *testing.T) *Env {
	t.Helper()

	t.Setenv("CERTSMITH_EXTERNAL_URL", TestExternalURL)
	t.Setenv("CERTSMITH_STORAGE_TYPE", "memory")
	t.Setenv("CERTSMITH_DATA_DIR", t.TempDir())

	cfg, err := config.LoadConfig()
	require.NoError(t, err, "failed to load test config")

	store, err := storage.NewStorage(cfg.StorageType, cfg.DBHost, cfg.DBUser, cfg.DBPassword,
		cfg.DBName, cfg.DBPort, cfg.DBSSLMode, cfg.DBCert, cfg.DBKey, cfg.DBRootCert)
	require.NoError(t, err, "failed to initialize test storage")

	ctx := context.Background()
	require.NoError(t, store.AddAllowedDomain(ctx, "example.com"))
	require.NoError(t, store.AddAllowedSuffix(ctx, "example.com"))
	for key, def := range cfg.APIKeys {
		require.NoError(t, store.SaveAPIKey(ctx, key, def.Roles))
	}

	caService, err := ca.New(cfg, store)
	require.NoError(t, err, "failed to initialize test CA")

	nonces := acme.NewNonceService(store, cfg.NonceLifetime)
	verifier := acme.NewVerifier(store, nonces)
	validationQueue := pipeline.NewQueue()
	issuanceQueue := pipeline.NewQueue()
	csrValidator := ca.NewCSRValidator(cfg.CertificatePolicies, store)
	svc := acme.NewService(cfg, store, nonces, csrValidator, caService, validationQueue, issuanceQueue)

	httpInstance := echo.New()
	httpsInstance := echo.New()
	testLogger := zaptest.NewLogger(t)
	server.ApplyCommonMiddleware(httpInstance, testLogger)
	server.ApplyCommonMiddleware(httpsInstance, testLogger)
	handler := server.NewHandler(svc, verifier, store, cfg)
	server.SetupRouter(httpInstance, httpsInstance, handler, store)

	return &Env{
		Cfg:             cfg,
		Store:           store,
		CA:              caService,
		Service:         svc,
		Verifier:        verifier,
		Nonces:          nonces,
		ValidationQueue: validationQueue,
		IssuanceQueue:   issuanceQueue,
		HTTPS:           httpsInstance,
	}
}

// NewAccountKey generates an ECDSA P-256 keypair in JOSE form.
func NewAccountKey(t *testing.T) (jose.SigningKey, *jose.JSONWebKey) {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signingKey := jose.SigningKey{Algorithm: jose.ES256, Key: privateKey}
	pubJWK := &jose.JSONWebKey{Key: &privateKey.PublicKey, Algorithm: string(jose.ES256)}
	return signingKey, pubJWK
}

// SignJWS builds a flattened JWS JSON body the way an ACME client would:
// protected header carrying alg, nonce, url, and either an embedded JWK or a
// kid. An empty kid selects the embedded-JWK mode.
func SignJWS(t *testing.T, signingKey jose.SigningKey, url, nonce, kid string, payload []byte) []byte {
	t.Helper()

	opts := jose.SignerOptions{}
	opts.WithHeader("nonce", nonce)
	opts.WithHeader("url", url)
	if kid == "" {
		opts.EmbedJWK = true
	} else {
		opts.WithHeader("kid", kid)
	}

	signer, err := jose.NewSigner(signingKey, &opts)
	require.NoError(t, err, "failed to create JWS signer")
	if payload == nil {
		// A nil payload would serialize as a detached JWS with no payload
		// field; POST-as-GET carries an empty-string payload instead.
		payload = []byte{}
	}
	jwsObject, err := signer.Sign(payload)
	require.NoError(t, err, "failed to sign JWS payload")

	// FullSerialize emits the flattened JSON serialization with the exact
	// protected bytes the signature covers.
	return []byte(jwsObject.FullSerialize())
}
