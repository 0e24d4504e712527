package acme

import (
	"context"
	"crypto"
	_ "crypto/sha256" // registers SHA-256 for JWK thumbprints
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
)

// supportedAlgorithms is the set of JWS signature algorithms the server
// accepts (RFC 8555 section 6.2).
var supportedAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.ES384, jose.ES512}

// AuthContext is the result of successful request authentication: the payload
// plus either a bound account or, for key-discovery requests, just the key.
type AuthContext struct {
	Account *model.Account   // nil for new-account requests signed with an embedded JWK
	Key     *jose.JSONWebKey // the key the signature verified against
	Payload []byte
}

// Owns reports whether the authenticated caller owns the given account.
func (a *AuthContext) Owns(accountID string) bool {
	return a.Account != nil && a.Account.ID == accountID
}

// Verifier authenticates ACME requests: it checks JWS header well-formedness,
// consumes the replay nonce, resolves the signing key, and verifies the
// signature. It runs to completion before any handler mutates state, so a
// failed authentication never leaves partial state behind.
type Verifier struct {
	accounts storage.AccountStore
	nonces   *NonceService
}

// NewVerifier creates a request verifier bound to the account and nonce stores.
func NewVerifier(accounts storage.AccountStore, nonces *NonceService) *Verifier {
	return &Verifier{accounts: accounts, nonces: nonces}
}

// jwsEnvelope is the flattened JWS JSON serialization ACME requires.
type jwsEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// protectedHeader is the subset of the JWS protected header the gate inspects.
type protectedHeader struct {
	Alg   string          `json:"alg"`
	Nonce string          `json:"nonce"`
	URL   string          `json:"url"`
	Kid   string          `json:"kid"`
	JWK   json.RawMessage `json:"jwk"`
}

// Verify authenticates one request body against the literal request URL.
// newAccount selects the key-discovery mode (embedded JWK) versus the bound
// mode (kid referring to an existing account).
func (v *Verifier) Verify(ctx context.Context, requestURL string, body []byte, newAccount bool) (*AuthContext, error) {
	var envelope jwsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, MalformedError("request body is not a flattened JWS object")
	}
	if envelope.Protected == "" || envelope.Signature == "" {
		return nil, MalformedError("JWS object is missing protected header or signature")
	}

	rawProtected, err := base64.RawURLEncoding.DecodeString(envelope.Protected)
	if err != nil {
		return nil, MalformedError("JWS protected header is not valid base64url")
	}
	var header protectedHeader
	if err := json.Unmarshal(rawProtected, &header); err != nil {
		return nil, MalformedError("JWS protected header is not valid JSON")
	}

	// 1. Header well-formedness.
	if header.URL != requestURL {
		return nil, UnauthorizedError("JWS header url %q does not match request url %q", header.URL, requestURL)
	}
	if (header.Kid == "") == (len(header.JWK) == 0) {
		return nil, MalformedError("JWS header must contain exactly one of jwk or kid")
	}
	if newAccount && header.Kid != "" {
		return nil, MalformedError("new-account requests must be signed with an embedded JWK")
	}
	if !newAccount && len(header.JWK) != 0 {
		return nil, MalformedError("requests against existing resources must be signed with a kid")
	}
	if !algorithmSupported(header.Alg) {
		return nil, BadSignatureAlgorithmError(header.Alg)
	}

	// 2. Replay nonce: consume exactly once.
	if header.Nonce == "" {
		return nil, BadNonceError("JWS header is missing a nonce")
	}
	consumed, err := v.nonces.Consume(ctx, header.Nonce)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, BadNonceError("nonce is unknown or has already been used")
	}

	// 3. Resolve the effective public key and verify the signature.
	var account *model.Account
	key := &jose.JSONWebKey{}
	if len(header.JWK) != 0 {
		if err := key.UnmarshalJSON(header.JWK); err != nil || !key.Valid() || !key.IsPublic() {
			return nil, MalformedError("JWS header contains an invalid JWK")
		}
	} else {
		account, err = v.loadAccountByKid(ctx, header.Kid)
		if err != nil {
			return nil, err
		}
		if err := key.UnmarshalJSON([]byte(account.Key)); err != nil {
			// A stored account key that cannot be parsed is corrupt data.
			logger.Error("stored account key is unparseable", zap.String("account_id", account.ID), zap.Error(err))
			return nil, UnauthorizedError("account key could not be resolved")
		}
	}
	if key.Algorithm != "" && key.Algorithm != header.Alg {
		return nil, MalformedError("JWS algorithm %q does not match the key's declared algorithm %q", header.Alg, key.Algorithm)
	}

	parsed, err := jose.ParseSigned(string(body), supportedAlgorithms)
	if err != nil {
		return nil, MalformedError("JWS object could not be parsed: %v", err)
	}
	payload, err := parsed.Verify(key)
	if err != nil {
		return nil, UnauthorizedError("JWS signature verification failed")
	}

	return &AuthContext{Account: account, Key: key, Payload: payload}, nil
}

// loadAccountByKid resolves a kid header (an account URL) to a valid account.
func (v *Verifier) loadAccountByKid(ctx context.Context, kid string) (*model.Account, error) {
	segment := kid
	if i := strings.LastIndex(kid, "/"); i >= 0 {
		segment = kid[i+1:]
	}
	id, err := model.ParseID(segment)
	if err != nil {
		return nil, MalformedError("JWS kid %q does not reference an account", kid)
	}

	account, err := v.accounts.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NotFoundError("account %s does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	if account.Status != model.StatusValid {
		return nil, AccountInvalidError(id)
	}
	return account, nil
}

func algorithmSupported(alg string) bool {
	for _, a := range supportedAlgorithms {
		if string(a) == alg {
			return true
		}
	}
	return false
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of a key, base64url
// encoded. It is the stable lookup handle for accounts by public key.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
