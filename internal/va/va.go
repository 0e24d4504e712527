// Package va validates ACME challenges: it probes the client-controlled
// endpoint for each challenge type and compares what it finds against the
// expected key authorization.
package va

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "va"))
}

// Problem type URNs recorded on failed challenges (RFC 8555 section 6.7).
const (
	urnIncorrectResponse = "urn:ietf:params:acme:error:incorrectResponse"
	urnConnection        = "urn:ietf:params:acme:error:connection"
	urnDNS               = "urn:ietf:params:acme:error:dns"
	urnTLS               = "urn:ietf:params:acme:error:tls"
	urnUnsupported       = "urn:ietf:params:acme:error:malformed"
)

// Validator evaluates one challenge for one account. A false result with a
// problem document is a definitive validation failure recorded on the
// challenge; it never aborts the pipeline.
type Validator interface {
	Validate(ctx context.Context, chal *model.Challenge, authz *model.Authorization, acct *model.Account) (bool, *model.ProblemDetails)
}

// Registry maps challenge types to their validators. It is built once at
// startup; dispatch is a map lookup, not runtime type inspection.
type Registry struct {
	validators map[string]Validator
}

// NewRegistry builds the validator table from configuration.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{validators: map[string]Validator{
		model.ChallengeHTTP01: &http01Validator{
			port:   cfg.HTTP01Port,
			client: &http.Client{Timeout: httpProbeTimeout},
		},
		model.ChallengeDNS01:     &dns01Validator{resolver: cfg.DNSResolver},
		model.ChallengeTLSALPN01: &tlsalpn01Validator{port: cfg.TLSALPN01Port},
	}}
}

// ForChallenge resolves the validator for a challenge type and identifier
// type. Unknown combinations are an error; the pipeline records them as a
// validation failure.
func (r *Registry) ForChallenge(challengeType, identifierType string) (Validator, error) {
	if identifierType != model.IdentifierDNS {
		return nil, fmt.Errorf("va: no validator for identifier type %q", identifierType)
	}
	v, ok := r.validators[challengeType]
	if !ok {
		return nil, fmt.Errorf("va: no validator for challenge type %q", challengeType)
	}
	return v, nil
}

// Register replaces the validator for a challenge type. Intended for tests
// and for deployments adding bespoke challenge types (e.g. device-attest-01).
func (r *Registry) Register(challengeType string, v Validator) {
	r.validators[challengeType] = v
}

// keyAuthorization computes token || '.' || base64url(JWK SHA-256 thumbprint)
// for the account's key (RFC 8555 section 8.1).
func keyAuthorization(token string, acct *model.Account) (string, error) {
	key := &jose.JSONWebKey{}
	if err := key.UnmarshalJSON([]byte(acct.Key)); err != nil {
		return "", fmt.Errorf("va: account %s has an unparseable key: %w", acct.ID, err)
	}
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("va: failed to compute key thumbprint: %w", err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// keyAuthorizationDigest is the base64url SHA-256 of the key authorization,
// used by dns-01 and tls-alpn-01.
func keyAuthorizationDigest(keyAuthz string) string {
	sum := sha256.Sum256([]byte(keyAuthz))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func problem(urn, format string, args ...interface{}) *model.ProblemDetails {
	return &model.ProblemDetails{
		Type:   urn,
		Detail: fmt.Sprintf(format, args...),
		Status: http.StatusForbidden,
	}
}
