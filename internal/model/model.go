package model

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resource status values shared across ACME resource types (RFC 8555 section 7.1.6).
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusExpired     = "expired"
	StatusDeactivated = "deactivated"
	StatusRevoked     = "revoked"
)

// Challenge types understood by the server.
const (
	ChallengeHTTP01         = "http-01"
	ChallengeDNS01          = "dns-01"
	ChallengeTLSALPN01      = "tls-alpn-01"
	ChallengeDeviceAttest01 = "device-attest-01"
)

// Identifier types.
const (
	IdentifierDNS = "dns"
)

// NewID mints a fresh, never-reused resource identifier.
func NewID() string {
	return uuid.NewString()
}

// ParseID validates an externally supplied resource identifier. It returns the
// canonical form or an error when the value does not satisfy the identifier
// format.
func ParseID(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("model: malformed resource identifier %q: %w", s, err)
	}
	return u.String(), nil
}

// NewToken mints a random challenge token (base64url, no padding).
func NewToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process cannot mint any secret material.
		panic(fmt.Sprintf("model: failed to read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Account represents an ACME account on the server.
type Account struct {
	ID             string    `json:"id"`
	Key            string    `json:"-"` // Public key in JWK format (JSON string)
	KeyThumbprint  string    `json:"-"` // RFC 7638 SHA-256 thumbprint, base64url
	Status         string    `json:"status"`
	Contact        []string  `json:"contact,omitempty"`
	TermsAgreedAt  time.Time `json:"-"`
	ExternalBound  bool      `json:"-"` // External account binding was presented
	CreatedAt      time.Time `json:"-"`
	LastModifiedAt time.Time `json:"-"`
	Version        int64     `json:"-"` // Optimistic-concurrency stamp, set on save
}

// Identifier represents a domain or other identifier in an order.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Equal reports whether two identifiers name the same thing.
func (i Identifier) Equal(other Identifier) bool {
	return i.Type == other.Type && i.Value == other.Value
}

// Order represents a certificate order. It owns its authorizations (and,
// through them, their challenges); the whole aggregate is persisted together
// under a single version stamp.
type Order struct {
	ID                string           `json:"id"`
	AccountID         string           `json:"accountId"`
	Profile           string           `json:"profile"`
	Status            string           `json:"status"`
	Expires           time.Time        `json:"expires"`
	Identifiers       []Identifier     `json:"identifiers"`
	NotBefore         *time.Time       `json:"notBefore,omitempty"`
	NotAfter          *time.Time       `json:"notAfter,omitempty"`
	Authorizations    []*Authorization `json:"authorizations"`
	CSR               []byte           `json:"csr,omitempty"` // DER, set at finalize
	CertificateSerial string           `json:"certificateSerial,omitempty"`
	CertificateChain  []byte           `json:"certificateChain,omitempty"` // PEM, set at issuance
	Error             *ProblemDetails  `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	Version           int64            `json:"-"`
}

// Authorization represents the proof obligation for one identifier within an
// order. It is owned by its order and never persisted independently.
type Authorization struct {
	ID         string       `json:"id"`
	Identifier Identifier   `json:"identifier"`
	Status     string       `json:"status"`
	Expires    time.Time    `json:"expires"`
	Wildcard   bool         `json:"wildcard,omitempty"`
	Challenges []*Challenge `json:"challenges"`
}

// Challenge represents one concrete method of proving control of an identifier.
type Challenge struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Token       string          `json:"token"`
	ValidatedAt *time.Time      `json:"validated,omitempty"`
	Error       *ProblemDetails `json:"error,omitempty"`
}

// Nonce is a single-use replay-prevention token (storage model).
type Nonce struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CertificateData records an issued certificate (storage model).
type CertificateData struct {
	SerialNumber     string
	CertificatePEM   string
	ChainPEM         string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	AccountID        string
	OrderID          string
	Revoked          bool
	RevokedAt        time.Time
	RevocationReason int
}

// ProblemDetails represents an ACME error object (RFC 7807 / RFC 8555 Section 6.7).
type ProblemDetails struct {
	Type        string          `json:"type"`
	Detail      string          `json:"detail"`
	Status      int             `json:"status,omitempty"`
	Instance    string          `json:"instance,omitempty"`
	Subproblems json.RawMessage `json:"subproblems,omitempty"`
}

// Error implements the error interface so problems can travel as errors.
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("%s: %s", p.Type, p.Detail)
}

// NewChallenge mints a pending challenge of the given type with a fresh token.
func NewChallenge(challengeType string) *Challenge {
	return &Challenge{
		ID:     NewID(),
		Type:   challengeType,
		Status: StatusPending,
		Token:  NewToken(),
	}
}

// NewAuthorization mints a pending authorization for the identifier with one
// pending challenge per supplied type. Wildcard identifiers are normalized to
// their base domain and restricted to dns-01 (RFC 8555 section 7.1.3).
func NewAuthorization(ident Identifier, expires time.Time, challengeTypes []string) *Authorization {
	authz := &Authorization{
		ID:         NewID(),
		Identifier: ident,
		Status:     StatusPending,
		Expires:    expires,
	}
	if ident.Type == IdentifierDNS && strings.HasPrefix(ident.Value, "*.") {
		authz.Identifier.Value = strings.TrimPrefix(ident.Value, "*.")
		authz.Wildcard = true
		challengeTypes = []string{ChallengeDNS01}
	}
	for _, t := range challengeTypes {
		authz.Challenges = append(authz.Challenges, NewChallenge(t))
	}
	return authz
}

// ProcessingChallenge returns the single selected challenge, or nil when no
// challenge has been accepted yet.
func (a *Authorization) ProcessingChallenge() *Challenge {
	for _, ch := range a.Challenges {
		if ch.Status == StatusProcessing {
			return ch
		}
	}
	return nil
}

// FindChallenge returns the challenge with the given ID, or nil.
func (a *Authorization) FindChallenge(id string) *Challenge {
	for _, ch := range a.Challenges {
		if ch.ID == id {
			return ch
		}
	}
	return nil
}

// Resolve records the outcome of the authorization's selected challenge. The
// unselected challenges are cleared; only the decided one is retained.
func (a *Authorization) Resolve(ch *Challenge, valid bool, at time.Time, problem *ProblemDetails) {
	validated := at
	ch.ValidatedAt = &validated
	if valid {
		ch.Status = StatusValid
		a.Status = StatusValid
	} else {
		ch.Status = StatusInvalid
		ch.Error = problem
		a.Status = StatusInvalid
	}
	a.Challenges = []*Challenge{ch}
}

// Expire marks the authorization expired and clears all of its challenges.
func (a *Authorization) Expire() {
	a.Challenges = nil
	a.Status = StatusExpired
}

// DeriveOrderStatus computes the order status implied by a set of
// authorizations: any non-recoverable authorization (invalid, expired,
// deactivated, revoked) makes the order invalid; any authorization still short
// of valid keeps it pending; otherwise the order is ready.
func DeriveOrderStatus(authzs []*Authorization) string {
	status := StatusReady
	for _, authz := range authzs {
		switch authz.Status {
		case StatusInvalid, StatusExpired, StatusDeactivated, StatusRevoked:
			return StatusInvalid
		case StatusValid:
		default:
			status = StatusPending
		}
	}
	return status
}

// RefreshStatus recomputes the order status from its authorizations. Orders
// that have already entered the issuance phase (processing) or reached a
// terminal state keep their pipeline-assigned status.
func (o *Order) RefreshStatus() {
	switch o.Status {
	case StatusProcessing, StatusValid, StatusInvalid:
		return
	}
	o.Status = DeriveOrderStatus(o.Authorizations)
}

// FindAuthorization returns the authorization with the given ID, or nil.
func (o *Order) FindAuthorization(id string) *Authorization {
	for _, authz := range o.Authorizations {
		if authz.ID == id {
			return authz
		}
	}
	return nil
}

// AuthorizationForChallenge returns the authorization owning the challenge
// with the given ID, or nil.
func (o *Order) AuthorizationForChallenge(challengeID string) *Authorization {
	for _, authz := range o.Authorizations {
		if authz.FindChallenge(challengeID) != nil {
			return authz
		}
	}
	return nil
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	dup := *a
	dup.Contact = append([]string(nil), a.Contact...)
	return &dup
}

// Clone returns a deep copy of the challenge.
func (c *Challenge) Clone() *Challenge {
	dup := *c
	if c.ValidatedAt != nil {
		t := *c.ValidatedAt
		dup.ValidatedAt = &t
	}
	if c.Error != nil {
		e := *c.Error
		dup.Error = &e
	}
	return &dup
}

// Clone returns a deep copy of the authorization.
func (a *Authorization) Clone() *Authorization {
	dup := *a
	dup.Challenges = make([]*Challenge, len(a.Challenges))
	for i, ch := range a.Challenges {
		dup.Challenges[i] = ch.Clone()
	}
	return &dup
}

// Clone returns a deep copy of the order aggregate.
func (o *Order) Clone() *Order {
	dup := *o
	dup.Identifiers = append([]Identifier(nil), o.Identifiers...)
	dup.Authorizations = make([]*Authorization, len(o.Authorizations))
	for i, authz := range o.Authorizations {
		dup.Authorizations[i] = authz.Clone()
	}
	dup.CSR = append([]byte(nil), o.CSR...)
	dup.CertificateChain = append([]byte(nil), o.CertificateChain...)
	if o.NotBefore != nil {
		t := *o.NotBefore
		dup.NotBefore = &t
	}
	if o.NotAfter != nil {
		t := *o.NotAfter
		dup.NotAfter = &t
	}
	if o.Error != nil {
		e := *o.Error
		dup.Error = &e
	}
	return &dup
}
