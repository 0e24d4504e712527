package va

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/asn1"
	"fmt"
	"net"

	"github.com/blockadesystems/certsmith/internal/model"
)

// acme-tls/1 ALPN protocol name and the id-pe-acmeIdentifier extension OID
// (RFC 8737).
const acmeTLSProtocol = "acme-tls/1"

var oidACMEIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// tlsalpn01Validator performs an acme-tls/1 handshake against the identifier
// and checks the self-signed certificate's acmeIdentifier extension for the
// SHA-256 digest of the key authorization.
type tlsalpn01Validator struct {
	port int
}

func (v *tlsalpn01Validator) Validate(ctx context.Context, chal *model.Challenge, authz *model.Authorization, acct *model.Account) (bool, *model.ProblemDetails) {
	keyAuthz, err := keyAuthorization(chal.Token, acct)
	if err != nil {
		return false, problem(urnIncorrectResponse, "key authorization could not be computed: %v", err)
	}
	expected := sha256.Sum256([]byte(keyAuthz))

	dialer := &tls.Dialer{Config: &tls.Config{
		NextProtos: []string{acmeTLSProtocol},
		ServerName: authz.Identifier.Value,
		// The validation certificate is self-signed per RFC 8737; trust is
		// established by the extension contents, not the chain.
		InsecureSkipVerify: true,
	}}

	addr := net.JoinHostPort(authz.Identifier.Value, fmt.Sprintf("%d", v.port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, problem(urnTLS, "acme-tls/1 handshake with %s failed: %v", addr, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if state.NegotiatedProtocol != acmeTLSProtocol {
		return false, problem(urnTLS, "server did not negotiate %s", acmeTLSProtocol)
	}
	if len(state.PeerCertificates) == 0 {
		return false, problem(urnTLS, "server presented no certificate")
	}

	cert := state.PeerCertificates[0]
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidACMEIdentifier) {
			continue
		}
		var digest []byte
		if _, err := asn1.Unmarshal(ext.Value, &digest); err != nil {
			return false, problem(urnTLS, "acmeIdentifier extension is malformed: %v", err)
		}
		if bytes.Equal(digest, expected[:]) {
			return true, nil
		}
		return false, problem(urnIncorrectResponse, "acmeIdentifier digest did not match the expected key authorization")
	}
	return false, problem(urnTLS, "validation certificate is missing the acmeIdentifier extension")
}
