package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
)

// CSRValidator binds finalize-time CSRs to their order: the SAN set must name
// exactly the order's identifiers, the public key must satisfy key policy, and
// every name must still be permitted by the issuance policy store.
type CSRValidator struct {
	policies config.CertificatePolicies
	store    storage.PolicyStore
}

// NewCSRValidator creates a validator over the given key policy and policy store.
func NewCSRValidator(policies config.CertificatePolicies, store storage.PolicyStore) *CSRValidator {
	return &CSRValidator{policies: policies, store: store}
}

// ValidateCSR checks one CSR against its order. A non-nil error rejects the
// finalize request without changing the order.
func (v *CSRValidator) ValidateCSR(ctx context.Context, order *model.Order, csr *x509.CertificateRequest) error {
	if len(csr.IPAddresses) > 0 || len(csr.URIs) > 0 || len(csr.EmailAddresses) > 0 {
		return errors.New("CSR must request DNS names only")
	}

	names := make(map[string]bool, len(csr.DNSNames))
	for _, name := range csr.DNSNames {
		names[strings.ToLower(strings.TrimSpace(name))] = true
	}
	// A CommonName, when present, must also appear in the SAN set.
	if cn := strings.ToLower(strings.TrimSpace(csr.Subject.CommonName)); cn != "" && !names[cn] {
		return fmt.Errorf("CSR common name %q is not among its DNS names", csr.Subject.CommonName)
	}
	if len(names) == 0 {
		return errors.New("CSR contains no DNS names")
	}

	wanted := make(map[string]bool, len(order.Identifiers))
	for _, ident := range order.Identifiers {
		wanted[strings.ToLower(ident.Value)] = true
	}
	for name := range names {
		if !wanted[name] {
			return fmt.Errorf("CSR names %q, which the order does not authorize", name)
		}
	}
	for name := range wanted {
		if !names[name] {
			return fmt.Errorf("CSR is missing the order identifier %q", name)
		}
	}

	if err := v.checkPublicKey(csr.PublicKey); err != nil {
		return err
	}

	for name := range names {
		domain := strings.TrimPrefix(name, "*.")
		allowed, err := v.store.IsDomainAllowed(ctx, domain)
		if err != nil {
			return fmt.Errorf("policy check failed for %s: %w", name, err)
		}
		if !allowed {
			return fmt.Errorf("issuance for %q is not permitted by policy", name)
		}
	}
	return nil
}

// checkPublicKey enforces the configured key policy on the CSR's public key.
func (v *CSRValidator) checkPublicKey(pub interface{}) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if !typeAllowed("RSA", v.policies.AllowedKeyTypes) {
			return errors.New("RSA keys are not allowed by policy")
		}
		if size := key.N.BitLen(); size < v.policies.MinRSASize {
			return fmt.Errorf("RSA key size %d is below the minimum of %d bits", size, v.policies.MinRSASize)
		}
	case *ecdsa.PublicKey:
		if !typeAllowed("ECDSA", v.policies.AllowedKeyTypes) {
			return errors.New("ECDSA keys are not allowed by policy")
		}
		curve := key.Curve.Params().Name
		if !typeAllowed(curve, v.policies.AllowedECDSACurves) {
			return fmt.Errorf("ECDSA curve %s is not allowed by policy", curve)
		}
	case ed25519.PublicKey:
		if !typeAllowed("Ed25519", v.policies.AllowedKeyTypes) {
			return errors.New("Ed25519 keys are not allowed by policy")
		}
	default:
		return errors.New("unsupported public key type in CSR")
	}
	return nil
}

func typeAllowed(name string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(name, a) {
			return true
		}
	}
	return false
}
