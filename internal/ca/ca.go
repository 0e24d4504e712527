// Package ca implements the certificate authority backend: it holds the CA
// keypair, signs CSRs for finalized orders, maintains the CRL, and validates
// CSRs against issuance policy.
package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
)

const (
	caKeySize         = 4096
	defaultSerialBits = 128
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "ca"))
}

// ErrCANotInitialized indicates the CA keypair could not be loaded or generated.
var ErrCANotInitialized = errors.New("ca: CA certificate or private key is not initialized")

// Service is the signing backend. It loads the CA keypair from storage on
// construction, generating and persisting a fresh one when none exists.
type Service struct {
	cfg    *config.Config
	store  storage.Storage
	caCert *x509.Certificate
	caKey  crypto.Signer
	crlMu  sync.Mutex
}

// New creates the CA service, loading or generating the CA keypair.
func New(cfg *config.Config, store storage.Storage) (*Service, error) {
	s := &Service{cfg: cfg, store: store}
	ctx := context.Background()

	pemKey, err := store.GetCAPrivateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: load CA private key: %w", err)
	}
	pemCert, err := store.GetCACertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: load CA certificate: %w", err)
	}

	if pemKey == nil || pemCert == nil {
		logger.Info("CA key or certificate not found in storage, generating")
		key, cert, err := generateCAKeyAndCert(cfg)
		if err != nil {
			return nil, fmt.Errorf("ca: generate CA keypair: %w", err)
		}
		s.caKey, s.caCert = key, cert

		pemKey, err = encodePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("ca: encode CA private key: %w", err)
		}
		if err := store.SaveCAPrivateKey(ctx, pemKey); err != nil {
			return nil, fmt.Errorf("ca: save CA private key: %w", err)
		}
		if err := store.SaveCACertificate(ctx, EncodeCertificate(cert)); err != nil {
			return nil, fmt.Errorf("ca: save CA certificate: %w", err)
		}
		logger.Info("new CA keypair generated", zap.String("subject", cert.Subject.CommonName))
	} else {
		s.caKey, err = parsePrivateKey(pemKey)
		if err != nil {
			return nil, fmt.Errorf("ca: parse stored CA private key: %w", err)
		}
		s.caCert, err = parseCertificate(pemCert)
		if err != nil {
			return nil, fmt.Errorf("ca: parse stored CA certificate: %w", err)
		}
		logger.Info("CA keypair loaded from storage", zap.String("subject", s.caCert.Subject.CommonName))
	}

	if _, err := s.GenerateCRL(ctx); err != nil {
		logger.Warn("failed to generate initial CRL", zap.Error(err))
	}
	return s, nil
}

// CACertificatePEM returns the CA certificate in PEM form.
func (s *Service) CACertificatePEM() []byte {
	return EncodeCertificate(s.caCert)
}

// Issue signs the CSR captured at finalize time and records the result. It
// returns the full chain (leaf followed by the CA certificate) in PEM form and
// the leaf's serial. A non-nil problem marks the order invalid; problems are
// data, not worker failures.
func (s *Service) Issue(ctx context.Context, order *model.Order) ([]byte, string, *model.ProblemDetails) {
	csr, err := x509.ParseCertificateRequest(order.CSR)
	if err != nil {
		return nil, "", issuanceProblem("the stored CSR could not be parsed: %v", err)
	}

	profile, ok := s.cfg.Profile(order.Profile)
	if !ok {
		return nil, "", issuanceProblem("order references unknown profile %q", order.Profile)
	}
	validity := time.Duration(profile.CertValidityDays) * 24 * time.Hour
	if validity <= 0 {
		validity = time.Duration(s.cfg.CertificatePolicies.DefaultValidityDays) * 24 * time.Hour
	}

	notBefore := time.Now().Add(-2 * time.Minute)
	if order.NotBefore != nil {
		notBefore = *order.NotBefore
	}
	notAfter := notBefore.Add(validity)
	if order.NotAfter != nil && order.NotAfter.Before(notAfter) {
		notAfter = *order.NotAfter
	}
	if notAfter.After(s.caCert.NotAfter) {
		notAfter = s.caCert.NotAfter
	}

	cert, err := s.signCSR(csr, notBefore, notAfter)
	if err != nil {
		logger.Error("failed to sign certificate",
			zap.String("order_id", order.ID),
			zap.Strings("dns_names", csr.DNSNames),
			zap.Error(err))
		return nil, "", issuanceProblem("certificate signing failed: %v", err)
	}
	serial := cert.SerialNumber.Text(16)

	leafPEM := EncodeCertificate(cert)
	chainPEM := append(append([]byte(nil), leafPEM...), EncodeCertificate(s.caCert)...)

	certData := &model.CertificateData{
		SerialNumber:   serial,
		CertificatePEM: string(leafPEM),
		ChainPEM:       string(chainPEM),
		IssuedAt:       cert.NotBefore,
		ExpiresAt:      cert.NotAfter,
		AccountID:      order.AccountID,
		OrderID:        order.ID,
	}
	if err := s.store.SaveCertificateData(ctx, certData); err != nil {
		logger.Error("failed to record issued certificate",
			zap.String("order_id", order.ID),
			zap.String("serial", serial),
			zap.Error(err))
		return nil, "", issuanceProblem("certificate record could not be persisted")
	}

	logger.Info("certificate issued",
		zap.String("order_id", order.ID),
		zap.String("serial", serial),
		zap.Time("expiry", cert.NotAfter))
	return chainPEM, serial, nil
}

// signCSR builds the end-entity certificate for an already-validated CSR and
// signs it with the CA key.
func (s *Service) signCSR(csr *x509.CertificateRequest, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}
	ski, err := computeSubjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute subject key identifier: %w", err)
	}

	subject := pkix.Name{Organization: []string{s.cfg.Organization}}
	if len(csr.DNSNames) > 0 {
		subject.CommonName = csr.DNSNames[0]
	}

	var keyUsage x509.KeyUsage
	for _, ku := range s.cfg.CertificatePolicies.AllowedKeyUsages {
		keyUsage |= ku
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		DNSNames:     csr.DNSNames,

		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:    keyUsage,
		ExtKeyUsage: s.cfg.CertificatePolicies.AllowedExtKeyUsages,

		BasicConstraintsValid: true,
		IsCA:                  false,

		SubjectKeyId:   ski,
		AuthorityKeyId: s.caCert.SubjectKeyId,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// Revoke marks the certificate revoked in storage and publishes a fresh CRL.
func (s *Service) Revoke(ctx context.Context, cert *x509.Certificate, reasonCode int) error {
	serial := cert.SerialNumber.Text(16)
	if err := s.store.UpdateCertificateRevocation(ctx, serial, true, time.Now(), reasonCode); err != nil {
		return fmt.Errorf("ca: record revocation of %s: %w", serial, err)
	}
	if _, err := s.GenerateCRL(ctx); err != nil {
		// The revocation is recorded; the CRL catches up on the next generation.
		logger.Error("failed to regenerate CRL after revocation", zap.String("serial", serial), zap.Error(err))
	}
	logger.Info("certificate revoked", zap.String("serial", serial), zap.Int("reason", reasonCode))
	return nil
}

// GenerateCRL creates, signs, and persists a new CRL covering every revoked
// certificate in storage.
func (s *Service) GenerateCRL(ctx context.Context) ([]byte, error) {
	s.crlMu.Lock()
	defer s.crlMu.Unlock()

	revoked, err := s.store.ListRevokedCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: list revoked certificates: %w", err)
	}

	entries := make([]x509.RevocationListEntry, len(revoked))
	for i, certData := range revoked {
		serial := new(big.Int)
		serial.SetString(certData.SerialNumber, 16)
		entries[i] = x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: certData.RevokedAt,
			ReasonCode:     certData.RevocationReason,
		}
	}

	now := time.Now()
	template := x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    big.NewInt(now.UnixNano()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(time.Duration(s.cfg.CRLValidityHours) * time.Hour),
	}
	crlBytes, err := x509.CreateRevocationList(rand.Reader, &template, s.caCert, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("ca: create CRL: %w", err)
	}
	if err := s.store.SaveCRL(ctx, crlBytes); err != nil {
		return nil, fmt.Errorf("ca: save CRL: %w", err)
	}
	logger.Debug("CRL generated", zap.Int("revoked", len(entries)))
	return crlBytes, nil
}

func issuanceProblem(format string, args ...interface{}) *model.ProblemDetails {
	return &model.ProblemDetails{
		Type:   "urn:ietf:params:acme:error:serverInternal",
		Detail: fmt.Sprintf(format, args...),
		Status: http.StatusInternalServerError,
	}
}

// computeSubjectKeyID calculates the SKI per RFC 5280 section 4.2.1.2 method 1
// (SHA-1 over the SubjectPublicKey BIT STRING).
func computeSubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}

func generateSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	if serial.Sign() != 1 {
		return nil, errors.New("generated non-positive serial number")
	}
	return serial, nil
}

func generateCAKeyAndCert(cfg *config.Config) (crypto.Signer, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA private key: %w", err)
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}
	notBefore := time.Now().Add(-5 * time.Minute)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			Country:      []string{cfg.Country},
			Province:     []string{cfg.Province},
			Locality:     []string{cfg.Locality},
			CommonName:   cfg.CommonName,
		},
		NotBefore: notBefore,
		NotAfter:  notBefore.AddDate(cfg.CACertValidityYears, 0, 0),

		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create self-signed CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse generated CA certificate: %w", err)
	}
	return key, cert, nil
}

func encodePrivateKey(key crypto.Signer) ([]byte, error) {
	var block *pem.Block
	switch k := key.(type) {
	case *rsa.PrivateKey:
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("marshal ECDSA private key: %w", err)
		}
		block = &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	default:
		return nil, errors.New("unsupported private key type")
	}
	return pem.EncodeToMemory(block), nil
}

func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block containing a private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key PEM type: %s", block.Type)
	}
}

// EncodeCertificate encodes an x509 certificate into PEM form.
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block containing a certificate")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type: %s", block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}
