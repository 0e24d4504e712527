package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/config"
)

const (
	httpsKeySize      = 2048
	httpsCertLifetime = 365 * 24 * time.Hour
)

// EnsureHTTPSCertificates returns the paths of the TLS keypair for the ACME
// listener, generating a self-signed pair when none exists. The self-signed
// path is for local development; production deployments supply their own.
func EnsureHTTPSCertificates(cfg *config.Config) (string, string, error) {
	certFile := cfg.HTTPSCertFile
	keyFile := cfg.HTTPSKeyFile

	dataDir := filepath.Dir(certFile)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if err = os.MkdirAll(dataDir, 0750); err != nil {
			return "", "", fmt.Errorf("ca: create data directory %s: %w", dataDir, err)
		}
	}

	if _, err := os.Stat(certFile); err == nil {
		if _, err := os.Stat(keyFile); err == nil {
			logger.Info("using existing HTTPS keypair", zap.String("cert", certFile), zap.String("key", keyFile))
			return certFile, keyFile, nil
		}
		logger.Warn("HTTPS certificate exists but its key is missing, regenerating", zap.String("cert", certFile))
	} else if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("ca: stat HTTPS certificate %s: %w", certFile, err)
	}

	logger.Info("generating self-signed HTTPS keypair", zap.String("cert", certFile), zap.String("key", keyFile))

	key, err := rsa.GenerateKey(rand.Reader, httpsKeySize)
	if err != nil {
		return "", "", fmt.Errorf("ca: generate HTTPS private key: %w", err)
	}
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return "", "", err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			CommonName:   "localhost",
		},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		NotBefore:   time.Now().Add(-1 * time.Minute),
		NotAfter:    time.Now().Add(httpsCertLifetime),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("ca: create self-signed HTTPS certificate: %w", err)
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return "", "", fmt.Errorf("ca: open %s: %w", certFile, err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		certOut.Close()
		return "", "", fmt.Errorf("ca: write %s: %w", certFile, err)
	}
	if err := certOut.Close(); err != nil {
		return "", "", fmt.Errorf("ca: close %s: %w", certFile, err)
	}

	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", "", fmt.Errorf("ca: open %s: %w", keyFile, err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		keyOut.Close()
		return "", "", fmt.Errorf("ca: write %s: %w", keyFile, err)
	}
	if err := keyOut.Close(); err != nil {
		return "", "", fmt.Errorf("ca: close %s: %w", keyFile, err)
	}

	return certFile, keyFile, nil
}
