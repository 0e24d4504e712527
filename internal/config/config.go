package config

import (
	"crypto/x509"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full server configuration, loaded from environment
// variables with sensible defaults.
type Config struct {
	ExternalURL string // Public base URL clients use to reach this server
	DataDir     string // Directory for local artifacts (HTTPS bootstrap certs)

	// CA identity
	Organization        string
	Country             string
	Province            string
	Locality            string
	CommonName          string
	CACertValidityYears int
	CRLValidityHours    int

	// Storage
	StorageType string // "postgres" or "memory"
	DBHost      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBPort      int
	DBSSLMode   string
	DBCert      string
	DBKey       string
	DBRootCert  string

	// Listeners
	HTTPSAddress  string
	HTTPAddress   string
	HTTPSCertFile string
	HTTPSKeyFile  string

	// Protocol timing
	NonceLifetime           time.Duration
	OrderLifetime           time.Duration
	AuthorizationLifetime   time.Duration
	ValidationSweepInterval time.Duration
	IssuanceSweepInterval   time.Duration
	NonceSweepInterval      time.Duration

	// Challenge validation
	HTTP01Port    int    // Port probed by the http-01 validator
	TLSALPN01Port int    // Port probed by the tls-alpn-01 validator
	DNSResolver   string // host:port of the resolver for dns-01 TXT lookups; empty = system default

	CertificatePolicies CertificatePolicies
	Profiles            map[string]Profile
	APIKeys             map[string]APIKey
}

// Profile groups per-order issuance parameters. Orders name the profile they
// were created under; downstream policy and the issuer consult it.
type Profile struct {
	ChallengeTypes   []string
	CertValidityDays int
}

// APIKey defines a management-API key and its associated roles.
type APIKey struct {
	Roles []string
}

// CertificatePolicies defines certificate issuance policies.
type CertificatePolicies struct {
	DefaultValidityDays int
	AllowedKeyTypes     []string
	MinRSASize          int
	AllowedECDSACurves  []string
	AllowedKeyUsages    []x509.KeyUsage
	AllowedExtKeyUsages []x509.ExtKeyUsage
}

const (
	defaultExternalURL         = "https://localhost:8443"
	defaultDataDir             = "./data"
	defaultOrganization        = "Certsmith Authority"
	defaultCountry             = "US"
	defaultProvince            = "NC"
	defaultLocality            = "Raleigh"
	defaultCommonName          = "Certsmith Root CA"
	defaultCACertValidityYears = 10
	defaultCRLValidityHours    = 24
	defaultStorageType         = "postgres"
	defaultDBHost              = "localhost"
	defaultDBUser              = "certsmith"
	defaultDBPassword          = "password"
	defaultDBName              = "certsmith"
	defaultDBPort              = 5432
	defaultDBSSLMode           = "disable"
	defaultHTTPSAddress        = ":8443"
	defaultHTTPAddress         = ":8080"
	defaultHTTPSCertFile       = "./data/https.crt"
	defaultHTTPSKeyFile        = "./data/https.key"
	defaultNonceLifetimeMin    = 60
	defaultOrderLifetimeHours  = 24
	defaultAuthzLifetimeHours  = 24
	defaultValidationSweepSec  = 30
	defaultIssuanceSweepSec    = 30
	defaultNonceSweepSec       = 300
	defaultHTTP01Port          = 80
	defaultTLSALPN01Port       = 443
)

var defaultCertificatePolicies = CertificatePolicies{
	DefaultValidityDays: 90,
	AllowedKeyTypes:     []string{"RSA", "ECDSA", "Ed25519"},
	MinRSASize:          2048,
	AllowedECDSACurves:  []string{"P-256", "P-384", "P-521"},
	AllowedKeyUsages:    []x509.KeyUsage{x509.KeyUsageDigitalSignature, x509.KeyUsageKeyEncipherment},
	AllowedExtKeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
}

// DefaultProfileName is the profile applied to orders that name none.
const DefaultProfileName = "default"

var defaultProfiles = map[string]Profile{
	DefaultProfileName: {
		ChallengeTypes:   []string{"http-01", "dns-01", "tls-alpn-01"},
		CertValidityDays: 90,
	},
	"shortlived": {
		ChallengeTypes:   []string{"http-01", "dns-01", "tls-alpn-01"},
		CertValidityDays: 7,
	},
}

var defaultAPIKeys = map[string]APIKey{
	"admin-api-key": {Roles: []string{"admin"}},
}

// LoadConfig loads the server configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ExternalURL:         strings.TrimSuffix(getEnv("CERTSMITH_EXTERNAL_URL", defaultExternalURL), "/"),
		DataDir:             getEnv("CERTSMITH_DATA_DIR", defaultDataDir),
		Organization:        getEnv("CERTSMITH_ORGANIZATION", defaultOrganization),
		Country:             getEnv("CERTSMITH_COUNTRY", defaultCountry),
		Province:            getEnv("CERTSMITH_PROVINCE", defaultProvince),
		Locality:            getEnv("CERTSMITH_LOCALITY", defaultLocality),
		CommonName:          getEnv("CERTSMITH_COMMON_NAME", defaultCommonName),
		CACertValidityYears: getEnvAsInt("CERTSMITH_CA_VALIDITY_YEARS", defaultCACertValidityYears),
		CRLValidityHours:    getEnvAsInt("CERTSMITH_CRL_VALIDITY_HOURS", defaultCRLValidityHours),
		StorageType:         getEnv("CERTSMITH_STORAGE_TYPE", defaultStorageType),
		DBHost:              getEnv("CERTSMITH_DB_HOST", defaultDBHost),
		DBUser:              getEnv("CERTSMITH_DB_USER", defaultDBUser),
		DBPassword:          getEnv("CERTSMITH_DB_PASSWORD", defaultDBPassword),
		DBName:              getEnv("CERTSMITH_DB_NAME", defaultDBName),
		DBPort:              getEnvAsInt("CERTSMITH_DB_PORT", defaultDBPort),
		DBSSLMode:           getEnv("CERTSMITH_DB_SSLMODE", defaultDBSSLMode),
		DBCert:              getEnv("CERTSMITH_DB_CERT", ""),
		DBKey:               getEnv("CERTSMITH_DB_KEY", ""),
		DBRootCert:          getEnv("CERTSMITH_DB_ROOTCERT", ""),
		HTTPSAddress:        getEnv("CERTSMITH_HTTPS_ADDRESS", defaultHTTPSAddress),
		HTTPAddress:         getEnv("CERTSMITH_HTTP_ADDRESS", defaultHTTPAddress),
		HTTPSCertFile:       getEnv("CERTSMITH_HTTPS_CERT_FILE", defaultHTTPSCertFile),
		HTTPSKeyFile:        getEnv("CERTSMITH_HTTPS_KEY_FILE", defaultHTTPSKeyFile),

		NonceLifetime:           time.Duration(getEnvAsInt("CERTSMITH_NONCE_LIFETIME_MINUTES", defaultNonceLifetimeMin)) * time.Minute,
		OrderLifetime:           time.Duration(getEnvAsInt("CERTSMITH_ORDER_LIFETIME_HOURS", defaultOrderLifetimeHours)) * time.Hour,
		AuthorizationLifetime:   time.Duration(getEnvAsInt("CERTSMITH_AUTHZ_LIFETIME_HOURS", defaultAuthzLifetimeHours)) * time.Hour,
		ValidationSweepInterval: time.Duration(getEnvAsInt("CERTSMITH_VALIDATION_SWEEP_SECONDS", defaultValidationSweepSec)) * time.Second,
		IssuanceSweepInterval:   time.Duration(getEnvAsInt("CERTSMITH_ISSUANCE_SWEEP_SECONDS", defaultIssuanceSweepSec)) * time.Second,
		NonceSweepInterval:      time.Duration(getEnvAsInt("CERTSMITH_NONCE_SWEEP_SECONDS", defaultNonceSweepSec)) * time.Second,

		HTTP01Port:    getEnvAsInt("CERTSMITH_HTTP01_PORT", defaultHTTP01Port),
		TLSALPN01Port: getEnvAsInt("CERTSMITH_TLSALPN01_PORT", defaultTLSALPN01Port),
		DNSResolver:   getEnv("CERTSMITH_DNS_RESOLVER", ""),

		CertificatePolicies: defaultCertificatePolicies,
		Profiles:            defaultProfiles,
		APIKeys:             defaultAPIKeys,
	}
	return cfg, nil
}

// Profile resolves a profile name, falling back to the default profile for
// the empty string. The second return reports whether the name was known.
func (c *Config) Profile(name string) (Profile, bool) {
	if name == "" {
		name = DefaultProfileName
	}
	p, ok := c.Profiles[name]
	return p, ok
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
