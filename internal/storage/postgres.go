package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
)

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures schema exists.
func NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName string, dbPort int, dbSSLMode, dbCert, dbKey, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database", zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("PostgreSQLStorage initialized")
	return &PostgreSQLStorage{db: db}, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ca_data ( id INTEGER PRIMARY KEY DEFAULT 1, key_data BYTEA, cert_data BYTEA, CONSTRAINT ca_data_single_row CHECK (id = 1) );`,
		`CREATE TABLE IF NOT EXISTS crls ( id SERIAL PRIMARY KEY, crl_data BYTEA NOT NULL, created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
		`CREATE TABLE IF NOT EXISTS api_keys ( api_key TEXT PRIMARY KEY, roles TEXT[] NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS acme_nonces ( value TEXT PRIMARY KEY, issued_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_nonces_expires_at ON acme_nonces (expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, key_jwk TEXT NOT NULL, key_thumbprint TEXT NOT NULL UNIQUE, status TEXT NOT NULL, contact TEXT[], terms_agreed_at TIMESTAMP WITH TIME ZONE, external_bound BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL, version BIGINT NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, profile TEXT NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, identifiers_json JSONB NOT NULL, not_before TIMESTAMP WITH TIME ZONE, not_after TIMESTAMP WITH TIME ZONE, authorizations_json JSONB NOT NULL, csr BYTEA, certificate_serial TEXT, certificate_chain BYTEA, error_json JSONB, created_at TIMESTAMP WITH TIME ZONE NOT NULL, version BIGINT NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders (account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_status ON acme_orders (status);`,
		`CREATE TABLE IF NOT EXISTS acme_order_resources ( resource_id TEXT PRIMARY KEY, order_id TEXT NOT NULL REFERENCES acme_orders(id) ON DELETE CASCADE );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_order_resources_order_id ON acme_order_resources (order_id);`,
		`CREATE TABLE IF NOT EXISTS certificates_data ( serial_number TEXT PRIMARY KEY, certificate_pem TEXT NOT NULL, chain_pem TEXT, issued_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, account_id TEXT NOT NULL, order_id TEXT NOT NULL, revoked BOOLEAN NOT NULL DEFAULT false, revoked_at TIMESTAMP WITH TIME ZONE, revocation_reason INTEGER );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_revoked ON certificates_data (revoked);`,
		`CREATE TABLE IF NOT EXISTS policy_allowed_domains ( domain TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
		`CREATE TABLE IF NOT EXISTS policy_allowed_suffixes ( suffix TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
	}

	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}
	logger.Info("Database schema ensured")
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- Accounts ---

func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acct *model.Account, expectedVersion int64) error {
	// Stamp the aggregate only once the write is known to have applied, so a
	// lost race leaves the caller's copy untouched.
	version := nextVersion(expectedVersion)
	modified := time.Now()

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO acme_accounts (id, key_jwk, key_thumbprint, status, contact, terms_agreed_at, external_bound, created_at, last_modified_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			acct.ID, acct.Key, acct.KeyThumbprint, acct.Status, pq.Array(acct.Contact),
			acct.TermsAgreedAt, acct.ExternalBound, acct.CreatedAt, modified, version)
		if isUniqueViolation(err) {
			return ErrConcurrency
		}
		if err != nil {
			return fmt.Errorf("storage: failed to insert account: %w", err)
		}
		acct.Version = version
		acct.LastModifiedAt = modified
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE acme_accounts SET status = $1, contact = $2, terms_agreed_at = $3, external_bound = $4, last_modified_at = $5, version = $6
		 WHERE id = $7 AND version = $8`,
		acct.Status, pq.Array(acct.Contact), acct.TermsAgreedAt, acct.ExternalBound,
		modified, version, acct.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: failed to read update result: %w", err)
	}
	if n == 0 {
		return ErrConcurrency
	}
	acct.Version = version
	acct.LastModifiedAt = modified
	return nil
}

func (s *PostgreSQLStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, key_jwk, key_thumbprint, status, contact, terms_agreed_at, external_bound, created_at, last_modified_at, version
		 FROM acme_accounts WHERE id = $1`, id))
}

func (s *PostgreSQLStorage) FindAccountByKey(ctx context.Context, thumbprint string) (*model.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, key_jwk, key_thumbprint, status, contact, terms_agreed_at, external_bound, created_at, last_modified_at, version
		 FROM acme_accounts WHERE key_thumbprint = $1`, thumbprint))
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	var acct model.Account
	var contact pq.StringArray
	err := row.Scan(&acct.ID, &acct.Key, &acct.KeyThumbprint, &acct.Status, &contact,
		&acct.TermsAgreedAt, &acct.ExternalBound, &acct.CreatedAt, &acct.LastModifiedAt, &acct.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to scan account: %w", err)
	}
	acct.Contact = contact
	return &acct, nil
}

// --- Orders ---

func (s *PostgreSQLStorage) SaveOrder(ctx context.Context, order *model.Order, expectedVersion int64) error {
	version := nextVersion(expectedVersion)

	identifiersJSON, err := json.Marshal(order.Identifiers)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal identifiers: %w", err)
	}
	authzJSON, err := json.Marshal(order.Authorizations)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal authorizations: %w", err)
	}
	var errorJSON []byte
	if order.Error != nil {
		errorJSON, err = json.Marshal(order.Error)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal order error: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if expectedVersion == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO acme_orders (id, account_id, profile, status, expires_at, identifiers_json, not_before, not_after, authorizations_json, csr, certificate_serial, certificate_chain, error_json, created_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			order.ID, order.AccountID, order.Profile, order.Status, order.Expires, identifiersJSON,
			order.NotBefore, order.NotAfter, authzJSON, order.CSR, nullString(order.CertificateSerial),
			order.CertificateChain, nullBytes(errorJSON), order.CreatedAt, version)
		if isUniqueViolation(err) {
			return ErrConcurrency
		}
		if err != nil {
			return fmt.Errorf("storage: failed to insert order: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE acme_orders SET status = $1, authorizations_json = $2, csr = $3, certificate_serial = $4, certificate_chain = $5, error_json = $6, version = $7
			 WHERE id = $8 AND version = $9`,
			order.Status, authzJSON, order.CSR, nullString(order.CertificateSerial),
			order.CertificateChain, nullBytes(errorJSON), version, order.ID, expectedVersion)
		if err != nil {
			return fmt.Errorf("storage: failed to update order: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("storage: failed to read update result: %w", err)
		}
		if n == 0 {
			return ErrConcurrency
		}
	}

	// Refresh the authz/challenge ID index so the aggregate can be located by
	// any of its resource identifiers.
	for _, authz := range order.Authorizations {
		ids := []string{authz.ID}
		for _, ch := range authz.Challenges {
			ids = append(ids, ch.ID)
		}
		for _, resourceID := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO acme_order_resources (resource_id, order_id) VALUES ($1, $2) ON CONFLICT (resource_id) DO NOTHING`,
				resourceID, order.ID); err != nil {
				return fmt.Errorf("storage: failed to index order resource: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: failed to commit order save: %w", err)
	}
	order.Version = version
	return nil
}

const orderColumns = `id, account_id, profile, status, expires_at, identifiers_json, not_before, not_after, authorizations_json, csr, certificate_serial, certificate_chain, error_json, created_at, version`

func (s *PostgreSQLStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM acme_orders WHERE id = $1`, id))
}

func (s *PostgreSQLStorage) GetOrderByAuthorizationID(ctx context.Context, authzID string) (*model.Order, error) {
	return s.getOrderByResourceID(ctx, authzID)
}

func (s *PostgreSQLStorage) GetOrderByChallengeID(ctx context.Context, challengeID string) (*model.Order, error) {
	return s.getOrderByResourceID(ctx, challengeID)
}

func (s *PostgreSQLStorage) getOrderByResourceID(ctx context.Context, resourceID string) (*model.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM acme_orders
		 WHERE id = (SELECT order_id FROM acme_order_resources WHERE resource_id = $1)`, resourceID))
}

func (s *PostgreSQLStorage) ListValidatable(ctx context.Context) ([]*model.Order, error) {
	orders, err := s.listOrdersByStatus(ctx, model.StatusPending)
	if err != nil {
		return nil, err
	}
	out := orders[:0]
	for _, order := range orders {
		if hasProcessingChallenge(order) {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *PostgreSQLStorage) ListFinalizable(ctx context.Context) ([]*model.Order, error) {
	return s.listOrdersByStatus(ctx, model.StatusProcessing)
}

func (s *PostgreSQLStorage) listOrdersByStatus(ctx context.Context, status string) ([]*model.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM acme_orders WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: failed to iterate orders: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var order model.Order
	var identifiersJSON, authzJSON []byte
	var errorJSON []byte
	var serial sql.NullString
	err := row.Scan(&order.ID, &order.AccountID, &order.Profile, &order.Status, &order.Expires,
		&identifiersJSON, &order.NotBefore, &order.NotAfter, &authzJSON, &order.CSR,
		&serial, &order.CertificateChain, &errorJSON, &order.CreatedAt, &order.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to scan order: %w", err)
	}
	order.CertificateSerial = serial.String
	if err := json.Unmarshal(identifiersJSON, &order.Identifiers); err != nil {
		return nil, fmt.Errorf("storage: corrupt identifiers for order %s: %w", order.ID, err)
	}
	if err := json.Unmarshal(authzJSON, &order.Authorizations); err != nil {
		return nil, fmt.Errorf("storage: corrupt authorizations for order %s: %w", order.ID, err)
	}
	if len(errorJSON) > 0 {
		order.Error = &model.ProblemDetails{}
		if err := json.Unmarshal(errorJSON, order.Error); err != nil {
			return nil, fmt.Errorf("storage: corrupt error document for order %s: %w", order.ID, err)
		}
	}
	return &order, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// --- Nonces ---

func (s *PostgreSQLStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acme_nonces (value, issued_at, expires_at) VALUES ($1, $2, $3)`,
		nonce.Value, nonce.IssuedAt, nonce.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save nonce: %w", err)
	}
	return nil
}

func (s *PostgreSQLStorage) TryConsumeNonce(ctx context.Context, value string) (bool, error) {
	var consumed string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM acme_nonces WHERE value = $1 AND expires_at > NOW() RETURNING value`, value).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: failed to consume nonce: %w", err)
	}
	return true, nil
}

func (s *PostgreSQLStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM acme_nonces WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired nonces: %w", err)
	}
	return res.RowsAffected()
}

// --- Certificates ---

func (s *PostgreSQLStorage) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO certificates_data (serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		certData.SerialNumber, certData.CertificatePEM, certData.ChainPEM, certData.IssuedAt,
		certData.ExpiresAt, certData.AccountID, certData.OrderID, certData.Revoked,
		nullTime(certData.RevokedAt), certData.RevocationReason)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate data: %w", err)
	}
	return nil
}

func (s *PostgreSQLStorage) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	var certData model.CertificateData
	var revokedAt sql.NullTime
	var reason sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason
		 FROM certificates_data WHERE serial_number = $1`, serialNumber).
		Scan(&certData.SerialNumber, &certData.CertificatePEM, &certData.ChainPEM, &certData.IssuedAt,
			&certData.ExpiresAt, &certData.AccountID, &certData.OrderID, &certData.Revoked, &revokedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to scan certificate data: %w", err)
	}
	certData.RevokedAt = revokedAt.Time
	certData.RevocationReason = int(reason.Int64)
	return &certData, nil
}

func (s *PostgreSQLStorage) UpdateCertificateRevocation(ctx context.Context, serialNumber string, revoked bool, revokedAt time.Time, reasonCode int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE certificates_data SET revoked = $1, revoked_at = $2, revocation_reason = $3 WHERE serial_number = $4`,
		revoked, revokedAt, reasonCode, serialNumber)
	if err != nil {
		return fmt.Errorf("storage: failed to update certificate revocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: failed to read update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgreSQLStorage) ListRevokedCertificates(ctx context.Context) ([]*model.CertificateData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason
		 FROM certificates_data WHERE revoked = true`)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list revoked certificates: %w", err)
	}
	defer rows.Close()

	var out []*model.CertificateData
	for rows.Next() {
		var certData model.CertificateData
		var revokedAt sql.NullTime
		var reason sql.NullInt64
		if err := rows.Scan(&certData.SerialNumber, &certData.CertificatePEM, &certData.ChainPEM,
			&certData.IssuedAt, &certData.ExpiresAt, &certData.AccountID, &certData.OrderID,
			&certData.Revoked, &revokedAt, &reason); err != nil {
			return nil, fmt.Errorf("storage: failed to scan revoked certificate: %w", err)
		}
		certData.RevokedAt = revokedAt.Time
		certData.RevocationReason = int(reason.Int64)
		out = append(out, &certData)
	}
	return out, rows.Err()
}

// --- Policy ---

func (s *PostgreSQLStorage) AddAllowedDomain(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_allowed_domains (domain) VALUES ($1) ON CONFLICT (domain) DO NOTHING`,
		normalizeDomain(domain))
	return err
}

func (s *PostgreSQLStorage) DeleteAllowedDomain(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM policy_allowed_domains WHERE domain = $1`, normalizeDomain(domain))
	return err
}

func (s *PostgreSQLStorage) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, `SELECT domain FROM policy_allowed_domains ORDER BY domain`)
}

func (s *PostgreSQLStorage) IsDomainAllowed(ctx context.Context, domain string) (bool, error) {
	norm := normalizeDomain(domain)
	var allowed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM policy_allowed_domains WHERE domain = $1
			UNION ALL
			SELECT 1 FROM policy_allowed_suffixes WHERE $1 = suffix OR $1 LIKE '%.' || suffix
		 )`, norm).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("storage: failed to check domain policy: %w", err)
	}
	return allowed, nil
}

func (s *PostgreSQLStorage) AddAllowedSuffix(ctx context.Context, suffix string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_allowed_suffixes (suffix) VALUES ($1) ON CONFLICT (suffix) DO NOTHING`,
		normalizeDomain(suffix))
	return err
}

func (s *PostgreSQLStorage) DeleteAllowedSuffix(ctx context.Context, suffix string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM policy_allowed_suffixes WHERE suffix = $1`, normalizeDomain(suffix))
	return err
}

func (s *PostgreSQLStorage) ListAllowedSuffixes(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, `SELECT suffix FROM policy_allowed_suffixes ORDER BY suffix`)
}

func (s *PostgreSQLStorage) listStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: query failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("storage: scan failed: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- CA data ---

func (s *PostgreSQLStorage) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ca_data (id, key_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET key_data = EXCLUDED.key_data`,
		keyBytes)
	return err
}

func (s *PostgreSQLStorage) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	return s.getCAColumn(ctx, `SELECT key_data FROM ca_data WHERE id = 1`)
}

func (s *PostgreSQLStorage) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ca_data (id, cert_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET cert_data = EXCLUDED.cert_data`,
		certBytes)
	return err
}

func (s *PostgreSQLStorage) GetCACertificate(ctx context.Context) ([]byte, error) {
	return s.getCAColumn(ctx, `SELECT cert_data FROM ca_data WHERE id = 1`)
}

func (s *PostgreSQLStorage) getCAColumn(ctx context.Context, query string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load CA data: %w", err)
	}
	return data, nil
}

func (s *PostgreSQLStorage) SaveCRL(ctx context.Context, crlBytes []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO crls (crl_data) VALUES ($1)`, crlBytes)
	return err
}

func (s *PostgreSQLStorage) GetLatestCRL(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT crl_data FROM crls ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load latest CRL: %w", err)
	}
	return data, nil
}

// --- API keys ---

func (s *PostgreSQLStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (api_key, roles) VALUES ($1, $2) ON CONFLICT (api_key) DO UPDATE SET roles = EXCLUDED.roles`,
		apiKey, pq.Array(roles))
	return err
}

func (s *PostgreSQLStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	var roles pq.StringArray
	err := s.db.QueryRowContext(ctx, `SELECT roles FROM api_keys WHERE api_key = $1`, apiKey).Scan(&roles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load API key: %w", err)
	}
	return roles, nil
}
