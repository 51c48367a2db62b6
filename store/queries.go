package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/addspin/subca/models"
)

// queries holds every accessor; it runs against either the pool (Store) or
// an open transaction (Tx). Not-found lookups return sql.ErrNoRows.
type queries struct {
	ext sqlx.ExtContext
}

// --- CA configs ---

func (q *queries) InsertCA(ctx context.Context, ca *models.CAConfig) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO ca_configs (
			id, name, common_name, country_name, state_province, locality_name,
			organization, organization_unit, key_algorithm, key_size,
			private_key_enc, certificate_pem, chain_pem, status, valid_from,
			valid_to, crl_number, crl_distribution_point, ocsp_url,
			unique_common_name, created_at
		) VALUES (
			:id, :name, :common_name, :country_name, :state_province, :locality_name,
			:organization, :organization_unit, :key_algorithm, :key_size,
			:private_key_enc, :certificate_pem, :chain_pem, :status, :valid_from,
			:valid_to, :crl_number, :crl_distribution_point, :ocsp_url,
			:unique_common_name, :created_at
		)`, ca)
	return err
}

func (q *queries) CAByID(ctx context.Context, id string) (*models.CAConfig, error) {
	var ca models.CAConfig
	err := sqlx.GetContext(ctx, q.ext, &ca, `SELECT * FROM ca_configs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &ca, nil
}

func (q *queries) ActiveCA(ctx context.Context) (*models.CAConfig, error) {
	var ca models.CAConfig
	err := sqlx.GetContext(ctx, q.ext, &ca,
		`SELECT * FROM ca_configs WHERE status = ? LIMIT 1`, models.CAActive)
	if err != nil {
		return nil, err
	}
	return &ca, nil
}

func (q *queries) ListCAs(ctx context.Context) ([]models.CAConfig, error) {
	var cas []models.CAConfig
	err := sqlx.SelectContext(ctx, q.ext, &cas, `SELECT * FROM ca_configs ORDER BY created_at`)
	return cas, err
}

func (q *queries) UpdateCAStatus(ctx context.Context, id string, status models.CAStatus) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE ca_configs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// InstallCACertificate records the signed CA certificate, its chain and the
// validity window learned from it.
func (q *queries) InstallCACertificate(ctx context.Context, id, certPEM, chainPEM, validFrom, validTo string, status models.CAStatus) error {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE ca_configs
		SET certificate_pem = ?, chain_pem = ?, valid_from = ?, valid_to = ?, status = ?
		WHERE id = ?`,
		certPEM, chainPEM, validFrom, validTo, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (q *queries) DeleteCA(ctx context.Context, id string) error {
	res, err := q.ext.ExecContext(ctx, `DELETE FROM ca_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// NextCRLNumber increments the CA's CRL counter and returns the new value.
// The single UPDATE keeps the increment atomic under concurrent generation.
func (q *queries) NextCRLNumber(ctx context.Context, caID string) (int64, error) {
	var number int64
	err := sqlx.GetContext(ctx, q.ext, &number, `
		UPDATE ca_configs SET crl_number = crl_number + 1
		WHERE id = ?
		RETURNING crl_number`, caID)
	if err != nil {
		return 0, err
	}
	return number, nil
}

// --- Certificates ---

func (q *queries) InsertCert(ctx context.Context, cert *models.Certificate) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO certs (
			id, ca_id, serial_number, common_name, sans, certificate_type,
			key_algorithm, key_size, public_key_pem, certificate_pem,
			valid_from, valid_to, status, issued_by, renewed_from, created_at
		) VALUES (
			:id, :ca_id, :serial_number, :common_name, :sans, :certificate_type,
			:key_algorithm, :key_size, :public_key_pem, :certificate_pem,
			:valid_from, :valid_to, :status, :issued_by, :renewed_from, :created_at
		)`, cert)
	return err
}

func (q *queries) CertByID(ctx context.Context, id string) (*models.Certificate, error) {
	var cert models.Certificate
	err := sqlx.GetContext(ctx, q.ext, &cert, `SELECT * FROM certs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (q *queries) CertBySerial(ctx context.Context, caID, serial string) (*models.Certificate, error) {
	var cert models.Certificate
	err := sqlx.GetContext(ctx, q.ext, &cert,
		`SELECT * FROM certs WHERE ca_id = ? AND serial_number = ?`, caID, serial)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (q *queries) ListCertsByCA(ctx context.Context, caID string) ([]models.Certificate, error) {
	var certs []models.Certificate
	err := sqlx.SelectContext(ctx, q.ext, &certs,
		`SELECT * FROM certs WHERE ca_id = ? ORDER BY created_at`, caID)
	return certs, err
}

// CountActiveCertsByCN backs the configurable common-name uniqueness policy.
func (q *queries) CountActiveCertsByCN(ctx context.Context, caID, commonName string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n, `
		SELECT COUNT(*) FROM certs
		WHERE ca_id = ? AND common_name = ? AND status = ?`,
		caID, commonName, models.CertActive)
	return n, err
}

func (q *queries) UpdateCertStatus(ctx context.Context, id string, status models.CertStatus) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE certs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (q *queries) ListExpiredActiveCerts(ctx context.Context, now string) ([]models.Certificate, error) {
	var certs []models.Certificate
	err := sqlx.SelectContext(ctx, q.ext, &certs,
		`SELECT * FROM certs WHERE status = ? AND valid_to < ?`, models.CertActive, now)
	return certs, err
}

func (q *queries) ListExpiredActiveCAs(ctx context.Context, now string) ([]models.CAConfig, error) {
	var cas []models.CAConfig
	err := sqlx.SelectContext(ctx, q.ext, &cas,
		`SELECT * FROM ca_configs WHERE status = ? AND valid_to != '' AND valid_to < ?`,
		models.CAActive, now)
	return cas, err
}

// --- Revocations ---

func (q *queries) InsertRevocation(ctx context.Context, rev *models.CertificateRevocation) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO cert_revocations (
			certificate_id, ca_id, serial_number, reason, revoked_at, revoked_by
		) VALUES (
			:certificate_id, :ca_id, :serial_number, :reason, :revoked_at, :revoked_by
		)`, rev)
	return err
}

func (q *queries) RevocationByCertID(ctx context.Context, certID string) (*models.CertificateRevocation, error) {
	var rev models.CertificateRevocation
	err := sqlx.GetContext(ctx, q.ext, &rev,
		`SELECT * FROM cert_revocations WHERE certificate_id = ?`, certID)
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

// RevocationsForCRL returns the revocations that belong on a full CRL:
// every revoked certificate of the CA whose validity has not yet lapsed.
func (q *queries) RevocationsForCRL(ctx context.Context, caID, now string) ([]models.CertificateRevocation, error) {
	var revs []models.CertificateRevocation
	err := sqlx.SelectContext(ctx, q.ext, &revs, `
		SELECT r.* FROM cert_revocations r
		JOIN certs c ON c.id = r.certificate_id
		WHERE r.ca_id = ? AND c.valid_to >= ?
		ORDER BY r.revoked_at`, caID, now)
	return revs, err
}

// RevocationsSince returns revocations recorded strictly after the given
// instant, for delta CRL generation.
func (q *queries) RevocationsSince(ctx context.Context, caID, since, now string) ([]models.CertificateRevocation, error) {
	var revs []models.CertificateRevocation
	err := sqlx.SelectContext(ctx, q.ext, &revs, `
		SELECT r.* FROM cert_revocations r
		JOIN certs c ON c.id = r.certificate_id
		WHERE r.ca_id = ? AND r.revoked_at > ? AND c.valid_to >= ?
		ORDER BY r.revoked_at`, caID, since, now)
	return revs, err
}

// --- CRLs ---

func (q *queries) InsertCRL(ctx context.Context, crl *models.CRLInfo) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO crls (
			id, ca_id, number, is_delta, base_number, this_update, next_update,
			entry_count, der, created_at
		) VALUES (
			:id, :ca_id, :number, :is_delta, :base_number, :this_update,
			:next_update, :entry_count, :der, :created_at
		)`, crl)
	return err
}

func (q *queries) LatestCRL(ctx context.Context, caID string, delta bool) (*models.CRLInfo, error) {
	var crl models.CRLInfo
	err := sqlx.GetContext(ctx, q.ext, &crl, `
		SELECT * FROM crls WHERE ca_id = ? AND is_delta = ?
		ORDER BY number DESC LIMIT 1`, caID, delta)
	if err != nil {
		return nil, err
	}
	return &crl, nil
}

// --- Users ---

func (q *queries) InsertUser(ctx context.Context, user *models.User) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO users (id, username, role, password_hash, salt, created_at)
		VALUES (:id, :username, :role, :password_hash, :salt, :created_at)`, user)
	return err
}

func (q *queries) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := sqlx.GetContext(ctx, q.ext, &user,
		`SELECT * FROM users WHERE username = ?`, username)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (q *queries) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}

// --- Audit ---

func (q *queries) InsertAudit(ctx context.Context, entry *models.AuditLog) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO audit_logs (id, action, user_id, description, metadata, timestamp)
		VALUES (:id, :action, :user_id, :description, :metadata, :timestamp)`, entry)
	return err
}

func (q *queries) ListAudit(ctx context.Context, limit, offset int) ([]models.AuditLog, error) {
	var entries []models.AuditLog
	err := sqlx.SelectContext(ctx, q.ext, &entries,
		`SELECT * FROM audit_logs ORDER BY timestamp DESC, id LIMIT ? OFFSET ?`, limit, offset)
	return entries, err
}

func (q *queries) CountAuditByAction(ctx context.Context, action string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		`SELECT COUNT(*) FROM audit_logs WHERE action = ?`, action)
	return n, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	if n > 1 {
		return fmt.Errorf("update touched %d rows, want 1", n)
	}
	return nil
}
