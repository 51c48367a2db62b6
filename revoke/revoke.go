// Package revoke manages certificate revocation and revocation lists.
// Revocation is a one-way transition; CRL numbers increase strictly and the
// counter increment, the CRL row and the audit row commit as one unit.
package revoke

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/audit"
	"github.com/addspin/subca/authz"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

type Manager struct {
	store       *store.Store
	cipher      *crypts.Cipher
	dispatcher  *audit.Dispatcher
	crlInterval time.Duration
}

func NewManager(st *store.Store, cipher *crypts.Cipher, dispatcher *audit.Dispatcher, crlInterval time.Duration) *Manager {
	if crlInterval <= 0 {
		crlInterval = 24 * time.Hour
	}
	return &Manager{store: st, cipher: cipher, dispatcher: dispatcher, crlInterval: crlInterval}
}

// Revoke marks a certificate revoked with the given reason. Revoking an
// already-revoked certificate fails with no write; the revocation record is
// immutable once created.
func (m *Manager) Revoke(ctx context.Context, caller authz.Identity, certID string, reason models.RevocationReason) (*models.CertificateRevocation, error) {
	if err := authz.Require(caller, authz.CapRevokeCert); err != nil {
		return nil, err
	}
	if !reason.Valid() {
		return nil, apperr.Validation("invalid revocation reason %q", reason)
	}

	rev := &models.CertificateRevocation{
		CertificateID: certID,
		Reason:        reason,
		RevokedAt:     time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		RevokedBy:     caller.UserID,
	}

	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		cert, gerr := tx.CertByID(ctx, certID)
		if errors.Is(gerr, sql.ErrNoRows) {
			return apperr.NotFound("certificate %s not found", certID)
		}
		if gerr != nil {
			return apperr.Persistence(gerr, "load certificate")
		}
		if cert.Status == models.CertRevoked {
			return apperr.AlreadyRevoked("certificate %s is already revoked", certID)
		}

		rev.CAID = cert.CAID
		rev.SerialNumber = cert.SerialNumber

		if ierr := tx.InsertRevocation(ctx, rev); ierr != nil {
			return apperr.Persistence(ierr, "insert revocation")
		}
		if uerr := tx.UpdateCertStatus(ctx, certID, models.CertRevoked); uerr != nil {
			return apperr.Persistence(uerr, "update certificate status")
		}
		return audit.Record(ctx, tx, audit.ActionCertificateRevoked, caller.UserID,
			"certificate revoked: "+cert.CommonName, models.Metadata{
				"certificate_id": certID,
				"serial_number":  cert.SerialNumber,
				"reason":         string(reason),
			})
	})
	if err != nil {
		return nil, err
	}

	m.dispatcher.Notify(audit.ActionCertificateRevoked, caller.UserID, map[string]string{
		"certificate_id": certID,
		"serial_number":  rev.SerialNumber,
		"reason":         string(reason),
	})
	return rev, nil
}

// GenerateCRL builds, signs and persists a full CRL for the CA.
func (m *Manager) GenerateCRL(ctx context.Context, caller authz.Identity, caID string) (*models.CRLInfo, error) {
	return m.generate(ctx, caller, caID, false)
}

// GenerateDeltaCRL builds a delta CRL containing only revocations recorded
// strictly after the latest full CRL's thisUpdate. Requires a prior full CRL.
func (m *Manager) GenerateDeltaCRL(ctx context.Context, caller authz.Identity, caID string) (*models.CRLInfo, error) {
	return m.generate(ctx, caller, caID, true)
}

// Latest returns the most recent persisted CRL of the requested kind.
func (m *Manager) Latest(ctx context.Context, caID string, delta bool) (*models.CRLInfo, error) {
	crl, err := m.store.LatestCRL(ctx, caID, delta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no CRL generated yet for CA %s", caID)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load CRL")
	}
	return crl, nil
}
