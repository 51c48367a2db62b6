package revoke

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/audit"
	"github.com/addspin/subca/authz"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

// oidDeltaCRLIndicator is the id-ce-deltaCRLIndicator extension (RFC 5280
// §5.2.4), carrying the number of the base full CRL.
var oidDeltaCRLIndicator = asn1.ObjectIdentifier{2, 5, 29, 27}

func (m *Manager) generate(ctx context.Context, caller authz.Identity, caID string, delta bool) (*models.CRLInfo, error) {
	if err := authz.Require(caller, authz.CapGenerateCRL); err != nil {
		return nil, err
	}

	caConfig, err := m.store.CAByID(ctx, caID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("CA %s not found", caID)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load CA")
	}
	if caConfig.Status != models.CAActive {
		return nil, apperr.CAUnavailable("CA %s is %s, not ACTIVE", caID, caConfig.Status)
	}
	caCert, err := crypts.ParseCertificatePEM([]byte(caConfig.CertificatePEM))
	if err != nil {
		return nil, apperr.CAUnavailable("CA certificate unreadable: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	action := audit.ActionCRLGenerated
	if delta {
		action = audit.ActionDeltaCRLGenerated
	}

	var info *models.CRLInfo
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		var revs []models.CertificateRevocation
		var baseNumber int64

		if delta {
			base, berr := tx.LatestCRL(ctx, caID, false)
			if errors.Is(berr, sql.ErrNoRows) {
				return apperr.Validation("delta CRL requires a prior full CRL")
			}
			if berr != nil {
				return apperr.Persistence(berr, "load base CRL")
			}
			baseNumber = base.Number
			revs, berr = tx.RevocationsSince(ctx, caID, base.ThisUpdate, now.Format(time.RFC3339))
			if berr != nil {
				return apperr.Persistence(berr, "collect delta revocations")
			}
		} else {
			var rerr error
			revs, rerr = tx.RevocationsForCRL(ctx, caID, now.Format(time.RFC3339))
			if rerr != nil {
				return apperr.Persistence(rerr, "collect revocations")
			}
		}

		number, nerr := tx.NextCRLNumber(ctx, caID)
		if nerr != nil {
			return apperr.Persistence(nerr, "increment CRL number")
		}

		entries, eerr := buildEntries(revs)
		if eerr != nil {
			return eerr
		}

		template := &x509.RevocationList{
			Number:                    big.NewInt(number),
			ThisUpdate:                now,
			NextUpdate:                now.Add(m.crlInterval),
			RevokedCertificateEntries: entries,
		}
		if delta {
			indicator, merr := asn1.Marshal(big.NewInt(baseNumber))
			if merr != nil {
				return apperr.Crypto(merr, "marshal delta CRL indicator")
			}
			template.ExtraExtensions = append(template.ExtraExtensions, pkixExtension(oidDeltaCRLIndicator, true, indicator))
		}

		var der []byte
		signErr := m.cipher.WithDecryptedKey(caConfig.PrivateKeyEnc, func(signer crypto.Signer) error {
			var cerr error
			der, cerr = x509.CreateRevocationList(rand.Reader, template, caCert, signer)
			return cerr
		})
		if signErr != nil {
			var appErr *apperr.Error
			if errors.As(signErr, &appErr) {
				return signErr
			}
			return apperr.Crypto(signErr, "sign CRL")
		}

		info = &models.CRLInfo{
			ID:         uuid.NewString(),
			CAID:       caID,
			Number:     number,
			IsDelta:    delta,
			BaseNumber: baseNumber,
			ThisUpdate: now.Format(time.RFC3339),
			NextUpdate: now.Add(m.crlInterval).Format(time.RFC3339),
			EntryCount: len(entries),
			DER:        der,
			CreatedAt:  now.Format(time.RFC3339),
		}
		if ierr := tx.InsertCRL(ctx, info); ierr != nil {
			return apperr.Persistence(ierr, "insert CRL")
		}
		return audit.Record(ctx, tx, action, caller.UserID,
			fmt.Sprintf("CRL %d generated with %d entries", number, len(entries)),
			models.Metadata{"ca_id": caID, "crl_number": fmt.Sprint(number)})
	})
	if err != nil {
		return nil, err
	}

	m.dispatcher.Notify(action, caller.UserID, map[string]string{
		"ca_id":      caID,
		"crl_number": fmt.Sprint(info.Number),
	})
	return info, nil
}

func pkixExtension(oid asn1.ObjectIdentifier, critical bool, value []byte) pkix.Extension {
	return pkix.Extension{Id: oid, Critical: critical, Value: value}
}

func buildEntries(revs []models.CertificateRevocation) ([]x509.RevocationListEntry, error) {
	entries := make([]x509.RevocationListEntry, 0, len(revs))
	for _, rev := range revs {
		serial, ok := new(big.Int).SetString(rev.SerialNumber, 16)
		if !ok {
			return nil, apperr.Persistence(
				fmt.Errorf("malformed serial %q", rev.SerialNumber), "decode serial")
		}
		revokedAt, err := time.Parse(time.RFC3339, rev.RevokedAt)
		if err != nil {
			return nil, apperr.Persistence(err, "decode revocation time")
		}
		code, err := rev.Reason.Code()
		if err != nil {
			return nil, apperr.Persistence(err, "decode revocation reason")
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: revokedAt,
			ReasonCode:     code,
		})
	}
	return entries, nil
}
