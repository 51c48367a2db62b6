// Package check holds certificate validation: the on-demand chain and
// constraint validator, and the background sweep that marks expired
// certificates and CAs.
package check

import (
	"bytes"
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

// Violation is one failed validation check.
type Violation struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Result enumerates every violation found. Unlike issuance input validation,
// which fails fast, the validator keeps going so the caller sees the full
// picture at once.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

func (r *Result) add(code, format string, args ...any) {
	r.Valid = false
	r.Violations = append(r.Violations, Violation{Code: code, Detail: fmt.Sprintf(format, args...)})
}

type Validator struct {
	store *store.Store
}

func NewValidator(st *store.Store) *Validator {
	return &Validator{store: st}
}

// Validate checks a PEM certificate against the active CA's chain, its
// validity window and its extension constraints. A certificate that cannot
// be parsed is an error, not a silent pass. With checkRevocation set, the
// live revocation state is consulted as well.
func (v *Validator) Validate(ctx context.Context, certPEM []byte, checkRevocation bool) (*Result, error) {
	cert, err := crypts.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, apperr.Validation("certificate: %v", err)
	}

	result := &Result{Valid: true}

	caConfig, err := v.store.ActiveCA(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		result.add("no_active_ca", "no active CA to validate against")
		return result, nil
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load active CA")
	}

	parents, err := v.issuerChain(caConfig)
	if err != nil {
		return nil, err
	}
	v.checkChain(result, cert, parents)
	v.checkWindow(result, cert, time.Now())
	v.checkConstraints(result, cert)

	if checkRevocation {
		if err := v.checkRevocation(ctx, result, caConfig.ID, cert); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// issuerChain is the CA certificate followed by its chain up to the root.
func (v *Validator) issuerChain(caConfig *models.CAConfig) ([]*x509.Certificate, error) {
	caCert, err := crypts.ParseCertificatePEM([]byte(caConfig.CertificatePEM))
	if err != nil {
		return nil, err
	}
	chain, err := crypts.ParseCertificateChainPEM([]byte(caConfig.ChainPEM))
	if err != nil {
		return nil, err
	}
	return append([]*x509.Certificate{caCert}, chain...), nil
}

func (v *Validator) checkChain(result *Result, cert *x509.Certificate, parents []*x509.Certificate) {
	child := cert
	for i, parent := range parents {
		if !bytes.Equal(child.RawIssuer, parent.RawSubject) {
			result.add("issuer_mismatch", "hop %d: issuer %q does not match %q",
				i, child.Issuer, parent.Subject)
			return
		}
		if err := child.CheckSignatureFrom(parent); err != nil {
			result.add("chain_broken", "hop %d: signature check failed: %v", i, err)
			return
		}
		child = parent
	}
	// The topmost certificate must be the configured self-signed root.
	root := parents[len(parents)-1]
	if !bytes.Equal(root.RawIssuer, root.RawSubject) {
		result.add("chain_incomplete", "chain does not end at a self-signed root (%q)", root.Subject)
	}
}

func (v *Validator) checkWindow(result *Result, cert *x509.Certificate, now time.Time) {
	if now.Before(cert.NotBefore) {
		result.add("not_yet_valid", "certificate is not valid before %s",
			cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		result.add("expired", "certificate expired at %s",
			cert.NotAfter.Format(time.RFC3339))
	}
}

func (v *Validator) checkConstraints(result *Result, cert *x509.Certificate) {
	if cert.IsCA {
		if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
			result.add("key_usage", "CA certificate lacks certSign key usage")
		}
		if cert.BasicConstraintsValid && cert.MaxPathLen > 0 {
			result.add("basic_constraints", "subordinate CA path length %d exceeds 0", cert.MaxPathLen)
		}
		return
	}
	if cert.KeyUsage&x509.KeyUsageCertSign != 0 {
		result.add("key_usage", "end-entity certificate carries certSign key usage")
	}
	if cert.KeyUsage == 0 {
		result.add("key_usage", "certificate carries no key usage")
	}
}

func (v *Validator) checkRevocation(ctx context.Context, result *Result, caID string, cert *x509.Certificate) error {
	serial := fmt.Sprintf("%X", cert.SerialNumber)
	stored, err := v.store.CertBySerial(ctx, caID, serial)
	if errors.Is(err, sql.ErrNoRows) {
		result.add("unknown_serial", "serial %s was not issued by the active CA", serial)
		return nil
	}
	if err != nil {
		return apperr.Persistence(err, "look up serial")
	}
	if stored.Status == models.CertRevoked {
		rev, rerr := v.store.RevocationByCertID(ctx, stored.ID)
		if rerr != nil {
			return apperr.Persistence(rerr, "load revocation")
		}
		result.add("revoked", "certificate was revoked at %s (%s)", rev.RevokedAt, rev.Reason)
	}
	return nil
}
