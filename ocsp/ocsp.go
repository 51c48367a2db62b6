// Package ocsp answers per-certificate status queries per RFC 6960.
// Responses are signed with the CA key, or with a delegated OCSP signing key
// when one is configured, always under the scoped decrypt-use-discard
// pattern.
package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/issuer"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

// Pre-encoded OCSPResponse values for the non-success response statuses
// (RFC 6960 §4.2.1); they carry no responseBytes and need no signature.
var (
	malformedRequestResponse = []byte{0x30, 0x03, 0x0A, 0x01, 0x01}
	internalErrorResponse    = []byte{0x30, 0x03, 0x0A, 0x01, 0x02}
	unauthorizedResponse     = []byte{0x30, 0x03, 0x0A, 0x01, 0x06}
)

type Responder struct {
	store    *store.Store
	cipher   *crypts.Cipher
	interval time.Duration

	// Optional delegated OCSP signing credentials. When unset, responses
	// are signed directly with the CA key.
	delegateCertPEM []byte
	delegateKeyEnc  []byte
}

func NewResponder(st *store.Store, cipher *crypts.Cipher, interval time.Duration) *Responder {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Responder{store: st, cipher: cipher, interval: interval}
}

// UseDelegate installs a delegated OCSP signing certificate and its
// encrypted private key.
func (r *Responder) UseDelegate(certPEM, keyEnc []byte) {
	r.delegateCertPEM = certPEM
	r.delegateKeyEnc = keyEnc
}

// CertStatus is the resolved status for one serial number.
type CertStatus struct {
	Status     int // ocsp.Good, ocsp.Revoked or ocsp.Unknown
	RevokedAt  time.Time
	Reason     models.RevocationReason
	ReasonCode int
}

// Status resolves the status of a serial number against the CA's issued
// set. Serials never issued by the CA are unknown, revoked ones carry the
// recorded time and reason, everything else is good. Expiry does not turn a
// certificate unknown; revocation wins over expiry.
func (r *Responder) Status(ctx context.Context, caID, serial string) (*CertStatus, error) {
	cert, err := r.store.CertBySerial(ctx, caID, serial)
	if errors.Is(err, sql.ErrNoRows) {
		return &CertStatus{Status: ocsp.Unknown}, nil
	}
	if err != nil {
		return nil, apperr.Persistence(err, "look up certificate")
	}
	if cert.Status != models.CertRevoked {
		return &CertStatus{Status: ocsp.Good}, nil
	}

	rev, err := r.store.RevocationByCertID(ctx, cert.ID)
	if err != nil {
		return nil, apperr.Persistence(err, "load revocation")
	}
	revokedAt, err := time.Parse(time.RFC3339, rev.RevokedAt)
	if err != nil {
		return nil, apperr.Persistence(err, "decode revocation time")
	}
	code, err := rev.Reason.Code()
	if err != nil {
		return nil, apperr.Persistence(err, "decode revocation reason")
	}
	return &CertStatus{
		Status:     ocsp.Revoked,
		RevokedAt:  revokedAt,
		Reason:     rev.Reason,
		ReasonCode: code,
	}, nil
}

// Respond parses a DER OCSP request and returns a signed DER response.
// Malformed requests and requests for a different issuer yield the
// corresponding unsigned error response rather than a transport error.
func (r *Responder) Respond(ctx context.Context, reqDER []byte) []byte {
	req, err := ocsp.ParseRequest(reqDER)
	if err != nil || req.SerialNumber == nil {
		return malformedRequestResponse
	}

	caConfig, err := r.store.ActiveCA(ctx)
	if err != nil {
		return internalErrorResponse
	}
	caCert, err := crypts.ParseCertificatePEM([]byte(caConfig.CertificatePEM))
	if err != nil {
		return internalErrorResponse
	}

	if !r.issuerMatches(req, caCert) {
		return unauthorizedResponse
	}

	status, err := r.Status(ctx, caConfig.ID, issuer.FormatSerial(req.SerialNumber))
	if err != nil {
		return internalErrorResponse
	}

	now := time.Now().UTC().Truncate(time.Second)
	template := ocsp.Response{
		Status:       status.Status,
		SerialNumber: req.SerialNumber,
		ThisUpdate:   now,
		NextUpdate:   now.Add(r.interval),
	}
	if status.Status == ocsp.Revoked {
		template.RevokedAt = status.RevokedAt
		template.RevocationReason = status.ReasonCode
	}
	// CreateResponse offers no responseExtensions hook, so the echoed nonce
	// lands in singleExtensions rather than where RFC 8954 puts it; parsers
	// surface it from either location.
	if nonce := extractNonce(reqDER); nonce != nil {
		template.ExtraExtensions = append(template.ExtraExtensions, nonce.echo())
	}

	der, err := r.sign(caConfig, caCert, template)
	if err != nil {
		return internalErrorResponse
	}
	return der
}

func (r *Responder) sign(caConfig *models.CAConfig, caCert *x509.Certificate, template ocsp.Response) ([]byte, error) {
	responderCert := caCert
	keyEnc := caConfig.PrivateKeyEnc
	if r.delegateCertPEM != nil && r.delegateKeyEnc != nil {
		cert, err := crypts.ParseCertificatePEM(r.delegateCertPEM)
		if err != nil {
			return nil, fmt.Errorf("delegate certificate: %w", err)
		}
		responderCert = cert
		keyEnc = r.delegateKeyEnc
		// RFC 6960 §4.2.2.2: a delegated responder certificate is
		// included so clients can build the trust path.
		template.Certificate = cert
	}

	var der []byte
	err := r.cipher.WithDecryptedKey(keyEnc, func(signer crypto.Signer) error {
		var serr error
		der, serr = ocsp.CreateResponse(caCert, responderCert, template, signer)
		return serr
	})
	if err != nil {
		return nil, err
	}
	return der, nil
}

// issuerMatches verifies the request's issuer hashes against our CA
// certificate using the hash algorithm the client chose.
func (r *Responder) issuerMatches(req *ocsp.Request, caCert *x509.Certificate) bool {
	if !req.HashAlgorithm.Available() {
		return false
	}
	h := req.HashAlgorithm.New()
	h.Write(caCert.RawSubject)
	if !bytes.Equal(h.Sum(nil), req.IssuerNameHash) {
		return false
	}

	// The issuer key hash covers the subjectPublicKey bits, not the whole
	// SubjectPublicKeyInfo.
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(caCert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return false
	}
	h = req.HashAlgorithm.New()
	h.Write(spki.PublicKey.RightAlign())
	return bytes.Equal(h.Sum(nil), req.IssuerKeyHash)
}
