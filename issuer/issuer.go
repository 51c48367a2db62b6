// Package issuer builds and signs new certificates. Input validation fails
// fast on the first violation; all entity writes of one issuance commit in a
// single unit of work together with the audit row.
package issuer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"errors"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/audit"
	"github.com/addspin/subca/authz"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

// maxSerialAttempts bounds retries when a random serial collides with an
// existing row. Collisions are astronomically rare at 128 bits.
const maxSerialAttempts = 5

type Issuer struct {
	store      *store.Store
	cipher     *crypts.Cipher
	alloc      *SerialAllocator
	dispatcher *audit.Dispatcher
}

func New(st *store.Store, cipher *crypts.Cipher, alloc *SerialAllocator, dispatcher *audit.Dispatcher) *Issuer {
	return &Issuer{store: st, cipher: cipher, alloc: alloc, dispatcher: dispatcher}
}

// IssueRequest carries everything needed to issue one certificate.
// PublicKeyPEM is optional: when set, the caller brings their own key pair
// and only the public half is certified; when empty, a fresh key pair is
// generated and its private key returned exactly once.
type IssueRequest struct {
	CAID            string                 `json:"caId"`
	CommonName      string                 `json:"commonName"`
	SubjectAltNames []string               `json:"subjectAltNames"`
	KeyAlgorithm    models.KeyAlgorithm    `json:"keyAlgorithm"`
	KeySize         int                    `json:"keySize"`
	ValidityDays    int                    `json:"validityDays"`
	CertificateType models.CertificateType `json:"certificateType"`
	PublicKeyPEM    string                 `json:"publicKeyPem"`
}

// IssueResult is the outcome of a successful issuance. PrivateKeyPEM is set
// only for server-generated keys and is never persisted.
type IssueResult struct {
	Certificate    *models.Certificate
	CertificatePEM []byte
	PrivateKeyPEM  []byte
}

// Issue validates the request, allocates a serial, signs the certificate
// with the CA key under the scoped decrypt-use-discard pattern and persists
// certificate plus audit row atomically.
func (i *Issuer) Issue(ctx context.Context, caller authz.Identity, req IssueRequest) (*IssueResult, error) {
	if err := authz.Require(caller, authz.CapIssueCert); err != nil {
		return nil, err
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	return i.issue(ctx, caller, req, audit.ActionCertificateIssued, "")
}

// Renew issues a fresh certificate for an existing one: same subject, SANs
// and public key, new serial and validity window. The old row is left
// untouched and superseded.
func (i *Issuer) Renew(ctx context.Context, caller authz.Identity, certID string) (*IssueResult, error) {
	if err := authz.Require(caller, authz.CapIssueCert); err != nil {
		return nil, err
	}

	old, err := i.store.CertByID(ctx, certID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("certificate %s not found", certID)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load certificate")
	}
	if old.Status == models.CertRevoked {
		return nil, apperr.Validation("cannot renew a revoked certificate")
	}

	validFrom, err := time.Parse(time.RFC3339, old.ValidFrom)
	if err != nil {
		return nil, apperr.Validation("certificate %s has malformed validFrom: %v", certID, err)
	}
	validTo, err := old.NotAfter()
	if err != nil {
		return nil, apperr.Validation("certificate %s has malformed validTo: %v", certID, err)
	}

	req := IssueRequest{
		CAID:            old.CAID,
		CommonName:      old.CommonName,
		SubjectAltNames: old.SANs,
		KeyAlgorithm:    old.KeyAlgorithm,
		KeySize:         old.KeySize,
		ValidityDays:    int(validTo.Sub(validFrom).Hours() / 24),
		CertificateType: old.CertificateType,
		PublicKeyPEM:    old.PublicKeyPEM,
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	return i.issue(ctx, caller, req, audit.ActionCertificateRenewed, old.ID)
}

func (i *Issuer) issue(ctx context.Context, caller authz.Identity, req IssueRequest, action audit.Action, renewedFrom string) (*IssueResult, error) {
	caConfig, err := i.loadActiveCA(ctx, req.CAID)
	if err != nil {
		return nil, err
	}

	// The requested lifetime must fit inside the CA's remaining window.
	notBefore := time.Now().UTC().Truncate(time.Second)
	notAfter := notBefore.AddDate(0, 0, req.ValidityDays)
	if caNotAfter := caConfig.NotAfter(); notAfter.After(caNotAfter) {
		return nil, apperr.Validation("validityDays %d exceeds the CA window ending %s",
			req.ValidityDays, caNotAfter.Format(time.RFC3339))
	}

	caCert, err := crypts.ParseCertificatePEM([]byte(caConfig.CertificatePEM))
	if err != nil {
		return nil, apperr.CAUnavailable("CA certificate unreadable: %v", err)
	}

	// Accept a supplied public key or generate a fresh pair.
	var pub crypto.PublicKey
	var privPEM []byte
	if req.PublicKeyPEM != "" {
		pub, err = crypts.ParsePublicKeyPEM([]byte(req.PublicKeyPEM))
		if err != nil {
			return nil, apperr.Validation("publicKeyPem: %v", err)
		}
	} else {
		key, kerr := crypts.GenerateKeyPair(req.KeyAlgorithm, req.KeySize)
		if kerr != nil {
			return nil, apperr.Crypto(kerr, "generate key pair")
		}
		pub = key.Public()
		privPEM, err = crypts.EncodePrivateKeyPEM(key)
		if err != nil {
			return nil, apperr.Crypto(err, "encode private key")
		}
	}
	pubPEM, err := crypts.EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, apperr.Crypto(err, "encode public key")
	}

	// Serialized issuance per CA: the lock covers serial allocation, the
	// uniqueness policy check and the insert, so concurrent issuance can
	// never slip duplicate serials or common names past the checks.
	unlock := i.alloc.LockCA(caConfig.ID)
	defer unlock()

	// Renewals supersede an existing certificate with the same subject, so
	// the uniqueness policy does not apply to them.
	if caConfig.UniqueCommonName && renewedFrom == "" {
		n, cerr := i.store.CountActiveCertsByCN(ctx, caConfig.ID, req.CommonName)
		if cerr != nil {
			return nil, apperr.Persistence(cerr, "check common name")
		}
		if n > 0 {
			return nil, apperr.Conflict("an active certificate for %q already exists", req.CommonName)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxSerialAttempts; attempt++ {
		serial, serr := i.alloc.NextSerial()
		if serr != nil {
			return nil, apperr.Crypto(serr, "allocate serial")
		}

		template, terr := buildTemplate(&req, caConfig, serial, notBefore, notAfter, pub)
		if terr != nil {
			return nil, terr
		}

		var certDER []byte
		signErr := i.cipher.WithDecryptedKey(caConfig.PrivateKeyEnc, func(signer crypto.Signer) error {
			var cerr error
			certDER, cerr = x509.CreateCertificate(rand.Reader, template, caCert, pub, signer)
			return cerr
		})
		if signErr != nil {
			var appErr *apperr.Error
			if errors.As(signErr, &appErr) {
				return nil, signErr
			}
			return nil, apperr.Crypto(signErr, "sign certificate")
		}

		entity := &models.Certificate{
			ID:              uuid.NewString(),
			CAID:            caConfig.ID,
			SerialNumber:    FormatSerial(serial),
			CommonName:      req.CommonName,
			SANs:            models.SANList(req.SubjectAltNames),
			CertificateType: req.CertificateType,
			KeyAlgorithm:    req.KeyAlgorithm,
			KeySize:         req.KeySize,
			PublicKeyPEM:    string(pubPEM),
			CertificatePEM:  string(crypts.EncodeCertificatePEM(certDER)),
			ValidFrom:       notBefore.Format(time.RFC3339),
			ValidTo:         notAfter.Format(time.RFC3339),
			Status:          models.CertActive,
			IssuedBy:        caller.UserID,
			RenewedFrom:     renewedFrom,
			CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		}

		txErr := i.store.WithTx(ctx, func(tx *store.Tx) error {
			if ierr := tx.InsertCert(ctx, entity); ierr != nil {
				return ierr
			}
			return audit.Record(ctx, tx, action, caller.UserID,
				"certificate issued for "+req.CommonName, models.Metadata{
					"certificate_id": entity.ID,
					"ca_id":          caConfig.ID,
					"serial_number":  entity.SerialNumber,
				})
		})
		if txErr == nil {
			i.dispatcher.Notify(action, caller.UserID, map[string]string{
				"certificate_id": entity.ID,
				"common_name":    entity.CommonName,
				"serial_number":  entity.SerialNumber,
			})
			return &IssueResult{
				Certificate:    entity,
				CertificatePEM: []byte(entity.CertificatePEM),
				PrivateKeyPEM:  privPEM,
			}, nil
		}
		if store.IsUniqueViolation(txErr) {
			lastErr = txErr
			continue
		}
		var appErr *apperr.Error
		if errors.As(txErr, &appErr) {
			return nil, txErr
		}
		return nil, apperr.Persistence(txErr, "persist certificate")
	}
	return nil, apperr.SerialCollision("serial allocation failed after %d attempts: %v",
		maxSerialAttempts, lastErr)
}

func (i *Issuer) loadActiveCA(ctx context.Context, caID string) (*models.CAConfig, error) {
	caConfig, err := i.store.CAByID(ctx, caID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("CA %s not found", caID)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load CA")
	}
	if caConfig.Status != models.CAActive {
		return nil, apperr.CAUnavailable("CA %s is %s, not ACTIVE", caID, caConfig.Status)
	}
	return caConfig, nil
}

func buildTemplate(req *IssueRequest, caConfig *models.CAConfig, serial *big.Int, notBefore, notAfter time.Time, pub crypto.PublicKey) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: req.CommonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		SubjectKeyId:          subjectKeyID(pub),
	}

	switch req.CertificateType {
	case models.TypeServer:
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case models.TypeClient:
		template.KeyUsage = x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	case models.TypeCA:
		template.IsCA = true
		template.MaxPathLen = 0
		template.MaxPathLenZero = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	}

	for _, san := range req.SubjectAltNames {
		if ip := net.ParseIP(san); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, san)
		}
	}

	if caConfig.CRLDistributionPoint != "" {
		template.CRLDistributionPoints = []string{caConfig.CRLDistributionPoint}
	}
	if caConfig.OCSPURL != "" {
		template.OCSPServer = []string{caConfig.OCSPURL}
	}
	return template, nil
}

// subjectKeyID derives the SKI as the SHA-1 digest of the encoded public
// key, matching what the standard library does for CA certificates.
func subjectKeyID(pub crypto.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil
	}
	sum := sha1.Sum(der)
	return sum[:]
}

func validateRequest(req *IssueRequest) error {
	if req.CAID == "" {
		return apperr.Validation("caId must not be empty")
	}
	if req.CommonName == "" {
		return apperr.Validation("commonName must not be empty")
	}
	for _, san := range req.SubjectAltNames {
		if !validSAN(san) {
			return apperr.Validation("invalid subject alternative name %q", san)
		}
	}
	switch req.CertificateType {
	case models.TypeServer, models.TypeClient, models.TypeCA:
	default:
		return apperr.Validation("certificateType must be SERVER, CLIENT or CA")
	}
	if req.ValidityDays <= 0 {
		return apperr.Validation("validityDays must be positive")
	}
	if req.PublicKeyPEM == "" {
		allowed, ok := models.AllowedKeySizes[req.KeyAlgorithm]
		if !ok {
			return apperr.Validation("unsupported key algorithm %q", req.KeyAlgorithm)
		}
		sizeOK := false
		for _, s := range allowed {
			if s == req.KeySize {
				sizeOK = true
				break
			}
		}
		if !sizeOK {
			return apperr.Validation("key size %d not allowed for %s", req.KeySize, req.KeyAlgorithm)
		}
	}
	return nil
}

// validSAN accepts a DNS name, a single-level wildcard DNS name or an IP
// address.
func validSAN(san string) bool {
	if net.ParseIP(san) != nil {
		return true
	}
	name, _ := strings.CutPrefix(san, "*.")
	return validDNSName(name)
}

func validDNSName(name string) bool {
	if len(name) == 0 || len(name) > 253 {
		return false
	}
	labelLen := 0
	lastDot := true // a name must not start with a dot or hyphen
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '.':
			if lastDot || labelLen == 0 || name[i-1] == '-' {
				return false
			}
			labelLen = 0
			lastDot = true
		case c == '-':
			if lastDot {
				return false
			}
			labelLen++
			lastDot = false
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			labelLen++
			lastDot = false
		default:
			return false
		}
		if labelLen > 63 {
			return false
		}
	}
	return labelLen > 0 && name[len(name)-1] != '-'
}
