// Package ca owns the CA lifecycle: initialization with a freshly generated
// and encrypted key pair, CSR generation for the parent CA, activation with
// the signed certificate, and deletion.
package ca

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/pem"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/audit"
	"github.com/addspin/subca/authz"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/store"
)

type Service struct {
	store      *store.Store
	cipher     *crypts.Cipher
	dispatcher *audit.Dispatcher
}

func NewService(st *store.Store, cipher *crypts.Cipher, dispatcher *audit.Dispatcher) *Service {
	return &Service{store: st, cipher: cipher, dispatcher: dispatcher}
}

// InitRequest describes a new CA to set up.
type InitRequest struct {
	Name                 string              `json:"name"`
	CommonName           string              `json:"commonName"`
	CountryName          string              `json:"countryName"`
	StateProvince        string              `json:"stateProvince"`
	LocalityName         string              `json:"localityName"`
	Organization         string              `json:"organization"`
	OrganizationUnit     string              `json:"organizationUnit"`
	KeyAlgorithm         models.KeyAlgorithm `json:"keyAlgorithm"`
	KeySize              int                 `json:"keySize"`
	CRLDistributionPoint string              `json:"crlDistributionPoint"`
	OCSPURL              string              `json:"ocspUrl"`
	UniqueCommonName     *bool               `json:"uniqueCommonName"`
}

// Init generates the CA key pair, stores the private key encrypted and
// persists the CAConfig in PENDING state. The CA cannot issue until a signed
// certificate is installed via Activate.
func (s *Service) Init(ctx context.Context, caller authz.Identity, req InitRequest) (*models.CAConfig, error) {
	if err := authz.Require(caller, authz.CapManageCA); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, apperr.Validation("name must not be empty")
	}
	if req.CommonName == "" {
		return nil, apperr.Validation("commonName must not be empty")
	}
	if err := validateKeyParams(req.KeyAlgorithm, req.KeySize); err != nil {
		return nil, err
	}

	key, err := crypts.GenerateKeyPair(req.KeyAlgorithm, req.KeySize)
	if err != nil {
		return nil, apperr.Crypto(err, "generate CA key pair")
	}
	keyPEM, err := crypts.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, apperr.Crypto(err, "encode CA private key")
	}
	keyEnc, err := s.cipher.Encrypt(keyPEM)
	if err != nil {
		return nil, apperr.Crypto(err, "encrypt CA private key")
	}

	// Common-name uniqueness policy defaults to enforced.
	uniqueCN := true
	if req.UniqueCommonName != nil {
		uniqueCN = *req.UniqueCommonName
	}

	caConfig := &models.CAConfig{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		CommonName:           req.CommonName,
		CountryName:          req.CountryName,
		StateProvince:        req.StateProvince,
		LocalityName:         req.LocalityName,
		Organization:         req.Organization,
		OrganizationUnit:     req.OrganizationUnit,
		KeyAlgorithm:         req.KeyAlgorithm,
		KeySize:              req.KeySize,
		PrivateKeyEnc:        keyEnc,
		Status:               models.CAPending,
		CRLDistributionPoint: req.CRLDistributionPoint,
		OCSPURL:              req.OCSPURL,
		UniqueCommonName:     uniqueCN,
		CreatedAt:            time.Now().UTC().Format(time.RFC3339),
	}

	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertCA(ctx, caConfig); err != nil {
			if store.IsUniqueViolation(err) {
				return apperr.Conflict("CA name %q already exists", req.Name)
			}
			return apperr.Persistence(err, "insert CA")
		}
		return audit.Record(ctx, tx, audit.ActionCAInitialized, caller.UserID,
			"CA initialized: "+req.Name, models.Metadata{"ca_id": caConfig.ID})
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Notify(audit.ActionCAInitialized, caller.UserID,
		map[string]string{"ca_id": caConfig.ID, "name": caConfig.Name})
	return caConfig, nil
}

// GenerateCSR builds a certificate signing request for the CA's key, to be
// signed by the parent authority.
func (s *Service) GenerateCSR(ctx context.Context, caller authz.Identity, caID string) ([]byte, error) {
	if err := authz.Require(caller, authz.CapManageCA); err != nil {
		return nil, err
	}
	caConfig, err := s.getCA(ctx, caID)
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{Subject: subjectName(caConfig)}
	var csrDER []byte
	err = s.cipher.WithDecryptedKey(caConfig.PrivateKeyEnc, func(signer crypto.Signer) error {
		var signErr error
		csrDER, signErr = x509.CreateCertificateRequest(rand.Reader, template, signer)
		return signErr
	})
	if err != nil {
		return nil, wrapCryptoErr(err, "sign CSR")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}), nil
}

// Activate installs the certificate signed by the parent CA and switches the
// CA to ACTIVE. Only one CA may be ACTIVE at a time.
func (s *Service) Activate(ctx context.Context, caller authz.Identity, caID string, certPEM, chainPEM []byte) (*models.CAConfig, error) {
	if err := authz.Require(caller, authz.CapManageCA); err != nil {
		return nil, err
	}
	caConfig, err := s.getCA(ctx, caID)
	if err != nil {
		return nil, err
	}
	if caConfig.Status == models.CAActive {
		return nil, apperr.Conflict("CA %s is already active", caID)
	}
	if caConfig.Status == models.CARevoked {
		return nil, apperr.Validation("CA %s is revoked and cannot be activated", caID)
	}

	cert, err := crypts.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, apperr.Validation("certificate: %v", err)
	}
	if !cert.IsCA {
		return nil, apperr.Validation("certificate is not a CA certificate")
	}
	if _, err := crypts.ParseCertificateChainPEM(chainPEM); err != nil {
		return nil, apperr.Validation("chain: %v", err)
	}

	// The installed certificate must carry the public key of the key pair
	// generated at Init.
	certSPKI, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, apperr.Validation("certificate public key: %v", err)
	}
	err = s.cipher.WithDecryptedKey(caConfig.PrivateKeyEnc, func(signer crypto.Signer) error {
		keySPKI, merr := x509.MarshalPKIXPublicKey(signer.Public())
		if merr != nil {
			return merr
		}
		if !bytes.Equal(certSPKI, keySPKI) {
			return apperr.Validation("certificate does not match the CA key pair")
		}
		return nil
	})
	if err != nil {
		return nil, wrapCryptoErr(err, "verify CA key pair")
	}

	validFrom := cert.NotBefore.UTC().Format(time.RFC3339)
	validTo := cert.NotAfter.UTC().Format(time.RFC3339)

	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, aerr := tx.ActiveCA(ctx); aerr == nil {
			return apperr.Conflict("another CA is already active")
		} else if !errors.Is(aerr, sql.ErrNoRows) {
			return apperr.Persistence(aerr, "check active CA")
		}
		if uerr := tx.InstallCACertificate(ctx, caID, string(certPEM), string(chainPEM),
			validFrom, validTo, models.CAActive); uerr != nil {
			return apperr.Persistence(uerr, "install CA certificate")
		}
		return audit.Record(ctx, tx, audit.ActionCAActivated, caller.UserID,
			"CA activated: "+caConfig.Name, models.Metadata{"ca_id": caID})
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Notify(audit.ActionCAActivated, caller.UserID, map[string]string{"ca_id": caID})
	return s.getCA(ctx, caID)
}

// Delete removes a CA configuration. Active CAs must be retired first.
func (s *Service) Delete(ctx context.Context, caller authz.Identity, caID string) error {
	if err := authz.Require(caller, authz.CapDeleteCA); err != nil {
		return err
	}
	caConfig, err := s.getCA(ctx, caID)
	if err != nil {
		return err
	}
	if caConfig.Status == models.CAActive {
		return apperr.Conflict("cannot delete an active CA")
	}

	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		if derr := tx.DeleteCA(ctx, caID); derr != nil {
			return apperr.Persistence(derr, "delete CA")
		}
		return audit.Record(ctx, tx, audit.ActionCADeleted, caller.UserID,
			"CA deleted: "+caConfig.Name, models.Metadata{"ca_id": caID})
	})
	if err != nil {
		return err
	}

	s.dispatcher.Notify(audit.ActionCADeleted, caller.UserID, map[string]string{"ca_id": caID})
	return nil
}

func (s *Service) Get(ctx context.Context, caID string) (*models.CAConfig, error) {
	return s.getCA(ctx, caID)
}

func (s *Service) List(ctx context.Context) ([]models.CAConfig, error) {
	return s.store.ListCAs(ctx)
}

func (s *Service) getCA(ctx context.Context, caID string) (*models.CAConfig, error) {
	caConfig, err := s.store.CAByID(ctx, caID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("CA %s not found", caID)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load CA")
	}
	return caConfig, nil
}

func validateKeyParams(alg models.KeyAlgorithm, size int) error {
	allowed, ok := models.AllowedKeySizes[alg]
	if !ok {
		return apperr.Validation("unsupported key algorithm %q", alg)
	}
	for _, s := range allowed {
		if s == size {
			return nil
		}
	}
	return apperr.Validation("key size %d not allowed for %s", size, alg)
}

func subjectName(caConfig *models.CAConfig) pkix.Name {
	name := pkix.Name{CommonName: caConfig.CommonName}
	if caConfig.CountryName != "" {
		name.Country = []string{caConfig.CountryName}
	}
	if caConfig.StateProvince != "" {
		name.Province = []string{caConfig.StateProvince}
	}
	if caConfig.LocalityName != "" {
		name.Locality = []string{caConfig.LocalityName}
	}
	if caConfig.Organization != "" {
		name.Organization = []string{caConfig.Organization}
	}
	if caConfig.OrganizationUnit != "" {
		name.OrganizationalUnit = []string{caConfig.OrganizationUnit}
	}
	return name
}

// wrapCryptoErr keeps apperr codes raised inside WithDecryptedKey callbacks
// intact and classifies everything else as a crypto failure.
func wrapCryptoErr(err error, msg string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Crypto(err, "%s", msg)
}
