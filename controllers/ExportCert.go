package controllers

import (
	"database/sql"
	"encoding/pem"
	"errors"

	"github.com/gofiber/fiber/v3"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/models"
)

// ExportCert serves a stored certificate as PEM (default) or DER via
// ?format=der. Private keys are never stored, so this endpoint only ever
// returns public material.
func (h *Handler) ExportCert(c fiber.Ctx) error {
	cert, err := h.loadCert(c)
	if err != nil {
		return fail(c, err)
	}

	switch c.Query("format", "pem") {
	case "pem":
		c.Set("Content-Type", "application/x-pem-file")
		c.Set("Content-Disposition", `attachment; filename="`+cert.CommonName+`.pem"`)
		return c.SendString(cert.CertificatePEM)
	case "der":
		block, _ := pem.Decode([]byte(cert.CertificatePEM))
		if block == nil {
			return fail(c, apperr.Persistence(nil, "stored certificate is not valid PEM"))
		}
		c.Set("Content-Type", "application/pkix-cert")
		c.Set("Content-Disposition", `attachment; filename="`+cert.CommonName+`.der"`)
		return c.Send(block.Bytes)
	default:
		return fail(c, apperr.Validation("format must be pem or der"))
	}
}

type pkcs12Request struct {
	PrivateKeyPEM string `json:"privateKeyPem"`
	Password      string `json:"password"`
}

// ExportPKCS12 bundles a stored certificate, the caller-supplied private key
// and the CA chain into a password-protected PKCS#12 archive. The key is
// used for the one encode call and discarded.
func (h *Handler) ExportPKCS12(c fiber.Ctx) error {
	cert, err := h.loadCert(c)
	if err != nil {
		return fail(c, err)
	}

	var req pkcs12Request
	if err := c.Bind().JSON(&req); err != nil {
		return fail(c, apperr.Validation("cannot parse JSON body"))
	}
	if req.Password == "" {
		return fail(c, apperr.Validation("password must not be empty"))
	}

	key, err := crypts.ParsePrivateKeyPEM([]byte(req.PrivateKeyPEM))
	if err != nil {
		return fail(c, apperr.Validation("privateKeyPem: %v", err))
	}

	leaf, err := crypts.ParseCertificatePEM([]byte(cert.CertificatePEM))
	if err != nil {
		return fail(c, apperr.Persistence(err, "parse stored certificate"))
	}

	caConfig, err := h.Store.CAByID(c.Context(), cert.CAID)
	if err != nil {
		return fail(c, apperr.Persistence(err, "load issuing CA"))
	}
	chain, err := crypts.ParseCertificateChainPEM(
		[]byte(caConfig.CertificatePEM + caConfig.ChainPEM))
	if err != nil {
		return fail(c, apperr.Persistence(err, "parse CA chain"))
	}

	pfx, err := pkcs12.Modern.Encode(key, leaf, chain, req.Password)
	if err != nil {
		return fail(c, apperr.Crypto(err, "encode PKCS#12 archive"))
	}

	c.Set("Content-Type", "application/x-pkcs12")
	c.Set("Content-Disposition", `attachment; filename="`+cert.CommonName+`.p12"`)
	return c.Send(pfx)
}

func (h *Handler) loadCert(c fiber.Ctx) (*models.Certificate, error) {
	cert, err := h.Store.CertByID(c.Context(), c.Params("id"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("certificate %s not found", c.Params("id"))
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load certificate")
	}
	return cert, nil
}
