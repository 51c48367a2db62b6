package controllers

import (
	"github.com/gofiber/fiber/v3"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/issuer"
)

// IssueCert issues a new certificate. The private key PEM appears in the
// response exactly once when the key pair was generated server-side.
func (h *Handler) IssueCert(c fiber.Ctx) error {
	var req issuer.IssueRequest
	if err := c.Bind().JSON(&req); err != nil {
		return fail(c, apperr.Validation("cannot parse JSON body"))
	}
	result, err := h.Issuer.Issue(c.Context(), identity(c), req)
	if err != nil {
		return fail(c, err)
	}
	resp := fiber.Map{
		"status":         "ok",
		"certificate":    result.Certificate,
		"certificatePem": string(result.CertificatePEM),
	}
	if result.PrivateKeyPEM != nil {
		resp["privateKeyPem"] = string(result.PrivateKeyPEM)
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// RenewCert issues a replacement certificate for an existing one.
func (h *Handler) RenewCert(c fiber.Ctx) error {
	result, err := h.Issuer.Renew(c.Context(), identity(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status":         "ok",
		"certificate":    result.Certificate,
		"certificatePem": string(result.CertificatePEM),
	})
}

func (h *Handler) ListCerts(c fiber.Ctx) error {
	certs, err := h.Store.ListCertsByCA(c.Context(), c.Params("caId"))
	if err != nil {
		return fail(c, apperr.Persistence(err, "list certificates"))
	}
	return c.JSON(fiber.Map{"status": "ok", "certificates": certs})
}

type validateRequest struct {
	CertificatePEM  string `json:"certificatePem"`
	CheckRevocation bool   `json:"checkRevocation"`
}

// ValidateCert runs the full chain/window/constraint validation and returns
// every violation found.
func (h *Handler) ValidateCert(c fiber.Ctx) error {
	var req validateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return fail(c, apperr.Validation("cannot parse JSON body"))
	}
	result, err := h.Validator.Validate(c.Context(), []byte(req.CertificatePEM), req.CheckRevocation)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok", "result": result})
}
