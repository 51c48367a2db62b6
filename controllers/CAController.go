package controllers

import (
	"github.com/gofiber/fiber/v3"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/ca"
)

// InitCA creates a new CA in PENDING state and returns its configuration.
func (h *Handler) InitCA(c fiber.Ctx) error {
	var req ca.InitRequest
	if err := c.Bind().JSON(&req); err != nil {
		return fail(c, apperr.Validation("cannot parse JSON body"))
	}
	caConfig, err := h.CA.Init(c.Context(), identity(c), req)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "ok", "ca": caConfig})
}

// GenerateCSR returns a PEM CSR for the CA key, to be signed by the parent.
func (h *Handler) GenerateCSR(c fiber.Ctx) error {
	csrPEM, err := h.CA.GenerateCSR(c.Context(), identity(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	c.Set("Content-Type", "application/pkcs10")
	return c.Send(csrPEM)
}

type activateRequest struct {
	CertificatePEM string `json:"certificatePem"`
	ChainPEM       string `json:"chainPem"`
}

// ActivateCA installs the signed CA certificate and marks the CA ACTIVE.
func (h *Handler) ActivateCA(c fiber.Ctx) error {
	var req activateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return fail(c, apperr.Validation("cannot parse JSON body"))
	}
	caConfig, err := h.CA.Activate(c.Context(), identity(c), c.Params("id"),
		[]byte(req.CertificatePEM), []byte(req.ChainPEM))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok", "ca": caConfig})
}

func (h *Handler) ListCAs(c fiber.Ctx) error {
	cas, err := h.CA.List(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok", "cas": cas})
}

func (h *Handler) GetCA(c fiber.Ctx) error {
	caConfig, err := h.CA.Get(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok", "ca": caConfig})
}

func (h *Handler) DeleteCA(c fiber.Ctx) error {
	if err := h.CA.Delete(c.Context(), identity(c), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
