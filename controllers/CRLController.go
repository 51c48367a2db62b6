package controllers

import (
	"database/sql"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/addspin/subca/apperr"
)

// GetCRL serves the latest generated CRL as DER. ?delta=true serves the
// latest delta CRL instead. Public route; CRL consumers do not authenticate.
func (h *Handler) GetCRL(c fiber.Ctx) error {
	caConfig, err := h.Store.ActiveCA(c.Context())
	if errors.Is(err, sql.ErrNoRows) {
		return fail(c, apperr.NotFound("no active CA"))
	}
	if err != nil {
		return fail(c, apperr.Persistence(err, "load active CA"))
	}

	delta := c.Query("delta") == "true"
	crl, err := h.Revoker.Latest(c.Context(), caConfig.ID, delta)
	if err != nil {
		return fail(c, err)
	}

	c.Set("Content-Type", "application/pkix-crl")
	c.Set("Content-Disposition", `attachment; filename="subca.crl"`)
	return c.Send(crl.DER)
}

// GenerateCRL triggers generation of a fresh full CRL for a CA.
func (h *Handler) GenerateCRL(c fiber.Ctx) error {
	crl, err := h.Revoker.GenerateCRL(c.Context(), identity(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "ok", "crl": crl})
}

// GenerateDeltaCRL triggers generation of a delta CRL against the latest
// full CRL.
func (h *Handler) GenerateDeltaCRL(c fiber.Ctx) error {
	crl, err := h.Revoker.GenerateDeltaCRL(c.Context(), identity(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "ok", "crl": crl})
}
