package controllers

import (
	"github.com/gofiber/fiber/v3"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/models"
)

type revokeRequest struct {
	Reason models.RevocationReason `json:"reason"`
}

// RevokeCert revokes one certificate. Unknown certificates yield 404,
// invalid reasons and repeat revocations 400.
func (h *Handler) RevokeCert(c fiber.Ctx) error {
	var req revokeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return fail(c, apperr.Validation("cannot parse JSON body"))
	}
	rev, err := h.Revoker.Revoke(c.Context(), identity(c), c.Params("id"), req.Reason)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok", "revocation": rev})
}
