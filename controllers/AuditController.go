package controllers

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/authz"
)

// ListAudit returns the audit trail, newest first. Any authenticated role
// may read it; nothing can write it through the API.
func (h *Handler) ListAudit(c fiber.Ctx) error {
	if err := authz.Require(identity(c), authz.CapViewAudit); err != nil {
		return fail(c, err)
	}
	limit, err := strconv.Atoi(c.Query("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		return fail(c, apperr.Validation("limit must be between 1 and 1000"))
	}
	offset, err := strconv.Atoi(c.Query("offset", "0"))
	if err != nil || offset < 0 {
		return fail(c, apperr.Validation("offset must not be negative"))
	}
	entries, err := h.Store.ListAudit(c.Context(), limit, offset)
	if err != nil {
		return fail(c, apperr.Persistence(err, "list audit entries"))
	}
	return c.JSON(fiber.Map{"status": "ok", "entries": entries})
}
