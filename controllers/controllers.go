// Package controllers holds the fiber handlers for the HTTP API. Handlers
// parse and bind, delegate to the core services and translate the error
// taxonomy into HTTP statuses; no certificate logic lives here.
package controllers

import (
	"github.com/gofiber/fiber/v3"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/authz"
	"github.com/addspin/subca/ca"
	"github.com/addspin/subca/check"
	"github.com/addspin/subca/issuer"
	"github.com/addspin/subca/ocsp"
	"github.com/addspin/subca/revoke"
	"github.com/addspin/subca/store"
)

type Handler struct {
	CA        *ca.Service
	Issuer    *issuer.Issuer
	Revoker   *revoke.Manager
	Responder *ocsp.Responder
	Validator *check.Validator
	Store     *store.Store
}

// identity returns the caller resolved by the auth middleware. Handlers on
// public routes never call this.
func identity(c fiber.Ctx) authz.Identity {
	id, _ := c.Locals("identity").(authz.Identity)
	return id
}

var statusByCode = map[apperr.Code]int{
	apperr.CodeValidation:      fiber.StatusBadRequest,
	apperr.CodeAlreadyRevoked:  fiber.StatusBadRequest,
	apperr.CodeAuthorization:   fiber.StatusForbidden,
	apperr.CodeNotFound:        fiber.StatusNotFound,
	apperr.CodeConflict:        fiber.StatusConflict,
	apperr.CodeCAUnavailable:   fiber.StatusServiceUnavailable,
	apperr.CodeSerialCollision: fiber.StatusInternalServerError,
	apperr.CodeCrypto:          fiber.StatusInternalServerError,
	apperr.CodePersistence:     fiber.StatusInternalServerError,
}

// fail renders one machine-readable error envelope for every failure.
func fail(c fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(fiber.Map{
		"status":  "error",
		"code":    code,
		"message": err.Error(),
	})
}
