package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/addspin/subca/controllers"
)

func Setup(app *fiber.App, h *controllers.Handler) {

	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Session establishment; login is on the middleware's public allowlist
	api.Post("/login", h.Login)
	api.Post("/logout", h.Logout)

	// CA lifecycle
	api.Post("/ca", h.InitCA)
	api.Get("/ca", h.ListCAs)
	api.Get("/ca/:id", h.GetCA)
	api.Get("/ca/:id/csr", h.GenerateCSR)
	api.Post("/ca/:id/activate", h.ActivateCA)
	api.Delete("/ca/:id", h.DeleteCA)
	api.Get("/ca/:caId/certs", h.ListCerts)

	// Certificates
	api.Post("/certs", h.IssueCert)
	api.Post("/certs/:id/renew", h.RenewCert)
	api.Post("/certs/:id/revoke", h.RevokeCert)
	api.Post("/certs/validate", h.ValidateCert)
	api.Get("/certs/:id/export", h.ExportCert)
	api.Post("/certs/:id/export/pkcs12", h.ExportPKCS12)

	// Revocation lists; GET is public for CRL consumers
	api.Get("/crl", h.GetCRL)
	api.Post("/ca/:id/crl", h.GenerateCRL)
	api.Post("/ca/:id/crl/delta", h.GenerateDeltaCRL)

	// OCSP per RFC 6960 appendix A; both verbs are public
	api.Post("/ocsp", h.OCSPPost)
	api.Get("/ocsp/*", h.OCSPGet)

	// Audit trail
	api.Get("/audit", h.ListAudit)
}
