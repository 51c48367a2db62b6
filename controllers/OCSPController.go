package controllers

import (
	"encoding/base64"
	"net/url"

	"github.com/gofiber/fiber/v3"
)

// OCSPPost answers an OCSP request carried in the POST body as DER
// (RFC 6960 appendix A). Responses are always 200; failures are encoded in
// the OCSP response status itself.
func (h *Handler) OCSPPost(c fiber.Ctx) error {
	c.Set("Content-Type", "application/ocsp-response")
	return c.Send(h.Responder.Respond(c.Context(), c.Body()))
}

// OCSPGet answers an OCSP request carried base64- and URL-encoded in the
// request path, the lightweight GET variant used by browsers.
func (h *Handler) OCSPGet(c fiber.Ctx) error {
	c.Set("Content-Type", "application/ocsp-response")

	encoded, err := url.PathUnescape(c.Params("*"))
	if err != nil {
		return c.Send(h.Responder.Respond(c.Context(), nil))
	}
	reqDER, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return c.Send(h.Responder.Respond(c.Context(), nil))
	}
	return c.Send(h.Responder.Respond(c.Context(), reqDER))
}
