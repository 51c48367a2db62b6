package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/session"

	"github.com/addspin/subca/authz"
)

// Session store
var Store = session.NewStore()

// Public routes that don't require authentication. CRL and OCSP consumers
// are anonymous by protocol; login is where a session comes from.
var publicRoutes = []string{
	"/api/v1/login",
	"/api/v1/crl",
	"/api/v1/ocsp",
	"/healthz",
}

// AuthMiddleware resolves the session into an identity for the handlers.
// Requests without a valid session on a protected route get a JSON 401.
func AuthMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		path := c.Path()

		for _, route := range publicRoutes {
			if path == route || strings.HasPrefix(path, route+"/") {
				return c.Next()
			}
		}

		sess, err := Store.Get(c)
		if err != nil {
			return unauthorized(c)
		}

		auth := sess.Get("authenticated")
		if auth == nil || !auth.(bool) {
			return unauthorized(c)
		}

		userID, _ := sess.Get("user_id").(string)
		role, _ := sess.Get("role").(string)
		if userID == "" || role == "" {
			return unauthorized(c)
		}

		c.Locals("identity", authz.Identity{
			UserID: userID,
			Role:   authz.Role(role),
		})
		return c.Next()
	}
}

func unauthorized(c fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"status":  "error",
		"code":    "unauthenticated",
		"message": "authentication required",
	})
}
