package controllers

import (
	"database/sql"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v3"

	"github.com/addspin/subca/apperr"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/middleware"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login verifies the credentials against the users table and establishes the
// session the auth middleware reads. Unknown users and wrong passwords get
// the same answer.
func (h *Handler) Login(c fiber.Ctx) error {
	var req loginRequest
	if err := c.Bind().JSON(&req); err != nil {
		return fail(c, apperr.Validation("cannot parse JSON body"))
	}
	if req.Username == "" || req.Password == "" {
		return fail(c, apperr.Validation("username and password are required"))
	}

	user, err := h.Store.UserByUsername(c.Context(), req.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return invalidCredentials(c)
	}
	if err != nil {
		return fail(c, apperr.Persistence(err, "look up user"))
	}
	if !crypts.VerifyPassword([]byte(req.Password), user.Salt, user.PasswordHash) {
		slog.Warn("login rejected", "username", req.Username)
		return invalidCredentials(c)
	}

	sess, err := middleware.Store.Get(c)
	if err != nil {
		return fail(c, apperr.Persistence(err, "open session"))
	}
	sess.Set("authenticated", true)
	sess.Set("user_id", user.ID)
	sess.Set("role", user.Role)
	if err := sess.Save(); err != nil {
		return fail(c, apperr.Persistence(err, "save session"))
	}

	return c.JSON(fiber.Map{"status": "ok", "role": user.Role})
}

// Logout drops the authentication keys from the session.
func (h *Handler) Logout(c fiber.Ctx) error {
	sess, err := middleware.Store.Get(c)
	if err != nil {
		return fail(c, apperr.Persistence(err, "open session"))
	}
	sess.Delete("authenticated")
	sess.Delete("user_id")
	sess.Delete("role")
	if err := sess.Save(); err != nil {
		return fail(c, apperr.Persistence(err, "save session"))
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func invalidCredentials(c fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"status":  "error",
		"code":    "unauthenticated",
		"message": "invalid username or password",
	})
}
