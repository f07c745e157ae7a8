package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/MatsHolmberg/DesignDesk/app/models"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/usercontext"
)

// UserContextMiddleware resolves the authenticated user for every request.
// The portal gateway terminates authentication and forwards the verified
// identity in X-User-Id / X-User-Email / X-User-Role headers; requests
// arriving without them are treated as anonymous.
func UserContextMiddleware(c *fiber.Ctx) error {
	rawID := strings.TrimSpace(c.Get("X-User-Id"))
	userID, err := strconv.ParseUint(rawID, 10, 64)
	if rawID == "" || err != nil || userID == 0 {
		c.Locals(usercontext.KeyUserContext, usercontext.UserContext{
			IsLoggedIn: false,
			IsAdmin:    false,
		})
		return c.Next()
	}

	role := strings.TrimSpace(c.Get("X-User-Role"))
	userCtx := usercontext.UserContext{
		UserID:     uint(userID),
		Email:      strings.TrimSpace(c.Get("X-User-Email")),
		IsLoggedIn: true,
		IsAdmin:    role == models.ROLE_ADMIN,
	}
	c.Locals(usercontext.KeyUserContext, userCtx)
	c.Locals(usercontext.KeyUserID, userCtx.UserID)
	c.Locals(usercontext.KeyUserEmail, userCtx.Email)
	c.Locals(usercontext.KeyIsAdmin, userCtx.IsAdmin)

	return c.Next()
}
