package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/MatsHolmberg/DesignDesk/internal/pkg/env"
)

// ServiceKeyAuthMiddleware authenticates internal service-to-service calls
// carrying the shared key header. Used for operational endpoints that no
// portal user should reach.
func ServiceKeyAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := env.GetEnv("BILLING_SERVICE_KEY", "")
		if expected == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":   "service_unavailable",
				"message": "internal API is not configured",
			})
		}

		got := extractServiceKey(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "invalid service key",
			})
		}
		return c.Next()
	}
}

func extractServiceKey(c *fiber.Ctx) string {
	key := strings.TrimSpace(c.Get("X-Service-Key"))
	if key != "" {
		return key
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
