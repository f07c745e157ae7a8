package controllers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/MatsHolmberg/DesignDesk/internal/pkg/billing"
)

// writeBillingError maps billing sentinel errors onto HTTP responses. Internal
// detail never leaves the process; clients get a stable error code.
func writeBillingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrUnauthenticated):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "unauthenticated", "message": "login required",
		})
	case errors.Is(err, billing.ErrUnauthorized):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "forbidden", "message": "resource belongs to another user",
		})
	case errors.Is(err, billing.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "not_found", "message": "billing record not found",
		})
	case errors.Is(err, billing.ErrInvalidInput):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "invalid_input", "message": err.Error(),
		})
	case errors.Is(err, billing.ErrInvalidState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "invalid_state", "message": err.Error(),
		})
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "provider_not_configured", "message": "billing provider is not configured",
		})
	case errors.Is(err, billing.ErrProviderUnavailable):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "provider_unavailable", "message": "billing provider is unreachable",
		})
	default:
		log.Printf("[Billing] unexpected error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "something went wrong",
		})
	}
}
