package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/MatsHolmberg/DesignDesk/internal/pkg/billing"
)

// HandleInternalResyncPayment polls the provider for any payment by id.
// Sits behind the service-key middleware; meant for ops tooling when a
// webhook delivery was lost.
func HandleInternalResyncPayment(c *fiber.Ctx) error {
	paymentID, err := c.ParamsInt("id")
	if err != nil || paymentID <= 0 {
		return writeBillingError(c, billing.ErrInvalidInput)
	}

	ctx, cancel := requestContext()
	defer cancel()

	payment, err := billingService().ResyncPayment(ctx, uint(paymentID))
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(payment)
}
