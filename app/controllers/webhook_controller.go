package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/MatsHolmberg/DesignDesk/internal/pkg/billing"
)

// HandleStripeWebhook receives card provider events. The exact raw body is
// verified against the Stripe-Signature header before anything is applied;
// payload contents are never logged on rejection.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))

	svc := billingService()
	event, err := svc.VerifyStripeWebhook(rawBody, signature)
	if err != nil {
		if errors.Is(err, billing.ErrSignatureInvalid) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	if err := svc.HandleWebhookEvent(event); err != nil {
		// Non-2xx makes the provider redeliver; the dedup row keeps the retry
		// from double-applying whatever already succeeded.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_apply_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleFortnoxWebhook receives invoicing provider events.
func HandleFortnoxWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Fortnox-Signature"))

	svc := billingService()
	event, err := svc.VerifyFortnoxWebhook(rawBody, signature)
	if err != nil {
		if errors.Is(err, billing.ErrSignatureInvalid) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	if err := svc.HandleWebhookEvent(event); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_apply_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
