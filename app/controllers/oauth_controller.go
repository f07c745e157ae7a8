package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/MatsHolmberg/DesignDesk/internal/pkg/billing"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/usercontext"
)

// HandleFortnoxConnect starts the OAuth flow that links the caller's Fortnox
// company to their portal account. The state nonce is bound to the user and
// consumed exactly once by the callback.
func HandleFortnoxConnect(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return writeBillingError(c, billing.ErrUnauthenticated)
	}

	url, err := billingService().BeginFortnoxLink(userCtx.UserID)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Redirect(url, fiber.StatusSeeOther)
}

// HandleFortnoxCallback completes the OAuth flow: validates state, exchanges
// the code and stores the encrypted token pair.
func HandleFortnoxCallback(c *fiber.Ctx) error {
	if oauthErr := strings.TrimSpace(c.Query("error")); oauthErr != "" {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":   "oauth_failed",
			"message": c.Query("error_description", oauthErr),
		})
	}

	state := strings.TrimSpace(c.Query("state"))
	code := strings.TrimSpace(c.Query("code"))

	ctx, cancel := requestContext()
	defer cancel()

	account, err := billingService().CompleteFortnoxLink(ctx, state, code)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"linked":              true,
		"provider":            account.Provider,
		"provider_account_id": account.ProviderAccountID,
	})
}
