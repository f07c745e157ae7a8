package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/MatsHolmberg/DesignDesk/app/models"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/billing"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/database"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/usercontext"
)

const providerCallTimeout = 20 * time.Second

func billingService() *billing.Service {
	return billing.NewServiceFromDB(database.GetDB())
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), providerCallTimeout)
}

type checkoutPackageRequest struct {
	PackageType string `json:"package_type"`
}

// HandleCheckoutPackage starts a card checkout for a one-time design package.
func HandleCheckoutPackage(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return writeBillingError(c, billing.ErrUnauthenticated)
	}

	var req checkoutPackageRequest
	if err := c.BodyParser(&req); err != nil {
		return writeBillingError(c, billing.ErrInvalidInput)
	}

	ctx, cancel := requestContext()
	defer cancel()

	session, err := billingService().StartPackageCheckout(ctx, userCtx.UserID, req.PackageType)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"checkout_url": session.CheckoutURL,
		"session_id":   session.ExternalSessionID,
	})
}

type checkoutSubscriptionRequest struct {
	Plan  string `json:"plan"`
	Cycle string `json:"cycle"`
}

// HandleCheckoutSubscription starts a card checkout for a subscription plan.
func HandleCheckoutSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return writeBillingError(c, billing.ErrUnauthenticated)
	}

	var req checkoutSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return writeBillingError(c, billing.ErrInvalidInput)
	}

	ctx, cancel := requestContext()
	defer cancel()

	session, err := billingService().StartSubscriptionCheckout(ctx, userCtx.UserID, req.Plan, req.Cycle)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"checkout_url": session.CheckoutURL,
		"session_id":   session.ExternalSessionID,
	})
}

// HandleCreateInvoice bills a package through the linked invoicing provider.
func HandleCreateInvoice(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return writeBillingError(c, billing.ErrUnauthenticated)
	}

	var req billing.InvoiceRequest
	if err := c.BodyParser(&req); err != nil {
		return writeBillingError(c, billing.ErrInvalidInput)
	}

	ctx, cancel := requestContext()
	defer cancel()

	result, payment, err := billingService().CreateInvoice(ctx, userCtx.UserID, req)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"invoice_id":     result.InvoiceID,
		"invoice_number": result.InvoiceNumber,
		"payment_url":    result.PaymentURL,
		"payment":        payment,
	})
}

type cancelSubscriptionRequest struct {
	AtPeriodEnd *bool `json:"at_period_end"`
}

// HandleCancelSubscription cancels the caller's subscription. Defaults to
// at-period-end; pass at_period_end=false for immediate cancellation.
func HandleCancelSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return writeBillingError(c, billing.ErrUnauthenticated)
	}

	// Body is optional; default is an at-period-end cancellation.
	var req cancelSubscriptionRequest
	_ = c.BodyParser(&req)
	atPeriodEnd := true
	if req.AtPeriodEnd != nil {
		atPeriodEnd = *req.AtPeriodEnd
	}

	ctx, cancel := requestContext()
	defer cancel()

	sub, err := billingService().CancelSubscription(ctx, userCtx.UserID, atPeriodEnd)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(sub)
}

// HandleResumeSubscription clears a pending cancellation.
func HandleResumeSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return writeBillingError(c, billing.ErrUnauthenticated)
	}

	ctx, cancel := requestContext()
	defer cancel()

	sub, err := billingService().ResumeSubscription(ctx, userCtx.UserID)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(sub)
}

// HandleGetSubscription returns the caller's subscription.
func HandleGetSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return writeBillingError(c, billing.ErrUnauthenticated)
	}

	sub, err := billingService().GetSubscription(userCtx.UserID)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(sub)
}

// HandleListPayments returns the caller's recent payment history.
func HandleListPayments(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return writeBillingError(c, billing.ErrUnauthenticated)
	}

	payments, err := billingService().ListPayments(userCtx.UserID, c.QueryInt("limit", 50))
	if err != nil {
		return writeBillingError(c, err)
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"payments": payments})
}

// HandleSyncPaymentStatus polls the owning provider for one payment and
// returns the reconciled row.
func HandleSyncPaymentStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return writeBillingError(c, billing.ErrUnauthenticated)
	}

	paymentID, err := c.ParamsInt("id")
	if err != nil || paymentID <= 0 {
		return writeBillingError(c, billing.ErrInvalidInput)
	}

	ctx, cancel := requestContext()
	defer cancel()

	payment, err := billingService().SyncPaymentStatus(ctx, userCtx.UserID, uint(paymentID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return writeBillingError(c, billing.ErrNotFound)
		}
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(payment)
}

// HandleCustomerPortal returns a provider-hosted self-service portal URL.
func HandleCustomerPortal(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return writeBillingError(c, billing.ErrUnauthenticated)
	}

	ctx, cancel := requestContext()
	defer cancel()

	url, err := billingService().CustomerPortalURL(ctx, userCtx.UserID, c.Query("return_url", "/user/billing"))
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"portal_url": url})
}
