package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/MatsHolmberg/DesignDesk/app/controllers"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "DesignDesk billing API",
		})
	})

	v1 := api.Group("/v1")

	billing := v1.Group("/billing", middleware.RequireAuth)
	billing.Post("/checkout/package", controllers.HandleCheckoutPackage)
	billing.Post("/checkout/subscription", controllers.HandleCheckoutSubscription)
	billing.Post("/invoices", controllers.HandleCreateInvoice)
	billing.Get("/subscription", controllers.HandleGetSubscription)
	billing.Post("/subscription/cancel", controllers.HandleCancelSubscription)
	billing.Post("/subscription/resume", controllers.HandleResumeSubscription)
	billing.Get("/payments", controllers.HandleListPayments)
	billing.Post("/payments/:id/sync", controllers.HandleSyncPaymentStatus)
	billing.Get("/portal", controllers.HandleCustomerPortal)

	internal := v1.Group("/internal", middleware.ServiceKeyAuthMiddleware())
	internal.Post("/payments/:id/resync", controllers.HandleInternalResyncPayment)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
