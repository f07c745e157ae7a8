package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/MatsHolmberg/DesignDesk/app/controllers"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/constants"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/middleware"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	h.registerWebhookRoutes(app)
	h.registerOAuthRoutes(app)
}

// Provider webhooks bypass user auth entirely; the controller verifies the
// payload signature against the raw body.
func (h HttpRouter) registerWebhookRoutes(app *fiber.App) {
	app.Post(constants.StripeWebhookRoute, controllers.HandleStripeWebhook)
	app.Post(constants.FortnoxWebhookRoute, controllers.HandleFortnoxWebhook)
}

func (h HttpRouter) registerOAuthRoutes(app *fiber.App) {
	app.Get(constants.FortnoxConnectRoute, middleware.RequireAuth, controllers.HandleFortnoxConnect)
	app.Get(constants.FortnoxCallbackRoute, controllers.HandleFortnoxCallback)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
