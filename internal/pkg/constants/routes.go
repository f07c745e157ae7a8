package constants

// Static route constants
const (
	APIRoute    = "/api/v1"
	BillingBase = "/api/v1/billing"

	StripeWebhookRoute  = "/webhooks/stripe"
	FortnoxWebhookRoute = "/webhooks/fortnox"

	FortnoxConnectRoute  = "/user/billing/fortnox/connect"
	FortnoxCallbackRoute = "/user/billing/fortnox/callback"
)
