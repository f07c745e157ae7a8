package billing

import (
	"context"
	"time"
)

// Normalized event types produced by the provider adapters. Both webhook and
// poll paths emit these so the reconciler applies one rule set.
const (
	EventCheckoutCompleted    = "checkout.completed"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionDeleted  = "subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventPaymentRefunded      = "payment.refunded"
	EventUnknown              = "unknown"
)

// ExternalEvent is the provider-agnostic envelope handed to the reconciler.
// Provider + ExternalEventID form the idempotency key.
type ExternalEvent struct {
	Provider        string
	EventType       string
	ProviderType    string // raw provider event type, kept for the audit row
	ExternalEventID string
	ReceivedAt      time.Time
	RawPayload      []byte

	Subscription *SubscriptionUpdate
	Payment      *PaymentUpdate
}

// SubscriptionUpdate carries the provider's view of a subscription.
type SubscriptionUpdate struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderStatus         string
	CancelAtPeriodEnd      bool
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelledAt            *time.Time
}

// PaymentUpdate carries the provider's view of a single billable event.
type PaymentUpdate struct {
	ProviderRef            string
	Status                 string // normalized payment status (models.PaymentStatus*)
	AmountCents            int64
	Currency               string
	Description            string
	UserRef                uint   // portal user id from provider metadata, 0 if absent
	ProviderSubscriptionID string // non-empty for subscription cycle payments
	ProviderCustomerID     string
	ProviderAccountID      string // provider tenant/company id, for billing-account attribution
	PeriodStart            *time.Time
	PackageType            string
	Plan                   string
	Cycle                  string
	Mode                   string // "payment" or "subscription" for checkout events
}

// CheckoutUser identifies the purchasing portal user towards a provider.
type CheckoutUser struct {
	ID    uint
	Email string
	Name  string
}

// CheckoutSession is the result of starting a hosted checkout.
type CheckoutSession struct {
	CheckoutURL       string
	ExternalSessionID string
}

// InvoiceResult is the result of creating an invoice with the invoicing
// provider.
type InvoiceResult struct {
	InvoiceID     string
	InvoiceNumber string
	PaymentURL    string
	TotalCents    int64
	Currency      string
}

// PaymentStatusResult is a poll result for a single external payment.
type PaymentStatusResult struct {
	ProviderRef string
	Status      string // normalized payment status
	AmountCents int64
	Currency    string
}

// CardPaymentAdapter wraps the card-payment provider (Stripe). Adapters never
// touch the local ledger; all ledger writes go through the reconciler.
type CardPaymentAdapter interface {
	Configured() bool
	CreateCheckout(ctx context.Context, user CheckoutUser, item CatalogItem) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, providerCustomerID, returnURL string) (string, error)
	CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error
	ResumeSubscription(ctx context.Context, providerSubscriptionID string) error
	FetchPaymentStatus(ctx context.Context, providerRef string) (*PaymentStatusResult, error)
	VerifyWebhook(payload []byte, signatureHeader string) (*ExternalEvent, error)
}

// InvoicingAdapter wraps the invoicing/accounting provider (Fortnox).
type InvoicingAdapter interface {
	Configured(ctx context.Context, userID uint) bool
	CreateInvoice(ctx context.Context, user CheckoutUser, item CatalogItem) (*InvoiceResult, error)
	FetchPaymentStatus(ctx context.Context, userID uint, invoiceRef string) (*PaymentStatusResult, error)
	VerifyWebhook(payload []byte, signatureHeader string) (*ExternalEvent, error)
}
