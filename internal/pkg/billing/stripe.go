package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	portalsession "github.com/stripe/stripe-go/v81/billingportal/session"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/invoice"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/MatsHolmberg/DesignDesk/app/models"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/env"
)

// StripeClient implements CardPaymentAdapter on top of stripe-go.
type StripeClient struct {
	webhookSecret string
	successURL    string
	cancelURL     string
	configured    bool
}

// NewStripeClientFromEnv configures the global Stripe key and returns the
// adapter. An empty STRIPE_SECRET_KEY leaves the adapter unconfigured; the
// orchestrator then serves local state only.
func NewStripeClientFromEnv() *StripeClient {
	secretKey := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if secretKey != "" {
		stripe.Key = secretKey
	}

	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	return &StripeClient{
		webhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		successURL:    env.GetEnv("STRIPE_SUCCESS_URL", base+"/user/billing/success"),
		cancelURL:     env.GetEnv("STRIPE_CANCEL_URL", base+"/user/billing/cancelled"),
		configured:    secretKey != "",
	}
}

func (s *StripeClient) Configured() bool {
	return s.configured
}

// CreateCheckout opens a hosted checkout session for a catalog item. One-time
// packages use payment mode, plans use subscription mode with a recurring
// price built from the catalog.
func (s *StripeClient) CreateCheckout(ctx context.Context, user CheckoutUser, item CatalogItem) (*CheckoutSession, error) {
	if !s.configured {
		return nil, ErrProviderNotConfigured
	}

	metadata := map[string]string{
		"user_id": strconv.FormatUint(uint64(user.ID), 10),
	}

	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(item.Currency),
		UnitAmount: stripe.Int64(item.PriceCents),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Description),
		},
	}

	mode := stripe.CheckoutSessionModePayment
	if item.Kind == models.PaymentTypeSubscription {
		mode = stripe.CheckoutSessionModeSubscription
		metadata["plan"] = item.Plan
		metadata["cycle"] = item.Cycle
		interval := "month"
		if item.Cycle == models.CycleYearly {
			interval = "year"
		}
		priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(interval),
		}
	} else {
		metadata["package_type"] = item.PackageType
	}

	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		Mode:              stripe.String(string(mode)),
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		CustomerEmail:     stripe.String(user.Email),
		ClientReferenceID: stripe.String(strconv.FormatUint(uint64(user.ID), 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: priceData,
				Quantity:  stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}
	if mode == stripe.CheckoutSessionModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	}

	cs, err := session.New(params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return &CheckoutSession{CheckoutURL: cs.URL, ExternalSessionID: cs.ID}, nil
}

// CreatePortalSession opens the Stripe customer portal for payment-method and
// invoice self-service.
func (s *StripeClient) CreatePortalSession(ctx context.Context, providerCustomerID, returnURL string) (string, error) {
	if !s.configured {
		return "", ErrProviderNotConfigured
	}
	if strings.TrimSpace(providerCustomerID) == "" {
		return "", fmt.Errorf("%w: no provider customer on file", ErrInvalidState)
	}
	ps, err := portalsession.New(&stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(providerCustomerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", wrapStripeError(err)
	}
	return ps.URL, nil
}

func (s *StripeClient) CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error {
	if !s.configured {
		return ErrProviderNotConfigured
	}
	var err error
	if atPeriodEnd {
		_, err = subscription.Update(providerSubscriptionID, &stripe.SubscriptionParams{
			Params:            stripe.Params{Context: ctx},
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	} else {
		_, err = subscription.Cancel(providerSubscriptionID, &stripe.SubscriptionCancelParams{
			Params: stripe.Params{Context: ctx},
		})
	}
	if err != nil {
		return wrapStripeError(err)
	}
	return nil
}

// ResumeSubscription clears a pending cancellation. The provider rejects the
// call when the subscription is not in a cancel-pending state.
func (s *StripeClient) ResumeSubscription(ctx context.Context, providerSubscriptionID string) error {
	if !s.configured {
		return ErrProviderNotConfigured
	}
	sub, err := subscription.Get(providerSubscriptionID, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return wrapStripeError(err)
	}
	if !sub.CancelAtPeriodEnd {
		return fmt.Errorf("%w: subscription is not pending cancellation", ErrInvalidState)
	}
	_, err = subscription.Update(providerSubscriptionID, &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return wrapStripeError(err)
	}
	return nil
}

// FetchPaymentStatus polls a checkout session, invoice or payment intent by
// its reference prefix and maps the provider status to the ledger's.
func (s *StripeClient) FetchPaymentStatus(ctx context.Context, providerRef string) (*PaymentStatusResult, error) {
	if !s.configured {
		return nil, ErrProviderNotConfigured
	}
	ref := strings.TrimSpace(providerRef)

	switch {
	case strings.HasPrefix(ref, "cs_"):
		cs, err := session.Get(ref, &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return nil, wrapStripeError(err)
		}
		status := models.PaymentStatusPending
		if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			status = models.PaymentStatusPaid
		}
		return &PaymentStatusResult{
			ProviderRef: cs.ID,
			Status:      status,
			AmountCents: cs.AmountTotal,
			Currency:    string(cs.Currency),
		}, nil
	case strings.HasPrefix(ref, "in_"):
		inv, err := invoice.Get(ref, &stripe.InvoiceParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return nil, wrapStripeError(err)
		}
		status := models.PaymentStatusPending
		switch inv.Status {
		case stripe.InvoiceStatusPaid:
			status = models.PaymentStatusPaid
		case stripe.InvoiceStatusUncollectible, stripe.InvoiceStatusVoid:
			status = models.PaymentStatusFailed
		}
		return &PaymentStatusResult{
			ProviderRef: inv.ID,
			Status:      status,
			AmountCents: inv.AmountPaid,
			Currency:    string(inv.Currency),
		}, nil
	default:
		pi, err := paymentintent.Get(ref, &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return nil, wrapStripeError(err)
		}
		status := models.PaymentStatusPending
		switch pi.Status {
		case stripe.PaymentIntentStatusSucceeded:
			status = models.PaymentStatusPaid
		case stripe.PaymentIntentStatusCanceled:
			status = models.PaymentStatusFailed
		}
		return &PaymentStatusResult{
			ProviderRef: pi.ID,
			Status:      status,
			AmountCents: pi.Amount,
			Currency:    string(pi.Currency),
		}, nil
	}
}

// VerifyWebhook checks the Stripe-Signature header against the raw body and
// normalizes the event. Payload contents are never logged on failure.
func (s *StripeClient) VerifyWebhook(payload []byte, signatureHeader string) (*ExternalEvent, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSignatureInvalid, models.ProviderStripe)
	}
	return normalizeStripeEvent(event, time.Now())
}

func normalizeStripeEvent(event stripe.Event, receivedAt time.Time) (*ExternalEvent, error) {
	ev := &ExternalEvent{
		Provider:        models.ProviderStripe,
		ProviderType:    string(event.Type),
		ExternalEventID: event.ID,
		ReceivedAt:      receivedAt,
		RawPayload:      event.Data.Raw,
	}

	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("parse checkout session: %w", err)
		}
		status := models.PaymentStatusPending
		if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			status = models.PaymentStatusPaid
		}
		ev.EventType = EventCheckoutCompleted
		ev.Payment = &PaymentUpdate{
			ProviderRef: cs.ID,
			Status:      status,
			AmountCents: cs.AmountTotal,
			Currency:    string(cs.Currency),
			UserRef:     parseUserRef(cs.ClientReferenceID),
			Mode:        string(cs.Mode),
			PackageType: cs.Metadata["package_type"],
			Plan:        cs.Metadata["plan"],
			Cycle:       cs.Metadata["cycle"],
		}
		if cs.Subscription != nil {
			ev.Payment.ProviderSubscriptionID = cs.Subscription.ID
		}
		if cs.Customer != nil {
			ev.Payment.ProviderCustomerID = cs.Customer.ID
		}

	case "customer.subscription.updated", "customer.subscription.created":
		sub, err := parseStripeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev.EventType = EventSubscriptionUpdated
		ev.Subscription = sub

	case "customer.subscription.deleted":
		sub, err := parseStripeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev.EventType = EventSubscriptionDeleted
		ev.Subscription = sub

	case "invoice.paid", "invoice.payment_succeeded":
		pu, err := parseStripeInvoice(event.Data.Raw, models.PaymentStatusPaid)
		if err != nil {
			return nil, err
		}
		ev.EventType = EventInvoicePaid
		ev.Payment = pu

	case "invoice.payment_failed":
		pu, err := parseStripeInvoice(event.Data.Raw, models.PaymentStatusFailed)
		if err != nil {
			return nil, err
		}
		ev.EventType = EventInvoicePaymentFailed
		ev.Payment = pu

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("parse charge: %w", err)
		}
		ref := ch.ID
		if ch.PaymentIntent != nil {
			ref = ch.PaymentIntent.ID
		}
		ev.EventType = EventPaymentRefunded
		ev.Payment = &PaymentUpdate{
			ProviderRef: ref,
			Status:      models.PaymentStatusRefunded,
			AmountCents: ch.AmountRefunded,
			Currency:    string(ch.Currency),
		}

	default:
		ev.EventType = EventUnknown
	}

	return ev, nil
}

func parseStripeSubscription(raw json.RawMessage) (*SubscriptionUpdate, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("parse subscription: %w", err)
	}
	out := &SubscriptionUpdate{
		ProviderSubscriptionID: sub.ID,
		ProviderStatus:         string(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.ProviderCustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodStart > 0 {
		t := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		out.CurrentPeriodStart = &t
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		out.CurrentPeriodEnd = &t
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		out.CancelledAt = &t
	}
	return out, nil
}

func parseStripeInvoice(raw json.RawMessage, status string) (*PaymentUpdate, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("parse invoice: %w", err)
	}
	amount := inv.AmountPaid
	if status == models.PaymentStatusFailed {
		amount = inv.AmountDue
	}
	pu := &PaymentUpdate{
		ProviderRef: inv.ID,
		Status:      status,
		AmountCents: amount,
		Currency:    string(inv.Currency),
		Description: fmt.Sprintf("Subscription cycle invoice %s", inv.Number),
	}
	if inv.Subscription != nil {
		pu.ProviderSubscriptionID = inv.Subscription.ID
	}
	if inv.PeriodStart > 0 {
		t := time.Unix(inv.PeriodStart, 0).UTC()
		pu.PeriodStart = &t
	}
	return pu, nil
}

func parseUserRef(ref string) uint {
	n, err := strconv.ParseUint(strings.TrimSpace(ref), 10, 64)
	if err != nil {
		return 0
	}
	return uint(n)
}

// mapStripeSubscriptionStatus maps provider lifecycle states onto the local
// state machine. past_due stays active: providers retry dunning before
// cancelling, and cancellation only arrives as subscription.deleted.
func mapStripeSubscriptionStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active", "trialing", "past_due":
		return models.SubscriptionStatusActive
	case "paused":
		return models.SubscriptionStatusPaused
	case "canceled", "cancelled", "incomplete_expired":
		return models.SubscriptionStatusCancelled
	default:
		return models.SubscriptionStatusActive
	}
}

func wrapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: stripe status=%d", ErrProviderUnavailable, stripeErr.HTTPStatusCode)
		}
		if stripeErr.HTTPStatusCode == 404 {
			return fmt.Errorf("%w: %s", ErrNotFound, stripeErr.Code)
		}
		return fmt.Errorf("stripe request failed: %s", stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
