package billing

import (
	"context"
	"fmt"
	"time"
)

// FortnoxAdapter binds the Fortnox API client to per-user stored tokens,
// implementing InvoicingAdapter.
type FortnoxAdapter struct {
	client *FortnoxClient
	tokens *TokenStore
}

func NewFortnoxAdapter(client *FortnoxClient, tokens *TokenStore) *FortnoxAdapter {
	return &FortnoxAdapter{client: client, tokens: tokens}
}

// Configured reports whether the app credentials exist and the user has a
// linked account with a stored token.
func (a *FortnoxAdapter) Configured(ctx context.Context, userID uint) bool {
	_ = ctx
	if a == nil || a.client == nil || a.tokens == nil {
		return false
	}
	return a.client.HasCredentials() && a.tokens.HasAccount(userID)
}

func (a *FortnoxAdapter) CreateInvoice(ctx context.Context, user CheckoutUser, item CatalogItem) (*InvoiceResult, error) {
	token, err := a.tokens.AccessToken(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	res, err := a.client.CreateInvoice(ctx, token, user.Name, item)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (a *FortnoxAdapter) FetchPaymentStatus(ctx context.Context, userID uint, invoiceRef string) (*PaymentStatusResult, error) {
	token, err := a.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.client.GetInvoiceStatus(ctx, token, invoiceRef)
}

// VerifyWebhook checks the signature against the shared webhook secret and
// normalizes the body. Fortnox webhooks are account-scoped, not user-scoped,
// so no token lookup happens here.
func (a *FortnoxAdapter) VerifyWebhook(payload []byte, signatureHeader string) (*ExternalEvent, error) {
	if !VerifyFortnoxWebhookSignature(payload, signatureHeader, a.client.WebhookSecret) {
		return nil, fmt.Errorf("%w: fortnox", ErrSignatureInvalid)
	}
	return ParseFortnoxWebhook(payload, time.Now())
}
