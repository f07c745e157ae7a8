package billing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MatsHolmberg/DesignDesk/app/models"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/env"
)

const (
	defaultFortnoxAuthorizeURL = "https://apps.fortnox.se/oauth-v1/auth"
	defaultFortnoxTokenURL     = "https://apps.fortnox.se/oauth-v1/token"
	defaultFortnoxAPIBaseURL   = "https://api.fortnox.se/3"
)

// FortnoxClient talks to the Fortnox OAuth and invoice APIs. It never touches
// the local ledger; results are normalized and handed to the reconciler.
type FortnoxClient struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	AuthorizeURL  string
	TokenURL      string
	APIBaseURL    string
	PaymentURLFmt string
	WebhookSecret string

	HTTPClient *http.Client
}

type FortnoxTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

func NewFortnoxClientFromEnv() *FortnoxClient {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	redirectURI := strings.TrimSpace(env.GetEnv("FORTNOX_REDIRECT_URI", ""))
	if redirectURI == "" && base != "" {
		redirectURI = base + "/user/billing/fortnox/callback"
	}

	return &FortnoxClient{
		ClientID:      strings.TrimSpace(env.GetEnv("FORTNOX_CLIENT_ID", "")),
		ClientSecret:  strings.TrimSpace(env.GetEnv("FORTNOX_CLIENT_SECRET", "")),
		RedirectURI:   redirectURI,
		AuthorizeURL:  strings.TrimSpace(env.GetEnv("FORTNOX_AUTHORIZE_URL", defaultFortnoxAuthorizeURL)),
		TokenURL:      strings.TrimSpace(env.GetEnv("FORTNOX_TOKEN_URL", defaultFortnoxTokenURL)),
		APIBaseURL:    strings.TrimSpace(env.GetEnv("FORTNOX_API_BASE_URL", defaultFortnoxAPIBaseURL)),
		PaymentURLFmt: strings.TrimSpace(env.GetEnv("FORTNOX_PAYMENT_URL_FMT", "")),
		WebhookSecret: env.GetEnv("FORTNOX_WEBHOOK_SECRET", ""),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// HasCredentials reports whether the OAuth app credentials are present. A
// per-user access token is additionally required for API calls.
func (c *FortnoxClient) HasCredentials() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

func (c *FortnoxClient) AuthorizeURLWithState(state string) (string, error) {
	if !c.HasCredentials() {
		return "", ErrProviderNotConfigured
	}
	if strings.TrimSpace(c.RedirectURI) == "" {
		return "", fmt.Errorf("%w: FORTNOX_REDIRECT_URI missing", ErrProviderNotConfigured)
	}
	u, err := url.Parse(c.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid FORTNOX_AUTHORIZE_URL: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.ClientID)
	q.Set("redirect_uri", c.RedirectURI)
	q.Set("scope", "invoice customer")
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeCode trades an authorization code for access and refresh tokens.
func (c *FortnoxClient) ExchangeCode(ctx context.Context, code string) (*FortnoxTokenResponse, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("oauth code is required")
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", strings.TrimSpace(code))
	form.Set("redirect_uri", c.RedirectURI)
	return c.tokenRequest(ctx, form)
}

// RefreshAccessToken rotates tokens using a refresh token. Fortnox refresh
// tokens are single-use; the caller must persist the returned pair.
func (c *FortnoxClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*FortnoxTokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errors.New("refresh token is required")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", strings.TrimSpace(refreshToken))
	return c.tokenRequest(ctx, form)
}

func (c *FortnoxClient) tokenRequest(ctx context.Context, form url.Values) (*FortnoxTokenResponse, error) {
	if !c.HasCredentials() {
		return nil, ErrProviderNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.ClientID + ":" + c.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: token endpoint status=%d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fortnox token request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out FortnoxTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return nil, errors.New("fortnox token response missing access_token")
	}
	return &out, nil
}

type fortnoxInvoiceRow struct {
	Description       string `json:"Description"`
	Price             int64  `json:"Price"`
	DeliveredQuantity string `json:"DeliveredQuantity"`
}

type fortnoxInvoicePayload struct {
	CustomerName    string              `json:"CustomerName"`
	YourReference   string              `json:"YourReference,omitempty"`
	Currency        string              `json:"Currency"`
	YourOrderNumber string              `json:"YourOrderNumber,omitempty"`
	InvoiceRows     []fortnoxInvoiceRow `json:"InvoiceRows"`
}

type fortnoxInvoiceEnvelope struct {
	Invoice struct {
		DocumentNumber json.Number `json:"DocumentNumber"`
		InvoiceNumber  json.Number `json:"InvoiceNumber"`
		OCR            string      `json:"OCR"`
		Total          float64     `json:"Total"`
		Balance        float64     `json:"Balance"`
		Currency       string      `json:"Currency"`
		Cancelled      bool        `json:"Cancelled"`
		FinalPayDate   string      `json:"FinalPayDate"`
	} `json:"Invoice"`
}

// CreateInvoice posts a single-row invoice for the given catalog item.
// Prices are sent in whole currency units; the catalog stores cents.
func (c *FortnoxClient) CreateInvoice(ctx context.Context, accessToken string, customerName string, item CatalogItem) (*InvoiceResult, error) {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		return nil, ErrProviderNotConfigured
	}

	payload := struct {
		Invoice fortnoxInvoicePayload `json:"Invoice"`
	}{
		Invoice: fortnoxInvoicePayload{
			CustomerName: customerName,
			Currency:     strings.ToUpper(item.Currency),
			InvoiceRows: []fortnoxInvoiceRow{
				{
					Description:       item.Description,
					Price:             item.PriceCents / 100,
					DeliveredQuantity: "1",
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.APIBaseURL, "/")+"/invoices", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: invoice create status=%d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fortnox invoice create failed: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	var out fortnoxInvoiceEnvelope
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	docNumber := out.Invoice.DocumentNumber.String()
	if docNumber == "" {
		return nil, errors.New("fortnox invoice response missing document number")
	}

	paymentURL := ""
	if c.PaymentURLFmt != "" {
		paymentURL = fmt.Sprintf(c.PaymentURLFmt, docNumber)
	}

	return &InvoiceResult{
		InvoiceID:     docNumber,
		InvoiceNumber: out.Invoice.InvoiceNumber.String(),
		PaymentURL:    paymentURL,
		TotalCents:    int64(out.Invoice.Total * 100),
		Currency:      strings.ToLower(out.Invoice.Currency),
	}, nil
}

// GetInvoiceStatus polls one invoice and maps it to a normalized payment
// status: cancelled -> failed, zero balance -> paid, otherwise pending.
func (c *FortnoxClient) GetInvoiceStatus(ctx context.Context, accessToken, documentNumber string) (*PaymentStatusResult, error) {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		return nil, ErrProviderNotConfigured
	}
	doc := strings.TrimSpace(documentNumber)
	if doc == "" {
		return nil, errors.New("invoice document number is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.APIBaseURL, "/")+"/invoices/"+url.PathEscape(doc), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: fortnox invoice %s", ErrNotFound, doc)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: invoice fetch status=%d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fortnox invoice fetch failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out fortnoxInvoiceEnvelope
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}

	status := models.PaymentStatusPending
	switch {
	case out.Invoice.Cancelled:
		status = models.PaymentStatusFailed
	case out.Invoice.Balance <= 0 && out.Invoice.Total > 0:
		status = models.PaymentStatusPaid
	}

	return &PaymentStatusResult{
		ProviderRef: doc,
		Status:      status,
		AmountCents: int64(out.Invoice.Total * 100),
		Currency:    strings.ToLower(out.Invoice.Currency),
	}, nil
}

type fortnoxCompanyEnvelope struct {
	CompanyInformation struct {
		CompanyName        string `json:"CompanyName"`
		OrganizationNumber string `json:"OrganizationNumber"`
	} `json:"CompanyInformation"`
}

// GetCompanyInformation identifies the connected Fortnox company. The
// organization number serves as the stable provider account id.
func (c *FortnoxClient) GetCompanyInformation(ctx context.Context, accessToken string) (accountID, companyName string, err error) {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		return "", "", ErrProviderNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.APIBaseURL, "/")+"/companyinformation", nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return "", "", fmt.Errorf("%w: company info status=%d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("fortnox company info failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out fortnoxCompanyEnvelope
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", err
	}
	if strings.TrimSpace(out.CompanyInformation.OrganizationNumber) == "" {
		return "", "", errors.New("fortnox company info missing organization number")
	}
	return out.CompanyInformation.OrganizationNumber, out.CompanyInformation.CompanyName, nil
}

// fortnoxWebhookPayload is the envelope Fortnox posts to webhook subscribers.
// TenantID is the organization number of the company the event belongs to.
type fortnoxWebhookPayload struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	EntityID  string `json:"entityId"`
	TenantID  string `json:"tenantId"`
	Timestamp string `json:"timestamp"`
}

// ParseFortnoxWebhook normalizes a verified Fortnox webhook body.
func ParseFortnoxWebhook(payload []byte, receivedAt time.Time) (*ExternalEvent, error) {
	var raw fortnoxWebhookPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("fortnox webhook payload missing event id")
	}

	ev := &ExternalEvent{
		Provider:        models.ProviderFortnox,
		ProviderType:    raw.Type,
		ExternalEventID: raw.ID,
		ReceivedAt:      receivedAt,
		RawPayload:      payload,
	}

	switch strings.ToLower(strings.TrimSpace(raw.Type)) {
	case "invoice.paid":
		ev.EventType = EventInvoicePaid
		ev.Payment = &PaymentUpdate{
			ProviderRef:       strings.TrimSpace(raw.EntityID),
			Status:            models.PaymentStatusPaid,
			ProviderAccountID: strings.TrimSpace(raw.TenantID),
		}
	case "invoice.cancelled":
		ev.EventType = EventInvoicePaymentFailed
		ev.Payment = &PaymentUpdate{
			ProviderRef:       strings.TrimSpace(raw.EntityID),
			Status:            models.PaymentStatusFailed,
			ProviderAccountID: strings.TrimSpace(raw.TenantID),
		}
	default:
		ev.EventType = EventUnknown
	}
	return ev, nil
}
