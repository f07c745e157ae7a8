package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MatsHolmberg/DesignDesk/app/models"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/cache"
)

const oauthStateTTL = 10 * time.Minute

// Service orchestrates billing flows: checkouts, invoices, subscription
// lifecycle and status sync. Provider calls go through the adapters; ledger
// writes go through the repository and the reconciler.
type Service struct {
	repo       Repository
	cards      CardPaymentAdapter
	invoicing  InvoicingAdapter
	reconciler *Reconciler
	fortnox    *FortnoxClient
	tokens     *TokenStore
	validate   *validator.Validate
}

func NewService(repo Repository, cards CardPaymentAdapter, invoicing InvoicingAdapter, reconciler *Reconciler, fortnox *FortnoxClient, tokens *TokenStore) *Service {
	return &Service{
		repo:       repo,
		cards:      cards,
		invoicing:  invoicing,
		reconciler: reconciler,
		fortnox:    fortnox,
		tokens:     tokens,
		validate:   validator.New(),
	}
}

func (s *Service) checkoutUser(userID uint) (CheckoutUser, error) {
	if userID == 0 {
		return CheckoutUser{}, ErrUnauthenticated
	}
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CheckoutUser{}, fmt.Errorf("%w: user %d", ErrNotFound, userID)
		}
		return CheckoutUser{}, err
	}
	return CheckoutUser{ID: user.ID, Email: user.Email, Name: user.Name}, nil
}

// StartPackageCheckout opens a card checkout for a one-time design package.
// The catalog is consulted before any provider call so an unknown package
// never leaves the process.
func (s *Service) StartPackageCheckout(ctx context.Context, userID uint, packageType string) (*CheckoutSession, error) {
	item, err := PackageItem(packageType)
	if err != nil {
		return nil, err
	}
	user, err := s.checkoutUser(userID)
	if err != nil {
		return nil, err
	}
	if !s.cards.Configured() {
		return nil, ErrProviderNotConfigured
	}
	return s.cards.CreateCheckout(ctx, user, item)
}

// StartSubscriptionCheckout opens a card checkout for a plan. A user holds at
// most one non-cancelled subscription; a second checkout is rejected before
// the provider is contacted.
func (s *Service) StartSubscriptionCheckout(ctx context.Context, userID uint, plan, cycle string) (*CheckoutSession, error) {
	item, err := PlanItem(plan, cycle)
	if err != nil {
		return nil, err
	}
	user, err := s.checkoutUser(userID)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindSubscriptionByUser(userID)
	if err == nil && !existing.IsCancelled() {
		return nil, fmt.Errorf("%w: an active subscription already exists", ErrInvalidState)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if !s.cards.Configured() {
		return nil, ErrProviderNotConfigured
	}
	return s.cards.CreateCheckout(ctx, user, item)
}

// InvoiceRequest is the validated input for invoice-based purchases. Type
// selects between a one-time package and one cycle of a subscription plan;
// when omitted the populated fields decide.
type InvoiceRequest struct {
	Type        string `json:"type" validate:"omitempty,oneof=one_time subscription"`
	PackageType string `json:"package_type"`
	Plan        string `json:"plan"`
	Cycle       string `json:"cycle"`
}

func invoiceItem(req InvoiceRequest) (CatalogItem, error) {
	if req.Type == models.PaymentTypeSubscription || (req.Type == "" && req.Plan != "") {
		return PlanItem(req.Plan, req.Cycle)
	}
	return PackageItem(req.PackageType)
}

// CreateInvoice bills a catalog item through the invoicing provider and
// records a pending payment keyed on the invoice document number. The poll
// path settles it later.
func (s *Service) CreateInvoice(ctx context.Context, userID uint, req InvoiceRequest) (*InvoiceResult, *models.Payment, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	item, err := invoiceItem(req)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.checkoutUser(userID)
	if err != nil {
		return nil, nil, err
	}
	if !s.invoicing.Configured(ctx, userID) {
		return nil, nil, fmt.Errorf("%w: no linked invoicing account", ErrProviderNotConfigured)
	}

	result, err := s.invoicing.CreateInvoice(ctx, user, item)
	if err != nil {
		return nil, nil, err
	}

	payment := &models.Payment{
		UserID:      userID,
		AmountCents: item.PriceCents,
		Currency:    item.Currency,
		Type:        item.Kind,
		Status:      models.PaymentStatusPending,
		Description: item.Description,
		Provider:    models.ProviderFortnox,
		ProviderRef: result.InvoiceID,
	}
	if err := s.repo.CreatePayment(payment); err != nil {
		return nil, nil, err
	}
	return result, payment, nil
}

func (s *Service) ownedSubscription(userID uint) (*models.Subscription, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}
	sub, err := s.repo.FindSubscriptionByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no subscription", ErrNotFound)
		}
		return nil, err
	}
	return sub, nil
}

// GetSubscription returns the user's subscription row.
func (s *Service) GetSubscription(userID uint) (*models.Subscription, error) {
	return s.ownedSubscription(userID)
}

// ListPayments returns the user's recent payment history.
func (s *Service) ListPayments(userID uint, limit int) ([]models.Payment, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}
	return s.repo.ListPaymentsByUser(userID, limit)
}

// CancelSubscription cancels at the provider, either at period end or
// immediately, and writes the expected local state. The provider's
// confirmation event converges the ledger if the optimistic write was wrong.
func (s *Service) CancelSubscription(ctx context.Context, userID uint, atPeriodEnd bool) (*models.Subscription, error) {
	sub, err := s.ownedSubscription(userID)
	if err != nil {
		return nil, err
	}
	if sub.IsCancelled() {
		return nil, fmt.Errorf("%w: subscription is already cancelled", ErrInvalidState)
	}
	if sub.ProviderSubscriptionID == nil || *sub.ProviderSubscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription has no provider reference", ErrInvalidState)
	}
	if !s.cards.Configured() {
		return nil, ErrProviderNotConfigured
	}

	if err := s.cards.CancelSubscription(ctx, *sub.ProviderSubscriptionID, atPeriodEnd); err != nil {
		return nil, err
	}

	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		now := time.Now().UTC()
		sub.Status = models.SubscriptionStatusCancelled
		sub.CancelledAt = &now
	}
	if err := s.repo.SaveSubscription(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ResumeSubscription clears a pending period-end cancellation. Only valid
// while the flag is set and the subscription has not reached its terminal
// state.
func (s *Service) ResumeSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := s.ownedSubscription(userID)
	if err != nil {
		return nil, err
	}
	if sub.IsCancelled() {
		return nil, fmt.Errorf("%w: subscription is already cancelled", ErrInvalidState)
	}
	if !sub.CancelAtPeriodEnd {
		return nil, fmt.Errorf("%w: subscription is not pending cancellation", ErrInvalidState)
	}
	if sub.ProviderSubscriptionID == nil || *sub.ProviderSubscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription has no provider reference", ErrInvalidState)
	}
	if !s.cards.Configured() {
		return nil, ErrProviderNotConfigured
	}

	if err := s.cards.ResumeSubscription(ctx, *sub.ProviderSubscriptionID); err != nil {
		return nil, err
	}

	sub.CancelAtPeriodEnd = false
	if err := s.repo.SaveSubscription(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// SyncPaymentStatus polls the owning provider for one payment and folds the
// result into the ledger. When the provider is not configured the local row
// is returned unchanged instead of failing the request.
func (s *Service) SyncPaymentStatus(ctx context.Context, userID, paymentID uint) (*models.Payment, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}
	payment, err := s.repo.FindPaymentByID(paymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: payment %d", ErrNotFound, paymentID)
		}
		return nil, err
	}
	if payment.UserID != userID {
		return nil, ErrUnauthorized
	}
	if payment.ProviderRef == "" {
		return payment, nil
	}

	var result *PaymentStatusResult
	switch payment.Provider {
	case models.ProviderStripe:
		if !s.cards.Configured() {
			return payment, nil
		}
		result, err = s.cards.FetchPaymentStatus(ctx, payment.ProviderRef)
	case models.ProviderFortnox:
		if !s.invoicing.Configured(ctx, userID) {
			return payment, nil
		}
		result, err = s.invoicing.FetchPaymentStatus(ctx, userID, payment.ProviderRef)
	default:
		return payment, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.reconciler.ApplyPaymentStatus(payment, result); err != nil {
		return nil, err
	}
	return payment, nil
}

// ResyncPayment polls the owning provider for any payment without an
// ownership check. Reserved for the internal ops API.
func (s *Service) ResyncPayment(ctx context.Context, paymentID uint) (*models.Payment, error) {
	payment, err := s.repo.FindPaymentByID(paymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: payment %d", ErrNotFound, paymentID)
		}
		return nil, err
	}
	return s.SyncPaymentStatus(ctx, payment.UserID, paymentID)
}

// CustomerPortalURL opens the card provider's self-service portal for the
// user's stored provider customer.
func (s *Service) CustomerPortalURL(ctx context.Context, userID uint, returnURL string) (string, error) {
	sub, err := s.ownedSubscription(userID)
	if err != nil {
		return "", err
	}
	if !s.cards.Configured() {
		return "", ErrProviderNotConfigured
	}
	return s.cards.CreatePortalSession(ctx, sub.ProviderCustomerID, returnURL)
}

func fortnoxStateKey(state string) string {
	return "billing:fortnox:state:" + state
}

// BeginFortnoxLink issues a single-use state nonce bound to the user and
// returns the provider authorize URL to redirect to.
func (s *Service) BeginFortnoxLink(userID uint) (string, error) {
	if userID == 0 {
		return "", ErrUnauthenticated
	}
	if s.fortnox == nil || !s.fortnox.HasCredentials() {
		return "", ErrProviderNotConfigured
	}

	state := uuid.NewString()
	if err := cache.Set(fortnoxStateKey(state), strconv.FormatUint(uint64(userID), 10), oauthStateTTL); err != nil {
		return "", err
	}
	return s.fortnox.AuthorizeURLWithState(state)
}

// CompleteFortnoxLink consumes the state nonce, exchanges the code and stores
// the encrypted token pair against the user's billing account.
func (s *Service) CompleteFortnoxLink(ctx context.Context, state, code string) (*models.BillingAccount, error) {
	if s.tokens == nil {
		return nil, fmt.Errorf("%w: token store unavailable", ErrProviderNotConfigured)
	}
	if strings.TrimSpace(state) == "" || strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: state and code are required", ErrInvalidInput)
	}

	stored, err := cache.Get(fortnoxStateKey(state))
	if err != nil || stored == "" {
		return nil, fmt.Errorf("%w: unknown or expired oauth state", ErrUnauthorized)
	}
	if err := cache.Delete(fortnoxStateKey(state)); err != nil {
		log.Printf("[Billing] delete oauth state failed: %v", err)
	}
	userID64, err := strconv.ParseUint(stored, 10, 64)
	if err != nil || userID64 == 0 {
		return nil, fmt.Errorf("%w: corrupt oauth state", ErrUnauthorized)
	}
	userID := uint(userID64)

	user, err := s.checkoutUser(userID)
	if err != nil {
		return nil, err
	}

	tok, err := s.fortnox.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	accountID, companyName, err := s.fortnox.GetCompanyInformation(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	log.Printf("[Billing] linked fortnox company %q for user %d", companyName, userID)

	return s.tokens.SaveTokens(ctx, userID, accountID, user.Email, tok)
}

// VerifyStripeWebhook delegates signature verification and normalization to
// the card adapter.
func (s *Service) VerifyStripeWebhook(payload []byte, signatureHeader string) (*ExternalEvent, error) {
	return s.cards.VerifyWebhook(payload, signatureHeader)
}

// VerifyFortnoxWebhook delegates to the invoicing adapter.
func (s *Service) VerifyFortnoxWebhook(payload []byte, signatureHeader string) (*ExternalEvent, error) {
	return s.invoicing.VerifyWebhook(payload, signatureHeader)
}

// HandleWebhookEvent hands a verified event to the reconciler.
func (s *Service) HandleWebhookEvent(event *ExternalEvent) error {
	return s.reconciler.ApplyWebhook(event)
}
