package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MatsHolmberg/DesignDesk/app/models"
)

type fakeCardAdapter struct {
	configured     bool
	checkoutCalls  int
	cancelCalls    int
	resumeCalls    int
	lastAtPerEnd   bool
	portalURL      string
	fetchResult    *PaymentStatusResult
	remoteCancelOK bool
}

func (f *fakeCardAdapter) Configured() bool { return f.configured }

func (f *fakeCardAdapter) CreateCheckout(ctx context.Context, user CheckoutUser, item CatalogItem) (*CheckoutSession, error) {
	f.checkoutCalls++
	return &CheckoutSession{CheckoutURL: "https://checkout.test/session", ExternalSessionID: "cs_test"}, nil
}

func (f *fakeCardAdapter) CreatePortalSession(ctx context.Context, providerCustomerID, returnURL string) (string, error) {
	return f.portalURL, nil
}

func (f *fakeCardAdapter) CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error {
	f.cancelCalls++
	f.lastAtPerEnd = atPeriodEnd
	return nil
}

func (f *fakeCardAdapter) ResumeSubscription(ctx context.Context, providerSubscriptionID string) error {
	f.resumeCalls++
	if !f.remoteCancelOK {
		return ErrInvalidState
	}
	return nil
}

func (f *fakeCardAdapter) FetchPaymentStatus(ctx context.Context, providerRef string) (*PaymentStatusResult, error) {
	if f.fetchResult == nil {
		return nil, ErrNotFound
	}
	return f.fetchResult, nil
}

func (f *fakeCardAdapter) VerifyWebhook(payload []byte, signatureHeader string) (*ExternalEvent, error) {
	return nil, ErrSignatureInvalid
}

type fakeInvoicingAdapter struct {
	configured   bool
	invoiceCalls int
	fetchResult  *PaymentStatusResult
}

func (f *fakeInvoicingAdapter) Configured(ctx context.Context, userID uint) bool { return f.configured }

func (f *fakeInvoicingAdapter) CreateInvoice(ctx context.Context, user CheckoutUser, item CatalogItem) (*InvoiceResult, error) {
	f.invoiceCalls++
	return &InvoiceResult{
		InvoiceID:     "1234",
		InvoiceNumber: "1234",
		TotalCents:    item.PriceCents,
		Currency:      item.Currency,
	}, nil
}

func (f *fakeInvoicingAdapter) FetchPaymentStatus(ctx context.Context, userID uint, invoiceRef string) (*PaymentStatusResult, error) {
	if f.fetchResult == nil {
		return nil, ErrNotFound
	}
	return f.fetchResult, nil
}

func (f *fakeInvoicingAdapter) VerifyWebhook(payload []byte, signatureHeader string) (*ExternalEvent, error) {
	return nil, ErrSignatureInvalid
}

func newTestService(repo *fakeRepo, cards *fakeCardAdapter, inv *fakeInvoicingAdapter) *Service {
	return NewService(repo, cards, inv, NewReconciler(repo, nil), nil, nil)
}

func TestStartPackageCheckoutRejectsUnknownPackageBeforeProviderCall(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	cards := &fakeCardAdapter{configured: true}
	svc := newTestService(repo, cards, &fakeInvoicingAdapter{})

	_, err := svc.StartPackageCheckout(context.Background(), 7, "platinum")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if cards.checkoutCalls != 0 {
		t.Fatalf("provider must not be called for an unknown package")
	}
}

func TestStartSubscriptionCheckoutGuardsSecondSubscription(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	seedSubscription(repo, 7, "sub_42")
	cards := &fakeCardAdapter{configured: true}
	svc := newTestService(repo, cards, &fakeInvoicingAdapter{})

	_, err := svc.StartSubscriptionCheckout(context.Background(), 7, models.PlanPro, models.CycleMonthly)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if cards.checkoutCalls != 0 {
		t.Fatalf("provider must not be called while a subscription exists")
	}
}

func TestStartSubscriptionCheckoutAllowedAfterCancellation(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	sub := seedSubscription(repo, 7, "sub_42")
	now := time.Now().UTC()
	repo.subscriptions[sub.ID].Status = models.SubscriptionStatusCancelled
	repo.subscriptions[sub.ID].CancelledAt = &now

	cards := &fakeCardAdapter{configured: true}
	svc := newTestService(repo, cards, &fakeInvoicingAdapter{})

	session, err := svc.StartSubscriptionCheckout(context.Background(), 7, models.PlanPro, models.CycleMonthly)
	if err != nil {
		t.Fatalf("checkout after cancellation failed: %v", err)
	}
	if session.CheckoutURL == "" {
		t.Fatalf("expected a checkout url")
	}
}

func TestCreateInvoiceRequiresLinkedAccount(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	inv := &fakeInvoicingAdapter{configured: false}
	svc := newTestService(repo, &fakeCardAdapter{}, inv)

	_, _, err := svc.CreateInvoice(context.Background(), 7, InvoiceRequest{PackageType: PackageBasic})
	if !errors.Is(err, ErrProviderNotConfigured) {
		t.Fatalf("expected ErrProviderNotConfigured, got %v", err)
	}
	if inv.invoiceCalls != 0 {
		t.Fatalf("provider must not be called without a linked account")
	}
}

func TestCreateInvoiceRecordsPendingPayment(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	inv := &fakeInvoicingAdapter{configured: true}
	svc := newTestService(repo, &fakeCardAdapter{}, inv)

	result, payment, err := svc.CreateInvoice(context.Background(), 7, InvoiceRequest{PackageType: PackageProfessional})
	if err != nil {
		t.Fatalf("create invoice failed: %v", err)
	}
	if result.InvoiceID != "1234" {
		t.Fatalf("unexpected invoice id %q", result.InvoiceID)
	}
	if payment.Status != models.PaymentStatusPending {
		t.Fatalf("expected pending payment, got %q", payment.Status)
	}
	if payment.Provider != models.ProviderFortnox || payment.ProviderRef != "1234" {
		t.Fatalf("payment not keyed on invoice: %s/%s", payment.Provider, payment.ProviderRef)
	}
	if payment.AmountCents != 199900 {
		t.Fatalf("expected catalog price, got %d", payment.AmountCents)
	}
}

func TestCreateInvoiceForSubscriptionPlan(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	inv := &fakeInvoicingAdapter{configured: true}
	svc := newTestService(repo, &fakeCardAdapter{}, inv)

	req := InvoiceRequest{
		Type:  models.PaymentTypeSubscription,
		Plan:  models.PlanPro,
		Cycle: models.CycleMonthly,
	}
	result, payment, err := svc.CreateInvoice(context.Background(), 7, req)
	if err != nil {
		t.Fatalf("plan invoice failed: %v", err)
	}
	if result.TotalCents != 19900 {
		t.Fatalf("expected catalog plan price, got %d", result.TotalCents)
	}
	if payment.Type != models.PaymentTypeSubscription {
		t.Fatalf("expected subscription payment, got %q", payment.Type)
	}
	if payment.AmountCents != 19900 {
		t.Fatalf("expected catalog plan price on payment, got %d", payment.AmountCents)
	}
}

func TestCreateInvoiceRejectsUnknownPlan(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	inv := &fakeInvoicingAdapter{configured: true}
	svc := newTestService(repo, &fakeCardAdapter{}, inv)

	req := InvoiceRequest{Plan: "gold", Cycle: models.CycleMonthly}
	_, _, err := svc.CreateInvoice(context.Background(), 7, req)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if inv.invoiceCalls != 0 {
		t.Fatalf("provider must not be called for an unknown plan")
	}
}

func TestCancelAtPeriodEndSetsFlagOnly(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	seedSubscription(repo, 7, "sub_42")
	cards := &fakeCardAdapter{configured: true}
	svc := newTestService(repo, cards, &fakeInvoicingAdapter{})

	sub, err := svc.CancelSubscription(context.Background(), 7, true)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cards.cancelCalls != 1 || !cards.lastAtPerEnd {
		t.Fatalf("expected one at-period-end provider cancel")
	}
	if !sub.CancelAtPeriodEnd {
		t.Fatalf("expected cancel flag to be set")
	}
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("period-end cancel must keep the subscription active, got %q", sub.Status)
	}
}

func TestCancelImmediatelyMarksCancelled(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	seedSubscription(repo, 7, "sub_42")
	cards := &fakeCardAdapter{configured: true}
	svc := newTestService(repo, cards, &fakeInvoicingAdapter{})

	sub, err := svc.CancelSubscription(context.Background(), 7, false)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if sub.Status != models.SubscriptionStatusCancelled || sub.CancelledAt == nil {
		t.Fatalf("expected terminal cancellation, got %q", sub.Status)
	}

	// Terminal state rejects another cancel.
	if _, err := svc.CancelSubscription(context.Background(), 7, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double cancel, got %v", err)
	}
}

func TestResumeClearsPendingCancellation(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	sub := seedSubscription(repo, 7, "sub_42")
	repo.subscriptions[sub.ID].CancelAtPeriodEnd = true
	cards := &fakeCardAdapter{configured: true, remoteCancelOK: true}
	svc := newTestService(repo, cards, &fakeInvoicingAdapter{})

	resumed, err := svc.ResumeSubscription(context.Background(), 7)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.CancelAtPeriodEnd {
		t.Fatalf("expected cancel flag to be cleared")
	}
	if cards.resumeCalls != 1 {
		t.Fatalf("expected one provider resume call")
	}
}

func TestResumeWithoutPendingCancellationFails(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	seedSubscription(repo, 7, "sub_42")
	cards := &fakeCardAdapter{configured: true, remoteCancelOK: true}
	svc := newTestService(repo, cards, &fakeInvoicingAdapter{})

	_, err := svc.ResumeSubscription(context.Background(), 7)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if cards.resumeCalls != 0 {
		t.Fatalf("provider must not be called without a pending cancellation")
	}
}

func TestSyncPaymentStatusEnforcesOwnership(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	payment := &models.Payment{
		UserID:      8,
		Type:        models.PaymentTypeOneTime,
		Status:      models.PaymentStatusPending,
		Provider:    models.ProviderStripe,
		ProviderRef: "cs_9",
	}
	if err := repo.CreatePayment(payment); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	svc := newTestService(repo, &fakeCardAdapter{configured: true}, &fakeInvoicingAdapter{})

	_, err := svc.SyncPaymentStatus(context.Background(), 7, payment.ID)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSyncPaymentStatusUnconfiguredReturnsLocalState(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	payment := &models.Payment{
		UserID:      7,
		Type:        models.PaymentTypeOneTime,
		Status:      models.PaymentStatusPending,
		Provider:    models.ProviderStripe,
		ProviderRef: "cs_9",
	}
	if err := repo.CreatePayment(payment); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	svc := newTestService(repo, &fakeCardAdapter{configured: false}, &fakeInvoicingAdapter{})

	got, err := svc.SyncPaymentStatus(context.Background(), 7, payment.ID)
	if err != nil {
		t.Fatalf("unconfigured sync must not fail: %v", err)
	}
	if got.Status != models.PaymentStatusPending {
		t.Fatalf("expected unchanged local state, got %q", got.Status)
	}
}

func TestSyncPaymentStatusAppliesProviderResult(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	payment := &models.Payment{
		UserID:      7,
		Type:        models.PaymentTypeOneTime,
		Status:      models.PaymentStatusPending,
		Provider:    models.ProviderFortnox,
		ProviderRef: "1234",
	}
	if err := repo.CreatePayment(payment); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	inv := &fakeInvoicingAdapter{
		configured: true,
		fetchResult: &PaymentStatusResult{
			ProviderRef: "1234",
			Status:      models.PaymentStatusPaid,
			AmountCents: 99900,
			Currency:    "sek",
		},
	}
	svc := newTestService(repo, &fakeCardAdapter{}, inv)

	got, err := svc.SyncPaymentStatus(context.Background(), 7, payment.ID)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if got.Status != models.PaymentStatusPaid || got.PaidAt == nil {
		t.Fatalf("poll result not applied: status=%q", got.Status)
	}
}

func TestCreateInvoiceValidatesRequest(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(7, "anna@example.com")
	svc := newTestService(repo, &fakeCardAdapter{}, &fakeInvoicingAdapter{configured: true})

	_, _, err := svc.CreateInvoice(context.Background(), 7, InvoiceRequest{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty request, got %v", err)
	}
}
