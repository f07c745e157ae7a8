package billing

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/MatsHolmberg/DesignDesk/app/models"
)

const (
	maxApplyRetries = 3
	applyRetryDelay = 200 * time.Millisecond
)

// MarkerStore is an optional fast-path dedup cache in front of the durable
// webhook event table. A miss is never an error; the table stays the source
// of truth.
type MarkerStore interface {
	Seen(provider, eventID string) bool
	Remember(provider, eventID string)
}

// Reconciler applies normalized provider events to the local ledger. Every
// handler is idempotent so replayed deliveries and poll/webhook overlap
// converge on the same state.
type Reconciler struct {
	repo    Repository
	markers MarkerStore
}

func NewReconciler(repo Repository, markers MarkerStore) *Reconciler {
	return &Reconciler{repo: repo, markers: markers}
}

// ApplyWebhook persists the delivery, applies it with bounded retries and
// records the outcome on the stored event row. A duplicate delivery is
// acknowledged without re-applying.
func (rc *Reconciler) ApplyWebhook(event *ExternalEvent) error {
	if rc.markers != nil && rc.markers.Seen(event.Provider, event.ExternalEventID) {
		return nil
	}

	row := &models.WebhookEvent{
		Provider:        event.Provider,
		ProviderEventID: event.ExternalEventID,
		EventType:       event.ProviderType,
		PayloadJSON:     string(event.RawPayload),
		SignatureValid:  true,
	}
	created, stored, err := rc.repo.CreateWebhookEventIfNotExists(row)
	if err != nil {
		return fmt.Errorf("store webhook event: %w", err)
	}
	if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		if rc.markers != nil {
			rc.markers.Remember(event.Provider, event.ExternalEventID)
		}
		return nil
	}

	var applyErr error
	for attempt := 1; attempt <= maxApplyRetries; attempt++ {
		applyErr = rc.apply(event)
		if applyErr == nil {
			break
		}
		log.Printf("[Billing] apply %s %s attempt %d/%d failed: %v",
			event.Provider, event.EventType, attempt, maxApplyRetries, applyErr)
		if attempt < maxApplyRetries {
			time.Sleep(applyRetryDelay)
		}
	}

	errMsg := ""
	if applyErr != nil {
		errMsg = applyErr.Error()
	}
	if markErr := rc.repo.MarkWebhookProcessed(stored.ID, errMsg); markErr != nil {
		log.Printf("[Billing] mark webhook %d processed failed: %v", stored.ID, markErr)
	}
	if applyErr != nil {
		return applyErr
	}
	if rc.markers != nil {
		rc.markers.Remember(event.Provider, event.ExternalEventID)
	}
	return nil
}

// ApplyPoll applies a poll-sourced event without the webhook dedup row or
// retries. Handlers are idempotent, so overlap with webhooks is safe.
func (rc *Reconciler) ApplyPoll(event *ExternalEvent) error {
	return rc.apply(event)
}

func (rc *Reconciler) apply(event *ExternalEvent) error {
	switch event.EventType {
	case EventCheckoutCompleted:
		return rc.applyCheckoutCompleted(event)
	case EventSubscriptionUpdated:
		return rc.applySubscriptionUpdated(event, false)
	case EventSubscriptionDeleted:
		return rc.applySubscriptionUpdated(event, true)
	case EventInvoicePaid:
		return rc.applyInvoicePaid(event)
	case EventInvoicePaymentFailed:
		return rc.applyInvoicePaymentFailed(event)
	case EventPaymentRefunded:
		return rc.applyPaymentRefunded(event)
	case EventUnknown:
		// Unhandled provider event types are stored and acknowledged.
		return nil
	default:
		return nil
	}
}

// applyCheckoutCompleted records the purchase and, for subscription checkouts,
// ensures a local subscription exists before its first cycle events arrive.
func (rc *Reconciler) applyCheckoutCompleted(event *ExternalEvent) error {
	pu := event.Payment
	if pu == nil || pu.ProviderRef == "" {
		return errors.New("checkout event missing payment data")
	}
	if pu.UserRef == 0 {
		return errors.New("checkout event missing user reference")
	}

	if pu.Mode == "subscription" && pu.ProviderSubscriptionID != "" {
		if err := rc.ensureSubscription(event.Provider, pu); err != nil {
			return err
		}
		sub, err := rc.repo.FindSubscriptionByProviderRef(event.Provider, pu.ProviderSubscriptionID)
		if err != nil {
			return err
		}
		return rc.recordCyclePayment(event, sub, pu, pu.Status)
	}

	existing, err := rc.repo.FindPaymentByProviderRef(event.Provider, pu.ProviderRef)
	if err == nil {
		return rc.advancePayment(existing, pu.Status, event.ReceivedAt)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	payment := &models.Payment{
		UserID:      pu.UserRef,
		AmountCents: pu.AmountCents,
		Currency:    strings.ToLower(pu.Currency),
		Type:        models.PaymentTypeOneTime,
		Status:      pu.Status,
		Description: packageDescription(pu.PackageType),
		Provider:    event.Provider,
		ProviderRef: pu.ProviderRef,
	}
	if pu.Status == models.PaymentStatusPaid {
		t := event.ReceivedAt
		payment.PaidAt = &t
	}
	return rc.repo.CreatePayment(payment)
}

// ensureSubscription creates the local subscription row for a fresh
// subscription checkout. An existing row for the user is re-linked to the new
// provider subscription instead of duplicated.
func (rc *Reconciler) ensureSubscription(provider string, pu *PaymentUpdate) error {
	if _, err := rc.repo.FindSubscriptionByProviderRef(provider, pu.ProviderSubscriptionID); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	item, err := PlanItem(pu.Plan, pu.Cycle)
	if err != nil {
		return fmt.Errorf("checkout metadata: %w", err)
	}

	start := time.Now().UTC()
	if pu.PeriodStart != nil {
		start = pu.PeriodStart.UTC()
	}
	end := addCycle(start, item.Cycle)
	subID := pu.ProviderSubscriptionID

	existing, err := rc.repo.FindSubscriptionByUser(pu.UserRef)
	if err == nil {
		existing.Plan = item.Plan
		existing.Cycle = item.Cycle
		existing.Status = models.SubscriptionStatusActive
		existing.PriceCents = item.PriceCents
		existing.Currency = item.Currency
		existing.Provider = provider
		existing.ProviderSubscriptionID = &subID
		existing.ProviderCustomerID = pu.ProviderCustomerID
		existing.CurrentPeriodStart = &start
		existing.CurrentPeriodEnd = &end
		existing.CancelAtPeriodEnd = false
		existing.CancelledAt = nil
		return rc.repo.SaveSubscription(existing)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return rc.repo.CreateSubscription(&models.Subscription{
		UserID:                 pu.UserRef,
		Plan:                   item.Plan,
		Status:                 models.SubscriptionStatusActive,
		Cycle:                  item.Cycle,
		PriceCents:             item.PriceCents,
		Currency:               item.Currency,
		Provider:               provider,
		ProviderSubscriptionID: &subID,
		ProviderCustomerID:     pu.ProviderCustomerID,
		CurrentPeriodStart:     &start,
		CurrentPeriodEnd:       &end,
	})
}

// applySubscriptionUpdated mirrors the provider's subscription state. Period
// fields only move forward: an update carrying an older period start loses
// the guarded write and is dropped.
func (rc *Reconciler) applySubscriptionUpdated(event *ExternalEvent, deleted bool) error {
	su := event.Subscription
	if su == nil || su.ProviderSubscriptionID == "" {
		return errors.New("subscription event missing provider subscription id")
	}

	sub, err := rc.repo.FindSubscriptionByProviderRef(event.Provider, su.ProviderSubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Checkout for this subscription has not landed yet; the next
			// update or poll converges once it has.
			log.Printf("[Billing] %s update for unknown subscription %s, skipping",
				event.Provider, su.ProviderSubscriptionID)
			return nil
		}
		return err
	}

	updates := map[string]interface{}{
		"cancel_at_period_end": su.CancelAtPeriodEnd,
	}
	if deleted {
		updates["status"] = models.SubscriptionStatusCancelled
		cancelledAt := event.ReceivedAt.UTC()
		if su.CancelledAt != nil {
			cancelledAt = su.CancelledAt.UTC()
		}
		updates["cancelled_at"] = &cancelledAt
	} else {
		updates["status"] = mapStripeSubscriptionStatus(su.ProviderStatus)
		if su.CancelledAt != nil {
			updates["cancelled_at"] = su.CancelledAt
		}
	}
	if su.ProviderCustomerID != "" {
		updates["provider_customer_id"] = su.ProviderCustomerID
	}

	// Deletion is terminal and must land even when the event carries a stale
	// period; only non-terminal updates compete under the period guard.
	var guard *time.Time
	if !deleted && su.CurrentPeriodStart != nil {
		guard = su.CurrentPeriodStart
		updates["current_period_start"] = su.CurrentPeriodStart
		if su.CurrentPeriodEnd != nil {
			updates["current_period_end"] = su.CurrentPeriodEnd
		}
		if periodAdvanced(sub.CurrentPeriodStart, su.CurrentPeriodStart) {
			now := time.Now().UTC()
			updates["projects_used"] = 0
			updates["usage_reset_at"] = &now
		}
	}

	applied, err := rc.repo.UpdateSubscriptionGuarded(sub.ID, guard, updates)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("[Billing] stale %s update for subscription %d dropped", event.Provider, sub.ID)
	}
	return nil
}

// applyInvoicePaid records one paid subscription cycle, or settles a pending
// standalone invoice for the invoicing provider.
func (rc *Reconciler) applyInvoicePaid(event *ExternalEvent) error {
	pu := event.Payment
	if pu == nil || pu.ProviderRef == "" {
		return errors.New("invoice event missing payment reference")
	}

	if pu.ProviderSubscriptionID != "" {
		sub, err := rc.repo.FindSubscriptionByProviderRef(event.Provider, pu.ProviderSubscriptionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Printf("[Billing] invoice for unknown subscription %s, skipping", pu.ProviderSubscriptionID)
				return nil
			}
			return err
		}
		return rc.recordCyclePayment(event, sub, pu, models.PaymentStatusPaid)
	}

	payment, err := rc.repo.FindPaymentByProviderRef(event.Provider, pu.ProviderRef)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rc.createSettledInvoicePayment(event, pu)
		}
		return err
	}
	return rc.advancePayment(payment, models.PaymentStatusPaid, event.ReceivedAt)
}

// createSettledInvoicePayment records an invoice that was issued directly at
// the provider and settled before any local row existed. The row is created
// already paid, attributed via event metadata or the linked billing account.
func (rc *Reconciler) createSettledInvoicePayment(event *ExternalEvent, pu *PaymentUpdate) error {
	userID, err := rc.resolveInvoiceUser(event.Provider, pu)
	if err != nil {
		return err
	}
	if userID == 0 {
		log.Printf("[Billing] paid invoice %s has no attributable user, skipping", pu.ProviderRef)
		return nil
	}

	description := pu.Description
	if description == "" {
		description = fmt.Sprintf("Invoice %s (issued at provider)", pu.ProviderRef)
	}
	currency := strings.ToLower(pu.Currency)
	if currency == "" {
		currency = catalogCurrency
	}
	paidAt := event.ReceivedAt.UTC()

	return rc.repo.CreatePayment(&models.Payment{
		UserID:      userID,
		AmountCents: pu.AmountCents,
		Currency:    currency,
		Type:        models.PaymentTypeOneTime,
		Status:      models.PaymentStatusPaid,
		Description: description,
		Provider:    event.Provider,
		ProviderRef: pu.ProviderRef,
		PaidAt:      &paidAt,
	})
}

func (rc *Reconciler) resolveInvoiceUser(provider string, pu *PaymentUpdate) (uint, error) {
	if pu.UserRef != 0 {
		return pu.UserRef, nil
	}
	if pu.ProviderAccountID != "" {
		account, err := rc.repo.GetBillingAccountByProviderAccountID(provider, pu.ProviderAccountID)
		if err == nil {
			return account.UserID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
	}
	return 0, nil
}

// applyInvoicePaymentFailed records the failed attempt. It never cancels the
// subscription; cancellation only arrives as an explicit provider event.
func (rc *Reconciler) applyInvoicePaymentFailed(event *ExternalEvent) error {
	pu := event.Payment
	if pu == nil || pu.ProviderRef == "" {
		return errors.New("invoice event missing payment reference")
	}

	if pu.ProviderSubscriptionID != "" {
		sub, err := rc.repo.FindSubscriptionByProviderRef(event.Provider, pu.ProviderSubscriptionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		return rc.recordCyclePayment(event, sub, pu, models.PaymentStatusFailed)
	}

	payment, err := rc.repo.FindPaymentByProviderRef(event.Provider, pu.ProviderRef)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return rc.advancePayment(payment, models.PaymentStatusFailed, event.ReceivedAt)
}

func (rc *Reconciler) applyPaymentRefunded(event *ExternalEvent) error {
	pu := event.Payment
	if pu == nil || pu.ProviderRef == "" {
		return errors.New("refund event missing payment reference")
	}
	payment, err := rc.repo.FindPaymentByProviderRef(event.Provider, pu.ProviderRef)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[Billing] refund for unknown payment %s, skipping", pu.ProviderRef)
			return nil
		}
		return err
	}
	return rc.advancePayment(payment, models.PaymentStatusRefunded, event.ReceivedAt)
}

// ApplyPaymentStatus folds a poll result into an existing payment row.
func (rc *Reconciler) ApplyPaymentStatus(payment *models.Payment, res *PaymentStatusResult) error {
	if res.AmountCents > 0 && payment.AmountCents == 0 {
		payment.AmountCents = res.AmountCents
	}
	if res.Currency != "" {
		payment.Currency = strings.ToLower(res.Currency)
	}
	return rc.advancePayment(payment, res.Status, time.Now())
}

// advancePayment moves a payment along the settled ordering
// pending < failed < paid < refunded and never moves it backwards. A retried
// charge may go failed -> paid; a settled payment never reverts. The write is
// conditional on the stored status still ranking below the new one, so two
// racing events cannot leave a lower rank as the last writer.
func (rc *Reconciler) advancePayment(payment *models.Payment, status string, at time.Time) error {
	if paymentStatusRank(status) <= paymentStatusRank(payment.Status) {
		return nil
	}

	updates := map[string]interface{}{"status": status}
	var paidAt *time.Time
	if status == models.PaymentStatusPaid && payment.PaidAt == nil {
		t := at.UTC()
		paidAt = &t
		updates["paid_at"] = paidAt
	}
	if payment.AmountCents > 0 {
		updates["amount_cents"] = payment.AmountCents
	}
	if payment.Currency != "" {
		updates["currency"] = payment.Currency
	}

	applied, err := rc.repo.UpdatePaymentGuarded(payment.ID, paymentStatusesBelow(status), updates)
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent event already moved the row to an equal or higher rank.
		return nil
	}
	payment.Status = status
	if paidAt != nil {
		payment.PaidAt = paidAt
	}
	return nil
}

func paymentStatusesBelow(status string) []string {
	ordered := []string{
		models.PaymentStatusPending,
		models.PaymentStatusFailed,
		models.PaymentStatusPaid,
		models.PaymentStatusRefunded,
	}
	rank := paymentStatusRank(status)
	var below []string
	for _, s := range ordered {
		if paymentStatusRank(s) < rank {
			below = append(below, s)
		}
	}
	return below
}

// recordCyclePayment upserts the payment row for one billing cycle. The
// (subscription, cycle month) key makes replayed deliveries update the same
// row instead of billing the cycle twice; an existing row for the cycle only
// moves through the rank guard, never backwards.
func (rc *Reconciler) recordCyclePayment(event *ExternalEvent, sub *models.Subscription, pu *PaymentUpdate, status string) error {
	if existing, err := rc.repo.FindPaymentByProviderRef(event.Provider, pu.ProviderRef); err == nil {
		return rc.advancePayment(existing, status, event.ReceivedAt)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	cycleStart := event.ReceivedAt
	if pu.PeriodStart != nil {
		cycleStart = *pu.PeriodStart
	} else if sub.CurrentPeriodStart != nil {
		cycleStart = *sub.CurrentPeriodStart
	}
	month := cycleTag(cycleStart)

	if existing, err := rc.repo.FindPaymentByCycle(sub.ID, month); err == nil {
		return rc.advancePayment(existing, status, event.ReceivedAt)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	amount := pu.AmountCents
	if amount == 0 {
		amount = sub.PriceCents
	}
	currency := strings.ToLower(pu.Currency)
	if currency == "" {
		currency = sub.Currency
	}
	description := pu.Description
	if description == "" {
		description = fmt.Sprintf("%s plan (%s) cycle %s", sub.Plan, sub.Cycle, month)
	}

	payment := &models.Payment{
		UserID:            sub.UserID,
		AmountCents:       amount,
		Currency:          currency,
		Type:              models.PaymentTypeSubscription,
		Status:            status,
		Description:       description,
		SubscriptionID:    &sub.ID,
		SubscriptionMonth: &month,
		Provider:          event.Provider,
		ProviderRef:       pu.ProviderRef,
	}
	if status == models.PaymentStatusPaid {
		t := event.ReceivedAt.UTC()
		payment.PaidAt = &t
	}
	return rc.repo.UpsertCyclePayment(payment)
}

// cycleTag labels a billing cycle by the UTC month its period starts in.
func cycleTag(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func addCycle(start time.Time, cycle string) time.Time {
	if cycle == models.CycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

func periodAdvanced(stored, incoming *time.Time) bool {
	return stored != nil && incoming != nil && incoming.After(*stored)
}

func paymentStatusRank(status string) int {
	switch status {
	case models.PaymentStatusPending:
		return 0
	case models.PaymentStatusFailed:
		return 1
	case models.PaymentStatusPaid:
		return 2
	case models.PaymentStatusRefunded:
		return 3
	default:
		return -1
	}
}

func packageDescription(packageType string) string {
	if item, err := PackageItem(packageType); err == nil {
		return item.Description
	}
	return "One-time design package"
}
