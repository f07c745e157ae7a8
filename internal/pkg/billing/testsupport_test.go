package billing

import (
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/MatsHolmberg/DesignDesk/app/models"
)

// fakeRepo is an in-memory Repository with the same conflict and guard
// semantics as the GORM implementation.
type fakeRepo struct {
	users         map[uint]*models.User
	subscriptions map[uint]*models.Subscription
	payments      map[uint]*models.Payment
	webhookEvents map[uint]*models.WebhookEvent
	accounts      map[uint]*models.BillingAccount

	nextSubID     uint
	nextPaymentID uint
	nextEventID   uint
	nextAccountID uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:         map[uint]*models.User{},
		subscriptions: map[uint]*models.Subscription{},
		payments:      map[uint]*models.Payment{},
		webhookEvents: map[uint]*models.WebhookEvent{},
		accounts:      map[uint]*models.BillingAccount{},
	}
}

func (f *fakeRepo) addUser(id uint, email string) {
	f.users[id] = &models.User{ID: id, Name: "Test User", Email: email, Role: models.ROLE_USER}
}

func (f *fakeRepo) GetUserByID(id uint) (*models.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeRepo) FindSubscriptionByUser(userID uint) (*models.Subscription, error) {
	for _, sub := range f.subscriptions {
		if sub.UserID == userID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) FindSubscriptionByProviderRef(provider, ref string) (*models.Subscription, error) {
	for _, sub := range f.subscriptions {
		if sub.Provider == provider && sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID == ref {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) CreateSubscription(sub *models.Subscription) error {
	f.nextSubID++
	sub.ID = f.nextSubID
	cp := *sub
	f.subscriptions[sub.ID] = &cp
	return nil
}

func (f *fakeRepo) SaveSubscription(sub *models.Subscription) error {
	if sub.ID == 0 {
		return f.CreateSubscription(sub)
	}
	cp := *sub
	f.subscriptions[sub.ID] = &cp
	return nil
}

func (f *fakeRepo) UpdateSubscriptionGuarded(id uint, guard *time.Time, updates map[string]interface{}) (bool, error) {
	sub, ok := f.subscriptions[id]
	if !ok {
		return false, nil
	}
	if guard != nil && sub.CurrentPeriodStart != nil && sub.CurrentPeriodStart.After(*guard) {
		return false, nil
	}
	for col, val := range updates {
		switch col {
		case "status":
			sub.Status = val.(string)
		case "cancel_at_period_end":
			sub.CancelAtPeriodEnd = val.(bool)
		case "cancelled_at":
			sub.CancelledAt = val.(*time.Time)
		case "provider_customer_id":
			sub.ProviderCustomerID = val.(string)
		case "current_period_start":
			sub.CurrentPeriodStart = val.(*time.Time)
		case "current_period_end":
			sub.CurrentPeriodEnd = val.(*time.Time)
		case "projects_used":
			sub.ProjectsUsed = val.(int)
		case "usage_reset_at":
			sub.UsageResetAt = val.(*time.Time)
		}
	}
	return true, nil
}

func (f *fakeRepo) FindPaymentByID(id uint) (*models.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) FindPaymentByProviderRef(provider, ref string) (*models.Payment, error) {
	for _, p := range f.payments {
		if p.Provider == provider && p.ProviderRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) FindPaymentByCycle(subscriptionID uint, month string) (*models.Payment, error) {
	for _, p := range f.payments {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID &&
			p.SubscriptionMonth != nil && *p.SubscriptionMonth == month {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) CreatePayment(p *models.Payment) error {
	f.nextPaymentID++
	p.ID = f.nextPaymentID
	cp := *p
	f.payments[p.ID] = &cp
	return nil
}

func (f *fakeRepo) SavePayment(p *models.Payment) error {
	if p.ID == 0 {
		return f.CreatePayment(p)
	}
	cp := *p
	f.payments[p.ID] = &cp
	return nil
}

func (f *fakeRepo) UpdatePaymentGuarded(id uint, fromStatuses []string, updates map[string]interface{}) (bool, error) {
	p, ok := f.payments[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, status := range fromStatuses {
		if p.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	for col, val := range updates {
		switch col {
		case "status":
			p.Status = val.(string)
		case "paid_at":
			p.PaidAt = val.(*time.Time)
		case "amount_cents":
			p.AmountCents = val.(int64)
		case "currency":
			p.Currency = val.(string)
		}
	}
	return true, nil
}

func (f *fakeRepo) UpsertCyclePayment(p *models.Payment) error {
	for _, existing := range f.payments {
		if existing.SubscriptionID != nil && p.SubscriptionID != nil &&
			*existing.SubscriptionID == *p.SubscriptionID &&
			existing.SubscriptionMonth != nil && p.SubscriptionMonth != nil &&
			*existing.SubscriptionMonth == *p.SubscriptionMonth {
			existing.Status = p.Status
			existing.AmountCents = p.AmountCents
			existing.Currency = p.Currency
			existing.ProviderRef = p.ProviderRef
			existing.PaidAt = p.PaidAt
			*p = *existing
			return nil
		}
	}
	return f.CreatePayment(p)
}

func (f *fakeRepo) ListPaymentsByUser(userID uint, limit int) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range f.payments {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	for _, existing := range f.webhookEvents {
		if existing.Provider == event.Provider && existing.ProviderEventID == event.ProviderEventID {
			cp := *existing
			return false, &cp, nil
		}
	}
	f.nextEventID++
	event.ID = f.nextEventID
	cp := *event
	f.webhookEvents[event.ID] = &cp
	stored := cp
	return true, &stored, nil
}

func (f *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	event, ok := f.webhookEvents[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	event.ProcessedAt = &now
	event.ProcessingError = processingError
	return nil
}

func (f *fakeRepo) GetBillingAccountByUser(userID uint, provider string) (*models.BillingAccount, error) {
	for _, a := range f.accounts {
		if a.UserID == userID && a.Provider == provider {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) GetBillingAccountByProviderAccountID(provider, providerAccountID string) (*models.BillingAccount, error) {
	for _, a := range f.accounts {
		if a.Provider == provider && a.ProviderAccountID == providerAccountID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) UpsertBillingAccount(account *models.BillingAccount) error {
	for _, existing := range f.accounts {
		if existing.Provider == account.Provider && existing.ProviderAccountID == account.ProviderAccountID {
			existing.UserID = account.UserID
			existing.Email = account.Email
			existing.AccessTokenEnc = account.AccessTokenEnc
			existing.RefreshTokenEnc = account.RefreshTokenEnc
			existing.TokenExpiresAt = account.TokenExpiresAt
			*account = *existing
			return nil
		}
	}
	f.nextAccountID++
	account.ID = f.nextAccountID
	cp := *account
	f.accounts[account.ID] = &cp
	return nil
}
