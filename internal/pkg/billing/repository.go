package billing

import (
	"time"

	"github.com/MatsHolmberg/DesignDesk/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the ledger store consumed by the billing service and the
// reconciler. All subscription/payment mutations flow through here; webhook
// dedup rows and provider token storage live behind the same interface.
type Repository interface {
	GetUserByID(id uint) (*models.User, error)

	FindSubscriptionByUser(userID uint) (*models.Subscription, error)
	FindSubscriptionByProviderRef(provider, providerSubscriptionID string) (*models.Subscription, error)
	CreateSubscription(sub *models.Subscription) error
	SaveSubscription(sub *models.Subscription) error
	// UpdateSubscriptionGuarded applies updates only while the stored
	// current_period_start is not newer than guard. Returns false when the
	// guard lost the race (a newer period is already stored).
	UpdateSubscriptionGuarded(id uint, guard *time.Time, updates map[string]interface{}) (bool, error)

	FindPaymentByID(id uint) (*models.Payment, error)
	FindPaymentByProviderRef(provider, providerRef string) (*models.Payment, error)
	FindPaymentByCycle(subscriptionID uint, month string) (*models.Payment, error)
	CreatePayment(p *models.Payment) error
	SavePayment(p *models.Payment) error
	// UpdatePaymentGuarded applies updates only while the stored status is
	// one of fromStatuses. Returns false when a concurrent writer already
	// moved the row out of those states.
	UpdatePaymentGuarded(id uint, fromStatuses []string, updates map[string]interface{}) (bool, error)
	// UpsertCyclePayment inserts a subscription-cycle payment keyed on
	// (subscription_id, subscription_month); a duplicate delivery updates the
	// existing row instead of double-billing the cycle.
	UpsertCyclePayment(p *models.Payment) error
	ListPaymentsByUser(userID uint, limit int) ([]models.Payment, error)

	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error

	GetBillingAccountByUser(userID uint, provider string) (*models.BillingAccount, error)
	GetBillingAccountByProviderAccountID(provider, providerAccountID string) (*models.BillingAccount, error)
	UpsertBillingAccount(account *models.BillingAccount) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUserByID(id uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) FindSubscriptionByUser(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("user_id = ?", userID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscriptionByProviderRef(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateSubscription(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) UpdateSubscriptionGuarded(id uint, guard *time.Time, updates map[string]interface{}) (bool, error) {
	tx := r.db.Model(&models.Subscription{}).Where("id = ?", id)
	if guard != nil {
		tx = tx.Where("current_period_start IS NULL OR current_period_start <= ?", *guard)
	}
	res := tx.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) FindPaymentByID(id uint) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindPaymentByProviderRef(provider, providerRef string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.Where("provider = ? AND provider_ref = ?", provider, providerRef).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindPaymentByCycle(subscriptionID uint, month string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.Where("subscription_id = ? AND subscription_month = ?", subscriptionID, month).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) CreatePayment(p *models.Payment) error {
	return r.db.Create(p).Error
}

func (r *gormRepository) UpdatePaymentGuarded(id uint, fromStatuses []string, updates map[string]interface{}) (bool, error) {
	if len(fromStatuses) == 0 {
		return false, nil
	}
	res := r.db.Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, fromStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) SavePayment(p *models.Payment) error {
	return r.db.Save(p).Error
}

func (r *gormRepository) UpsertCyclePayment(p *models.Payment) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "subscription_id"},
			{Name: "subscription_month"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"amount_cents",
			"currency",
			"provider_ref",
			"paid_at",
			"updated_at",
		}),
	}).Create(p).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("subscription_id = ? AND subscription_month = ?", p.SubscriptionID, p.SubscriptionMonth).
		First(p).Error
}

func (r *gormRepository) ListPaymentsByUser(userID uint, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	var payments []models.Payment
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) GetBillingAccountByUser(userID uint, provider string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.Where("user_id = ? AND provider = ?", userID, provider).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) GetBillingAccountByProviderAccountID(provider, providerAccountID string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.Where("provider = ? AND provider_account_id = ?", provider, providerAccountID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) UpsertBillingAccount(account *models.BillingAccount) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_account_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"email",
			"access_token_enc",
			"refresh_token_enc",
			"token_expires_at",
			"updated_at",
		}),
	}).Create(account).Error; err != nil {
		return err
	}

	return r.db.Where("provider = ? AND provider_account_id = ?", account.Provider, account.ProviderAccountID).
		First(account).Error
}
