package models

import "time"

const (
	PaymentTypeOneTime      = "one_time"
	PaymentTypeSubscription = "subscription"
)

const (
	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
)

// Payment records one billable event: a one-time package purchase or a single
// subscription billing cycle. Subscription payments carry a cycle tag
// (SubscriptionMonth, e.g. "2026-08") so duplicate provider deliveries for the
// same cycle collapse onto one row via the unique composite index.
type Payment struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	UserID            uint       `gorm:"not null;index" json:"user_id"`
	AmountCents       int64      `gorm:"not null;default:0" json:"amount_cents"`
	Currency          string     `gorm:"type:varchar(8);not null;default:'sek'" json:"currency"`
	Type              string     `gorm:"type:varchar(20);not null;default:'one_time'" json:"type"`
	Status            string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Description       string     `gorm:"type:varchar(255);default:''" json:"description"`
	JobID             *uint      `gorm:"index" json:"job_id,omitempty"`
	SubscriptionID    *uint      `gorm:"index:ux_payments_subscription_cycle,unique,priority:1" json:"subscription_id,omitempty"`
	SubscriptionMonth *string    `gorm:"type:varchar(16);index:ux_payments_subscription_cycle,unique,priority:2" json:"subscription_month,omitempty"`
	Provider          string     `gorm:"type:varchar(20);not null;default:'stripe';index:idx_payments_provider_ref,priority:1" json:"provider"`
	ProviderRef       string     `gorm:"type:varchar(191);default:'';index:idx_payments_provider_ref,priority:2" json:"provider_ref"`
	PaidAt            *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
