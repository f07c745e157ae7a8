package models

import "time"

// Billing provider constants used across billing-related models.
const (
	ProviderStripe  = "stripe"
	ProviderFortnox = "fortnox"
)

const (
	PlanStarter    = "starter"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

const (
	CycleMonthly = "monthly"
	CycleYearly  = "yearly"
)

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPaused    = "paused"
	SubscriptionStatusCancelled = "cancelled"
)

// Subscription is the local ledger row mirroring the provider-managed
// subscription for a user. At most one non-cancelled row exists per user;
// the provider state is authoritative and flows in through the reconciler.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;uniqueIndex:ux_subscriptions_user" json:"user_id"`
	Plan                   string     `gorm:"type:varchar(50);not null;default:'starter'" json:"plan"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	Cycle                  string     `gorm:"type:varchar(16);not null;default:'monthly'" json:"cycle"`
	PriceCents             int64      `gorm:"not null;default:0" json:"price_cents"`
	Currency               string     `gorm:"type:varchar(8);not null;default:'sek'" json:"currency"`
	Provider               string     `gorm:"type:varchar(20);not null;default:'stripe';index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID *string    `gorm:"type:varchar(191);index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id,omitempty"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);default:'';index" json:"provider_customer_id"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CancelledAt            *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	ProjectsUsed           int        `gorm:"not null;default:0" json:"projects_used"`
	UsageResetAt           *time.Time `gorm:"type:timestamp;default:null" json:"usage_reset_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsCancelled reports whether the subscription reached its terminal state.
// A pending cancellation (CancelAtPeriodEnd) is not terminal.
func (s *Subscription) IsCancelled() bool {
	return s.Status == SubscriptionStatusCancelled
}
