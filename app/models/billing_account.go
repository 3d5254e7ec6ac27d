package models

import "time"

// BillingStatus is the persisted lifecycle state of a billing account. It only
// changes through the billing service or a provider-confirmed webhook; the
// effective status used for gating is derived separately.
type BillingStatus string

const (
	BillingStatusTrialing BillingStatus = "TRIALING"
	BillingStatusActive   BillingStatus = "ACTIVE"
	BillingStatusPastDue  BillingStatus = "PAST_DUE"
	BillingStatusUnpaid   BillingStatus = "UNPAID"
	BillingStatusCanceled BillingStatus = "CANCELLED"
	BillingStatusBlocked  BillingStatus = "BLOCKED"
)

// BillingAccount holds the subscription state of one organization. Exactly one
// row exists per organization; accounts are never deleted, only terminated via
// status.
type BillingAccount struct {
	ID                     uint          `gorm:"primaryKey" json:"id"`
	OrganizationID         uint          `gorm:"not null;uniqueIndex:ux_billing_accounts_org" json:"organization_id"`
	ProviderCustomerID     *string       `gorm:"type:varchar(255);index" json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID *string       `gorm:"type:varchar(255);index" json:"provider_subscription_id,omitempty"`
	Status                 BillingStatus `gorm:"type:varchar(20);not null;default:'TRIALING';index" json:"status"`
	TrialStartsAt          *time.Time    `gorm:"type:timestamp;default:null" json:"trial_starts_at,omitempty"`
	TrialEndsAt            *time.Time    `gorm:"type:timestamp;default:null" json:"trial_ends_at,omitempty"`
	CurrentPeriodStart     *time.Time    `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time    `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	NextBillingAt          *time.Time    `gorm:"type:timestamp;default:null" json:"next_billing_at,omitempty"`
	CurrentPriceID         *string       `gorm:"type:varchar(255)" json:"current_price_id,omitempty"`
	DefaultPaymentMethodID *uint         `gorm:"index" json:"default_payment_method_id,omitempty"`
	CancelAtPeriodEnd      bool          `gorm:"default:false" json:"cancel_at_period_end"`
	Currency               string        `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	Metadata               JSONMap       `gorm:"type:text" json:"metadata"`
	CreatedAt              time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}
