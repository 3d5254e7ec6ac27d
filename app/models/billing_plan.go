package models

import "time"

const (
	PlanIntervalMonth = "month"
	PlanIntervalYear  = "year"
)

const (
	PlanTierEssential    = "ESSENTIAL"
	PlanTierProfessional = "PROFESSIONAL"
	PlanTierEnterprise   = "ENTERPRISE"
)

// BillingPlan maps an internal plan code to the provider product/price pair
// used when creating checkouts, subscriptions and manual invoices.
type BillingPlan struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Code              string    `gorm:"type:varchar(50);not null;uniqueIndex:ux_billing_plans_code_interval_currency,priority:1;index" json:"code"`
	Tier              string    `gorm:"type:varchar(20);not null" json:"tier"`
	Label             string    `gorm:"type:varchar(100);not null" json:"label"`
	Description       string    `gorm:"type:varchar(255)" json:"description"`
	Interval          string    `gorm:"type:varchar(16);not null;uniqueIndex:ux_billing_plans_code_interval_currency,priority:2" json:"interval"`
	Currency          string    `gorm:"type:varchar(3);not null;default:'USD';uniqueIndex:ux_billing_plans_code_interval_currency,priority:3" json:"currency"`
	Amount            int64     `gorm:"not null" json:"amount"`
	ProviderProductID string    `gorm:"type:varchar(255);not null" json:"provider_product_id"`
	ProviderPriceID   string    `gorm:"type:varchar(255);not null;index" json:"provider_price_id"`
	Features          JSONMap   `gorm:"type:text" json:"features"`
	IsMostPopular     bool      `gorm:"default:false" json:"is_most_popular"`
	IsActive          bool      `gorm:"default:true;index" json:"is_active"`
	SortOrder         int       `gorm:"default:0" json:"sort_order"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
