package models

import "time"

// PaymentMethod is the non-sensitive card metadata for a billing account. Raw
// card data never touches this system; only the provider token is stored.
// At most one method per account carries IsDefault=true.
type PaymentMethod struct {
	ID                      uint      `gorm:"primaryKey" json:"id"`
	BillingAccountID        uint      `gorm:"not null;index" json:"billing_account_id"`
	ProviderPaymentMethodID string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_billing_payment_methods_provider" json:"provider_payment_method_id"`
	Brand                   string    `gorm:"type:varchar(50)" json:"brand"`
	Last4                   string    `gorm:"type:varchar(4)" json:"last4"`
	ExpMonth                int       `json:"exp_month"`
	ExpYear                 int       `json:"exp_year"`
	IsDefault               bool      `gorm:"default:false;index" json:"is_default"`
	Metadata                JSONMap   `gorm:"type:text" json:"metadata"`
	CreatedAt               time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
