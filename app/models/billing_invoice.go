package models

import "time"

// InvoiceStatus mirrors the provider invoice lifecycle in local terms.
type InvoiceStatus string

const (
	InvoiceStatusDraft    InvoiceStatus = "draft"
	InvoiceStatusOpen     InvoiceStatus = "open"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusVoid     InvoiceStatus = "void"
	InvoiceStatusPending  InvoiceStatus = "pending"
	InvoiceStatusFailed   InvoiceStatus = "failed"
	InvoiceStatusRefunded InvoiceStatus = "refunded"
)

// InvoiceRecord is the local copy of a provider invoice. Rows are upserted
// whenever the provider reports an invoice and are never deleted. Amounts are
// integer minor-currency units; AmountPaid never exceeds AmountDue.
type InvoiceRecord struct {
	ID                      uint          `gorm:"primaryKey" json:"id"`
	BillingAccountID        uint          `gorm:"not null;index" json:"billing_account_id"`
	ProviderInvoiceID       *string       `gorm:"type:varchar(255);uniqueIndex:ux_billing_invoices_provider" json:"provider_invoice_id,omitempty"`
	ProviderPaymentIntentID *string       `gorm:"type:varchar(255);index" json:"provider_payment_intent_id,omitempty"`
	AmountDue               int64         `gorm:"not null;default:0" json:"amount_due"`
	AmountPaid              int64         `gorm:"not null;default:0" json:"amount_paid"`
	Currency                string        `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	Status                  InvoiceStatus `gorm:"type:varchar(16);not null;default:'draft';index" json:"status"`
	HostedInvoiceURL        string        `gorm:"type:text" json:"hosted_invoice_url"`
	InvoicePDFURL           string        `gorm:"type:text" json:"invoice_pdf_url"`
	Metadata                JSONMap       `gorm:"type:text" json:"metadata"`
	CreatedAt               time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt               time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}
