package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crewplane/crewplane/app/models"
)

// AccountUpdate is a partial update of a billing account. Nil pointer fields
// stay untouched; the Clear flags null out their columns explicitly, which a
// nil pointer cannot express. MergeMetadata is merged key-by-key into the
// stored metadata instead of replacing it.
type AccountUpdate struct {
	Status                 *models.BillingStatus
	ProviderCustomerID     *string
	ProviderSubscriptionID *string
	CurrentPriceID         *string
	TrialStartsAt          *time.Time
	TrialEndsAt            *time.Time
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	NextBillingAt          *time.Time
	CancelAtPeriodEnd      *bool
	Currency               *string
	DefaultPaymentMethodID *uint

	ClearTrial                bool
	ClearNextBilling          bool
	ClearDefaultPaymentMethod bool

	MergeMetadata map[string]any
}

// Repository is the storage boundary of the billing core. Implementations
// translate storage errors into the billing taxonomy; gorm error values never
// cross this interface.
type Repository interface {
	CreateAccount(ctx context.Context, account *models.BillingAccount) error
	GetAccountByOrg(ctx context.Context, organizationID uint) (*models.BillingAccount, error)
	GetAccountByID(ctx context.Context, accountID uint) (*models.BillingAccount, error)
	FindAccountByProviderCustomerID(ctx context.Context, customerID string) (*models.BillingAccount, error)
	UpdateAccount(ctx context.Context, accountID uint, update AccountUpdate) (*models.BillingAccount, error)

	AddPaymentMethod(ctx context.Context, method *models.PaymentMethod) error
	SetDefaultPaymentMethod(ctx context.Context, accountID, methodID uint) error
	DeletePaymentMethod(ctx context.Context, accountID, methodID uint) error
	ListPaymentMethods(ctx context.Context, accountID uint) ([]models.PaymentMethod, error)
	FindPaymentMethodByProviderID(ctx context.Context, providerPaymentMethodID string) (*models.PaymentMethod, error)

	UpsertInvoice(ctx context.Context, invoice *models.InvoiceRecord) (*models.InvoiceRecord, error)
	MarkInvoicePaid(ctx context.Context, providerInvoiceID string, amountPaid *int64) (*models.InvoiceRecord, error)
	MarkInvoiceFailed(ctx context.Context, providerInvoiceID string) (*models.InvoiceRecord, error)
	ListInvoices(ctx context.Context, accountID uint) ([]models.InvoiceRecord, error)
	FindInvoiceByProviderInvoiceID(ctx context.Context, providerInvoiceID string) (*models.InvoiceRecord, error)
	FindInvoiceByPaymentIntentID(ctx context.Context, providerPaymentIntentID string) (*models.InvoiceRecord, error)

	ListActivePlans(ctx context.Context) ([]models.BillingPlan, error)
	FindPlanByCode(ctx context.Context, code, interval string) (*models.BillingPlan, error)
	FindPlanByPriceID(ctx context.Context, providerPriceID string) (*models.BillingPlan, error)

	CreateEventLogIfNotExists(ctx context.Context, entry *models.BillingEventLog) (bool, error)
	MarkEventProcessed(ctx context.Context, providerEventID string, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository wraps a gorm handle in the billing storage boundary.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrAlreadyExists
	default:
		return err
	}
}

func (r *gormRepository) CreateAccount(ctx context.Context, account *models.BillingAccount) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.BillingAccount{}).
			Where("organization_id = ?", account.OrganizationID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: billing account for organization %d", ErrAlreadyExists, account.OrganizationID)
		}
		// The unique index on organization_id still backs this up under
		// concurrent creates.
		return translateError(tx.Create(account).Error)
	})
}

func (r *gormRepository) GetAccountByOrg(ctx context.Context, organizationID uint) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).Where("organization_id = ?", organizationID).First(&account).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

func (r *gormRepository) GetAccountByID(ctx context.Context, accountID uint) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).First(&account, accountID).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

func (r *gormRepository) FindAccountByProviderCustomerID(ctx context.Context, customerID string) (*models.BillingAccount, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}
	var account models.BillingAccount
	err := r.db.WithContext(ctx).Where("provider_customer_id = ?", customerID).First(&account).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

func (r *gormRepository) UpdateAccount(ctx context.Context, accountID uint, update AccountUpdate) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&account, accountID).Error; err != nil {
			return err
		}

		changes := map[string]any{}
		if update.Status != nil {
			changes["status"] = *update.Status
		}
		if update.ProviderCustomerID != nil {
			changes["provider_customer_id"] = *update.ProviderCustomerID
		}
		if update.ProviderSubscriptionID != nil {
			changes["provider_subscription_id"] = *update.ProviderSubscriptionID
		}
		if update.CurrentPriceID != nil {
			changes["current_price_id"] = *update.CurrentPriceID
		}
		if update.TrialStartsAt != nil {
			changes["trial_starts_at"] = *update.TrialStartsAt
		}
		if update.TrialEndsAt != nil {
			changes["trial_ends_at"] = *update.TrialEndsAt
		}
		if update.ClearTrial {
			changes["trial_starts_at"] = nil
			changes["trial_ends_at"] = nil
		}
		if update.CurrentPeriodStart != nil {
			changes["current_period_start"] = *update.CurrentPeriodStart
		}
		if update.CurrentPeriodEnd != nil {
			changes["current_period_end"] = *update.CurrentPeriodEnd
		}
		if update.NextBillingAt != nil {
			changes["next_billing_at"] = *update.NextBillingAt
		}
		if update.ClearNextBilling {
			changes["next_billing_at"] = nil
		}
		if update.CancelAtPeriodEnd != nil {
			changes["cancel_at_period_end"] = *update.CancelAtPeriodEnd
		}
		if update.Currency != nil {
			changes["currency"] = *update.Currency
		}
		if update.DefaultPaymentMethodID != nil {
			changes["default_payment_method_id"] = *update.DefaultPaymentMethodID
		}
		if update.ClearDefaultPaymentMethod {
			changes["default_payment_method_id"] = nil
		}
		if len(update.MergeMetadata) > 0 {
			merged := models.JSONMap{}
			for k, v := range account.Metadata {
				merged[k] = v
			}
			for k, v := range update.MergeMetadata {
				merged[k] = v
			}
			changes["metadata"] = merged
		}

		if len(changes) == 0 {
			return nil
		}
		if err := tx.Model(&account).Updates(changes).Error; err != nil {
			return err
		}
		return tx.First(&account, accountID).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

func (r *gormRepository) AddPaymentMethod(ctx context.Context, method *models.PaymentMethod) error {
	return translateError(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if method.IsDefault {
			if err := tx.Model(&models.PaymentMethod{}).
				Where("billing_account_id = ? AND is_default = ?", method.BillingAccountID, true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(method).Error; err != nil {
			return err
		}
		if method.IsDefault {
			return tx.Model(&models.BillingAccount{}).
				Where("id = ?", method.BillingAccountID).
				Update("default_payment_method_id", method.ID).Error
		}
		return nil
	}))
}

func (r *gormRepository) SetDefaultPaymentMethod(ctx context.Context, accountID, methodID uint) error {
	return translateError(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var method models.PaymentMethod
		if err := tx.Where("id = ? AND billing_account_id = ?", methodID, accountID).First(&method).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.PaymentMethod{}).
			Where("billing_account_id = ? AND id <> ?", accountID, methodID).
			Update("is_default", false).Error; err != nil {
			return err
		}
		if err := tx.Model(&method).Update("is_default", true).Error; err != nil {
			return err
		}
		return tx.Model(&models.BillingAccount{}).
			Where("id = ?", accountID).
			Update("default_payment_method_id", methodID).Error
	}))
}

func (r *gormRepository) DeletePaymentMethod(ctx context.Context, accountID, methodID uint) error {
	return translateError(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var method models.PaymentMethod
		if err := tx.Where("id = ? AND billing_account_id = ?", methodID, accountID).First(&method).Error; err != nil {
			return err
		}
		if err := tx.Delete(&method).Error; err != nil {
			return err
		}
		// A deleted default leaves the account without one rather than
		// silently promoting another method.
		return tx.Model(&models.BillingAccount{}).
			Where("id = ? AND default_payment_method_id = ?", accountID, methodID).
			Update("default_payment_method_id", nil).Error
	}))
}

func (r *gormRepository) ListPaymentMethods(ctx context.Context, accountID uint) ([]models.PaymentMethod, error) {
	var methods []models.PaymentMethod
	err := r.db.WithContext(ctx).
		Where("billing_account_id = ?", accountID).
		Order("is_default DESC, created_at DESC").
		Find(&methods).Error
	return methods, translateError(err)
}

func (r *gormRepository) FindPaymentMethodByProviderID(ctx context.Context, providerPaymentMethodID string) (*models.PaymentMethod, error) {
	if providerPaymentMethodID == "" {
		return nil, ErrNotFound
	}
	var method models.PaymentMethod
	err := r.db.WithContext(ctx).Where("provider_payment_method_id = ?", providerPaymentMethodID).First(&method).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &method, nil
}

// clampAmountPaid caps paid at due so an over-reported provider amount can
// never push the local record past its total. The raw value survives in
// metadata for inspection.
func clampAmountPaid(invoice *models.InvoiceRecord) {
	if invoice.AmountPaid > invoice.AmountDue {
		if invoice.Metadata == nil {
			invoice.Metadata = models.JSONMap{}
		}
		invoice.Metadata["reported_amount_paid"] = invoice.AmountPaid
		invoice.AmountPaid = invoice.AmountDue
	}
}

func (r *gormRepository) UpsertInvoice(ctx context.Context, invoice *models.InvoiceRecord) (*models.InvoiceRecord, error) {
	clampAmountPaid(invoice)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if invoice.ProviderInvoiceID == nil || *invoice.ProviderInvoiceID == "" {
			return tx.Create(invoice).Error
		}
		var existing models.InvoiceRecord
		err := tx.Where("provider_invoice_id = ?", *invoice.ProviderInvoiceID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(invoice).Error
		}
		if err != nil {
			return err
		}

		merged := models.JSONMap{}
		for k, v := range existing.Metadata {
			merged[k] = v
		}
		for k, v := range invoice.Metadata {
			merged[k] = v
		}

		changes := map[string]any{
			"status":             invoice.Status,
			"amount_due":         invoice.AmountDue,
			"amount_paid":        invoice.AmountPaid,
			"currency":           invoice.Currency,
			"hosted_invoice_url": invoice.HostedInvoiceURL,
			"invoice_pdf_url":    invoice.InvoicePDFURL,
			"metadata":           merged,
		}
		if invoice.ProviderPaymentIntentID != nil {
			changes["provider_payment_intent_id"] = *invoice.ProviderPaymentIntentID
		}
		if err := tx.Model(&existing).Updates(changes).Error; err != nil {
			return err
		}
		*invoice = existing
		return tx.First(invoice, existing.ID).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return invoice, nil
}

func (r *gormRepository) MarkInvoicePaid(ctx context.Context, providerInvoiceID string, amountPaid *int64) (*models.InvoiceRecord, error) {
	var invoice models.InvoiceRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider_invoice_id = ?", providerInvoiceID).First(&invoice).Error; err != nil {
			return err
		}
		paid := invoice.AmountDue
		if amountPaid != nil {
			paid = *amountPaid
		}
		invoice.AmountPaid = paid
		clampAmountPaid(&invoice)
		changes := map[string]any{
			"status":      models.InvoiceStatusPaid,
			"amount_paid": invoice.AmountPaid,
		}
		if len(invoice.Metadata) > 0 {
			changes["metadata"] = invoice.Metadata
		}
		if err := tx.Model(&invoice).Updates(changes).Error; err != nil {
			return err
		}
		return tx.First(&invoice, invoice.ID).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return &invoice, nil
}

func (r *gormRepository) MarkInvoiceFailed(ctx context.Context, providerInvoiceID string) (*models.InvoiceRecord, error) {
	var invoice models.InvoiceRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider_invoice_id = ?", providerInvoiceID).First(&invoice).Error; err != nil {
			return err
		}
		if err := tx.Model(&invoice).Update("status", models.InvoiceStatusFailed).Error; err != nil {
			return err
		}
		return tx.First(&invoice, invoice.ID).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return &invoice, nil
}

func (r *gormRepository) ListInvoices(ctx context.Context, accountID uint) ([]models.InvoiceRecord, error) {
	var invoices []models.InvoiceRecord
	err := r.db.WithContext(ctx).
		Where("billing_account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Find(&invoices).Error
	return invoices, translateError(err)
}

func (r *gormRepository) FindInvoiceByProviderInvoiceID(ctx context.Context, providerInvoiceID string) (*models.InvoiceRecord, error) {
	if providerInvoiceID == "" {
		return nil, ErrNotFound
	}
	var invoice models.InvoiceRecord
	err := r.db.WithContext(ctx).Where("provider_invoice_id = ?", providerInvoiceID).First(&invoice).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &invoice, nil
}

func (r *gormRepository) FindInvoiceByPaymentIntentID(ctx context.Context, providerPaymentIntentID string) (*models.InvoiceRecord, error) {
	if providerPaymentIntentID == "" {
		return nil, ErrNotFound
	}
	var invoice models.InvoiceRecord
	err := r.db.WithContext(ctx).Where("provider_payment_intent_id = ?", providerPaymentIntentID).First(&invoice).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &invoice, nil
}

func (r *gormRepository) ListActivePlans(ctx context.Context) ([]models.BillingPlan, error) {
	var plans []models.BillingPlan
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_order ASC, amount ASC").
		Find(&plans).Error
	return plans, translateError(err)
}

func (r *gormRepository) FindPlanByCode(ctx context.Context, code, interval string) (*models.BillingPlan, error) {
	q := r.db.WithContext(ctx).Where("code = ?", code)
	if interval != "" {
		q = q.Where("`interval` = ?", interval)
	}
	var plan models.BillingPlan
	err := q.Order("sort_order ASC").First(&plan).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &plan, nil
}

func (r *gormRepository) FindPlanByPriceID(ctx context.Context, providerPriceID string) (*models.BillingPlan, error) {
	if providerPriceID == "" {
		return nil, ErrNotFound
	}
	var plan models.BillingPlan
	err := r.db.WithContext(ctx).Where("provider_price_id = ?", providerPriceID).First(&plan).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &plan, nil
}

func (r *gormRepository) CreateEventLogIfNotExists(ctx context.Context, entry *models.BillingEventLog) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return false, translateError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) MarkEventProcessed(ctx context.Context, providerEventID string, processingError string) error {
	changes := map[string]any{"processing_error": processingError}
	if processingError == "" {
		changes["processed_at"] = time.Now().UTC()
	}
	return translateError(r.db.WithContext(ctx).
		Model(&models.BillingEventLog{}).
		Where("provider_event_id = ?", providerEventID).
		Updates(changes).Error)
}
