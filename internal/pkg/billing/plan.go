package billing

import (
	"strings"

	"github.com/crewplane/crewplane/app/models"
)

// MapProviderSubscriptionStatus folds a provider subscription status into the
// internal billing status. Unknown values land on UNPAID so an account never
// gains usage from a status this code does not understand.
func MapProviderSubscriptionStatus(providerStatus string) models.BillingStatus {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "trialing":
		return models.BillingStatusTrialing
	case "active":
		return models.BillingStatusActive
	case "past_due":
		return models.BillingStatusPastDue
	case "incomplete", "incomplete_expired", "unpaid":
		return models.BillingStatusUnpaid
	case "canceled", "cancelled":
		return models.BillingStatusCanceled
	default:
		return models.BillingStatusUnpaid
	}
}

// MapProviderInvoiceStatus folds a provider invoice status into the internal
// invoice status. Terminal provider states bucket into paid or failed; open
// stays open and anything unknown is treated as pending.
func MapProviderInvoiceStatus(providerStatus string) models.InvoiceStatus {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "paid", "paidout":
		return models.InvoiceStatusPaid
	case "open":
		return models.InvoiceStatusOpen
	case "draft":
		return models.InvoiceStatusDraft
	case "void", "uncollectible":
		return models.InvoiceStatusVoid
	case "failed":
		return models.InvoiceStatusFailed
	case "refunded":
		return models.InvoiceStatusRefunded
	default:
		return models.InvoiceStatusPending
	}
}

// validatePlanForSubscription rejects plans that cannot be subscribed to:
// inactive ones and ones that were never mapped to a provider price.
func validatePlanForSubscription(plan *models.BillingPlan) error {
	if plan == nil {
		return notFoundErrorf("plan not found")
	}
	if !plan.IsActive {
		return validationErrorf("plan %s is not active", plan.Code)
	}
	if strings.TrimSpace(plan.ProviderPriceID) == "" {
		return validationErrorf("plan %s has no provider price mapping", plan.Code)
	}
	return nil
}
