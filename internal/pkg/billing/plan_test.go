package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crewplane/crewplane/app/models"
)

func TestMapProviderSubscriptionStatus(t *testing.T) {
	tests := []struct {
		in   string
		want models.BillingStatus
	}{
		{"trialing", models.BillingStatusTrialing},
		{"active", models.BillingStatusActive},
		{"past_due", models.BillingStatusPastDue},
		{"incomplete", models.BillingStatusUnpaid},
		{"incomplete_expired", models.BillingStatusUnpaid},
		{"unpaid", models.BillingStatusUnpaid},
		{"canceled", models.BillingStatusCanceled},
		{"cancelled", models.BillingStatusCanceled},
		{"ACTIVE", models.BillingStatusActive},
		{" trialing ", models.BillingStatusTrialing},
		{"paused", models.BillingStatusUnpaid},
		{"", models.BillingStatusUnpaid},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, MapProviderSubscriptionStatus(tc.in), "status %q", tc.in)
	}
}

func TestMapProviderInvoiceStatus(t *testing.T) {
	tests := []struct {
		in   string
		want models.InvoiceStatus
	}{
		{"paid", models.InvoiceStatusPaid},
		{"paidout", models.InvoiceStatusPaid},
		{"open", models.InvoiceStatusOpen},
		{"draft", models.InvoiceStatusDraft},
		{"void", models.InvoiceStatusVoid},
		{"uncollectible", models.InvoiceStatusVoid},
		{"failed", models.InvoiceStatusFailed},
		{"refunded", models.InvoiceStatusRefunded},
		{"something_new", models.InvoiceStatusPending},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, MapProviderInvoiceStatus(tc.in), "status %q", tc.in)
	}
}

func TestValidatePlanForSubscription(t *testing.T) {
	assert.ErrorIs(t, validatePlanForSubscription(nil), ErrNotFound)

	inactive := &models.BillingPlan{Code: "OLD", IsActive: false, ProviderPriceID: "price_x"}
	assert.ErrorIs(t, validatePlanForSubscription(inactive), ErrValidation)

	unmapped := &models.BillingPlan{Code: "NEW", IsActive: true, ProviderPriceID: "  "}
	assert.ErrorIs(t, validatePlanForSubscription(unmapped), ErrValidation)

	ok := &models.BillingPlan{Code: "PRO", IsActive: true, ProviderPriceID: "price_pro"}
	assert.NoError(t, validatePlanForSubscription(ok))
}
