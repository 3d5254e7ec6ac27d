package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/crewplane/crewplane/app/models"
)

// signatureBypassProvider decodes the event envelope from the body instead
// of checking a real signature, so tests can feed events directly.
func signatureBypassProvider() *fakeProvider {
	return &fakeProvider{
		verifyWebhookSignatureFn: func(payload []byte, signatureHeader string) (*Event, error) {
			if signatureHeader != "valid" {
				return nil, ErrSignatureVerification
			}
			var envelope struct {
				ID   string `json:"id"`
				Type string `json:"type"`
				Data struct {
					Object json.RawMessage `json:"object"`
				} `json:"data"`
			}
			if err := json.Unmarshal(payload, &envelope); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
			}
			return &Event{ID: envelope.ID, Type: envelope.Type, Object: envelope.Data.Object}, nil
		},
	}
}

func newTestProcessor(t *testing.T) (*Processor, Repository, *gorm.DB) {
	t.Helper()
	db := testDB(t)
	repo := NewRepository(db)
	processor := NewProcessor(signatureBypassProvider(), repo, testMarkerStore(t))
	return processor, repo, db
}

func eventBody(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":   id,
		"type": eventType,
		"data": map[string]any{"object": object},
	})
	require.NoError(t, err)
	return body
}

func TestProcessRejectsBadSignature(t *testing.T) {
	processor, _, _ := newTestProcessor(t)

	_, err := processor.Process(context.Background(), []byte("{}"), "garbage")
	assert.ErrorIs(t, err, ErrSignatureVerification)
}

func TestProcessRecordsUnknownInvoiceForKnownCustomer(t *testing.T) {
	processor, repo, _ := newTestProcessor(t)
	ctx := context.Background()

	customerID := "cus_wh"
	account := seedAccount(t, repo, 1, func(a *models.BillingAccount) {
		a.ProviderCustomerID = &customerID
	})

	body := eventBody(t, "evt_inv_1", "invoice.payment_succeeded", map[string]any{
		"id":          "in_wh_1",
		"customer":    customerID,
		"status":      "paid",
		"amount_due":  2900,
		"amount_paid": 2900,
		"currency":    "usd",
	})

	result, err := processor.Process(ctx, body, "valid")
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, "invoice_recorded", result.Action)

	invoices, err := repo.ListInvoices(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, models.InvoiceStatusPaid, invoices[0].Status)
	assert.Equal(t, int64(2900), invoices[0].AmountPaid)
	assert.Equal(t, "USD", invoices[0].Currency)
}

func TestProcessReplayIsAcknowledgedWithoutReapplying(t *testing.T) {
	processor, repo, _ := newTestProcessor(t)
	ctx := context.Background()

	customerID := "cus_wh"
	account := seedAccount(t, repo, 1, func(a *models.BillingAccount) {
		a.ProviderCustomerID = &customerID
	})

	body := eventBody(t, "evt_replay", "invoice.payment_succeeded", map[string]any{
		"id":          "in_wh_1",
		"customer":    customerID,
		"status":      "paid",
		"amount_due":  2900,
		"amount_paid": 2900,
		"currency":    "usd",
	})

	first, err := processor.Process(ctx, body, "valid")
	require.NoError(t, err)
	assert.True(t, first.Processed)

	second, err := processor.Process(ctx, body, "valid")
	require.NoError(t, err)
	assert.False(t, second.Processed)
	assert.Equal(t, "already_processed", second.Action)

	invoices, err := repo.ListInvoices(ctx, account.ID)
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestProcessMarksKnownInvoicePaid(t *testing.T) {
	processor, repo, _ := newTestProcessor(t)
	ctx := context.Background()

	customerID := "cus_wh"
	account := seedAccount(t, repo, 1, func(a *models.BillingAccount) {
		a.ProviderCustomerID = &customerID
	})
	providerID := "in_known"
	_, err := repo.UpsertInvoice(ctx, &models.InvoiceRecord{
		BillingAccountID:  account.ID,
		ProviderInvoiceID: &providerID,
		AmountDue:         5000,
		Currency:          "USD",
		Status:            models.InvoiceStatusOpen,
	})
	require.NoError(t, err)

	body := eventBody(t, "evt_inv_2", "invoice.paid", map[string]any{
		"id":          providerID,
		"customer":    customerID,
		"status":      "paid",
		"amount_due":  5000,
		"amount_paid": 5000,
	})
	result, err := processor.Process(ctx, body, "valid")
	require.NoError(t, err)
	assert.Equal(t, "invoice_marked_paid", result.Action)

	invoice, err := repo.FindInvoiceByProviderInvoiceID(ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, int64(5000), invoice.AmountPaid)
}

func TestProcessAcksInvoiceForUnknownCustomer(t *testing.T) {
	processor, _, _ := newTestProcessor(t)

	body := eventBody(t, "evt_inv_3", "invoice.paid", map[string]any{
		"id":       "in_orphan",
		"customer": "cus_unknown",
		"status":   "paid",
	})
	result, err := processor.Process(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, "invoice_account_not_found", result.Action)
}

func TestProcessHandlerFailureStaysRetriable(t *testing.T) {
	processor, repo, db := newTestProcessor(t)
	ctx := context.Background()

	customerID := "cus_wh"
	seedAccount(t, repo, 1, func(a *models.BillingAccount) {
		a.ProviderCustomerID = &customerID
	})

	body := eventBody(t, "evt_retry", "invoice.paid", map[string]any{
		"id":          "in_retry",
		"customer":    customerID,
		"status":      "paid",
		"amount_due":  100,
		"amount_paid": 100,
	})

	// Break the invoice table so the handler fails mid-event.
	require.NoError(t, db.Migrator().DropTable(&models.InvoiceRecord{}))
	result, err := processor.Process(ctx, body, "valid")
	require.NoError(t, err)
	assert.False(t, result.Processed)
	assert.Equal(t, "processing_failed", result.Action)

	// Redelivery after the fault is fixed succeeds: no marker was written.
	require.NoError(t, db.AutoMigrate(&models.InvoiceRecord{}))
	result, err = processor.Process(ctx, body, "valid")
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, "invoice_recorded", result.Action)
}

func TestProcessSubscriptionEventSyncsAccount(t *testing.T) {
	processor, repo, _ := newTestProcessor(t)
	ctx := context.Background()

	customerID := "cus_sub"
	account := seedAccount(t, repo, 1, func(a *models.BillingAccount) {
		a.ProviderCustomerID = &customerID
	})

	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	body := eventBody(t, "evt_sub_1", "customer.subscription.updated", map[string]any{
		"id":                   "sub_wh",
		"customer":             customerID,
		"status":               "active",
		"cancel_at_period_end": false,
		"items": map[string]any{
			"data": []map[string]any{{
				"current_period_start": periodStart.Unix(),
				"current_period_end":   periodEnd.Unix(),
				"price":                map[string]any{"id": "price_wh"},
			}},
		},
	})

	result, err := processor.Process(ctx, body, "valid")
	require.NoError(t, err)
	assert.Equal(t, "subscription_processed", result.Action)

	updated, err := repo.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingStatusActive, updated.Status)
	require.NotNil(t, updated.ProviderSubscriptionID)
	assert.Equal(t, "sub_wh", *updated.ProviderSubscriptionID)
	require.NotNil(t, updated.CurrentPriceID)
	assert.Equal(t, "price_wh", *updated.CurrentPriceID)
	require.NotNil(t, updated.CurrentPeriodEnd)
	assert.Equal(t, periodEnd.Unix(), updated.CurrentPeriodEnd.Unix())
}

func TestProcessSubscriptionEventUnknownCustomerIsAcked(t *testing.T) {
	processor, _, _ := newTestProcessor(t)

	body := eventBody(t, "evt_sub_2", "customer.subscription.updated", map[string]any{
		"id":       "sub_wh",
		"customer": "cus_missing",
		"status":   "active",
	})
	result, err := processor.Process(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, "billing_account_not_found", result.Action)
}

func TestProcessCheckoutSessionCompletedAttachesSubscription(t *testing.T) {
	processor, repo, _ := newTestProcessor(t)
	ctx := context.Background()

	customerID := "cus_co"
	account := seedAccount(t, repo, 1, func(a *models.BillingAccount) {
		a.ProviderCustomerID = &customerID
	})

	body := eventBody(t, "evt_co_1", "checkout.session.completed", map[string]any{
		"id":           "cs_wh",
		"customer":     customerID,
		"subscription": "sub_from_checkout",
		"metadata": map[string]string{
			"billing_account_id": fmt.Sprint(account.ID),
			"organization_id":    "1",
			"plan":               "PRO_MONTHLY",
		},
	})
	result, err := processor.Process(ctx, body, "valid")
	require.NoError(t, err)
	assert.Equal(t, "checkout_session_completed", result.Action)

	updated, err := repo.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.ProviderSubscriptionID)
	assert.Equal(t, "sub_from_checkout", *updated.ProviderSubscriptionID)
}

func TestProcessPaymentMethodAttachedIsIdempotent(t *testing.T) {
	processor, repo, _ := newTestProcessor(t)
	ctx := context.Background()

	customerID := "cus_pm"
	account := seedAccount(t, repo, 1, func(a *models.BillingAccount) {
		a.ProviderCustomerID = &customerID
	})

	object := map[string]any{
		"id":       "pm_wh",
		"customer": customerID,
		"card": map[string]any{
			"brand":     "visa",
			"last4":     "4242",
			"exp_month": 11,
			"exp_year":  2031,
		},
	}

	result, err := processor.Process(ctx, eventBody(t, "evt_pm_1", "payment_method.attached", object), "valid")
	require.NoError(t, err)
	assert.Equal(t, "payment_method_attached_recorded", result.Action)

	// A second attach event for the same method acks without a new row.
	result, err = processor.Process(ctx, eventBody(t, "evt_pm_2", "payment_method.attached", object), "valid")
	require.NoError(t, err)
	assert.Equal(t, "payment_method_already_recorded", result.Action)

	methods, err := repo.ListPaymentMethods(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.True(t, methods[0].IsDefault)
	assert.Equal(t, "4242", methods[0].Last4)
}

func TestProcessUnhandledEventTypeIsAcked(t *testing.T) {
	processor, _, _ := newTestProcessor(t)

	body := eventBody(t, "evt_misc", "customer.updated", map[string]any{"id": "cus_x"})
	result, err := processor.Process(context.Background(), body, "valid")
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, "unhandled_event_type", result.Action)
}

func TestProcessNoopEventsAreAcked(t *testing.T) {
	processor, _, _ := newTestProcessor(t)
	ctx := context.Background()

	result, err := processor.Process(ctx, eventBody(t, "evt_chg", "charge.succeeded", map[string]any{
		"id":             "ch_1",
		"payment_intent": "pi_1",
	}), "valid")
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, "charge_succeeded_noop", result.Action)

	result, err = processor.Process(ctx, eventBody(t, "evt_invpay", "invoice_payment.paid", map[string]any{
		"id": "inpay_1",
	}), "valid")
	require.NoError(t, err)
	assert.Equal(t, "invoice_payment_paid_noop", result.Action)
}

func TestProcessPaymentIntentEventMarksInvoice(t *testing.T) {
	processor, repo, _ := newTestProcessor(t)
	ctx := context.Background()

	customerID := "cus_pi"
	account := seedAccount(t, repo, 1, func(a *models.BillingAccount) {
		a.ProviderCustomerID = &customerID
	})
	providerID := "in_pi"
	piID := "pi_wh"
	_, err := repo.UpsertInvoice(ctx, &models.InvoiceRecord{
		BillingAccountID:        account.ID,
		ProviderInvoiceID:       &providerID,
		ProviderPaymentIntentID: &piID,
		AmountDue:               7000,
		Currency:                "USD",
		Status:                  models.InvoiceStatusOpen,
	})
	require.NoError(t, err)

	body := eventBody(t, "evt_pi_1", "payment_intent.succeeded", map[string]any{
		"id":              piID,
		"status":          "succeeded",
		"amount":          7000,
		"amount_received": 7000,
	})
	result, err := processor.Process(ctx, body, "valid")
	require.NoError(t, err)
	assert.Equal(t, "payment_succeeded", result.Action)

	invoice, err := repo.FindInvoiceByProviderInvoiceID(ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, int64(7000), invoice.AmountPaid)
}
