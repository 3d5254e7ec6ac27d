package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/crewplane/crewplane/app/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.BillingAccount{},
		&models.PaymentMethod{},
		&models.InvoiceRecord{},
		&models.BillingPlan{},
		&models.BillingEventLog{},
	))
	return db
}

func testMarkerStore(t *testing.T) EventMarkerStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisEventMarkerStore(client, time.Hour)
}

func testConfig() Config {
	return Config{
		ProviderSecretKey:     "sk_test_x",
		ProviderWebhookSecret: "whsec_x",
		TrialDays:             14,
		RetryAttempts:         3,
		RetryBaseDelay:        time.Millisecond,
		CallTimeout:           time.Second,
		InvoiceDaysUntilDue:   14,
		EventMarkerTTL:        time.Hour,
		CheckoutSuccessURL:    "https://app.example/billing/checkout/success",
		CheckoutCancelURL:     "https://app.example/billing/checkout/cancel",
		DefaultCurrency:       "USD",
	}
}

// fakeProvider implements Provider with overridable behavior per call. The
// zero value answers every call successfully with canned data.
type fakeProvider struct {
	createCustomerFn          func(ctx context.Context, contact Contact, metadata map[string]string) (*Customer, error)
	createCheckoutSessionFn   func(ctx context.Context, in CheckoutSessionInput) (*CheckoutSession, error)
	createSubscriptionFn      func(ctx context.Context, customerID, priceID string, trialDays int, metadata map[string]string) (*SubscriptionState, error)
	updateSubscriptionPriceFn func(ctx context.Context, subscriptionID, priceID string) (*SubscriptionState, error)
	cancelSubscriptionFn      func(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*SubscriptionState, error)
	retrieveSubscriptionFn    func(ctx context.Context, subscriptionID string) (*SubscriptionState, error)
	attachPaymentMethodFn     func(ctx context.Context, customerID, paymentMethodID string, makeDefault bool) (*ProviderPaymentMethod, error)
	detachPaymentMethodFn     func(ctx context.Context, paymentMethodID string) error
	createInvoiceForPriceFn   func(ctx context.Context, customerID, priceID string, quantity int64, description string, daysUntilDue int, metadata map[string]string) (*ProviderInvoice, error)
	verifyWebhookSignatureFn  func(payload []byte, signatureHeader string) (*Event, error)

	customerCalls int
	updateCalls   int
	cancelCalls   int

	lastCheckout           CheckoutSessionInput
	lastInvoiceQuantity    int64
	lastInvoiceDescription string
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, contact Contact, metadata map[string]string) (*Customer, error) {
	f.customerCalls++
	if f.createCustomerFn != nil {
		return f.createCustomerFn(ctx, contact, metadata)
	}
	return &Customer{ID: "cus_test", Email: contact.Email, Name: contact.Name}, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (*CheckoutSession, error) {
	f.lastCheckout = in
	if f.createCheckoutSessionFn != nil {
		return f.createCheckoutSessionFn(ctx, in)
	}
	return &CheckoutSession{ID: "cs_test", URL: "https://checkout.example/cs_test"}, nil
}

func (f *fakeProvider) CreateSubscription(ctx context.Context, customerID, priceID string, trialDays int, metadata map[string]string) (*SubscriptionState, error) {
	if f.createSubscriptionFn != nil {
		return f.createSubscriptionFn(ctx, customerID, priceID, trialDays, metadata)
	}
	return &SubscriptionState{ID: "sub_test", CustomerID: customerID, Status: "active", PriceID: priceID}, nil
}

func (f *fakeProvider) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, priceID string) (*SubscriptionState, error) {
	f.updateCalls++
	if f.updateSubscriptionPriceFn != nil {
		return f.updateSubscriptionPriceFn(ctx, subscriptionID, priceID)
	}
	return &SubscriptionState{ID: subscriptionID, Status: "active", PriceID: priceID}, nil
}

func (f *fakeProvider) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*SubscriptionState, error) {
	f.cancelCalls++
	if f.cancelSubscriptionFn != nil {
		return f.cancelSubscriptionFn(ctx, subscriptionID, atPeriodEnd)
	}
	end := time.Now().UTC().Add(168 * time.Hour)
	return &SubscriptionState{ID: subscriptionID, Status: "active", CancelAtPeriodEnd: atPeriodEnd, CurrentPeriodEnd: &end}, nil
}

func (f *fakeProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	if f.retrieveSubscriptionFn != nil {
		return f.retrieveSubscriptionFn(ctx, subscriptionID)
	}
	return &SubscriptionState{ID: subscriptionID, Status: "active"}, nil
}

func (f *fakeProvider) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string, makeDefault bool) (*ProviderPaymentMethod, error) {
	if f.attachPaymentMethodFn != nil {
		return f.attachPaymentMethodFn(ctx, customerID, paymentMethodID, makeDefault)
	}
	return &ProviderPaymentMethod{ID: paymentMethodID, Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030}, nil
}

func (f *fakeProvider) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	if f.detachPaymentMethodFn != nil {
		return f.detachPaymentMethodFn(ctx, paymentMethodID)
	}
	return nil
}

func (f *fakeProvider) CreateInvoiceForPrice(ctx context.Context, customerID, priceID string, quantity int64, description string, daysUntilDue int, metadata map[string]string) (*ProviderInvoice, error) {
	f.lastInvoiceQuantity = quantity
	f.lastInvoiceDescription = description
	if f.createInvoiceForPriceFn != nil {
		return f.createInvoiceForPriceFn(ctx, customerID, priceID, quantity, description, daysUntilDue, metadata)
	}
	return &ProviderInvoice{ID: "in_test", Status: "open", AmountDue: 2900, Currency: "USD"}, nil
}

func (f *fakeProvider) VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error) {
	if f.verifyWebhookSignatureFn != nil {
		return f.verifyWebhookSignatureFn(payload, signatureHeader)
	}
	return nil, ErrSignatureVerification
}

func seedAccount(t *testing.T, repo Repository, orgID uint, mutate func(*models.BillingAccount)) *models.BillingAccount {
	t.Helper()
	now := time.Now().UTC()
	trialEnd := now.AddDate(0, 0, 14)
	account := &models.BillingAccount{
		OrganizationID: orgID,
		Status:         models.BillingStatusTrialing,
		TrialStartsAt:  &now,
		TrialEndsAt:    &trialEnd,
		Currency:       "USD",
	}
	if mutate != nil {
		mutate(account)
	}
	require.NoError(t, repo.CreateAccount(context.Background(), account))
	return account
}

func seedPlan(t *testing.T, db *gorm.DB, code, interval, priceID string) *models.BillingPlan {
	t.Helper()
	plan := &models.BillingPlan{
		Code:              code,
		Tier:              models.PlanTierEssential,
		Label:             code,
		Interval:          interval,
		Currency:          "USD",
		Amount:            2900,
		ProviderProductID: "prod_" + code,
		ProviderPriceID:   priceID,
		IsActive:          true,
		SortOrder:         10,
	}
	require.NoError(t, db.Create(plan).Error)
	return plan
}
