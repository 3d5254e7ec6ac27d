package billing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

func TestClassifyStripeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil passes through", nil, nil},
		{"rate limit is transient", &stripe.Error{HTTPStatusCode: 429, Code: stripe.ErrorCodeRateLimit}, ErrProviderTransient},
		{"server error is transient", &stripe.Error{HTTPStatusCode: 500}, ErrProviderTransient},
		{"bad gateway is transient", &stripe.Error{HTTPStatusCode: 502}, ErrProviderTransient},
		{"invalid request is rejected", &stripe.Error{HTTPStatusCode: 400, Code: stripe.ErrorCodeResourceMissing}, ErrProviderRejected},
		{"card error is rejected", &stripe.Error{HTTPStatusCode: 402, Code: stripe.ErrorCodeCardDeclined}, ErrProviderRejected},
		{"deadline exceeded is transient", context.DeadlineExceeded, ErrProviderTransient},
		{"network error is transient", errors.New("connection refused"), ErrProviderTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyStripeError(tc.err)
			if tc.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tc.want)
		})
	}
}

func TestClassifyStripeErrorKeepsCancellation(t *testing.T) {
	got := classifyStripeError(context.Canceled)
	assert.ErrorIs(t, got, context.Canceled)
	assert.NotErrorIs(t, got, ErrProviderTransient)
}

func TestSubscriptionStateFromStripeReadsItemPeriods(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	sub := &stripe.Subscription{
		ID:       "sub_1",
		Status:   stripe.SubscriptionStatusActive,
		Currency: "usd",
		Customer: &stripe.Customer{ID: "cus_1"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				CurrentPeriodStart: start.Unix(),
				CurrentPeriodEnd:   end.Unix(),
				Price:              &stripe.Price{ID: "price_1"},
			}},
		},
	}

	state := subscriptionStateFromStripe(sub)
	assert.Equal(t, "sub_1", state.ID)
	assert.Equal(t, "cus_1", state.CustomerID)
	assert.Equal(t, "active", state.Status)
	assert.Equal(t, "USD", state.Currency)
	assert.Equal(t, "price_1", state.PriceID)
	require.NotNil(t, state.CurrentPeriodStart)
	require.NotNil(t, state.CurrentPeriodEnd)
	assert.Equal(t, start.Unix(), state.CurrentPeriodStart.Unix())
	assert.Equal(t, end.Unix(), state.CurrentPeriodEnd.Unix())
}

func TestSubscriptionStateFromStripeHandlesMissingFields(t *testing.T) {
	state := subscriptionStateFromStripe(&stripe.Subscription{ID: "sub_2", Status: stripe.SubscriptionStatusCanceled})
	assert.Equal(t, "canceled", state.Status)
	assert.Empty(t, state.CustomerID)
	assert.Nil(t, state.CurrentPeriodStart)
	assert.Nil(t, state.CurrentPeriodEnd)
	assert.Empty(t, state.PriceID)
}

// testStripeProvider points a provider at a local backend so the wire
// request can be inspected.
func testStripeProvider(t *testing.T, handler http.HandlerFunc) *StripeProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	api := &client.API{}
	api.Init("sk_test_x", &stripe.Backends{API: backend})
	return &StripeProvider{
		api:         api,
		callTimeout: time.Second,
		retry:       NewRetryPolicy(testConfig()),
	}
}

func TestCreateCheckoutSessionSendsRedirectURLs(t *testing.T) {
	var form url.Values
	p := testStripeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_1","url":"https://checkout.example/cs_1"}`))
	})

	session, err := p.CreateCheckoutSession(context.Background(), CheckoutSessionInput{
		CustomerID: "cus_1",
		PriceID:    "price_1",
		SuccessURL: "https://app.example/billing/checkout/success",
		CancelURL:  "https://app.example/billing/checkout/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.ID)

	assert.Equal(t, "cus_1", form.Get("customer"))
	assert.Equal(t, "price_1", form.Get("line_items[0][price]"))
	assert.Equal(t, "https://app.example/billing/checkout/success", form.Get("success_url"))
	assert.Equal(t, "https://app.example/billing/checkout/cancel", form.Get("cancel_url"))
}

func TestCreateCheckoutSessionRequiresSuccessURL(t *testing.T) {
	called := false
	p := testStripeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := p.CreateCheckoutSession(context.Background(), CheckoutSessionInput{
		CustomerID: "cus_1",
		PriceID:    "price_1",
	})
	assert.ErrorIs(t, err, ErrValidation)
	assert.False(t, called, "no request must leave the process without a success url")
}

func TestNewStripeProviderRequiresSecretKey(t *testing.T) {
	cfg := testConfig()
	cfg.ProviderSecretKey = ""
	_, err := NewStripeProvider(cfg)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUnixTimePtr(t *testing.T) {
	assert.Nil(t, unixTimePtr(0))
	assert.Nil(t, unixTimePtr(-5))
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := unixTimePtr(ts.Unix())
	require.NotNil(t, got)
	assert.Equal(t, ts, *got)
}
