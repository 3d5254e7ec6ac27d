package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider on the Stripe API. Every outbound call
// carries a fresh idempotency key, runs under the call timeout and is retried
// for transient failures by the configured policy.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	callTimeout   time.Duration
	retry         RetryPolicy
}

// NewStripeProvider builds a provider from the billing config. The secret
// key must be set; the webhook secret may be empty in environments that never
// receive webhooks (e.g. one-off maintenance commands).
func NewStripeProvider(cfg Config) (*StripeProvider, error) {
	if cfg.ProviderSecretKey == "" {
		return nil, validationErrorf("stripe secret key is not configured")
	}
	api := &client.API{}
	api.Init(cfg.ProviderSecretKey, nil)
	return &StripeProvider{
		api:           api,
		webhookSecret: cfg.ProviderWebhookSecret,
		callTimeout:   cfg.CallTimeout,
		retry:         NewRetryPolicy(cfg),
	}, nil
}

// classifyStripeError folds an SDK error into the billing taxonomy. Rate
// limits and server-side failures are transient; everything Stripe rejects
// with a 4xx is permanent. Non-Stripe errors are treated as connection
// problems and therefore transient, except a caller-canceled context.
func classifyStripeError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: stripe %s (%s)", ErrProviderTransient, stripeErr.Code, stripeErr.Msg)
		}
		return fmt.Errorf("%w: stripe %s (%s)", ErrProviderRejected, stripeErr.Code, stripeErr.Msg)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: stripe call timed out", ErrProviderTransient)
	}
	return fmt.Errorf("%w: %v", ErrProviderTransient, err)
}

// call runs one logical provider operation under the timeout and retry
// policy. The idempotency key is minted once, outside the retry loop, so
// every retry replays the same request on Stripe's side.
func (p *StripeProvider) call(ctx context.Context, op string, fn func(ctx context.Context, idempotencyKey string) error) error {
	key := uuid.NewString()
	return p.retry.Do(ctx, op, func(ctx context.Context) error {
		callCtx := ctx
		if p.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.callTimeout)
			defer cancel()
		}
		return classifyStripeError(fn(callCtx, key))
	})
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, contact Contact, metadata map[string]string) (*Customer, error) {
	var out *Customer
	err := p.call(ctx, "stripe.customer.create", func(ctx context.Context, key string) error {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		params.IdempotencyKey = stripe.String(key)
		if contact.Email != "" {
			params.Email = stripe.String(contact.Email)
		}
		if contact.Name != "" {
			params.Name = stripe.String(contact.Name)
		}
		for k, v := range metadata {
			params.AddMetadata(k, v)
		}
		c, err := p.api.Customers.New(params)
		if err != nil {
			return err
		}
		out = &Customer{ID: c.ID, Email: c.Email, Name: c.Name}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (*CheckoutSession, error) {
	if in.SuccessURL == "" {
		return nil, validationErrorf("checkout success url is not configured")
	}
	var out *CheckoutSession
	err := p.call(ctx, "stripe.checkout.create", func(ctx context.Context, key string) error {
		params := &stripe.CheckoutSessionParams{
			Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			Customer:   stripe.String(in.CustomerID),
			SuccessURL: stripe.String(in.SuccessURL),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{Price: stripe.String(in.PriceID), Quantity: stripe.Int64(1)},
			},
		}
		params.Context = ctx
		params.IdempotencyKey = stripe.String(key)
		if in.CancelURL != "" {
			params.CancelURL = stripe.String(in.CancelURL)
		}
		if in.TrialDays > 0 || len(in.Metadata) > 0 {
			sd := &stripe.CheckoutSessionSubscriptionDataParams{}
			if in.TrialDays > 0 {
				sd.TrialPeriodDays = stripe.Int64(int64(in.TrialDays))
			}
			if len(in.Metadata) > 0 {
				sd.Metadata = in.Metadata
			}
			params.SubscriptionData = sd
		}
		for k, v := range in.Metadata {
			params.AddMetadata(k, v)
		}
		sess, err := p.api.CheckoutSessions.New(params)
		if err != nil {
			return err
		}
		out = &CheckoutSession{ID: sess.ID, URL: sess.URL}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *StripeProvider) CreateSubscription(ctx context.Context, customerID, priceID string, trialDays int, metadata map[string]string) (*SubscriptionState, error) {
	var out *SubscriptionState
	err := p.call(ctx, "stripe.subscription.create", func(ctx context.Context, key string) error {
		params := &stripe.SubscriptionParams{
			Customer: stripe.String(customerID),
			Items: []*stripe.SubscriptionItemsParams{
				{Price: stripe.String(priceID)},
			},
		}
		params.Context = ctx
		params.IdempotencyKey = stripe.String(key)
		if trialDays > 0 {
			params.TrialPeriodDays = stripe.Int64(int64(trialDays))
		}
		for k, v := range metadata {
			params.AddMetadata(k, v)
		}
		sub, err := p.api.Subscriptions.New(params)
		if err != nil {
			return err
		}
		out = subscriptionStateFromStripe(sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *StripeProvider) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, priceID string) (*SubscriptionState, error) {
	var out *SubscriptionState
	err := p.call(ctx, "stripe.subscription.update_price", func(ctx context.Context, key string) error {
		getParams := &stripe.SubscriptionParams{}
		getParams.Context = ctx
		current, err := p.api.Subscriptions.Get(subscriptionID, getParams)
		if err != nil {
			return err
		}
		if current.Status == stripe.SubscriptionStatusCanceled {
			return ErrSubscriptionCanceled
		}
		if len(current.Items.Data) == 0 {
			return fmt.Errorf("subscription %s has no items", subscriptionID)
		}

		params := &stripe.SubscriptionParams{
			Items: []*stripe.SubscriptionItemsParams{
				{
					ID:    stripe.String(current.Items.Data[0].ID),
					Price: stripe.String(priceID),
				},
			},
			ProrationBehavior: stripe.String("create_prorations"),
		}
		params.Context = ctx
		params.IdempotencyKey = stripe.String(key)
		sub, err := p.api.Subscriptions.Update(subscriptionID, params)
		if err != nil {
			return err
		}
		out = subscriptionStateFromStripe(sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*SubscriptionState, error) {
	var out *SubscriptionState
	err := p.call(ctx, "stripe.subscription.cancel", func(ctx context.Context, key string) error {
		var sub *stripe.Subscription
		var err error
		if atPeriodEnd {
			params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
			params.Context = ctx
			params.IdempotencyKey = stripe.String(key)
			sub, err = p.api.Subscriptions.Update(subscriptionID, params)
		} else {
			params := &stripe.SubscriptionCancelParams{}
			params.Context = ctx
			params.IdempotencyKey = stripe.String(key)
			sub, err = p.api.Subscriptions.Cancel(subscriptionID, params)
		}
		if err != nil {
			return err
		}
		out = subscriptionStateFromStripe(sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *StripeProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	var out *SubscriptionState
	err := p.call(ctx, "stripe.subscription.get", func(ctx context.Context, _ string) error {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		sub, err := p.api.Subscriptions.Get(subscriptionID, params)
		if err != nil {
			return err
		}
		out = subscriptionStateFromStripe(sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *StripeProvider) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string, makeDefault bool) (*ProviderPaymentMethod, error) {
	var out *ProviderPaymentMethod
	err := p.call(ctx, "stripe.payment_method.attach", func(ctx context.Context, key string) error {
		params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
		params.Context = ctx
		params.IdempotencyKey = stripe.String(key)
		pm, err := p.api.PaymentMethods.Attach(paymentMethodID, params)
		if err != nil {
			return err
		}
		if makeDefault {
			cusParams := &stripe.CustomerParams{
				InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
					DefaultPaymentMethod: stripe.String(pm.ID),
				},
			}
			cusParams.Context = ctx
			if _, err := p.api.Customers.Update(customerID, cusParams); err != nil {
				return err
			}
		}
		out = providerPaymentMethodFromStripe(pm)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *StripeProvider) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	return p.call(ctx, "stripe.payment_method.detach", func(ctx context.Context, key string) error {
		params := &stripe.PaymentMethodDetachParams{}
		params.Context = ctx
		params.IdempotencyKey = stripe.String(key)
		_, err := p.api.PaymentMethods.Detach(paymentMethodID, params)
		return err
	})
}

func (p *StripeProvider) CreateInvoiceForPrice(ctx context.Context, customerID, priceID string, quantity int64, description string, daysUntilDue int, metadata map[string]string) (*ProviderInvoice, error) {
	if daysUntilDue <= 0 {
		daysUntilDue = defaultInvoiceDaysUntilDue
	}
	if quantity <= 0 {
		quantity = 1
	}
	var out *ProviderInvoice
	err := p.call(ctx, "stripe.invoice.create", func(ctx context.Context, key string) error {
		invParams := &stripe.InvoiceParams{
			Customer:         stripe.String(customerID),
			CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
			DaysUntilDue:     stripe.Int64(int64(daysUntilDue)),
			AutoAdvance:      stripe.Bool(false),
		}
		invParams.Context = ctx
		invParams.IdempotencyKey = stripe.String(key)
		for k, v := range metadata {
			invParams.AddMetadata(k, v)
		}
		inv, err := p.api.Invoices.New(invParams)
		if err != nil {
			return err
		}

		itemParams := &stripe.InvoiceItemParams{
			Customer: stripe.String(customerID),
			Invoice:  stripe.String(inv.ID),
			Quantity: stripe.Int64(quantity),
			Pricing: &stripe.InvoiceItemPricingParams{
				Price: stripe.String(priceID),
			},
		}
		if description != "" {
			itemParams.Description = stripe.String(description)
		}
		itemParams.Context = ctx
		if _, err := p.api.InvoiceItems.New(itemParams); err != nil {
			return err
		}

		finParams := &stripe.InvoiceFinalizeInvoiceParams{}
		finParams.Context = ctx
		final, err := p.api.Invoices.FinalizeInvoice(inv.ID, finParams)
		if err != nil {
			return err
		}
		out = providerInvoiceFromStripe(final)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *StripeProvider) VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, p.webhookSecret)
	if err != nil {
		log.Warn().Err(err).Msg("webhook signature verification failed")
		return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}
	return &Event{ID: event.ID, Type: string(event.Type), Object: event.Data.Raw}, nil
}

func subscriptionStateFromStripe(sub *stripe.Subscription) *SubscriptionState {
	state := &SubscriptionState{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Currency:          strings.ToUpper(string(sub.Currency)),
		TrialStart:        unixTimePtr(sub.TrialStart),
		TrialEnd:          unixTimePtr(sub.TrialEnd),
	}
	if sub.Customer != nil {
		state.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		state.CurrentPeriodStart = unixTimePtr(item.CurrentPeriodStart)
		state.CurrentPeriodEnd = unixTimePtr(item.CurrentPeriodEnd)
		if item.Price != nil {
			state.PriceID = item.Price.ID
		}
	}
	return state
}

func providerPaymentMethodFromStripe(pm *stripe.PaymentMethod) *ProviderPaymentMethod {
	out := &ProviderPaymentMethod{ID: pm.ID}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = int(pm.Card.ExpMonth)
		out.ExpYear = int(pm.Card.ExpYear)
	}
	return out
}

func providerInvoiceFromStripe(inv *stripe.Invoice) *ProviderInvoice {
	return &ProviderInvoice{
		ID:               inv.ID,
		Status:           string(inv.Status),
		AmountDue:        inv.AmountDue,
		AmountPaid:       inv.AmountPaid,
		Currency:         strings.ToUpper(string(inv.Currency)),
		HostedInvoiceURL: inv.HostedInvoiceURL,
		PDFURL:           inv.InvoicePDF,
		Metadata:         inv.Metadata,
	}
}

func unixTimePtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
