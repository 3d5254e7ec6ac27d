package billing

import "context"

// Provider is the outbound boundary to the external subscription provider.
// Implementations classify every failure into the billing error taxonomy;
// no SDK error type leaks to callers.
type Provider interface {
	// CreateCustomer registers a provider-side customer for an organization
	// and returns its provider id.
	CreateCustomer(ctx context.Context, contact Contact, metadata map[string]string) (*Customer, error)

	// CreateCheckoutSession opens a hosted checkout for the given price in
	// subscription mode, redirecting to the input's success/cancel URLs.
	CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (*CheckoutSession, error)

	// CreateSubscription subscribes the customer to a price directly,
	// without a hosted checkout.
	CreateSubscription(ctx context.Context, customerID, priceID string, trialDays int, metadata map[string]string) (*SubscriptionState, error)

	// UpdateSubscriptionPrice swaps the subscription onto a new price.
	// Returns ErrSubscriptionCanceled when the subscription is already
	// canceled provider-side.
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, priceID string) (*SubscriptionState, error)

	// CancelSubscription cancels at period end when atPeriodEnd is true,
	// immediately otherwise.
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*SubscriptionState, error)

	// RetrieveSubscription fetches the current provider-side state of a
	// subscription.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error)

	// AttachPaymentMethod attaches a payment method to the customer and
	// optionally makes it the customer's default.
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string, makeDefault bool) (*ProviderPaymentMethod, error)

	// DetachPaymentMethod detaches a payment method from its customer.
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error

	// CreateInvoiceForPrice creates and finalizes a one-off invoice for a
	// price at the given quantity, collected out of band. The description,
	// when set, appears on the invoice line.
	CreateInvoiceForPrice(ctx context.Context, customerID, priceID string, quantity int64, description string, daysUntilDue int, metadata map[string]string) (*ProviderInvoice, error)

	// VerifyWebhookSignature checks the webhook payload against its
	// signature header and returns the decoded event. A failed check
	// returns ErrSignatureVerification.
	VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error)
}
