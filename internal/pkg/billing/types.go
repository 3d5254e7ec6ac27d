package billing

import (
	"encoding/json"
	"time"
)

// Customer is the provider-neutral shape of a provider-side customer.
type Customer struct {
	ID    string
	Email string
	Name  string
}

// CheckoutSessionInput describes a hosted checkout to open. SuccessURL and
// CancelURL are where the provider sends the customer after the flow; the
// provider refuses sessions without a success URL.
type CheckoutSessionInput struct {
	CustomerID string
	PriceID    string
	TrialDays  int
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSession is the provider-neutral result of starting a hosted
// checkout flow.
type CheckoutSession struct {
	ID  string
	URL string
}

// SubscriptionState is the provider-neutral snapshot of a provider
// subscription used when syncing confirmed state into the local account.
type SubscriptionState struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	Currency           string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
}

// ProviderInvoice is the provider-neutral shape of a provider invoice.
// Amounts are integer minor-currency units.
type ProviderInvoice struct {
	ID               string
	PaymentIntentID  string
	Status           string
	AmountDue        int64
	AmountPaid       int64
	Currency         string
	HostedInvoiceURL string
	PDFURL           string
	Metadata         map[string]string
}

// ProviderPaymentMethod is the provider-neutral shape of an attached card
// payment method.
type ProviderPaymentMethod struct {
	ID       string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// Event is a signature-verified provider webhook event. Object carries the
// raw JSON of the event's data object; handlers decode only the fields they
// need.
type Event struct {
	ID     string
	Type   string
	Object json.RawMessage
}

// Contact is the billing contact used when creating a provider customer.
type Contact struct {
	Email string
	Name  string
}
