package billing

import (
	"strconv"
	"strings"
	"time"

	"github.com/crewplane/crewplane/internal/pkg/env"
)

const (
	defaultTrialDays           = 14
	defaultRetryAttempts       = 3
	defaultRetryBaseDelay      = 500 * time.Millisecond
	defaultCallTimeout         = 15 * time.Second
	defaultInvoiceDaysUntilDue = 14
	defaultEventMarkerTTL      = 30 * 24 * time.Hour
)

// Config carries everything the billing subsystem reads from the
// environment: provider credentials, the retry policy for outbound calls,
// trial length and checkout redirect targets.
type Config struct {
	ProviderSecretKey     string
	ProviderWebhookSecret string

	TrialDays           int
	RetryAttempts       int
	RetryBaseDelay      time.Duration
	CallTimeout         time.Duration
	InvoiceDaysUntilDue int
	EventMarkerTTL      time.Duration

	CheckoutSuccessURL string
	CheckoutCancelURL  string
	DefaultCurrency    string
}

// NewConfigFromEnv builds a billing config from environment variables,
// falling back to defaults for everything but the provider credentials.
func NewConfigFromEnv() Config {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	successURL := strings.TrimSpace(env.GetEnv("BILLING_CHECKOUT_SUCCESS_URL", ""))
	cancelURL := strings.TrimSpace(env.GetEnv("BILLING_CHECKOUT_CANCEL_URL", ""))
	if successURL == "" && base != "" {
		successURL = base + "/billing/checkout/success"
	}
	if cancelURL == "" && base != "" {
		cancelURL = base + "/billing/checkout/cancel"
	}

	return Config{
		ProviderSecretKey:     strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		ProviderWebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		TrialDays:             envInt("BILLING_TRIAL_DAYS", defaultTrialDays),
		RetryAttempts:         envInt("BILLING_PROVIDER_RETRY_ATTEMPTS", defaultRetryAttempts),
		RetryBaseDelay:        envDuration("BILLING_PROVIDER_RETRY_BASE_DELAY", defaultRetryBaseDelay),
		CallTimeout:           envDuration("BILLING_PROVIDER_CALL_TIMEOUT", defaultCallTimeout),
		InvoiceDaysUntilDue:   envInt("BILLING_INVOICE_DAYS_UNTIL_DUE", defaultInvoiceDaysUntilDue),
		EventMarkerTTL:        envDuration("BILLING_EVENT_MARKER_TTL", defaultEventMarkerTTL),
		CheckoutSuccessURL:    successURL,
		CheckoutCancelURL:     cancelURL,
		DefaultCurrency:       strings.ToUpper(env.GetEnv("BILLING_DEFAULT_CURRENCY", "USD")),
	}
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(env.GetEnv(key, ""))); err == nil && v > 0 {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(strings.TrimSpace(env.GetEnv(key, ""))); err == nil && v > 0 {
		return v
	}
	return def
}
