package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/crewplane/crewplane/app/models"
)

// Result is the structured outcome of processing one webhook delivery.
// Processed=false with action "processing_failed" tells the provider to
// redeliver; every other outcome acknowledges the event.
type Result struct {
	Processed bool           `json:"processed"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
}

// Processor turns verified provider webhook events into local state changes.
// Handlers are idempotent on their own; the marker store is only a fast gate
// in front of them. The marker is written after a handler succeeds, so a
// crash mid-handler leaves the event eligible for redelivery.
type Processor struct {
	provider Provider
	repo     Repository
	markers  EventMarkerStore
}

// NewProcessor wires a webhook processor.
func NewProcessor(provider Provider, repo Repository, markers EventMarkerStore) *Processor {
	return &Processor{provider: provider, repo: repo, markers: markers}
}

// Process verifies the payload signature and dispatches the event. The only
// non-nil error it returns is ErrSignatureVerification; handler failures are
// folded into the Result so the caller can acknowledge or reject uniformly.
func (p *Processor) Process(ctx context.Context, rawBody []byte, signatureHeader string) (*Result, error) {
	event, err := p.provider.VerifyWebhookSignature(rawBody, signatureHeader)
	if err != nil {
		return nil, err
	}
	if event.ID == "" || event.Type == "" {
		return &Result{Processed: false, Action: "invalid_event"}, nil
	}

	processed, err := p.markers.IsProcessed(ctx, event.ID)
	if err != nil {
		// The handlers stay idempotent, so a broken gate degrades to
		// reprocessing instead of dropping events.
		log.Warn().Err(err).Str("event_id", event.ID).Msg("idempotency check failed, proceeding")
	} else if processed {
		log.Info().Str("event_id", event.ID).Str("event_type", event.Type).Msg("event already processed")
		return &Result{Processed: false, Action: "already_processed", Details: map[string]any{"event_id": event.ID}}, nil
	}

	if _, err := p.repo.CreateEventLogIfNotExists(ctx, &models.BillingEventLog{
		ProviderEventID: event.ID,
		EventType:       event.Type,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	}); err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("failed to write event audit log")
	}

	result, err := p.dispatch(ctx, event)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Str("event_type", event.Type).Msg("event processing failed")
		if logErr := p.repo.MarkEventProcessed(ctx, event.ID, err.Error()); logErr != nil {
			log.Warn().Err(logErr).Str("event_id", event.ID).Msg("failed to record processing error")
		}
		return &Result{Processed: false, Action: "processing_failed", Details: map[string]any{"error": err.Error()}}, nil
	}

	winner, err := p.markers.MarkProcessed(ctx, event.ID)
	if err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("failed to write processed marker")
	} else if !winner {
		// A concurrent delivery got there first; the handlers being
		// idempotent means nothing was applied twice.
		return &Result{Processed: false, Action: "already_processed", Details: map[string]any{"event_id": event.ID}}, nil
	}
	if err := p.repo.MarkEventProcessed(ctx, event.ID, ""); err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("failed to mark audit log processed")
	}

	log.Info().Str("event_id", event.ID).Str("event_type", event.Type).Str("action", result.Action).Msg("event processed")
	return &Result{Processed: true, Action: result.Action, Details: result.Details}, nil
}

type handlerResult struct {
	Action  string
	Details map[string]any
}

func details(kv ...any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return m
}

func (p *Processor) dispatch(ctx context.Context, event *Event) (*handlerResult, error) {
	switch {
	case strings.HasPrefix(event.Type, "invoice."):
		return p.handleInvoiceEvent(ctx, event.Object)
	case strings.HasPrefix(event.Type, "payment_intent."):
		return p.handlePaymentIntentEvent(ctx, event.Object)
	case strings.HasPrefix(event.Type, "customer.subscription.") || strings.HasPrefix(event.Type, "subscription."):
		return p.handleSubscriptionEvent(ctx, event.Object)
	case event.Type == "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event.Object)
	case event.Type == "payment_method.attached":
		return p.handlePaymentMethodAttached(ctx, event.Object)
	case event.Type == "charge.succeeded":
		var charge struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
		}
		_ = json.Unmarshal(event.Object, &charge)
		log.Info().Str("charge_id", charge.ID).Str("payment_intent_id", charge.PaymentIntent).
			Msg("charge succeeded, handled via payment_intent events")
		return &handlerResult{Action: "charge_succeeded_noop", Details: details("charge_id", charge.ID, "payment_intent_id", charge.PaymentIntent)}, nil
	case event.Type == "invoice_payment.paid":
		var pay struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(event.Object, &pay)
		return &handlerResult{Action: "invoice_payment_paid_noop", Details: details("invoice_payment_id", pay.ID)}, nil
	default:
		log.Info().Str("event_type", event.Type).Msg("unhandled event type")
		return &handlerResult{Action: "unhandled_event_type", Details: details("event_type", event.Type)}, nil
	}
}

type invoicePayload struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	AmountDue        int64             `json:"amount_due"`
	AmountPaid       int64             `json:"amount_paid"`
	Currency         string            `json:"currency"`
	HostedInvoiceURL string            `json:"hosted_invoice_url"`
	InvoicePDF       string            `json:"invoice_pdf"`
	PaymentIntent    string            `json:"payment_intent"`
	Metadata         map[string]string `json:"metadata"`
}

// handleInvoiceEvent marks a known invoice paid or failed, or records a new
// invoice row when the provider reports one this system has never seen. An
// invoice that matches no local account is acknowledged, not failed;
// redelivery cannot fix an unknown customer.
func (p *Processor) handleInvoiceEvent(ctx context.Context, raw json.RawMessage) (*handlerResult, error) {
	var inv invoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice payload: %w", err)
	}
	if inv.ID == "" {
		log.Warn().Msg("invoice event with no id")
		return &handlerResult{Action: "invoice_invalid_payload"}, nil
	}

	_, err := p.repo.FindInvoiceByProviderInvoiceID(ctx, inv.ID)
	switch {
	case err == nil:
		switch inv.Status {
		case "paid", "paidout", "open":
			amount := inv.AmountPaid
			updated, err := p.repo.MarkInvoicePaid(ctx, inv.ID, &amount)
			if err != nil {
				return nil, err
			}
			return &handlerResult{Action: "invoice_marked_paid", Details: details("invoice_id", updated.ID)}, nil
		case "void", "uncollectible", "draft", "failed":
			updated, err := p.repo.MarkInvoiceFailed(ctx, inv.ID)
			if err != nil {
				return nil, err
			}
			return &handlerResult{Action: "invoice_marked_failed", Details: details("invoice_id", updated.ID)}, nil
		default:
			log.Info().Str("status", inv.Status).Str("provider_invoice_id", inv.ID).Msg("unhandled invoice status")
			return &handlerResult{Action: "invoice_status_unhandled", Details: details("status", inv.Status)}, nil
		}
	case errorsIsNotFound(err):
		account, accErr := p.repo.FindAccountByProviderCustomerID(ctx, inv.Customer)
		if errorsIsNotFound(accErr) {
			log.Info().Str("provider_invoice_id", inv.ID).Str("customer_id", inv.Customer).Msg("invoice matches no local account")
			return &handlerResult{Action: "invoice_account_not_found", Details: details("provider_invoice_id", inv.ID)}, nil
		}
		if accErr != nil {
			return nil, accErr
		}
		record := &models.InvoiceRecord{
			BillingAccountID:  account.ID,
			ProviderInvoiceID: &inv.ID,
			AmountDue:         inv.AmountDue,
			AmountPaid:        inv.AmountPaid,
			Currency:          normalizeCurrency(inv.Currency, account.Currency),
			Status:            MapProviderInvoiceStatus(inv.Status),
			HostedInvoiceURL:  inv.HostedInvoiceURL,
			InvoicePDFURL:     inv.InvoicePDF,
			Metadata:          stringMapToJSON(inv.Metadata),
		}
		if inv.PaymentIntent != "" {
			record.ProviderPaymentIntentID = &inv.PaymentIntent
		}
		created, err := p.repo.UpsertInvoice(ctx, record)
		if err != nil {
			return nil, err
		}
		return &handlerResult{Action: "invoice_recorded", Details: details("invoice_id", created.ID)}, nil
	default:
		return nil, err
	}
}

type paymentIntentPayload struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
}

func (p *Processor) handlePaymentIntentEvent(ctx context.Context, raw json.RawMessage) (*handlerResult, error) {
	var pi paymentIntentPayload
	if err := json.Unmarshal(raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment_intent payload: %w", err)
	}
	if pi.ID == "" {
		log.Warn().Msg("payment_intent event with no id")
		return &handlerResult{Action: "payment_intent_invalid_payload"}, nil
	}

	invoice, err := p.repo.FindInvoiceByPaymentIntentID(ctx, pi.ID)
	if errorsIsNotFound(err) {
		log.Info().Str("payment_intent_id", pi.ID).Msg("payment_intent matches no local invoice")
		return &handlerResult{Action: "payment_intent_invoice_not_found", Details: details("payment_intent_id", pi.ID)}, nil
	}
	if err != nil {
		return nil, err
	}

	if invoice.ProviderInvoiceID == nil {
		return &handlerResult{Action: "payment_intent_invoice_not_found", Details: details("payment_intent_id", pi.ID)}, nil
	}

	if pi.Status == "succeeded" {
		amount := pi.AmountReceived
		if amount == 0 {
			amount = pi.Amount
		}
		updated, err := p.repo.MarkInvoicePaid(ctx, *invoice.ProviderInvoiceID, &amount)
		if err != nil {
			return nil, err
		}
		return &handlerResult{Action: "payment_succeeded", Details: details("invoice_id", updated.ID)}, nil
	}

	updated, err := p.repo.MarkInvoiceFailed(ctx, *invoice.ProviderInvoiceID)
	if err != nil {
		return nil, err
	}
	return &handlerResult{Action: "payment_failed", Details: details("invoice_id", updated.ID)}, nil
}

type subscriptionPayload struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialStart         int64  `json:"trial_start"`
	TrialEnd           int64  `json:"trial_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// handleSubscriptionEvent syncs provider-confirmed subscription state onto
// the local account: subscription id, mapped status, billing period, price
// and the cancel-at-period-end flag.
func (p *Processor) handleSubscriptionEvent(ctx context.Context, raw json.RawMessage) (*handlerResult, error) {
	var sub subscriptionPayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription payload: %w", err)
	}
	if sub.Customer == "" {
		log.Warn().Str("subscription_id", sub.ID).Msg("subscription event missing customer")
		return &handlerResult{Action: "subscription_invalid_payload"}, nil
	}

	account, err := p.repo.FindAccountByProviderCustomerID(ctx, sub.Customer)
	if errorsIsNotFound(err) {
		log.Info().Str("customer_id", sub.Customer).Msg("subscription event matches no local account")
		return &handlerResult{Action: "billing_account_not_found", Details: details("customer_id", sub.Customer)}, nil
	}
	if err != nil {
		return nil, err
	}

	periodStart := sub.CurrentPeriodStart
	periodEnd := sub.CurrentPeriodEnd
	priceID := ""
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if periodStart == 0 {
			periodStart = item.CurrentPeriodStart
		}
		if periodEnd == 0 {
			periodEnd = item.CurrentPeriodEnd
		}
		priceID = item.Price.ID
	}

	status := MapProviderSubscriptionStatus(sub.Status)
	cancelAtPeriodEnd := sub.CancelAtPeriodEnd
	update := AccountUpdate{
		Status:             &status,
		CancelAtPeriodEnd:  &cancelAtPeriodEnd,
		CurrentPeriodStart: unixTimePtr(periodStart),
		CurrentPeriodEnd:   unixTimePtr(periodEnd),
		NextBillingAt:      unixTimePtr(periodEnd),
		TrialStartsAt:      unixTimePtr(sub.TrialStart),
		TrialEndsAt:        unixTimePtr(sub.TrialEnd),
	}
	if sub.ID != "" {
		update.ProviderSubscriptionID = &sub.ID
	}
	if priceID != "" {
		update.CurrentPriceID = &priceID
	}

	if _, err := p.repo.UpdateAccount(ctx, account.ID, update); err != nil {
		return nil, err
	}
	log.Info().Str("subscription_id", sub.ID).Str("customer_id", sub.Customer).Uint("billing_account_id", account.ID).
		Msg("processed subscription event")
	return &handlerResult{Action: "subscription_processed", Details: details("billing_account_id", account.ID)}, nil
}

type checkoutSessionPayload struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// handleCheckoutSessionCompleted links the completed session's subscription
// to its account. The real state transitions ride on the subsequent
// customer.subscription.* events.
func (p *Processor) handleCheckoutSessionCompleted(ctx context.Context, raw json.RawMessage) (*handlerResult, error) {
	var session checkoutSessionPayload
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode checkout session payload: %w", err)
	}

	var account *models.BillingAccount
	if idStr := session.Metadata["billing_account_id"]; idStr != "" {
		if id := parseUint(idStr); id > 0 {
			if found, err := p.repo.GetAccountByID(ctx, id); err == nil {
				account = found
			} else if !errorsIsNotFound(err) {
				return nil, err
			}
		}
	}
	if account == nil && session.Customer != "" {
		found, err := p.repo.FindAccountByProviderCustomerID(ctx, session.Customer)
		if err != nil && !errorsIsNotFound(err) {
			return nil, err
		}
		account = found
	}
	if account == nil {
		log.Info().Str("session_id", session.ID).Str("customer_id", session.Customer).
			Msg("checkout session completed but no billing account found")
		return &handlerResult{Action: "checkout_completed_account_not_found", Details: details(
			"session_id", session.ID,
			"customer_id", session.Customer,
			"organization_id", session.Metadata["organization_id"],
		)}, nil
	}

	if session.Subscription != "" && account.ProviderSubscriptionID == nil {
		update := AccountUpdate{ProviderSubscriptionID: &session.Subscription}
		if session.Customer != "" && account.ProviderCustomerID == nil {
			update.ProviderCustomerID = &session.Customer
		}
		if _, err := p.repo.UpdateAccount(ctx, account.ID, update); err != nil {
			return nil, err
		}
	}

	log.Info().Uint("billing_account_id", account.ID).Str("session_id", session.ID).
		Str("subscription_id", session.Subscription).Msg("checkout session completed")
	return &handlerResult{Action: "checkout_session_completed", Details: details(
		"billing_account_id", account.ID,
		"session_id", session.ID,
		"subscription_id", session.Subscription,
		"plan", session.Metadata["plan"],
	)}, nil
}

type paymentMethodPayload struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Card     struct {
		Brand    string `json:"brand"`
		Last4    string `json:"last4"`
		ExpMonth int    `json:"exp_month"`
		ExpYear  int    `json:"exp_year"`
	} `json:"card"`
}

// handlePaymentMethodAttached records a provider-attached payment method
// locally, keyed by the provider payment method id so replays are no-ops.
func (p *Processor) handlePaymentMethodAttached(ctx context.Context, raw json.RawMessage) (*handlerResult, error) {
	var pm paymentMethodPayload
	if err := json.Unmarshal(raw, &pm); err != nil {
		return nil, fmt.Errorf("decode payment_method payload: %w", err)
	}
	if pm.ID == "" || pm.Customer == "" {
		log.Warn().Msg("payment_method.attached missing id or customer")
		return &handlerResult{Action: "payment_method_invalid_payload"}, nil
	}

	existing, err := p.repo.FindPaymentMethodByProviderID(ctx, pm.ID)
	if err == nil {
		return &handlerResult{Action: "payment_method_already_recorded", Details: details(
			"payment_method_id", existing.ID,
			"provider_payment_method_id", pm.ID,
		)}, nil
	}
	if !errorsIsNotFound(err) {
		return nil, err
	}

	account, err := p.repo.FindAccountByProviderCustomerID(ctx, pm.Customer)
	if errorsIsNotFound(err) {
		log.Info().Str("customer_id", pm.Customer).Msg("payment_method.attached matches no local account")
		return &handlerResult{Action: "payment_method_account_not_found", Details: details("customer_id", pm.Customer)}, nil
	}
	if err != nil {
		return nil, err
	}

	method := &models.PaymentMethod{
		BillingAccountID:        account.ID,
		ProviderPaymentMethodID: pm.ID,
		Brand:                   pm.Card.Brand,
		Last4:                   pm.Card.Last4,
		ExpMonth:                pm.Card.ExpMonth,
		ExpYear:                 pm.Card.ExpYear,
		IsDefault:               true,
		Metadata:                models.JSONMap{"source": "webhook_payment_method.attached"},
	}
	if err := p.repo.AddPaymentMethod(ctx, method); err != nil {
		return nil, err
	}

	log.Info().Uint("payment_method_id", method.ID).Uint("billing_account_id", account.ID).
		Msg("recorded payment method from webhook")
	return &handlerResult{Action: "payment_method_attached_recorded", Details: details(
		"payment_method_id", method.ID,
		"billing_account_id", account.ID,
		"provider_payment_method_id", pm.ID,
	)}, nil
}
