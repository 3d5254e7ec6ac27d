package billing

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crewplane/crewplane/app/models"
)

// Service is the single entry point for billing operations. All writes to a
// billing account are serialized per organization, and every provider call
// happens before the local write it confirms: a provider failure leaves
// local state untouched, and local state only ever reflects provider-
// confirmed facts.
type Service struct {
	repo     Repository
	provider Provider
	cfg      Config
	locks    *orgLocker
}

// NewService wires the billing service.
func NewService(repo Repository, provider Provider, cfg Config) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		cfg:      cfg,
		locks:    newOrgLocker(),
	}
}

// CreateAccountInput carries everything needed to open a billing account.
// Contact is optional; without an email no provider customer is created and
// the account starts purely local.
type CreateAccountInput struct {
	OrganizationID uint
	Currency       string
	Contact        Contact
	Metadata       map[string]any
}

// CreateOrGetAccount returns the organization's billing account, opening one
// with a fresh trial when none exists yet. The second return value reports
// whether this call created the account. When a contact email is given the
// provider customer is created first, so a provider failure means no local
// row appears at all.
func (s *Service) CreateOrGetAccount(ctx context.Context, in CreateAccountInput) (*models.BillingAccount, bool, error) {
	if in.OrganizationID == 0 {
		return nil, false, validationErrorf("organization id is required")
	}
	unlock := s.locks.Lock(in.OrganizationID)
	defer unlock()

	if existing, err := s.repo.GetAccountByOrg(ctx, in.OrganizationID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	var providerCustomerID *string
	if in.Contact.Email != "" {
		customer, err := s.provider.CreateCustomer(ctx, in.Contact, map[string]string{
			"organization_id": strconv.FormatUint(uint64(in.OrganizationID), 10),
		})
		if err != nil {
			return nil, false, err
		}
		providerCustomerID = &customer.ID
		log.Info().Str("customer_id", customer.ID).Uint("organization_id", in.OrganizationID).
			Msg("provider customer created")
	}

	now := time.Now().UTC()
	trialEnd := now.AddDate(0, 0, s.cfg.TrialDays)
	account := &models.BillingAccount{
		OrganizationID:     in.OrganizationID,
		ProviderCustomerID: providerCustomerID,
		Status:             models.BillingStatusTrialing,
		TrialStartsAt:      &now,
		TrialEndsAt:        &trialEnd,
		Currency:           normalizeCurrency(in.Currency, s.cfg.DefaultCurrency),
		Metadata:           in.Metadata,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, false, err
	}
	log.Info().Uint("billing_account_id", account.ID).Uint("organization_id", in.OrganizationID).
		Time("trial_ends_at", trialEnd).Msg("billing account created")
	return account, true, nil
}

// GetAccount returns the billing account of an organization.
func (s *Service) GetAccount(ctx context.Context, organizationID uint) (*models.BillingAccount, error) {
	return s.repo.GetAccountByOrg(ctx, organizationID)
}

// ResolveStatus derives the effective status and usage gate for an
// organization at the current time. The derived status is never persisted;
// stored status only moves on provider-confirmed transitions.
func (s *Service) ResolveStatus(ctx context.Context, organizationID uint) (*Resolution, error) {
	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	res := Resolve(SnapshotOf(account), time.Now().UTC())
	return &res, nil
}

// StartCheckout opens a hosted checkout session for a plan. Nothing is
// written locally; the account is updated once the provider confirms via
// checkout.session.completed and the subscription events.
func (s *Service) StartCheckout(ctx context.Context, organizationID uint, planCode, interval string) (*CheckoutSession, error) {
	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if account.ProviderCustomerID == nil {
		return nil, validationErrorf("billing account has no provider customer")
	}
	plan, err := s.repo.FindPlanByCode(ctx, planCode, interval)
	if err != nil {
		return nil, err
	}
	if err := validatePlanForSubscription(plan); err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"billing_account_id": strconv.FormatUint(uint64(account.ID), 10),
		"organization_id":    strconv.FormatUint(uint64(organizationID), 10),
		"plan":               plan.Code,
	}
	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutSessionInput{
		CustomerID: *account.ProviderCustomerID,
		PriceID:    plan.ProviderPriceID,
		SuccessURL: s.cfg.CheckoutSuccessURL,
		CancelURL:  s.cfg.CheckoutCancelURL,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Uint("billing_account_id", account.ID).Str("plan", plan.Code).Str("session_id", session.ID).
		Msg("checkout session created")
	return session, nil
}

// ChangePlan moves the subscription onto another plan's price. A locally
// cancelled account is rejected before any provider call; a provider-side
// cancellation surfaces as the same validation failure. The stored price id
// changes only after the provider accepts the update.
func (s *Service) ChangePlan(ctx context.Context, organizationID uint, planCode, interval string) (*models.BillingAccount, error) {
	unlock := s.locks.Lock(organizationID)
	defer unlock()

	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if account.ProviderSubscriptionID == nil {
		return nil, validationErrorf("billing account has no provider subscription")
	}
	if account.Status == models.BillingStatusCanceled {
		return nil, validationErrorf("subscription is canceled and cannot be changed")
	}
	plan, err := s.repo.FindPlanByCode(ctx, planCode, interval)
	if err != nil {
		return nil, err
	}
	if err := validatePlanForSubscription(plan); err != nil {
		return nil, err
	}

	state, err := s.provider.UpdateSubscriptionPrice(ctx, *account.ProviderSubscriptionID, plan.ProviderPriceID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionCanceled) {
			return nil, validationErrorf("subscription is canceled and cannot be changed")
		}
		return nil, err
	}

	update := accountUpdateFromSubscriptionState(state)
	update.CurrentPriceID = &plan.ProviderPriceID
	updated, err := s.repo.UpdateAccount(ctx, account.ID, update)
	if err != nil {
		return nil, err
	}
	log.Info().Uint("billing_account_id", account.ID).Str("plan", plan.Code).Str("price_id", plan.ProviderPriceID).
		Msg("subscription plan changed")
	return updated, nil
}

// CancelSubscription cancels the subscription, at period end by default.
// Immediate cancellation moves the stored status to CANCELLED right away;
// at period end the status transition rides on later subscription events.
func (s *Service) CancelSubscription(ctx context.Context, organizationID uint, atPeriodEnd bool) (*models.BillingAccount, error) {
	unlock := s.locks.Lock(organizationID)
	defer unlock()

	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if account.ProviderSubscriptionID == nil {
		return nil, validationErrorf("billing account has no provider subscription")
	}

	state, err := s.provider.CancelSubscription(ctx, *account.ProviderSubscriptionID, atPeriodEnd)
	if err != nil {
		return nil, err
	}

	cancelFlag := atPeriodEnd
	update := AccountUpdate{
		CancelAtPeriodEnd: &cancelFlag,
		ClearNextBilling:  true,
		CurrentPeriodEnd:  state.CurrentPeriodEnd,
	}
	if !atPeriodEnd {
		cancelled := models.BillingStatusCanceled
		update.Status = &cancelled
	}
	updated, err := s.repo.UpdateAccount(ctx, account.ID, update)
	if err != nil {
		return nil, err
	}
	log.Info().Uint("billing_account_id", account.ID).Bool("at_period_end", atPeriodEnd).
		Msg("subscription cancelled")
	return updated, nil
}

// ResyncSubscription pulls the provider's current subscription state and
// overwrites the local mirror with it.
func (s *Service) ResyncSubscription(ctx context.Context, organizationID uint) (*models.BillingAccount, error) {
	unlock := s.locks.Lock(organizationID)
	defer unlock()

	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if account.ProviderSubscriptionID == nil {
		return nil, validationErrorf("billing account has no provider subscription")
	}

	state, err := s.provider.RetrieveSubscription(ctx, *account.ProviderSubscriptionID)
	if err != nil {
		return nil, err
	}
	updated, err := s.repo.UpdateAccount(ctx, account.ID, accountUpdateFromSubscriptionState(state))
	if err != nil {
		return nil, err
	}
	log.Info().Uint("billing_account_id", account.ID).Str("status", string(updated.Status)).
		Msg("subscription resynced from provider")
	return updated, nil
}

// AddPaymentMethod attaches a provider payment method to the account and
// records its card metadata locally. Re-adding a known method is a no-op
// apart from an optional default promotion.
func (s *Service) AddPaymentMethod(ctx context.Context, organizationID uint, providerPaymentMethodID string, makeDefault bool) (*models.PaymentMethod, error) {
	if strings.TrimSpace(providerPaymentMethodID) == "" {
		return nil, validationErrorf("payment method id is required")
	}
	unlock := s.locks.Lock(organizationID)
	defer unlock()

	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if account.ProviderCustomerID == nil {
		return nil, validationErrorf("billing account has no provider customer")
	}

	if existing, err := s.repo.FindPaymentMethodByProviderID(ctx, providerPaymentMethodID); err == nil {
		if existing.BillingAccountID != account.ID {
			return nil, validationErrorf("payment method belongs to another account")
		}
		if makeDefault && !existing.IsDefault {
			if err := s.repo.SetDefaultPaymentMethod(ctx, account.ID, existing.ID); err != nil {
				return nil, err
			}
			existing.IsDefault = true
		}
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	attached, err := s.provider.AttachPaymentMethod(ctx, *account.ProviderCustomerID, providerPaymentMethodID, makeDefault)
	if err != nil {
		return nil, err
	}

	method := &models.PaymentMethod{
		BillingAccountID:        account.ID,
		ProviderPaymentMethodID: attached.ID,
		Brand:                   attached.Brand,
		Last4:                   attached.Last4,
		ExpMonth:                attached.ExpMonth,
		ExpYear:                 attached.ExpYear,
		IsDefault:               makeDefault,
	}
	if err := s.repo.AddPaymentMethod(ctx, method); err != nil {
		return nil, err
	}
	log.Info().Uint("billing_account_id", account.ID).Uint("payment_method_id", method.ID).
		Msg("payment method added")
	return method, nil
}

// SetDefaultPaymentMethod promotes one stored method to account default.
func (s *Service) SetDefaultPaymentMethod(ctx context.Context, organizationID, methodID uint) error {
	unlock := s.locks.Lock(organizationID)
	defer unlock()

	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return err
	}
	return s.repo.SetDefaultPaymentMethod(ctx, account.ID, methodID)
}

// DeletePaymentMethod detaches the method provider-side, then removes the
// local row. A deleted default leaves the account without one.
func (s *Service) DeletePaymentMethod(ctx context.Context, organizationID, methodID uint) error {
	unlock := s.locks.Lock(organizationID)
	defer unlock()

	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return err
	}
	methods, err := s.repo.ListPaymentMethods(ctx, account.ID)
	if err != nil {
		return err
	}
	var target *models.PaymentMethod
	for i := range methods {
		if methods[i].ID == methodID {
			target = &methods[i]
			break
		}
	}
	if target == nil {
		return notFoundErrorf("payment method %d", methodID)
	}

	if err := s.provider.DetachPaymentMethod(ctx, target.ProviderPaymentMethodID); err != nil {
		return err
	}
	if err := s.repo.DeletePaymentMethod(ctx, account.ID, methodID); err != nil {
		return err
	}
	log.Info().Uint("billing_account_id", account.ID).Uint("payment_method_id", methodID).
		Msg("payment method deleted")
	return nil
}

// ListPaymentMethods returns the stored methods for an organization,
// default first.
func (s *Service) ListPaymentMethods(ctx context.Context, organizationID uint) ([]models.PaymentMethod, error) {
	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPaymentMethods(ctx, account.ID)
}

// CreateManualInvoice creates a finalized out-of-band invoice for a plan's
// price at the provider and mirrors it locally. Quantity defaults to 1; the
// description, when given, appears on the invoice line.
func (s *Service) CreateManualInvoice(ctx context.Context, organizationID uint, planCode, interval string, quantity int64, description string, metadata map[string]string) (*models.InvoiceRecord, error) {
	if quantity <= 0 {
		quantity = 1
	}
	unlock := s.locks.Lock(organizationID)
	defer unlock()

	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if account.ProviderCustomerID == nil {
		return nil, validationErrorf("billing account has no provider customer")
	}
	plan, err := s.repo.FindPlanByCode(ctx, planCode, interval)
	if err != nil {
		return nil, err
	}
	if err := validatePlanForSubscription(plan); err != nil {
		return nil, err
	}

	inv, err := s.provider.CreateInvoiceForPrice(ctx, *account.ProviderCustomerID, plan.ProviderPriceID, quantity, description, s.cfg.InvoiceDaysUntilDue, metadata)
	if err != nil {
		return nil, err
	}

	record := &models.InvoiceRecord{
		BillingAccountID:  account.ID,
		ProviderInvoiceID: &inv.ID,
		AmountDue:         inv.AmountDue,
		AmountPaid:        inv.AmountPaid,
		Currency:          normalizeCurrency(inv.Currency, account.Currency),
		Status:            MapProviderInvoiceStatus(inv.Status),
		HostedInvoiceURL:  inv.HostedInvoiceURL,
		InvoicePDFURL:     inv.PDFURL,
		Metadata:          stringMapToJSON(inv.Metadata),
	}
	if inv.PaymentIntentID != "" {
		record.ProviderPaymentIntentID = &inv.PaymentIntentID
	}
	created, err := s.repo.UpsertInvoice(ctx, record)
	if err != nil {
		return nil, err
	}
	log.Info().Uint("billing_account_id", account.ID).Str("provider_invoice_id", inv.ID).
		Msg("manual invoice created")
	return created, nil
}

// ListInvoices returns the invoice history for an organization, newest
// first.
func (s *Service) ListInvoices(ctx context.Context, organizationID uint) ([]models.InvoiceRecord, error) {
	account, err := s.repo.GetAccountByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListInvoices(ctx, account.ID)
}

// ListPlans returns the active plan catalog.
func (s *Service) ListPlans(ctx context.Context) ([]models.BillingPlan, error) {
	return s.repo.ListActivePlans(ctx)
}

// accountUpdateFromSubscriptionState converts a provider-confirmed
// subscription snapshot into the matching account update.
func accountUpdateFromSubscriptionState(state *SubscriptionState) AccountUpdate {
	status := MapProviderSubscriptionStatus(state.Status)
	cancelAtPeriodEnd := state.CancelAtPeriodEnd
	update := AccountUpdate{
		Status:             &status,
		CancelAtPeriodEnd:  &cancelAtPeriodEnd,
		CurrentPeriodStart: state.CurrentPeriodStart,
		CurrentPeriodEnd:   state.CurrentPeriodEnd,
		NextBillingAt:      state.CurrentPeriodEnd,
		TrialStartsAt:      state.TrialStart,
		TrialEndsAt:        state.TrialEnd,
	}
	if state.ID != "" {
		id := state.ID
		update.ProviderSubscriptionID = &id
	}
	if state.PriceID != "" {
		price := state.PriceID
		update.CurrentPriceID = &price
	}
	return update
}
