package controllers

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/crewplane/crewplane/app/models"
	"github.com/crewplane/crewplane/internal/pkg/billing"
)

// BillingController exposes the billing service and webhook processor over
// HTTP. All handlers speak JSON; error payloads follow the error/message
// shape used across the API.
type BillingController struct {
	service   *billing.Service
	processor *billing.Processor
	validate  *validator.Validate
}

// NewBillingController wires the billing HTTP surface.
func NewBillingController(service *billing.Service, processor *billing.Processor) *BillingController {
	return &BillingController{
		service:   service,
		processor: processor,
		validate:  validator.New(),
	}
}

// billingError maps the billing error taxonomy onto HTTP status codes.
func billingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, billing.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	case errors.Is(err, billing.ErrAlreadyExists):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_exists", "message": err.Error()})
	case errors.Is(err, billing.ErrProviderUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "provider_unavailable", "message": "Billing provider is unavailable, try again later"})
	case errors.Is(err, billing.ErrProviderRejected):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_rejected", "message": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Unexpected billing error"})
	}
}

func orgIDParam(c *fiber.Ctx) (uint, error) {
	id, err := c.ParamsInt("orgID")
	if err != nil || id <= 0 {
		return 0, errors.New("invalid organization id")
	}
	return uint(id), nil
}

type createAccountRequest struct {
	OrganizationID uint           `json:"organization_id" validate:"required,gt=0"`
	Currency       string         `json:"currency" validate:"omitempty,len=3"`
	Email          string         `json:"email" validate:"omitempty,email"`
	Name           string         `json:"name"`
	Metadata       map[string]any `json:"metadata"`
}

// HandleCreateAccount returns the organization's billing account, opening
// one with a fresh trial when none exists. 201 on creation, 200 when the
// account already existed.
func (bc *BillingController) HandleCreateAccount(c *fiber.Ctx) error {
	var req createAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Invalid JSON body"})
	}
	if err := bc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	account, created, err := bc.service.CreateOrGetAccount(c.Context(), billing.CreateAccountInput{
		OrganizationID: req.OrganizationID,
		Currency:       req.Currency,
		Contact:        billing.Contact{Email: req.Email, Name: req.Name},
		Metadata:       req.Metadata,
	})
	if err != nil {
		return billingError(c, err)
	}
	if created {
		return c.Status(fiber.StatusCreated).JSON(account)
	}
	return c.JSON(account)
}

// HandleGetAccount returns the billing account of an organization.
func (bc *BillingController) HandleGetAccount(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	account, err := bc.service.GetAccount(c.Context(), orgID)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(account)
}

// HandleGetEligibility reports whether the organization may use the product
// right now, together with the effective status the decision rests on.
func (bc *BillingController) HandleGetEligibility(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	res, err := bc.service.ResolveStatus(c.Context(), orgID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return c.JSON(fiber.Map{"allowed": false, "effective_status": nil})
		}
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{
		"allowed":          res.UsageAllowed,
		"effective_status": res.EffectiveStatus,
		"checked_at":       time.Now().UTC().Format(time.RFC3339),
	})
}

type planRequest struct {
	PlanCode string `json:"plan_code" validate:"required"`
	Interval string `json:"interval" validate:"omitempty,oneof=month year"`
}

// HandleStartCheckout opens a hosted checkout session for a plan.
func (bc *BillingController) HandleStartCheckout(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	var req planRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Invalid JSON body"})
	}
	if err := bc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	session, err := bc.service.StartCheckout(c.Context(), orgID, req.PlanCode, req.Interval)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{"session_id": session.ID, "checkout_url": session.URL})
}

// HandleChangePlan moves the subscription to another plan.
func (bc *BillingController) HandleChangePlan(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	var req planRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Invalid JSON body"})
	}
	if err := bc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	account, err := bc.service.ChangePlan(c.Context(), orgID, req.PlanCode, req.Interval)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(account)
}

type cancelRequest struct {
	AtPeriodEnd *bool `json:"at_period_end"`
}

// HandleCancelSubscription cancels the subscription, at period end unless
// the request says otherwise.
func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	var req cancelRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Invalid JSON body"})
	}
	atPeriodEnd := true
	if req.AtPeriodEnd != nil {
		atPeriodEnd = *req.AtPeriodEnd
	}
	account, err := bc.service.CancelSubscription(c.Context(), orgID, atPeriodEnd)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(account)
}

// HandleResyncSubscription refreshes local state from the provider.
func (bc *BillingController) HandleResyncSubscription(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	account, err := bc.service.ResyncSubscription(c.Context(), orgID)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(account)
}

type addPaymentMethodRequest struct {
	ProviderPaymentMethodID string `json:"provider_payment_method_id" validate:"required"`
	MakeDefault             bool   `json:"make_default"`
}

// HandleAddPaymentMethod attaches a provider payment method to the account.
func (bc *BillingController) HandleAddPaymentMethod(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	var req addPaymentMethodRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Invalid JSON body"})
	}
	if err := bc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	method, err := bc.service.AddPaymentMethod(c.Context(), orgID, req.ProviderPaymentMethodID, req.MakeDefault)
	if err != nil {
		return billingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(method)
}

// HandleListPaymentMethods lists stored payment methods, default first.
func (bc *BillingController) HandleListPaymentMethods(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	methods, err := bc.service.ListPaymentMethods(c.Context(), orgID)
	if err != nil {
		return billingError(c, err)
	}
	if methods == nil {
		methods = []models.PaymentMethod{}
	}
	return c.JSON(methods)
}

// HandleSetDefaultPaymentMethod promotes one method to account default.
func (bc *BillingController) HandleSetDefaultPaymentMethod(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	methodID, err := c.ParamsInt("methodID")
	if err != nil || methodID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": "invalid payment method id"})
	}
	if err := bc.service.SetDefaultPaymentMethod(c.Context(), orgID, uint(methodID)); err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// HandleDeletePaymentMethod detaches and removes a payment method.
func (bc *BillingController) HandleDeletePaymentMethod(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	methodID, err := c.ParamsInt("methodID")
	if err != nil || methodID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": "invalid payment method id"})
	}
	if err := bc.service.DeletePaymentMethod(c.Context(), orgID, uint(methodID)); err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}

// HandleListInvoices lists the invoice history, newest first.
func (bc *BillingController) HandleListInvoices(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	invoices, err := bc.service.ListInvoices(c.Context(), orgID)
	if err != nil {
		return billingError(c, err)
	}
	if invoices == nil {
		invoices = []models.InvoiceRecord{}
	}
	return c.JSON(invoices)
}

type manualInvoiceRequest struct {
	PlanCode    string            `json:"plan_code" validate:"required"`
	Interval    string            `json:"interval" validate:"omitempty,oneof=month year"`
	Quantity    int64             `json:"quantity" validate:"omitempty,gt=0"`
	Description string            `json:"description" validate:"omitempty,max=500"`
	Metadata    map[string]string `json:"metadata"`
}

// HandleCreateManualInvoice creates an out-of-band invoice for a plan.
func (bc *BillingController) HandleCreateManualInvoice(c *fiber.Ctx) error {
	orgID, err := orgIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	var req manualInvoiceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Invalid JSON body"})
	}
	if err := bc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	invoice, err := bc.service.CreateManualInvoice(c.Context(), orgID, req.PlanCode, req.Interval, req.Quantity, req.Description, req.Metadata)
	if err != nil {
		return billingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(invoice)
}

// HandleListPlans returns the active plan catalog.
func (bc *BillingController) HandleListPlans(c *fiber.Ctx) error {
	plans, err := bc.service.ListPlans(c.Context())
	if err != nil {
		return billingError(c, err)
	}
	if plans == nil {
		plans = []models.BillingPlan{}
	}
	return c.JSON(plans)
}

// HandleProviderWebhook receives provider webhook deliveries. A bad
// signature or a handler failure returns 400 so the provider redelivers;
// every acknowledged outcome returns 200 with the structured result.
func (bc *BillingController) HandleProviderWebhook(c *fiber.Ctx) error {
	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_signature", "message": "Missing Stripe-Signature header"})
	}

	result, err := bc.processor.Process(c.Context(), c.Body(), signature)
	if err != nil {
		if errors.Is(err, billing.ErrSignatureVerification) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature", "message": "Webhook signature verification failed"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to process event"})
	}
	if !result.Processed && result.Action == "processing_failed" {
		return c.Status(fiber.StatusBadRequest).JSON(result)
	}
	return c.JSON(result)
}
