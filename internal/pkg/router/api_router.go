package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/crewplane/crewplane/app/controllers"
)

type ApiRouter struct {
	billing *controllers.BillingController
}

func NewApiRouter(billing *controllers.BillingController) *ApiRouter {
	return &ApiRouter{billing: billing}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	billing := v1.Group("/billing")

	billing.Get("/plans", h.billing.HandleListPlans)
	billing.Post("/accounts", h.billing.HandleCreateAccount)

	org := billing.Group("/organizations/:orgID")
	org.Get("/account", h.billing.HandleGetAccount)
	org.Get("/eligibility", h.billing.HandleGetEligibility)
	org.Post("/checkout", h.billing.HandleStartCheckout)
	org.Post("/plan", h.billing.HandleChangePlan)
	org.Post("/cancel", h.billing.HandleCancelSubscription)
	org.Post("/resync", h.billing.HandleResyncSubscription)
	org.Get("/invoices", h.billing.HandleListInvoices)
	org.Post("/invoices", h.billing.HandleCreateManualInvoice)
	org.Get("/payment-methods", h.billing.HandleListPaymentMethods)
	org.Post("/payment-methods", h.billing.HandleAddPaymentMethod)
	org.Post("/payment-methods/:methodID/default", h.billing.HandleSetDefaultPaymentMethod)
	org.Delete("/payment-methods/:methodID", h.billing.HandleDeletePaymentMethod)
}
