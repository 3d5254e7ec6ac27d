package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/crewplane/crewplane/app/controllers"
)

// WebhookRouter installs the provider webhook endpoint. The route is
// deliberately outside the rate-limited API group; the provider retries
// rejected deliveries and a 429 would only add noise.
type WebhookRouter struct {
	billing *controllers.BillingController
}

func NewWebhookRouter(billing *controllers.BillingController) *WebhookRouter {
	return &WebhookRouter{billing: billing}
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhooks/stripe", h.billing.HandleProviderWebhook)
}
