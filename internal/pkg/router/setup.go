package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/crewplane/crewplane/app/controllers"
)

// Router installs a set of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers every route group. Webhook routes go first so
// they are never shadowed by rate limiting on the API group.
func InstallRouter(app *fiber.App, billingController *controllers.BillingController) {
	setup(app, NewWebhookRouter(billingController), NewApiRouter(billingController))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
