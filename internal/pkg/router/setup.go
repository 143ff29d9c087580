package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ServeDesk/app/controllers"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/notify"
)

// Router registers one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the wired services the routes hand requests to.
type Dependencies struct {
	Config   config.Provider
	Billing  *controllers.BillingController
	Webhooks *controllers.WebhookController
	Jobs     *controllers.JobController
	Admin    *controllers.AdminController
	Settings *controllers.SettingsController
	Hub      *notify.Hub
	// Limiter backs the API rate limiter; nil keeps counters in memory.
	Limiter fiber.Storage
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
