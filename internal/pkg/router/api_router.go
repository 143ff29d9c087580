package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    h.deps.Limiter,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/ping", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{"ping": "pong"})
	})

	requireKey := middleware.AdminAPIKey(h.deps.Config)
	v1.Post("/jobs/:jobId/refresh", requireKey, h.deps.Jobs.HandleRefresh)

	b := v1.Group("/billing", requireKey)
	bc := h.deps.Billing
	b.Post("/setup", bc.HandleBeginSetup)
	b.Post("/setup/:token/confirm", bc.HandleConfirmSetup)
	b.Get("/customers/:id/payment-methods", bc.HandleListMethods)
	b.Get("/payment-methods", bc.HandleListMethodsByEmail)
	b.Delete("/payment-methods/:id", bc.HandleRemoveMethod)
	b.Post("/jobs/:jobId/charge", bc.HandleCharge)
	b.Get("/jobs/:jobId/payment-status", bc.HandlePaymentStatus)
	b.Post("/charges/:attemptId/refund", bc.HandleRefund)
	b.Get("/drift", bc.HandleListDrift)
	b.Post("/drift/:id/retry", bc.HandleRetryDrift)
	b.Post("/drift/:id/ack", bc.HandleAcknowledgeDrift)
	b.Get("/stats", bc.HandleStats)

	admin := v1.Group("/admin", requireKey)
	admin.Get("/status", h.deps.Admin.HandleStatus)
	admin.Post("/tasks/:name/run", h.deps.Admin.HandleRunTask)
	admin.Put("/settings/:key", h.deps.Settings.HandleSetSetting)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
