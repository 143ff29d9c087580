package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/notify"
)

// HttpRouter serves the routes called by other systems rather than
// operators: webhooks and the notification socket.
type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// signature-verified in the controllers
	hooks := app.Group("/webhooks", limiter.New(limiter.Config{
		Max:        600,
		Expiration: time.Minute,
		Storage:    h.deps.Limiter,
		// separate bucket from /api on the shared storage
		KeyGenerator: func(c *fiber.Ctx) string {
			return "webhooks:" + c.IP()
		},
	}))
	hooks.Post("/gateway", h.deps.Webhooks.HandleGatewayWebhook)
	hooks.Post("/casemgmt", h.deps.Webhooks.HandleCaseManagementWebhook)

	app.Use("/ws", notify.RequireUpgrade)
	app.Get("/ws", notify.Handler(h.deps.Hub, func() time.Duration {
		return h.deps.Config.Current().Notify.PongWindow
	}))
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
