package router

import (
	"github.com/ManuelReschke/SubSync/app/controllers"
	"github.com/ManuelReschke/SubSync/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	// Webhook ingress. Authentication happens via signature verification in
	// the normalizer, not via API key.
	v1.Post("/events", controllers.HandleProviderWebhook)

	// Direct user actions through the setup/creation gateway.
	v1.Post("/customers", controllers.HandleRegisterCustomer)
	v1.Post("/setup-intents", controllers.HandleCreateSetupIntent)
	v1.Post("/subscriptions", controllers.HandleCreateSubscription)
	v1.Get("/subscriptions/:user_id", controllers.HandleGetSubscription)

	diagnostics := v1.Group("/diagnostics", middleware.APIKeyAuthMiddleware())
	diagnostics.Post("/dry-run", controllers.HandleDryRun)
	diagnostics.Get("/counters", controllers.HandleWebhookCounters)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
