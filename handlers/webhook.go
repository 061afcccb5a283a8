// handlers/webhook.go
package handlers

import (
	"bounty-payout-system/services"
	"github.com/gofiber/fiber/v2"
)

// SetupWebhookRoutes registers the GitHub webhook endpoints. These bypass
// gateway auth — each stream is verified by its own HMAC signature inside
// the service.
func SetupWebhookRoutes(app *fiber.App, webhookService *services.WebhookService) {
	app.Post("/webhooks/github", webhookService.HandleGitHub)
	app.Post("/webhooks/marketplace", webhookService.HandleMarketplace)
}
