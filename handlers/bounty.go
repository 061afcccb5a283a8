// handlers/bounty.go
package handlers

import (
	"bounty-payout-system/middleware"
	"bounty-payout-system/services"
	"github.com/gofiber/fiber/v2"
)

func SetupBountyRoutes(app *fiber.App, bountyService *services.BountyService, payoutService *services.PayoutService) {
	// 🔓 Public reads — no user context, but still behind Gateway auth
	app.Get("/bounty/:id", bountyService.GetBounty)
	app.Get("/bounty/:id/allowlist", bountyService.GetAllowlist)

	// 🔐 Session-scoped routes — require user context from Gateway
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/bounty/create", bountyService.CreateBounty)
	secured.Get("/user/bounties", bountyService.GetUserBounties)

	// Allowlist management (sponsor-only, enforced in the service)
	secured.Post("/bounty/:id/allowlist", bountyService.AddAllowlistEntry)
	secured.Delete("/bounty/:id/allowlist/:address", bountyService.RemoveAllowlistEntry)

	// Payout retry and refunds — caller-initiated, never automatic
	secured.Post("/payout/retry", payoutService.RetryPayout)
	secured.Post("/refunds/request", payoutService.RequestRefund)
}
