// handlers/admin.go
package handlers

import (
	"bounty-payout-system/middleware"
	"bounty-payout-system/services"
	"github.com/gofiber/fiber/v2"
)

// SetupAdminRoutes registers the fee-ledger endpoints behind the injected
// admin policy.
func SetupAdminRoutes(app *fiber.App, feeService *services.FeeService, policy *middleware.AdminPolicy) {
	admin := app.Group("/admin", middleware.UserContextMiddleware(), middleware.RequireAdmin(policy))

	admin.Get("/fees", feeService.GetFees)
	admin.Post("/fees/withdraw", feeService.WithdrawFees)
}
