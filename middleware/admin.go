// middleware/admin.go
package middleware

import (
	"log"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AdminPolicy is the explicit admin allowlist: external account ids that may
// call fee-ledger endpoints. Built once at startup and injected into the
// admin route group — handlers never read the environment ad hoc.
type AdminPolicy struct {
	allowed map[string]struct{}
}

// LoadAdminPolicy reads ADMIN_EXTERNAL_IDS (comma-separated). An empty list
// is allowed but leaves every admin route returning 403.
func LoadAdminPolicy() *AdminPolicy {
	p := &AdminPolicy{allowed: map[string]struct{}{}}
	for _, id := range strings.Split(os.Getenv("ADMIN_EXTERNAL_IDS"), ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			p.allowed[id] = struct{}{}
		}
	}
	if len(p.allowed) == 0 {
		log.Println("⚠️  ADMIN_EXTERNAL_IDS is empty — admin endpoints will reject all callers")
	}
	return p
}

func (p *AdminPolicy) IsAdmin(externalID string) bool {
	_, ok := p.allowed[externalID]
	return ok
}

// RequireAdmin gates a route group on the policy. Must run after
// UserContextMiddleware so user_id is populated.
func RequireAdmin(policy *AdminPolicy) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		if userID == "" || !policy.IsAdmin(userID) {
			log.Printf("🚫 [ADMIN] Rejected non-admin caller %q on %s", userID, c.Path())
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "admin privilege required",
			})
		}
		return c.Next()
	}
}
