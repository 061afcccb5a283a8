package models

import "time"

type ClaimStatus string

const (
	ClaimStatusPending ClaimStatus = "pending"
	ClaimStatusPaid    ClaimStatus = "paid"
	ClaimStatusFailed  ClaimStatus = "failed"
)

// PRClaim tracks a pull request attempting to close a bounty's issue.
// At most one claim per bounty may ever reach `paid` — the payout executor
// re-checks this before every on-chain submission. The (bounty, PR) pair is
// unique so concurrent webhook deliveries for the same PR collapse into one
// row via the do-nothing upsert.
type PRClaim struct {
	ID                 string      `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	BountyID           string      `gorm:"type:varchar(66);not null;uniqueIndex:idx_claim_bounty_pr" json:"bounty_id"`
	PRNumber           uint64      `gorm:"not null;uniqueIndex:idx_claim_bounty_pr" json:"pr_number"`
	PRAuthorExternalID string      `gorm:"not null;index" json:"pr_author_external_id"`
	Status             ClaimStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	LastError          string      `json:"last_error,omitempty"` // adapter error from the most recent failed attempt
	TxHash             string      `gorm:"type:varchar(66)" json:"tx_hash,omitempty"`
	CreatedAt          time.Time   `json:"created_at" gorm:"autoCreateTime"`
	ResolvedAt         *time.Time  `json:"resolved_at,omitempty"`
}
