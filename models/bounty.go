package models

import "time"

type BountyStatus string

const (
	BountyStatusOpen     BountyStatus = "open"
	BountyStatusResolved BountyStatus = "resolved"
	BountyStatusRefunded BountyStatus = "refunded"
	BountyStatusCanceled BountyStatus = "canceled"
)

// Bounty is the off-chain ledger row for one funded issue. The on-chain
// escrow contract is authoritative for settlement state; this row is a cache
// kept consistent by the reconciler and the payout executor. Rows are never
// hard-deleted — terminal states are retained for audit.
type Bounty struct {
	// BountyID is the deterministic keccak id used on-chain (0x-prefixed hex).
	// Globally unique across all configured networks.
	BountyID          string       `gorm:"primaryKey;type:varchar(66)" json:"bounty_id"`
	RepoFullName      string       `gorm:"index;not null" json:"repo_full_name"` // e.g. "acme/widgets"
	RepoID            uint64       `gorm:"not null" json:"repo_id"`
	IssueNumber       uint64       `gorm:"not null" json:"issue_number"`
	SponsorAddress    string       `gorm:"type:varchar(42);not null;index" json:"sponsor_address"`
	SponsorExternalID string       `gorm:"index" json:"sponsor_external_id"` // profile service account id
	TokenAddress      string       `gorm:"type:varchar(42);not null" json:"token_address"`
	TokenSymbol       string       `gorm:"type:varchar(16);not null" json:"token_symbol"`
	TokenDecimals     uint8        `gorm:"not null" json:"token_decimals"`
	Amount            string       `gorm:"type:numeric(78,0);not null" json:"amount"` // smallest unit, base-10
	Deadline          int64        `gorm:"not null" json:"deadline"`                  // unix seconds
	Status            BountyStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	TxHash            string       `gorm:"type:varchar(66)" json:"tx_hash"` // last known tx touching this bounty
	Network           string       `gorm:"type:varchar(64);not null;index" json:"network"`
	ChainID           uint64       `gorm:"not null" json:"chain_id"`
	Environment       string       `gorm:"type:varchar(32);not null" json:"environment"`
	InstallationID    int64        `json:"installation_id"` // GitHub App installation, used by the notifier
	PinnedCommentID   *int64       `json:"pinned_comment_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt         time.Time    `json:"updated_at" gorm:"autoUpdateTime"`
}

func (b *Bounty) IsTerminal() bool {
	switch b.Status {
	case BountyStatusResolved, BountyStatusRefunded, BountyStatusCanceled:
		return true
	default:
		return false
	}
}
