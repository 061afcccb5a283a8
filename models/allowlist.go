package models

import "time"

// AllowlistEntry restricts which payout addresses may claim a bounty.
// No entries for a bounty means any address may claim. Membership is
// managed only by the bounty's sponsor.
type AllowlistEntry struct {
	ID             string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	BountyID       string    `gorm:"type:varchar(66);not null;uniqueIndex:idx_allowlist_bounty_addr" json:"bounty_id"`
	AllowedAddress string    `gorm:"type:varchar(42);not null;uniqueIndex:idx_allowlist_bounty_addr" json:"allowed_address"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
}
