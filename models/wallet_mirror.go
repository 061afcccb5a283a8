// models/wallet_mirror.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// WalletMirror mirrors contributor payout wallets from the profile service.
// The payout executor reads this table to resolve a PR author's payout
// address; it never writes it — the sync worker owns all mutations.
// Table name: wallet_mirrors
type WalletMirror struct {
	ID             string    `gorm:"primaryKey;type:uuid;not null" json:"id"`
	ExternalUserID string    `gorm:"not null;uniqueIndex:idx_wallet_user_network" json:"external_user_id"`
	Network        string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_wallet_user_network" json:"network"`
	Address        string    `gorm:"type:varchar(42);not null;index" json:"address"`
	Verified       bool      `gorm:"not null" json:"verified"` // signature-verified ownership on the profile service
	IsActive       bool      `gorm:"not null" json:"is_active"`
	LastSyncedAt   time.Time `gorm:"not null" json:"last_synced_at"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`

	// Soft delete so an unlinked wallet stays visible in payout history.
	DeletedAt gorm.DeletedAt `gorm:"index"`
}
