package models

import "time"

// WebhookDelivery records the outcome of every verified webhook delivery,
// keyed by GitHub's delivery GUID. Used for operator debugging and to drop
// duplicate redeliveries of the same event.
type WebhookDelivery struct {
	ID         string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	DeliveryID string    `gorm:"uniqueIndex;not null" json:"delivery_id"` // X-GitHub-Delivery header
	Event      string    `gorm:"type:varchar(64);not null" json:"event"`
	Action     string    `gorm:"type:varchar(64)" json:"action"`
	Outcome    string    `gorm:"type:varchar(255);not null" json:"outcome"` // e.g. "claim created", "ignored"
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}
