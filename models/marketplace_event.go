package models

import "time"

// MarketplacePlanEvent is an audit row for GitHub Marketplace plan changes.
// The marketplace webhook stream is signed independently of the issue/PR
// stream and never touches bounty state.
type MarketplacePlanEvent struct {
	ID                string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Action            string    `gorm:"type:varchar(32);not null" json:"action"` // purchased, changed, cancelled, ...
	AccountLogin      string    `gorm:"index" json:"account_login"`
	AccountExternalID int64     `json:"account_external_id"`
	PlanName          string    `json:"plan_name"`
	PlanMonthlyCents  int64     `json:"plan_monthly_cents"`
	EffectiveDate     string    `json:"effective_date,omitempty"`
	CreatedAt         time.Time `json:"created_at" gorm:"autoCreateTime"`
}
