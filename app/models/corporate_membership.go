package models

import "time"

// CorporateMembership links an activated user to a contract. The unique index
// on user_id enforces at most one active corporate membership per user.
// PreviousSubscriptionStatus is what the user's entitlement is rolled back to
// when the contract expires or the user opts out.
type CorporateMembership struct {
	ID                         uint      `gorm:"primaryKey" json:"id"`
	UserID                     uint      `gorm:"not null;uniqueIndex" json:"user_id"`
	CorporateID                string    `gorm:"type:varchar(24);not null;index" json:"corporate_id"`
	ActivatedAt                time.Time `gorm:"autoCreateTime" json:"activated_at"`
	PreviousSubscriptionStatus string    `gorm:"type:varchar(20);not null;default:'free'" json:"previous_subscription_status"`
}
