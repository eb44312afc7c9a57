package models

import "time"

// Subscription status values held by an entitlement. Transitions are owned by
// the entitlement state machine and the corporate seat allocator; nothing else
// writes the status column.
const (
	SubscriptionStatusFree      = "free"
	SubscriptionStatusTrial     = "trial"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCorporate = "corporate"
)

const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformWeb     = "web"
	PlatformNone    = "none"
)

// Entitlement is the single internal record deciding whether a user currently
// has paid access. One row per user, created lazily with status "free".
// CorporateID is set iff status is "corporate". LatestCredential keeps the
// provider token needed to re-verify without client interaction (iOS receipt,
// Android purchase token, or card-processor subscription ID).
type Entitlement struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UserID           uint       `gorm:"not null;uniqueIndex" json:"user_id"`
	Status           string     `gorm:"type:varchar(20);not null;default:'free';index" json:"status"`
	Platform         string     `gorm:"type:varchar(10);not null;default:'none'" json:"platform"`
	ProductID        string     `gorm:"type:varchar(100);default:''" json:"product_id"`
	ExpirationDate   *time.Time `gorm:"type:timestamp;default:null" json:"expiration_date,omitempty"`
	AutoRenewing     bool       `gorm:"default:false" json:"auto_renewing"`
	CorporateID      *string    `gorm:"type:varchar(24);default:null;index" json:"corporate_id,omitempty"`
	PreviousStatus   *string    `gorm:"type:varchar(20);default:null" json:"-"`
	LatestCredential string     `gorm:"type:longtext" json:"-"`
	LastSynced       time.Time  `gorm:"type:timestamp;default:null" json:"last_synced"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasPaidAccess reports whether the entitlement currently grants the product.
func (e *Entitlement) HasPaidAccess(now time.Time) bool {
	switch e.Status {
	case SubscriptionStatusCorporate:
		return true
	case SubscriptionStatusTrial, SubscriptionStatusActive, SubscriptionStatusCancelled:
		return e.ExpirationDate == nil || e.ExpirationDate.After(now)
	default:
		return false
	}
}
