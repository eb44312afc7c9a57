package models

import "time"

const (
	VerificationStatusVerified = "verified"
	VerificationStatusExpired  = "expired"
)

// PaymentHistory is an append-only audit record of every applied verification
// result, independent of the current entitlement state. Rows are never mutated.
type PaymentHistory struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	UserID                uint       `gorm:"not null;index" json:"user_id"`
	Platform              string     `gorm:"type:varchar(10);not null" json:"platform"`
	ProductID             string     `gorm:"type:varchar(100);default:''" json:"product_id"`
	TransactionID         string     `gorm:"type:varchar(191);not null;index" json:"transaction_id"`
	OriginalTransactionID string     `gorm:"type:varchar(191);default:'';index" json:"original_transaction_id"`
	Status                string     `gorm:"type:varchar(16);not null" json:"status"`
	ExpirationDate        *time.Time `gorm:"type:timestamp;default:null" json:"expiration_date,omitempty"`
	PurchaseDate          *time.Time `gorm:"type:timestamp;default:null" json:"purchase_date,omitempty"`
	AutoRenewing          bool       `gorm:"default:false" json:"auto_renewing"`
	RawPayloadJSON        string     `gorm:"type:longtext" json:"-"`
	CreatedAt             time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}
