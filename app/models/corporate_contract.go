package models

import "time"

const (
	ContractStatusActive  = "active"
	ContractStatusExpired = "expired"
)

// CorporateContract is a fixed-size organizational contract granting
// entitlement to a capped pool of users without per-seat billing.
// The currentUsers counter is only ever touched inside the seat allocator's
// transaction so that 0 <= current_users <= max_users always holds.
type CorporateContract struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	CorporateID     string    `gorm:"type:varchar(24);not null;uniqueIndex" json:"corporate_id"`
	CompanyName     string    `gorm:"type:varchar(200);not null" json:"company_name"`
	MaxUsers        int       `gorm:"not null" json:"max_users"`
	CurrentUsers    int       `gorm:"not null;default:0" json:"current_users"`
	ContractEndDate time.Time `gorm:"type:timestamp;not null;index" json:"contract_end_date"`
	Status          string    `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`
	QRCode          string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"qr_code"`
	ContactEmail    string    `gorm:"type:varchar(200);default:''" json:"contact_email,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActivatable reports whether new members may still join the contract.
func (c *CorporateContract) IsActivatable(now time.Time) bool {
	return c.Status == ContractStatusActive &&
		c.ContractEndDate.After(now) &&
		c.CurrentUsers < c.MaxUsers
}
