package models

import "time"

// ProcessedEvent is the append-only idempotency ledger. A row's existence for
// an event key is the sole gate against re-applying the same provider event;
// it is written in the same transaction as the entitlement mutation it guards.
type ProcessedEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EventKey    string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_key"`
	ProcessedAt time.Time `gorm:"autoCreateTime;index" json:"processed_at"`
}
