package entitlement

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prepwell/entitlement-api/app/models"
)

// Repository provides DB operations used by the entitlement service.
// Transaction runs fn against a repository view bound to one ACID transaction;
// every multi-record invariant update goes through it.
type Repository interface {
	Transaction(fn func(Repository) error) error

	GetByUserID(userID uint) (*models.Entitlement, error)
	GetOrCreate(userID uint) (*models.Entitlement, error)
	Save(e *models.Entitlement) error
	FindByCredential(platform, credential string) (*models.Entitlement, error)
	ListStaleForSync(statuses []string, olderThan time.Time, limit int) ([]models.Entitlement, error)

	HasProcessedEvent(eventKey string) (bool, error)
	CreateProcessedEventIfNew(eventKey string) (bool, error)

	AppendPaymentHistory(ph *models.PaymentHistory) error
	ListPaymentHistory(userID uint, limit int) ([]models.PaymentHistory, error)
	FindUserByOriginalTransactionID(platform, originalTransactionID string) (uint, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates an entitlement repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetByUserID(userID uint) (*models.Entitlement, error) {
	var e models.Entitlement
	if err := r.db.Where("user_id = ?", userID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) GetOrCreate(userID uint) (*models.Entitlement, error) {
	var e models.Entitlement
	err := r.db.Where("user_id = ?", userID).First(&e).Error
	if err == nil {
		return &e, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	e = models.Entitlement{
		UserID:   userID,
		Status:   models.SubscriptionStatusFree,
		Platform: models.PlatformNone,
	}
	if err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&e).Error; err != nil {
		return nil, err
	}
	// Re-read in case a concurrent create won the conflict.
	if err := r.db.Where("user_id = ?", userID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) Save(e *models.Entitlement) error {
	return r.db.Save(e).Error
}

func (r *gormRepository) FindByCredential(platform, credential string) (*models.Entitlement, error) {
	var e models.Entitlement
	err := r.db.Where("platform = ? AND latest_credential = ?", platform, credential).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) ListStaleForSync(statuses []string, olderThan time.Time, limit int) ([]models.Entitlement, error) {
	var out []models.Entitlement
	err := r.db.
		Where("status IN ? AND last_synced < ?", statuses, olderThan).
		Order("last_synced ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *gormRepository) HasProcessedEvent(eventKey string) (bool, error) {
	var count int64
	err := r.db.Model(&models.ProcessedEvent{}).Where("event_key = ?", eventKey).Count(&count).Error
	return count > 0, err
}

// CreateProcessedEventIfNew inserts the ledger row and reports whether this
// call owns the event. The unique index on event_key makes the insert the
// authoritative idempotency gate even under concurrent duplicate deliveries.
func (r *gormRepository) CreateProcessedEventIfNew(eventKey string) (bool, error) {
	event := models.ProcessedEvent{EventKey: eventKey}
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_key"}},
		DoNothing: true,
	}).Create(&event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) AppendPaymentHistory(ph *models.PaymentHistory) error {
	return r.db.Create(ph).Error
}

func (r *gormRepository) ListPaymentHistory(userID uint, limit int) ([]models.PaymentHistory, error) {
	var out []models.PaymentHistory
	err := r.db.
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *gormRepository) FindUserByOriginalTransactionID(platform, originalTransactionID string) (uint, error) {
	var ph models.PaymentHistory
	err := r.db.
		Where("platform = ? AND original_transaction_id = ?", platform, originalTransactionID).
		Order("created_at DESC").
		First(&ph).Error
	if err != nil {
		return 0, err
	}
	return ph.UserID, nil
}
