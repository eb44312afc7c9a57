package corporate

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prepwell/entitlement-api/app/models"
)

// Repository provides DB operations used by the seat allocator. The entitlement
// accessors are included so a seat change and its entitlement flip commit in
// one transaction.
type Repository interface {
	Transaction(fn func(Repository) error) error

	GetContractByCorporateID(corporateID string) (*models.CorporateContract, error)
	GetContractByQRCode(token string) (*models.CorporateContract, error)
	// GetContractForUpdate re-reads a contract with a row lock; only valid
	// inside Transaction.
	GetContractForUpdate(corporateID string) (*models.CorporateContract, error)
	CreateContract(c *models.CorporateContract) error
	SaveContract(c *models.CorporateContract) error
	ListExpiredActiveContracts(now time.Time, limit int) ([]models.CorporateContract, error)

	GetMembershipByUserID(userID uint) (*models.CorporateMembership, error)
	CreateMembership(m *models.CorporateMembership) error
	DeleteMembershipByUserID(userID uint) error
	ListMembershipsByCorporateID(corporateID string) ([]models.CorporateMembership, error)
	ListMembershipsOfExpiredContracts(limit int) ([]models.CorporateMembership, error)

	GetOrCreateEntitlement(userID uint) (*models.Entitlement, error)
	SaveEntitlement(e *models.Entitlement) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a corporate repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetContractByCorporateID(corporateID string) (*models.CorporateContract, error) {
	var c models.CorporateContract
	if err := r.db.Where("corporate_id = ?", corporateID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) GetContractByQRCode(token string) (*models.CorporateContract, error) {
	var c models.CorporateContract
	if err := r.db.Where("qr_code = ?", token).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) GetContractForUpdate(corporateID string) (*models.CorporateContract, error) {
	var c models.CorporateContract
	err := r.db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("corporate_id = ?", corporateID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) CreateContract(c *models.CorporateContract) error {
	return r.db.Create(c).Error
}

func (r *gormRepository) SaveContract(c *models.CorporateContract) error {
	return r.db.Save(c).Error
}

func (r *gormRepository) ListExpiredActiveContracts(now time.Time, limit int) ([]models.CorporateContract, error) {
	var out []models.CorporateContract
	err := r.db.
		Where("status = ? AND contract_end_date <= ?", models.ContractStatusActive, now).
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *gormRepository) GetMembershipByUserID(userID uint) (*models.CorporateMembership, error) {
	var m models.CorporateMembership
	if err := r.db.Where("user_id = ?", userID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) CreateMembership(m *models.CorporateMembership) error {
	return r.db.Create(m).Error
}

func (r *gormRepository) DeleteMembershipByUserID(userID uint) error {
	return r.db.Where("user_id = ?", userID).Delete(&models.CorporateMembership{}).Error
}

func (r *gormRepository) ListMembershipsByCorporateID(corporateID string) ([]models.CorporateMembership, error) {
	var out []models.CorporateMembership
	err := r.db.Where("corporate_id = ?", corporateID).Find(&out).Error
	return out, err
}

// ListMembershipsOfExpiredContracts finds memberships whose contract already
// flipped to expired. The expiry sweep resumes from this set alone, so a crash
// mid-sweep needs no bookkeeping to recover.
func (r *gormRepository) ListMembershipsOfExpiredContracts(limit int) ([]models.CorporateMembership, error) {
	var out []models.CorporateMembership
	err := r.db.
		Joins("JOIN corporate_contracts ON corporate_contracts.corporate_id = corporate_memberships.corporate_id").
		Where("corporate_contracts.status = ?", models.ContractStatusExpired).
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *gormRepository) GetOrCreateEntitlement(userID uint) (*models.Entitlement, error) {
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
	if err := r.db.Where("user_id = ?", userID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) SaveEntitlement(e *models.Entitlement) error {
	return r.db.Save(e).Error
}
