package corporate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/prepwell/entitlement-api/app/models"
)

// Business-rule rejections surfaced to callers. None of them are retryable.
var (
	ErrContractNotFound  = errors.New("corporate contract not found")
	ErrAlreadyRegistered = errors.New("user already has a corporate membership")
	ErrContractInactive  = errors.New("corporate contract is not active")
	ErrContractExpired   = errors.New("corporate contract has expired")
	ErrSeatsExhausted    = errors.New("corporate contract has no free seats")
	ErrNotMember         = errors.New("user has no corporate membership")
)

// Lookup identifies a contract either directly or via its QR token.
type Lookup struct {
	CorporateID string
	QRCode      string
}

// ContractInput is the administrative creation request.
type ContractInput struct {
	CompanyName     string
	MaxUsers        int
	ContractEndDate time.Time
	ContactEmail    string
}

// Service is the corporate seat allocator: transactional contract lookup,
// capacity check, seat increment/decrement and expiry handling.
type Service struct {
	repo Repository
}

// NewService creates a corporate service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a corporate service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// CreateContract provisions a new contract with a generated corporate ID and
// QR lookup token.
func (s *Service) CreateContract(ctx context.Context, in ContractInput) (*models.CorporateContract, error) {
	_ = ctx
	name := strings.TrimSpace(in.CompanyName)
	if name == "" {
		return nil, errors.New("company name is required")
	}
	if in.MaxUsers < 1 {
		return nil, errors.New("max users must be at least 1")
	}
	if !in.ContractEndDate.After(time.Now()) {
		return nil, errors.New("contract end date must be in the future")
	}

	corporateID, err := generateCorporateID()
	if err != nil {
		return nil, err
	}
	contract := &models.CorporateContract{
		CorporateID:     corporateID,
		CompanyName:     name,
		MaxUsers:        in.MaxUsers,
		CurrentUsers:    0,
		ContractEndDate: in.ContractEndDate.UTC(),
		Status:          models.ContractStatusActive,
		QRCode:          uuid.NewString(),
		ContactEmail:    strings.TrimSpace(in.ContactEmail),
	}
	if err := s.repo.CreateContract(contract); err != nil {
		return nil, err
	}
	return contract, nil
}

// Resolve finds a contract by direct ID or QR token.
func (s *Service) Resolve(ctx context.Context, lookup Lookup) (*models.CorporateContract, error) {
	_ = ctx
	var (
		contract *models.CorporateContract
		err      error
	)
	switch {
	case strings.TrimSpace(lookup.CorporateID) != "":
		contract, err = s.repo.GetContractByCorporateID(strings.TrimSpace(lookup.CorporateID))
	case strings.TrimSpace(lookup.QRCode) != "":
		contract, err = s.repo.GetContractByQRCode(strings.TrimSpace(lookup.QRCode))
	default:
		return nil, ErrContractNotFound
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	return contract, nil
}

// Activate consumes one seat for the user. The snapshot checks before the
// transaction give fast rejections; the transaction re-reads the contract
// under a row lock and re-validates everything, so two concurrent activations
// against the last free seat cannot both succeed.
func (s *Service) Activate(ctx context.Context, userID uint, lookup Lookup) (*models.CorporateMembership, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	contract, err := s.Resolve(ctx, lookup)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.GetMembershipByUserID(userID); err == nil {
		return nil, ErrAlreadyRegistered
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now()
	if err := checkContract(contract, now); err != nil {
		return nil, err
	}

	var membership *models.CorporateMembership
	err = s.repo.Transaction(func(tx Repository) error {
		// Re-check membership inside the transaction; the unique index on
		// user_id backstops this against a concurrent activation.
		if _, err := tx.GetMembershipByUserID(userID); err == nil {
			return ErrAlreadyRegistered
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		locked, err := tx.GetContractForUpdate(contract.CorporateID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrContractNotFound
			}
			return err
		}
		if err := checkContract(locked, now); err != nil {
			return err
		}

		locked.CurrentUsers++
		if err := tx.SaveContract(locked); err != nil {
			return err
		}

		ent, err := tx.GetOrCreateEntitlement(userID)
		if err != nil {
			return err
		}
		previous := ent.Status
		if previous == models.SubscriptionStatusCorporate {
			previous = models.SubscriptionStatusFree
		}

		membership = &models.CorporateMembership{
			UserID:                     userID,
			CorporateID:                locked.CorporateID,
			ActivatedAt:                now,
			PreviousSubscriptionStatus: previous,
		}
		if err := tx.CreateMembership(membership); err != nil {
			// A concurrent activation that committed after this transaction's
			// snapshot slips past the re-check above; the unique index on
			// user_id reports it as a duplicate key.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyRegistered
			}
			return err
		}

		corporateID := locked.CorporateID
		ent.Status = models.SubscriptionStatusCorporate
		ent.CorporateID = &corporateID
		ent.PreviousStatus = &previous
		ent.ExpirationDate = nil
		ent.AutoRenewing = false
		return tx.SaveEntitlement(ent)
	})
	if err != nil {
		return nil, err
	}
	return membership, nil
}

// Deactivate releases the user's seat and rolls the entitlement back to the
// status recorded at activation, defaulting to free.
func (s *Service) Deactivate(ctx context.Context, userID uint) error {
	_ = ctx
	if userID == 0 {
		return errors.New("user_id is required")
	}

	return s.repo.Transaction(func(tx Repository) error {
		membership, err := tx.GetMembershipByUserID(userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotMember
			}
			return err
		}

		contract, err := tx.GetContractForUpdate(membership.CorporateID)
		if err == nil {
			if contract.CurrentUsers > 0 {
				contract.CurrentUsers--
			}
			if err := tx.SaveContract(contract); err != nil {
				return err
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.DeleteMembershipByUserID(userID); err != nil {
			return err
		}

		ent, err := tx.GetOrCreateEntitlement(userID)
		if err != nil {
			return err
		}
		previous := membership.PreviousSubscriptionStatus
		if previous == "" || previous == models.SubscriptionStatusCorporate {
			previous = models.SubscriptionStatusFree
		}
		// A paid status is only restorable when a stored credential lets the
		// sync pass re-verify it; with nothing to replay it would grant
		// unbounded access.
		switch previous {
		case models.SubscriptionStatusTrial, models.SubscriptionStatusActive, models.SubscriptionStatusCancelled:
			if ent.LatestCredential == "" {
				previous = models.SubscriptionStatusFree
			}
		}
		ent.Status = previous
		ent.CorporateID = nil
		ent.PreviousStatus = nil
		return tx.SaveEntitlement(ent)
	})
}

// VerifyMembership returns the user's membership and its contract.
func (s *Service) VerifyMembership(ctx context.Context, userID uint) (*models.CorporateMembership, *models.CorporateContract, error) {
	_ = ctx
	membership, err := s.repo.GetMembershipByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotMember
		}
		return nil, nil, err
	}
	contract, err := s.repo.GetContractByCorporateID(membership.CorporateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return membership, nil, ErrContractNotFound
		}
		return nil, nil, err
	}
	return membership, contract, nil
}

// ExpireContract flips a contract to expired (manual deactivation or date
// trigger) and releases every linked membership. Safe to call repeatedly.
func (s *Service) ExpireContract(ctx context.Context, corporateID string) error {
	err := s.repo.Transaction(func(tx Repository) error {
		contract, err := tx.GetContractForUpdate(corporateID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrContractNotFound
			}
			return err
		}
		if contract.Status == models.ContractStatusExpired {
			return nil
		}
		contract.Status = models.ContractStatusExpired
		return tx.SaveContract(contract)
	})
	if err != nil {
		return err
	}

	memberships, err := s.repo.ListMembershipsByCorporateID(corporateID)
	if err != nil {
		return err
	}
	for _, m := range memberships {
		if err := s.Deactivate(ctx, m.UserID); err != nil && !errors.Is(err, ErrNotMember) {
			return err
		}
	}
	return nil
}

// RunExpirySweep marks lapsed contracts expired and releases their members.
// The two phases make it resumable: membership cleanup is derived purely from
// (contract expired, membership still present), not from sweep-run state, so
// a crash between phases loses nothing.
func (s *Service) RunExpirySweep(ctx context.Context, now time.Time) (expired int, released int, err error) {
	contracts, err := s.repo.ListExpiredActiveContracts(now, 200)
	if err != nil {
		return 0, 0, err
	}
	for _, contract := range contracts {
		corporateID := contract.CorporateID
		txErr := s.repo.Transaction(func(tx Repository) error {
			locked, err := tx.GetContractForUpdate(corporateID)
			if err != nil {
				return err
			}
			if locked.Status != models.ContractStatusActive || locked.ContractEndDate.After(now) {
				return nil
			}
			locked.Status = models.ContractStatusExpired
			return tx.SaveContract(locked)
		})
		if txErr != nil {
			log.Errorf("expiry sweep: mark contract %s expired: %v", corporateID, txErr)
			continue
		}
		expired++
	}

	memberships, err := s.repo.ListMembershipsOfExpiredContracts(1000)
	if err != nil {
		return expired, 0, err
	}
	for _, m := range memberships {
		if err := s.Deactivate(ctx, m.UserID); err != nil {
			if errors.Is(err, ErrNotMember) {
				continue
			}
			log.Errorf("expiry sweep: release seat for user %d: %v", m.UserID, err)
			continue
		}
		released++
	}
	return expired, released, nil
}

func checkContract(c *models.CorporateContract, now time.Time) error {
	if c.Status != models.ContractStatusActive {
		return ErrContractInactive
	}
	if !c.ContractEndDate.After(now) {
		return ErrContractExpired
	}
	if c.CurrentUsers >= c.MaxUsers {
		return ErrSeatsExhausted
	}
	return nil
}

const corporateIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateCorporateID returns an ID of the form CORP-XXXX-XXXX-XXXX-XXXX.
func generateCorporateID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	chars := make([]byte, 16)
	for i, b := range raw {
		chars[i] = corporateIDAlphabet[int(b)%len(corporateIDAlphabet)]
	}
	return fmt.Sprintf("CORP-%s-%s-%s-%s", chars[0:4], chars[4:8], chars[8:12], chars[12:16]), nil
}
