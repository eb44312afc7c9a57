package entitlement

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/prepwell/entitlement-api/app/models"
	"github.com/prepwell/entitlement-api/internal/pkg/verification"
)

// Service owns the entitlement state machine. All provider verification
// results flow through Apply; nothing else transitions personal subscription
// state.
type Service struct {
	repo Repository
}

// NewService creates an entitlement service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates an entitlement service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// Repo exposes the underlying repository for collaborators that need reads
// (sync orchestrator, webhook routing).
func (s *Service) Repo() Repository {
	return s.repo
}

// Get returns the user's entitlement, creating the implicit free record on
// first access.
func (s *Service) Get(ctx context.Context, userID uint) (*models.Entitlement, error) {
	_ = ctx
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	return s.repo.GetOrCreate(userID)
}

// Apply runs one verification result through the state machine. Applying the
// same result twice is a no-op: the ledger row and the entitlement mutation
// share one transaction, so duplicate deliveries can never double-apply nor
// silently drop a state change.
func (s *Service) Apply(ctx context.Context, userID uint, res *verification.Result) (*models.Entitlement, error) {
	_ = ctx
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	if res == nil || res.TransactionID == "" {
		return nil, errors.New("verification result with transaction id is required")
	}

	// Advisory fast path; correctness is guaranteed by the in-transaction
	// insert below, so a racing duplicate slipping past here is harmless.
	if seen, err := s.repo.HasProcessedEvent(res.EventKey()); err == nil && seen {
		return s.repo.GetOrCreate(userID)
	}

	var applied *models.Entitlement
	err := s.repo.Transaction(func(tx Repository) error {
		fresh, err := tx.CreateProcessedEventIfNew(res.EventKey())
		if err != nil {
			return err
		}
		ent, err := tx.GetOrCreate(userID)
		if err != nil {
			return err
		}
		if !fresh {
			// Someone else already applied this event.
			applied = ent
			return nil
		}

		// Corporate membership always wins over a stale personal
		// subscription; the result is still recorded for audit.
		if ent.Status != models.SubscriptionStatusCorporate {
			ent.Status = candidateStatus(res)
			ent.Platform = res.Platform
			ent.ProductID = res.ProductID
			ent.ExpirationDate = res.ExpirationDate
			ent.AutoRenewing = res.AutoRenewing
			if res.Credential != "" {
				ent.LatestCredential = res.Credential
			}
		}
		ent.LastSynced = time.Now()
		if err := tx.Save(ent); err != nil {
			return err
		}

		if err := tx.AppendPaymentHistory(&models.PaymentHistory{
			UserID:                userID,
			Platform:              res.Platform,
			ProductID:             res.ProductID,
			TransactionID:         res.TransactionID,
			OriginalTransactionID: res.OriginalTransactionID,
			Status:                res.Status,
			ExpirationDate:        res.ExpirationDate,
			PurchaseDate:          res.OriginalPurchaseDate,
			AutoRenewing:          res.AutoRenewing,
			RawPayloadJSON:        res.RawPayloadJSON,
		}); err != nil {
			return err
		}

		applied = ent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// MarkExpired downgrades a personal entitlement after an authoritative
// invalid-receipt verdict. Corporate entitlements are left alone.
func (s *Service) MarkExpired(ctx context.Context, userID uint) (*models.Entitlement, error) {
	_ = ctx
	var out *models.Entitlement
	err := s.repo.Transaction(func(tx Repository) error {
		ent, err := tx.GetOrCreate(userID)
		if err != nil {
			return err
		}
		if ent.Status == models.SubscriptionStatusCorporate || ent.Status == models.SubscriptionStatusFree {
			out = ent
			return nil
		}
		ent.Status = models.SubscriptionStatusExpired
		ent.AutoRenewing = false
		ent.LastSynced = time.Now()
		if err := tx.Save(ent); err != nil {
			return err
		}
		out = ent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TouchSynced updates the last sync timestamp without changing state, used
// when a scheduled sync confirms the stored state is still correct.
func (s *Service) TouchSynced(ctx context.Context, userID uint) error {
	_ = ctx
	ent, err := s.repo.GetByUserID(userID)
	if err != nil {
		return err
	}
	ent.LastSynced = time.Now()
	return s.repo.Save(ent)
}

// History returns the most recent applied verification records for a user.
func (s *Service) History(ctx context.Context, userID uint, limit int) ([]models.PaymentHistory, error) {
	_ = ctx
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListPaymentHistory(userID, limit)
}

// candidateStatus derives the target subscription status from a result:
// expired when inactive, trial during a trial period, cancelled when the
// subscription still runs but auto-renew has been switched off.
func candidateStatus(res *verification.Result) string {
	if !res.IsActive {
		return models.SubscriptionStatusExpired
	}
	if res.IsInTrial {
		return models.SubscriptionStatusTrial
	}
	if !res.AutoRenewing {
		return models.SubscriptionStatusCancelled
	}
	return models.SubscriptionStatusActive
}
