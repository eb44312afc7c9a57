package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/prepwell/entitlement-api/app/models"
	"github.com/prepwell/entitlement-api/internal/pkg/entitlement"
	"github.com/prepwell/entitlement-api/internal/pkg/verification"
)

// Orchestrator reconciles stored entitlements against the providers. It always
// defers to a freshly verified provider result, never to a client's locally
// cached belief; a transient provider failure keeps the stored state intact.
type Orchestrator struct {
	entitlements *entitlement.Service
	verifiers    map[string]verification.Verifier

	// StaleAfter is how old lastSynced may get before a scheduled pass
	// re-verifies the entitlement.
	StaleAfter time.Duration
	BatchSize  int
}

// NewOrchestrator wires the orchestrator with one verifier per platform.
func NewOrchestrator(entitlements *entitlement.Service, verifiers ...verification.Verifier) *Orchestrator {
	byPlatform := make(map[string]verification.Verifier, len(verifiers))
	for _, v := range verifiers {
		byPlatform[v.Platform()] = v
	}
	return &Orchestrator{
		entitlements: entitlements,
		verifiers:    byPlatform,
		StaleAfter:   time.Hour,
		BatchSize:    200,
	}
}

// Verifier returns the adapter registered for a platform.
func (o *Orchestrator) Verifier(platform string) (verification.Verifier, bool) {
	v, ok := o.verifiers[platform]
	return v, ok
}

// SyncUser re-runs the verification adapter for the user's platform using the
// stored credential and applies the result. Only an authoritative expired or
// invalid-receipt verdict may downgrade the entitlement; provider outages
// surface as an error with the stored state untouched.
func (o *Orchestrator) SyncUser(ctx context.Context, userID uint) (*models.Entitlement, error) {
	ent, err := o.entitlements.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	payload, ok := replayPayload(ent)
	if !ok {
		// Nothing to reconcile: free users, corporate members and records
		// without a stored credential are not provider-backed.
		return ent, nil
	}

	verifier, ok := o.verifiers[ent.Platform]
	if !ok {
		return ent, fmt.Errorf("no verifier registered for platform %s", ent.Platform)
	}

	res, err := verifier.Verify(ctx, payload)
	if err != nil {
		if errors.Is(err, verification.ErrInvalidReceipt) {
			return o.entitlements.MarkExpired(ctx, userID)
		}
		return ent, err
	}

	applied, err := o.entitlements.Apply(ctx, userID, res)
	if err != nil {
		return ent, err
	}
	// A duplicate event key (same billing period) skips the state write, so
	// refresh the sync timestamp separately to keep the pass from re-picking
	// this record.
	if err := o.entitlements.TouchSynced(ctx, userID); err != nil {
		log.Warnf("sync: touch last_synced for user %d: %v", userID, err)
	}
	return applied, nil
}

// RestorePurchases verifies a client-supplied proof of purchase and applies it,
// the same path as an interactive purchase but initiated from the restore flow.
func (o *Orchestrator) RestorePurchases(ctx context.Context, userID uint, platform string, p verification.Payload) (*models.Entitlement, error) {
	verifier, ok := o.verifiers[platform]
	if !ok {
		return nil, fmt.Errorf("no verifier registered for platform %s", platform)
	}
	res, err := verifier.Verify(ctx, p)
	if err != nil {
		return nil, err
	}
	return o.entitlements.Apply(ctx, userID, res)
}

// RunSyncPass reconciles every provider-backed entitlement whose last sync is
// older than StaleAfter. Provider outages are logged and retried on the next
// pass; they never downgrade state.
func (o *Orchestrator) RunSyncPass(ctx context.Context, now time.Time) (synced, failed int, err error) {
	stale, err := o.entitlements.Repo().ListStaleForSync(
		[]string{
			models.SubscriptionStatusTrial,
			models.SubscriptionStatusActive,
			models.SubscriptionStatusCancelled,
		},
		now.Add(-o.StaleAfter),
		o.BatchSize,
	)
	if err != nil {
		return 0, 0, err
	}

	for _, ent := range stale {
		userCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, syncErr := o.SyncUser(userCtx, ent.UserID)
		cancel()
		if syncErr != nil {
			failed++
			log.Warnf("sync pass: user %d: %v", ent.UserID, syncErr)
			continue
		}
		synced++
	}
	return synced, failed, nil
}

func replayPayload(ent *models.Entitlement) (verification.Payload, bool) {
	if ent.LatestCredential == "" {
		return verification.Payload{}, false
	}
	switch ent.Status {
	case models.SubscriptionStatusFree, models.SubscriptionStatusCorporate:
		return verification.Payload{}, false
	}
	switch ent.Platform {
	case models.PlatformIOS:
		return verification.Payload{Receipt: ent.LatestCredential}, true
	case models.PlatformAndroid:
		return verification.Payload{PurchaseToken: ent.LatestCredential, ProductID: ent.ProductID}, true
	case models.PlatformWeb:
		return verification.Payload{SubscriptionID: ent.LatestCredential}, true
	default:
		return verification.Payload{}, false
	}
}
