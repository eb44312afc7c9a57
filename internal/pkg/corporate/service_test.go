package corporate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/prepwell/entitlement-api/app/models"
)

type fakeState struct {
	contracts    map[string]*models.CorporateContract
	memberships  map[uint]*models.CorporateMembership
	entitlements map[uint]*models.Entitlement
	nextID       uint
}

func newFakeState() *fakeState {
	return &fakeState{
		contracts:    make(map[string]*models.CorporateContract),
		memberships:  make(map[uint]*models.CorporateMembership),
		entitlements: make(map[uint]*models.Entitlement),
	}
}

func (s *fakeState) clone() *fakeState {
	out := newFakeState()
	for k, v := range s.contracts {
		copied := *v
		out.contracts[k] = &copied
	}
	for k, v := range s.memberships {
		copied := *v
		out.memberships[k] = &copied
	}
	for k, v := range s.entitlements {
		copied := *v
		out.entitlements[k] = &copied
	}
	out.nextID = s.nextID
	return out
}

type fakeRepo struct {
	mu sync.Mutex
	s  *fakeState
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{s: newFakeState()}
}

func (f *fakeRepo) Transaction(fn func(Repository) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := f.s.clone()
	if err := fn(&fakeTx{s: f.s}); err != nil {
		f.s = snapshot
		return err
	}
	return nil
}

func (f *fakeRepo) locked() *fakeTx { return &fakeTx{s: f.s} }

func (f *fakeRepo) GetContractByCorporateID(id string) (*models.CorporateContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().GetContractByCorporateID(id)
}

func (f *fakeRepo) GetContractByQRCode(token string) (*models.CorporateContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().GetContractByQRCode(token)
}

func (f *fakeRepo) GetContractForUpdate(id string) (*models.CorporateContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().GetContractForUpdate(id)
}

func (f *fakeRepo) CreateContract(c *models.CorporateContract) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().CreateContract(c)
}

func (f *fakeRepo) SaveContract(c *models.CorporateContract) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().SaveContract(c)
}

func (f *fakeRepo) ListExpiredActiveContracts(now time.Time, limit int) ([]models.CorporateContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().ListExpiredActiveContracts(now, limit)
}

func (f *fakeRepo) GetMembershipByUserID(userID uint) (*models.CorporateMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().GetMembershipByUserID(userID)
}

func (f *fakeRepo) CreateMembership(m *models.CorporateMembership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().CreateMembership(m)
}

func (f *fakeRepo) DeleteMembershipByUserID(userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().DeleteMembershipByUserID(userID)
}

func (f *fakeRepo) ListMembershipsByCorporateID(id string) ([]models.CorporateMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().ListMembershipsByCorporateID(id)
}

func (f *fakeRepo) ListMembershipsOfExpiredContracts(limit int) ([]models.CorporateMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().ListMembershipsOfExpiredContracts(limit)
}

func (f *fakeRepo) GetOrCreateEntitlement(userID uint) (*models.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().GetOrCreateEntitlement(userID)
}

func (f *fakeRepo) SaveEntitlement(e *models.Entitlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked().SaveEntitlement(e)
}

type fakeTx struct {
	s *fakeState
}

func (t *fakeTx) Transaction(fn func(Repository) error) error { return fn(t) }

func (t *fakeTx) GetContractByCorporateID(id string) (*models.CorporateContract, error) {
	c, ok := t.s.contracts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *c
	return &copied, nil
}

func (t *fakeTx) GetContractByQRCode(token string) (*models.CorporateContract, error) {
	for _, c := range t.s.contracts {
		if c.QRCode == token {
			copied := *c
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (t *fakeTx) GetContractForUpdate(id string) (*models.CorporateContract, error) {
	return t.GetContractByCorporateID(id)
}

func (t *fakeTx) CreateContract(c *models.CorporateContract) error {
	t.s.nextID++
	c.ID = t.s.nextID
	copied := *c
	t.s.contracts[c.CorporateID] = &copied
	return nil
}

func (t *fakeTx) SaveContract(c *models.CorporateContract) error {
	copied := *c
	t.s.contracts[c.CorporateID] = &copied
	return nil
}

func (t *fakeTx) ListExpiredActiveContracts(now time.Time, limit int) ([]models.CorporateContract, error) {
	var out []models.CorporateContract
	for _, c := range t.s.contracts {
		if c.Status == models.ContractStatusActive && !c.ContractEndDate.After(now) {
			out = append(out, *c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *fakeTx) GetMembershipByUserID(userID uint) (*models.CorporateMembership, error) {
	m, ok := t.s.memberships[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *m
	return &copied, nil
}

func (t *fakeTx) CreateMembership(m *models.CorporateMembership) error {
	if _, exists := t.s.memberships[m.UserID]; exists {
		return gorm.ErrDuplicatedKey
	}
	t.s.nextID++
	m.ID = t.s.nextID
	copied := *m
	t.s.memberships[m.UserID] = &copied
	return nil
}

func (t *fakeTx) DeleteMembershipByUserID(userID uint) error {
	delete(t.s.memberships, userID)
	return nil
}

func (t *fakeTx) ListMembershipsByCorporateID(id string) ([]models.CorporateMembership, error) {
	var out []models.CorporateMembership
	for _, m := range t.s.memberships {
		if m.CorporateID == id {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (t *fakeTx) ListMembershipsOfExpiredContracts(limit int) ([]models.CorporateMembership, error) {
	var out []models.CorporateMembership
	for _, m := range t.s.memberships {
		c, ok := t.s.contracts[m.CorporateID]
		if ok && c.Status == models.ContractStatusExpired {
			out = append(out, *m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *fakeTx) GetOrCreateEntitlement(userID uint) (*models.Entitlement, error) {
	if ent, ok := t.s.entitlements[userID]; ok {
		copied := *ent
		return &copied, nil
	}
	t.s.nextID++
	ent := &models.Entitlement{
		ID:       t.s.nextID,
		UserID:   userID,
		Status:   models.SubscriptionStatusFree,
		Platform: models.PlatformNone,
	}
	t.s.entitlements[userID] = ent
	copied := *ent
	return &copied, nil
}

func (t *fakeTx) SaveEntitlement(e *models.Entitlement) error {
	copied := *e
	t.s.entitlements[e.UserID] = &copied
	return nil
}

func newTestContract(t *testing.T, svc *Service, maxUsers int) *models.CorporateContract {
	t.Helper()
	contract, err := svc.CreateContract(context.Background(), ContractInput{
		CompanyName:     "Acme GmbH",
		MaxUsers:        maxUsers,
		ContractEndDate: time.Now().Add(365 * 24 * time.Hour),
		ContactEmail:    "it@acme.example",
	})
	require.NoError(t, err)
	return contract
}

func TestCreateContractGeneratesIdentifiers(t *testing.T) {
	t.Parallel()

	svc := NewService(newFakeRepo())
	contract := newTestContract(t, svc, 10)

	assert.Regexp(t, `^CORP(-[A-Z2-9]{4}){4}$`, contract.CorporateID)
	assert.NotEmpty(t, contract.QRCode)
	assert.Equal(t, models.ContractStatusActive, contract.Status)
	assert.Equal(t, 0, contract.CurrentUsers)
}

func TestActivateConsumesSeatAndFlipsEntitlement(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewService(repo)
	contract := newTestContract(t, svc, 5)

	membership, err := svc.Activate(context.Background(), 1, Lookup{CorporateID: contract.CorporateID})
	require.NoError(t, err)
	assert.Equal(t, contract.CorporateID, membership.CorporateID)
	assert.Equal(t, models.SubscriptionStatusFree, membership.PreviousSubscriptionStatus)

	updated, err := repo.GetContractByCorporateID(contract.CorporateID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentUsers)

	ent, err := repo.GetOrCreateEntitlement(1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCorporate, ent.Status)
	require.NotNil(t, ent.CorporateID)
	assert.Equal(t, contract.CorporateID, *ent.CorporateID)
	assert.Nil(t, ent.ExpirationDate)
}

func TestActivateByQRCode(t *testing.T) {
	t.Parallel()

	svc := NewService(newFakeRepo())
	contract := newTestContract(t, svc, 5)

	_, err := svc.Activate(context.Background(), 1, Lookup{QRCode: contract.QRCode})
	require.NoError(t, err)
}

func TestActivateRejectsSecondMembership(t *testing.T) {
	t.Parallel()

	svc := NewService(newFakeRepo())
	first := newTestContract(t, svc, 5)
	second := newTestContract(t, svc, 5)

	_, err := svc.Activate(context.Background(), 1, Lookup{CorporateID: first.CorporateID})
	require.NoError(t, err)

	_, err = svc.Activate(context.Background(), 1, Lookup{CorporateID: second.CorporateID})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestActivateRejectsWhenSeatsExhausted(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewService(repo)
	contract := newTestContract(t, svc, 2)

	for userID := uint(1); userID <= 2; userID++ {
		_, err := svc.Activate(context.Background(), userID, Lookup{CorporateID: contract.CorporateID})
		require.NoError(t, err)
	}

	_, err := svc.Activate(context.Background(), 3, Lookup{CorporateID: contract.CorporateID})
	assert.ErrorIs(t, err, ErrSeatsExhausted)

	updated, err := repo.GetContractByCorporateID(contract.CorporateID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentUsers)
}

func TestActivateConcurrentRaceNeverOversubscribes(t *testing.T) {
	t.Parallel()

	const maxUsers = 5
	repo := newFakeRepo()
	svc := NewService(repo)
	contract := newTestContract(t, svc, maxUsers)

	var wg sync.WaitGroup
	results := make(chan error, maxUsers+10)
	for userID := uint(1); userID <= maxUsers+10; userID++ {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			_, err := svc.Activate(context.Background(), id, Lookup{CorporateID: contract.CorporateID})
			results <- err
		}(userID)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrSeatsExhausted)
		}
	}
	assert.Equal(t, maxUsers, succeeded)

	updated, err := repo.GetContractByCorporateID(contract.CorporateID)
	require.NoError(t, err)
	assert.Equal(t, maxUsers, updated.CurrentUsers)
}

// staleReadRepo simulates a repeatable-read transaction whose snapshot predates
// a concurrent activation commit: membership reads for the hidden user come
// back empty and only the unique index reports the conflict.
type staleReadRepo struct {
	*fakeRepo
	hiddenUser uint
}

func (r *staleReadRepo) GetMembershipByUserID(userID uint) (*models.CorporateMembership, error) {
	if userID == r.hiddenUser {
		return nil, gorm.ErrRecordNotFound
	}
	return r.fakeRepo.GetMembershipByUserID(userID)
}

func (r *staleReadRepo) Transaction(fn func(Repository) error) error {
	r.fakeRepo.mu.Lock()
	defer r.fakeRepo.mu.Unlock()
	snapshot := r.fakeRepo.s.clone()
	if err := fn(&staleMembershipTx{fakeTx: fakeTx{s: r.fakeRepo.s}, hiddenUser: r.hiddenUser}); err != nil {
		r.fakeRepo.s = snapshot
		return err
	}
	return nil
}

type staleMembershipTx struct {
	fakeTx
	hiddenUser uint
}

func (t *staleMembershipTx) Transaction(fn func(Repository) error) error { return fn(t) }

func (t *staleMembershipTx) GetMembershipByUserID(userID uint) (*models.CorporateMembership, error) {
	if userID == t.hiddenUser {
		return nil, gorm.ErrRecordNotFound
	}
	return t.fakeTx.GetMembershipByUserID(userID)
}

func TestActivateConcurrentCommitSurfacesAlreadyRegistered(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewService(repo)
	contract := newTestContract(t, svc, 5)

	_, err := svc.Activate(context.Background(), 1, Lookup{CorporateID: contract.CorporateID})
	require.NoError(t, err)

	// The loser's snapshot misses the winner's membership, so both the
	// pre-check and the in-transaction re-check pass and the insert hits the
	// unique index.
	stale := &staleReadRepo{fakeRepo: repo, hiddenUser: 1}
	_, err = NewService(stale).Activate(context.Background(), 1, Lookup{CorporateID: contract.CorporateID})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// The losing transaction rolled back: no double seat consumption.
	updated, err := repo.GetContractByCorporateID(contract.CorporateID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentUsers)
}

func TestActivateRejectsExpiredContract(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewService(repo)
	contract := newTestContract(t, svc, 5)

	stored, err := repo.GetContractByCorporateID(contract.CorporateID)
	require.NoError(t, err)
	stored.ContractEndDate = time.Now().Add(-time.Hour)
	require.NoError(t, repo.SaveContract(stored))

	_, err = svc.Activate(context.Background(), 1, Lookup{CorporateID: contract.CorporateID})
	assert.ErrorIs(t, err, ErrContractExpired)
}

func TestDeactivateRestoresPreviousStatus(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewService(repo)
	contract := newTestContract(t, svc, 5)

	// The user had an active personal subscription before joining.
	expiry := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, repo.SaveEntitlement(&models.Entitlement{
		UserID:           1,
		Status:           models.SubscriptionStatusActive,
		Platform:         models.PlatformIOS,
		ExpirationDate:   &expiry,
		LatestCredential: "stored-receipt",
	}))

	_, err := svc.Activate(context.Background(), 1, Lookup{CorporateID: contract.CorporateID})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(context.Background(), 1))

	ent, err := repo.GetOrCreateEntitlement(1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, ent.Status)
	assert.Nil(t, ent.CorporateID)

	updated, err := repo.GetContractByCorporateID(contract.CorporateID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.CurrentUsers)
}

func TestDeactivateDefaultsToFree(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewService(repo)
	contract := newTestContract(t, svc, 5)

	_, err := svc.Activate(context.Background(), 1, Lookup{CorporateID: contract.CorporateID})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(context.Background(), 1))

	ent, err := repo.GetOrCreateEntitlement(1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusFree, ent.Status)
}

func TestDeactivateWithoutStoredCredentialFallsBackToFree(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewService(repo)
	contract := newTestContract(t, svc, 5)

	// Paid status on record but no credential to replay against the provider.
	require.NoError(t, repo.SaveEntitlement(&models.Entitlement{
		UserID:   1,
		Status:   models.SubscriptionStatusActive,
		Platform: models.PlatformIOS,
	}))

	_, err := svc.Activate(context.Background(), 1, Lookup{CorporateID: contract.CorporateID})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(context.Background(), 1))

	ent, err := repo.GetOrCreateEntitlement(1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusFree, ent.Status)
}

func TestDeactivateWithoutMembership(t *testing.T) {
	t.Parallel()

	svc := NewService(newFakeRepo())
	err := svc.Deactivate(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestExpireContractReleasesAllSeats(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewService(repo)
	contract := newTestContract(t, svc, 5)

	for userID := uint(1); userID <= 3; userID++ {
		_, err := svc.Activate(context.Background(), userID, Lookup{CorporateID: contract.CorporateID})
		require.NoError(t, err)
	}

	require.NoError(t, svc.ExpireContract(context.Background(), contract.CorporateID))

	updated, err := repo.GetContractByCorporateID(contract.CorporateID)
	require.NoError(t, err)
	assert.Equal(t, models.ContractStatusExpired, updated.Status)
	assert.Equal(t, 0, updated.CurrentUsers)

	for userID := uint(1); userID <= 3; userID++ {
		_, err := repo.GetMembershipByUserID(userID)
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
		ent, err := repo.GetOrCreateEntitlement(userID)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionStatusFree, ent.Status)
	}

	// Expiring again is a no-op.
	require.NoError(t, svc.ExpireContract(context.Background(), contract.CorporateID))
}

func TestRunExpirySweep(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := NewService(repo)
	contract := newTestContract(t, svc, 5)

	for userID := uint(1); userID <= 2; userID++ {
		_, err := svc.Activate(context.Background(), userID, Lookup{CorporateID: contract.CorporateID})
		require.NoError(t, err)
	}

	// Let the contract lapse.
	stored, err := repo.GetContractByCorporateID(contract.CorporateID)
	require.NoError(t, err)
	stored.ContractEndDate = time.Now().Add(-time.Hour)
	require.NoError(t, repo.SaveContract(stored))

	expired, released, err := svc.RunExpirySweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 2, released)

	// Running the sweep again finds nothing left to do.
	expired, released, err = svc.RunExpirySweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 0, released)
}

func TestVerifyMembership(t *testing.T) {
	t.Parallel()

	svc := NewService(newFakeRepo())
	contract := newTestContract(t, svc, 5)

	_, err := svc.Activate(context.Background(), 1, Lookup{CorporateID: contract.CorporateID})
	require.NoError(t, err)

	membership, got, err := svc.VerifyMembership(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, contract.CorporateID, membership.CorporateID)
	assert.Equal(t, contract.CompanyName, got.CompanyName)

	_, _, err = svc.VerifyMembership(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotMember)
}
