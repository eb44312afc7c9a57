package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/prepwell/entitlement-api/internal/pkg/corporate"
)

// Manager owns the background timers: the periodic sync pass and the corporate
// expiry sweep. Both job bodies are idempotent and safe to re-run after a
// crash, so the manager only has to fire them, not track them.
type Manager struct {
	orchestrator *Orchestrator
	corporate    *corporate.Service

	syncInterval  time.Duration
	sweepInterval time.Duration

	syncTicker  *time.Ticker
	sweepTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewManager wires the background job manager.
func NewManager(orchestrator *Orchestrator, corporateSvc *corporate.Service, syncInterval, sweepInterval time.Duration) *Manager {
	if syncInterval <= 0 {
		syncInterval = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = 24 * time.Hour
	}
	return &Manager{
		orchestrator:  orchestrator,
		corporate:     corporateSvc,
		syncInterval:  syncInterval,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background workers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Sync Manager] Starting background reconciliation")

	m.syncTicker = time.NewTicker(m.syncInterval)
	m.wg.Add(1)
	go m.syncWorker()

	m.sweepTicker = time.NewTicker(m.sweepInterval)
	m.wg.Add(1)
	go m.sweepWorker()
}

// Stop halts the background workers and waits for in-flight runs to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	log.Info("[Sync Manager] Stopping background reconciliation...")

	if m.syncTicker != nil {
		m.syncTicker.Stop()
	}
	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	close(m.stopCh)
	m.wg.Wait()
	m.running = false
	log.Info("[Sync Manager] Stopped")
}

func (m *Manager) syncWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.syncTicker.C:
			m.RunSyncPassNow()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.sweepTicker.C:
			m.RunExpirySweepNow()
		case <-m.stopCh:
			return
		}
	}
}

// RunSyncPassNow executes one sync pass immediately.
func (m *Manager) RunSyncPassNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	synced, failed, err := m.orchestrator.RunSyncPass(ctx, time.Now())
	if err != nil {
		log.Errorf("[Sync Manager] sync pass failed: %v", err)
		return
	}
	if synced > 0 || failed > 0 {
		log.Infof("[Sync Manager] sync pass done: synced=%d failed=%d", synced, failed)
	}
}

// RunExpirySweepNow executes one expiry sweep immediately.
func (m *Manager) RunExpirySweepNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	expired, released, err := m.corporate.RunExpirySweep(ctx, time.Now())
	if err != nil {
		log.Errorf("[Sync Manager] expiry sweep failed: %v", err)
		return
	}
	if expired > 0 || released > 0 {
		log.Infof("[Sync Manager] expiry sweep done: contracts=%d seats=%d", expired, released)
	}
}
