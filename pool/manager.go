package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/internal/shared/types"
	"liuproxy_pool/pool/model"
	"liuproxy_pool/pool/source"
	"liuproxy_pool/pool/storage"
	"liuproxy_pool/pool/store"
	"liuproxy_pool/pool/validator"
)

// Lifecycle states of the maintenance daemon.
const (
	lifecycleStopped int32 = iota
	lifecycleStarting
	lifecycleRunning
	lifecycleStopping
)

var lifecycleNames = map[int32]string{
	lifecycleStopped:  "stopped",
	lifecycleStarting: "starting",
	lifecycleRunning:  "running",
	lifecycleStopping: "stopping",
}

// Status is the non-blocking daemon status view.
type Status struct {
	State           string    `json:"state"`
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	PoolSize        int       `json:"pool_size"`
	Working         int       `json:"working"`
	Degraded        int       `json:"degraded"`
	Dead            int       `json:"dead"`
	Candidates      int       `json:"candidates"`
	LastDiscoveryAt time.Time `json:"last_discovery_at"`
	LastRecheckAt   time.Time `json:"last_recheck_at"`
}

// Manager owns the pool lifecycle: the periodic discovery and re-check
// cycles, persistence flushes, and graceful start/stop. It is the single
// context object everything hangs off; there is no ambient global state.
type Manager struct {
	cfg       *types.Config
	store     *store.Store
	fetcher   *source.Fetcher
	validator *validator.Validator
	storage   storage.Storage
	marker    *storage.LivenessMarker

	lifecycle atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	discoveryTicker *time.Ticker
	recheckTicker   *time.Ticker

	// one cycle of each kind at a time; a tick during a running cycle is
	// skipped, not queued
	discoveryRunning atomic.Bool
	recheckRunning   atomic.Bool

	// mu guards the cycle timestamps and serializes the Running check in
	// ImportAddresses against the transition to Stopping, so an import can
	// never register background work after Stop has begun waiting for it.
	mu              sync.Mutex
	lastDiscoveryAt time.Time
	lastRecheckAt   time.Time

	schedulerWG sync.WaitGroup
	cycleWG     sync.WaitGroup
	stopOnce    sync.Once
}

// New wires a manager from its collaborators.
func New(cfg *types.Config, st *store.Store, fetcher *source.Fetcher, v *validator.Validator, stg storage.Storage, marker *storage.LivenessMarker) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     st,
		fetcher:   fetcher,
		validator: v,
		storage:   stg,
		marker:    marker,
	}
}

// Start brings the daemon to Running: claims the liveness marker, warm-starts
// the pool from storage, launches the scheduler loop and kicks an immediate
// discovery cycle. Only valid from Stopped.
func (m *Manager) Start() error {
	if !m.lifecycle.CompareAndSwap(lifecycleStopped, lifecycleStarting) {
		return fmt.Errorf("manager is not stopped (state: %s)", lifecycleNames[m.lifecycle.Load()])
	}

	l := logger.WithComponent("Pool/Manager")
	l.Info().Msg("Manager starting...")

	stale, err := m.marker.Acquire()
	if err != nil {
		m.lifecycle.Store(lifecycleStopped)
		return err
	}
	if stale {
		l.Info().Msg("Recovered from a previous unclean shutdown.")
	}

	// Warm start: prior health history beats an empty pool.
	records, err := m.storage.Load()
	if err != nil {
		l.Error().Err(err).Msg("Failed to load pool from storage. Starting with an empty pool.")
	} else if len(records) > 0 {
		restored := m.store.Restore(records)
		l.Info().Int("restored", restored).Msg("Pool restored from storage.")
	}

	discoveryInterval := time.Duration(m.cfg.PoolConf.DiscoveryIntervalMinutes) * time.Minute
	recheckInterval := time.Duration(m.cfg.PoolConf.RecheckIntervalSeconds) * time.Second
	m.discoveryTicker = time.NewTicker(discoveryInterval)
	m.recheckTicker = time.NewTicker(recheckInterval)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	l.Info().
		Dur("discovery_interval", discoveryInterval).
		Dur("recheck_interval", recheckInterval).
		Str("run_id", m.marker.RunID).
		Msg("Schedulers initialized.")

	m.schedulerWG.Add(1)
	go m.schedulerLoop()

	m.spawnCycle(&m.discoveryRunning, m.runDiscoveryCycle)

	m.lifecycle.Store(lifecycleRunning)
	return nil
}

// schedulerLoop is the single serialized control loop; cycles themselves run
// in goroutines so a long validation batch never delays the next tick check.
func (m *Manager) schedulerLoop() {
	defer m.schedulerWG.Done()
	l := logger.WithComponent("Pool/Manager")

	for {
		select {
		case <-m.discoveryTicker.C:
			l.Info().Msg("Discovery ticker triggered.")
			m.spawnCycle(&m.discoveryRunning, m.runDiscoveryCycle)

		case <-m.recheckTicker.C:
			l.Debug().Msg("Re-check ticker triggered.")
			m.spawnCycle(&m.recheckRunning, m.runRecheckCycle)

		case <-m.ctx.Done():
			l.Info().Msg("Stop signal received. Shutting down schedulers.")
			m.discoveryTicker.Stop()
			m.recheckTicker.Stop()
			return
		}
	}
}

// spawnCycle runs fn in a tracked goroutine unless a cycle of the same kind
// is still in flight.
func (m *Manager) spawnCycle(running *atomic.Bool, fn func()) {
	if m.lifecycle.Load() == lifecycleStopping {
		return
	}
	if !running.CompareAndSwap(false, true) {
		l := logger.WithComponent("Pool/Manager")
		l.Debug().Msg("Previous cycle still running, skipping tick.")
		return
	}
	m.cycleWG.Add(1)
	go func() {
		defer m.cycleWG.Done()
		defer running.Store(false)
		fn()
	}()
}

// runDiscoveryCycle fetches all sources, ingests the deduplicated candidates
// and probes everything that has never passed a probe.
func (m *Manager) runDiscoveryCycle() {
	l := logger.WithComponent("Pool/Manager")
	l.Info().Msg("Starting discovery cycle...")

	candidates := m.fetcher.FetchAll(m.ctx)

	newCount := 0
	for _, c := range candidates {
		if m.store.UpsertCandidate(*c) {
			newCount++
		}
	}
	l.Info().Int("fetched", len(candidates)).Int("new", newCount).Msg("Ingestion finished.")

	targets := m.store.NeverProbed()
	if len(targets) > 0 {
		m.applyVerdicts(m.validator.Validate(m.ctx, targets))
	}

	m.mu.Lock()
	m.lastDiscoveryAt = time.Now().UTC()
	m.mu.Unlock()

	m.flush()
	l.Info().Msg("Discovery cycle finished.")
}

// runRecheckCycle re-probes the oldest-checked batch of known records so
// decay and revival both happen continuously, then prunes aged-out Dead
// records.
func (m *Manager) runRecheckCycle() {
	l := logger.WithComponent("Pool/Manager")
	l.Debug().Msg("Executing re-check cycle...")

	targets := m.store.DueForRecheck(m.cfg.PoolConf.RecheckBatchSize)
	if len(targets) == 0 {
		l.Debug().Msg("No records due for re-check.")
		return
	}

	l.Info().Int("batch_size", len(targets)).Msg("Starting re-check batch.")
	m.applyVerdicts(m.validator.Validate(m.ctx, targets))

	pruneAge := time.Duration(m.cfg.PoolConf.PruneAfterHours) * time.Hour
	if removed := m.store.Prune(pruneAge); removed > 0 {
		l.Info().Int("removed", removed).Msg("Pruned aged-out dead records.")
	}

	m.mu.Lock()
	m.lastRecheckAt = time.Now().UTC()
	m.mu.Unlock()

	m.flush()
}

// applyVerdicts drains a verdict stream into the store as results arrive, so
// long-tail slow probes never stall health updates for fast ones.
func (m *Manager) applyVerdicts(verdicts <-chan model.Verdict) {
	l := logger.WithComponent("Pool/Manager")
	applied, transitions := 0, 0
	for v := range verdicts {
		from, to, ok := m.store.ApplyVerdict(v)
		if !ok {
			continue
		}
		applied++
		if from != to {
			transitions++
			l.Debug().
				Str("address", v.Address.String()).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("State transition.")
		}
	}
	l.Info().Int("applied", applied).Int("transitions", transitions).Msg("Verdicts applied.")
}

// flush persists the snapshot and derived artifacts. Persistence failures
// are logged and retried on the next cycle; the in-memory pool stays
// authoritative.
func (m *Manager) flush() {
	l := logger.WithComponent("Pool/Manager")
	snap := m.store.Snapshot()

	if err := m.storage.Save(snap); err != nil {
		l.Error().Err(err).Msg("Failed to save pool snapshot, will retry next cycle.")
	}
	if err := m.storage.ExportWorking(snap); err != nil {
		l.Error().Err(err).Msg("Failed to export working list, will retry next cycle.")
	}
	if err := m.storage.WriteStatus(m.Status()); err != nil {
		l.Error().Err(err).Msg("Failed to write daemon status, will retry next cycle.")
	}
}

// Stop shuts the daemon down: no new cycles, in-flight probes die at their
// own timeout, one final flush, then the liveness marker is released.
// Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		l := logger.WithComponent("Pool/Manager")
		m.mu.Lock()
		m.lifecycle.Store(lifecycleStopping)
		m.mu.Unlock()

		if m.cancel != nil {
			m.cancel()
		}
		m.schedulerWG.Wait()
		m.cycleWG.Wait()

		m.flush()
		if err := m.marker.Release(); err != nil {
			l.Error().Err(err).Msg("Failed to release liveness marker.")
		}

		m.lifecycle.Store(lifecycleStopped)
		l.Info().Msg("Manager gracefully stopped.")
	})
}

// Status returns the current daemon status without blocking on any cycle.
func (m *Manager) Status() Status {
	counts := m.store.CountByState()

	m.mu.Lock()
	lastDiscovery, lastRecheck := m.lastDiscoveryAt, m.lastRecheckAt
	m.mu.Unlock()

	return Status{
		State:           lifecycleNames[m.lifecycle.Load()],
		RunID:           m.marker.RunID,
		StartedAt:       m.marker.StartedAt,
		PoolSize:        m.store.Len(),
		Working:         counts[model.StateWorking],
		Degraded:        counts[model.StateDegraded],
		Dead:            counts[model.StateDead],
		Candidates:      counts[model.StateCandidate],
		LastDiscoveryAt: lastDiscovery,
		LastRecheckAt:   lastRecheck,
	}
}

// SelectWorking picks one live proxy for an external tool run.
func (m *Manager) SelectWorking(policy store.Policy, n int) (model.ProxyAddress, error) {
	return m.store.SelectWorking(policy, n)
}

// Snapshot exposes a consistent pool copy for reporting.
func (m *Manager) Snapshot() *model.PoolSnapshot {
	return m.store.Snapshot()
}

// ImportAddresses injects a manual proxy list into the pool and probes the
// new entries in the background. Returns the number of addresses accepted.
func (m *Manager) ImportAddresses(lines []string, protocol string) int {
	l := logger.WithComponent("Pool/Manager")

	var targets []model.ProbeTarget
	accepted := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		addr, err := model.ParseAddress(line)
		if err != nil {
			l.Warn().Str("proxy", line).Msg("Invalid proxy format, skipping.")
			continue
		}
		accepted++
		if m.store.UpsertCandidate(model.Candidate{
			Address:  addr,
			Sources:  []string{"manual-import"},
			Protocol: protocol,
		}) {
			targets = append(targets, model.ProbeTarget{Address: addr, Protocol: protocol})
		}
	}

	if len(targets) == 0 {
		l.Info().Msg("No new proxies were added from the import list.")
		return accepted
	}

	m.mu.Lock()
	if m.lifecycle.Load() != lifecycleRunning {
		m.mu.Unlock()
		// Imported outside Running: the records sit as Candidates until the
		// next discovery cycle probes them.
		return accepted
	}
	m.cycleWG.Add(1)
	m.mu.Unlock()

	l.Info().Int("count", len(targets)).Msg("New proxies added to the pool. Triggering background validation.")
	go func() {
		defer m.cycleWG.Done()
		m.applyVerdicts(m.validator.Validate(m.ctx, targets))
		m.flush()
	}()
	return accepted
}
