package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"decomwatch/internal/clock"
	"decomwatch/internal/config"
	"decomwatch/internal/domain"
	"decomwatch/internal/engine"
	"decomwatch/internal/evaluate"
	"decomwatch/internal/metricsrc"
	"decomwatch/internal/notify"
	"decomwatch/internal/registry"
	"decomwatch/internal/state"
)

// Manager runs evaluation cycles over the monitored entity fleet.
// Params: registry, state machine, source, store, and dispatcher wiring.
// Returns: cycle coordinator owned by the service layer.
type Manager struct {
	mu           sync.RWMutex
	cfg          config.Config
	logger       *slog.Logger
	registry     *registry.Registry
	engine       *engine.Engine
	store        state.Store
	dispatcher   *notify.Dispatcher
	source       metricsrc.Source
	clock        clock.Clock
	processStart time.Time

	inFlightMu sync.Mutex
	inFlight   map[string]chan struct{}

	revisionsMu sync.Mutex
	revisions   map[string]uint64
}

// NewManager builds the evaluation manager.
// Params: config snapshot, logger, registry, store, dispatcher, source, and clock.
// Returns: initialized manager with an empty state arena.
func NewManager(
	cfg config.Config,
	logger *slog.Logger,
	reg *registry.Registry,
	store state.Store,
	dispatcher *notify.Dispatcher,
	source metricsrc.Source,
	clk clock.Clock,
) *Manager {
	return &Manager{
		cfg:          cfg,
		logger:       logger,
		registry:     reg,
		engine:       engine.New(),
		store:        store,
		dispatcher:   dispatcher,
		source:       source,
		clock:        clk,
		processStart: clk.Now(),
		inFlight:     make(map[string]chan struct{}),
		revisions:    make(map[string]uint64),
	}
}

// Seed restores persisted alert states for entities still in the registry.
// Params: context for store reads.
// Returns: load error; stale records for removed entities are skipped.
func (m *Manager) Seed(ctx context.Context) error {
	records, err := m.store.ListStates(ctx)
	if err != nil {
		return fmt.Errorf("seed states: %w", err)
	}

	active := m.registry.IDs()
	kept := make([]domain.AlertState, 0, len(records))
	for _, record := range records {
		if _, ok := active[record.EntityID]; !ok {
			continue
		}
		kept = append(kept, record)
		if _, revision, getErr := m.store.GetState(ctx, record.EntityID); getErr == nil {
			m.setRevision(record.EntityID, revision)
		}
	}
	m.engine.Seed(kept)
	if m.logger != nil {
		m.logger.Info("alert states restored", "restored", len(kept), "skipped", len(records)-len(kept))
	}
	return nil
}

// Tick runs one evaluation cycle over the whole fleet with a worker pool.
// Params: context for the cycle.
// Returns: first per-entity error; remaining entities still evaluate.
func (m *Manager) Tick(ctx context.Context) error {
	m.mu.RLock()
	workers := m.cfg.Service.Workers
	m.mu.RUnlock()
	if workers <= 0 {
		workers = 1
	}

	entities := m.registry.Entities()
	jobs := make(chan domain.Entity)
	errs := make(chan error, len(entities))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entity := range jobs {
				if err := m.evaluateEntity(ctx, entity); err != nil && !errors.Is(err, context.Canceled) {
					errs <- fmt.Errorf("entity %s: %w", entity.ID, err)
				}
			}
		}()
	}

feed:
	for _, entity := range entities {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- entity:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if m.logger != nil {
			m.logger.Error("evaluation failed", "error", err.Error())
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// evaluateEntity runs the fetch-classify-apply-dispatch cycle for one entity.
// Params: context and entity snapshot.
// Returns: evaluation error; a cycle still running for the entity is skipped.
func (m *Manager) evaluateEntity(ctx context.Context, entity domain.Entity) error {
	if !m.acquire(entity.ID) {
		if m.logger != nil {
			m.logger.Warn("evaluation still in flight, skipping", "entity", entity.ID)
		}
		return nil
	}
	defer m.release(entity.ID)

	policy, ok := m.registry.Policy(entity.ID)
	if !ok {
		return nil
	}

	m.mu.RLock()
	window := time.Duration(m.cfg.Source.WindowSec) * time.Second
	source := m.source
	m.mu.RUnlock()

	sample, err := source.FetchActivity(ctx, entity.ID, window)
	if err != nil && !errors.Is(err, metricsrc.ErrNoData) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// A failed scrape is an absent signal, not health.
		sample = domain.Sample{NoData: true}
		if m.logger != nil {
			m.logger.Warn("activity fetch failed", "entity", entity.ID, "error", err.Error())
		}
	}

	now := m.clock.Now()
	current := m.engine.Track(entity.ID, sample.NoData, now)

	idle := evaluate.IdleSeconds(now, evaluate.Input{
		Sample:          sample,
		ProcessStart:    m.processStart,
		PrevIdleSeconds: current.IdleSeconds,
		PrevEvaluated:   current.LastEvaluated,
	})
	exceeded := evaluate.NoDataExceeded(now, current.NoDataSince, policy)
	proposed := evaluate.Classify(current.Status, idle, exceeded, policy)

	outcome := m.engine.Apply(entity, policy, proposed, idle, now)

	if _, ok := m.registry.Entity(entity.ID); !ok {
		// The fleet changed under this cycle; the result is discarded.
		m.engine.DiscardMissing(m.registry.IDs())
		m.dropRevision(entity.ID)
		return nil
	}

	if err := m.persistState(ctx, outcome.State); err != nil {
		return err
	}

	if outcome.Event == nil {
		if outcome.Result == engine.ResultDuplicateSuppressed && outcome.State.Status != domain.StatusOK && m.logger != nil {
			m.logger.Debug("duplicate suppressed",
				"entity", entity.ID,
				"status", string(outcome.State.Status),
				"idle_seconds", idle,
			)
		}
		return nil
	}

	event := *outcome.Event
	message, msgErr := notify.FormatAlertMessage(event)
	if msgErr != nil {
		message = ""
	}
	if m.logger != nil {
		m.logger.Info("status transition",
			"entity", event.EntityID,
			"from", string(event.From),
			"to", string(event.To),
			"scenario", string(event.Scenario),
			"criticality", string(event.Criticality),
			"owner", event.OwnerEmail,
			"idle_seconds", event.IdleSeconds,
			"threshold_sec", event.ThresholdSec,
			"manual_review", event.RequiresManualReview,
			"message", message,
		)
	}
	return m.dispatch(ctx, event)
}

// dispatch delivers one event and records channel failures in the store.
// Params: context and transition event.
// Returns: nil; delivery failures are recorded, never retried across cycles.
func (m *Manager) dispatch(ctx context.Context, event domain.TransitionEvent) error {
	dispatcher := m.dispatcherSnapshot()
	if dispatcher == nil {
		return nil
	}

	failures := dispatcher.Dispatch(ctx, event)
	for _, failure := range failures {
		if m.logger != nil {
			m.logger.Error("notify delivery failed",
				"entity", event.EntityID,
				"channel", failure.Channel,
				"error", failure.Err.Error(),
			)
		}
		record := state.DeliveryFailure{
			EntityID:   event.EntityID,
			Channel:    failure.Channel,
			From:       string(event.From),
			To:         string(event.To),
			Error:      failure.Err.Error(),
			OccurredAt: m.clock.Now(),
		}
		if err := m.store.RecordDeliveryFailure(ctx, record); err != nil && m.logger != nil {
			m.logger.Error("delivery failure record failed", "entity", event.EntityID, "error", err.Error())
		}
	}
	return nil
}

// persistState writes one state record through the store CAS protocol.
// Params: context and state snapshot after Apply.
// Returns: store error after one conflict retry.
func (m *Manager) persistState(ctx context.Context, st domain.AlertState) error {
	revision := m.getRevision(st.EntityID)
	if revision == 0 {
		newRevision, err := m.store.PutState(ctx, st.EntityID, st)
		if err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
		m.setRevision(st.EntityID, newRevision)
		return nil
	}

	newRevision, err := m.store.UpdateState(ctx, st.EntityID, revision, st)
	if errors.Is(err, state.ErrConflict) || errors.Is(err, state.ErrNotFound) {
		// Another instance moved the record; refresh and retry once.
		_, freshRevision, getErr := m.store.GetState(ctx, st.EntityID)
		if getErr != nil && !errors.Is(getErr, state.ErrNotFound) {
			return fmt.Errorf("persist state refresh: %w", getErr)
		}
		if errors.Is(getErr, state.ErrNotFound) {
			newRevision, err = m.store.PutState(ctx, st.EntityID, st)
		} else {
			newRevision, err = m.store.UpdateState(ctx, st.EntityID, freshRevision, st)
		}
	}
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	m.setRevision(st.EntityID, newRevision)
	return nil
}

// ApplyConfig swaps the registry and drops states for removed entities.
// Params: context and next config snapshot.
// Returns: swap error leaves the previous snapshot fully in force.
func (m *Manager) ApplyConfig(ctx context.Context, cfg config.Config) error {
	if err := m.registry.Swap(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.source = metricsrc.New(cfg.Source)
	m.mu.Unlock()

	// Cycles still running for removed entities finish first; their results
	// are discarded, never resurrected into the arena or the store.
	active := m.registry.IDs()
	for _, entityID := range m.inFlightIDs() {
		if _, ok := active[entityID]; !ok {
			m.waitIdle(entityID)
		}
	}

	removed := m.engine.DiscardMissing(active)
	for _, entityID := range removed {
		if err := m.store.DeleteState(ctx, entityID); err != nil && m.logger != nil {
			m.logger.Error("state cleanup failed", "entity", entityID, "error", err.Error())
		}
		m.dropRevision(entityID)
		if m.logger != nil {
			m.logger.Info("entity removed from fleet", "entity", entityID)
		}
	}
	return nil
}

// SetDispatcher swaps the active dispatcher after a config reload.
// Params: next dispatcher.
// Returns: dispatcher replaced atomically.
func (m *Manager) SetDispatcher(dispatcher *notify.Dispatcher) {
	m.mu.Lock()
	m.dispatcher = dispatcher
	m.mu.Unlock()
}

// dispatcherSnapshot returns the active dispatcher.
// Params: none.
// Returns: dispatcher pointer under read lock.
func (m *Manager) dispatcherSnapshot() *notify.Dispatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dispatcher
}

// StatesSnapshot returns the current per-entity alert states.
// Params: none.
// Returns: states sorted by entity id for the gauge exposition.
func (m *Manager) StatesSnapshot() []domain.AlertState {
	return m.engine.Snapshot()
}

// acquire marks one entity cycle as in flight.
// Params: entity id.
// Returns: false when a previous cycle for the entity has not finished.
func (m *Manager) acquire(entityID string) bool {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	if _, busy := m.inFlight[entityID]; busy {
		return false
	}
	m.inFlight[entityID] = make(chan struct{})
	return true
}

// release clears the in-flight marker for one entity.
// Params: entity id.
// Returns: waiters unblocked.
func (m *Manager) release(entityID string) {
	m.inFlightMu.Lock()
	done := m.inFlight[entityID]
	delete(m.inFlight, entityID)
	m.inFlightMu.Unlock()
	if done != nil {
		close(done)
	}
}

// waitIdle blocks until no cycle for the entity is in flight.
// Params: entity id.
// Returns: after any running cycle released its marker.
func (m *Manager) waitIdle(entityID string) {
	m.inFlightMu.Lock()
	done := m.inFlight[entityID]
	m.inFlightMu.Unlock()
	if done != nil {
		<-done
	}
}

// inFlightIDs returns the entities with a cycle currently in flight.
// Params: none.
// Returns: id snapshot under the in-flight lock.
func (m *Manager) inFlightIDs() []string {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	ids := make([]string, 0, len(m.inFlight))
	for entityID := range m.inFlight {
		ids = append(ids, entityID)
	}
	return ids
}

func (m *Manager) getRevision(entityID string) uint64 {
	m.revisionsMu.Lock()
	defer m.revisionsMu.Unlock()
	return m.revisions[entityID]
}

func (m *Manager) setRevision(entityID string, revision uint64) {
	m.revisionsMu.Lock()
	m.revisions[entityID] = revision
	m.revisionsMu.Unlock()
}

func (m *Manager) dropRevision(entityID string) {
	m.revisionsMu.Lock()
	delete(m.revisions, entityID)
	m.revisionsMu.Unlock()
}
