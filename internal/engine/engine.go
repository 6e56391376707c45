package engine

import (
	"sort"
	"sync"
	"time"

	"decomwatch/internal/domain"
)

// Result labels one Apply outcome for logs and metrics.
// Params: transition vs. duplicate-suppressed constants.
// Returns: distinguishable no-op marker required by the alerting contract.
type Result string

const (
	// ResultTransition marks a genuine status change with one emitted event.
	ResultTransition Result = "transition"
	// ResultDuplicateSuppressed marks a reconfirmed status with no event.
	ResultDuplicateSuppressed Result = "duplicate_suppressed"
)

// Outcome is one state machine application result.
// Params: result label and the event emitted on a genuine change.
// Returns: Event is nil if and only if the status did not change.
type Outcome struct {
	Result Result
	State  domain.AlertState
	Event  *domain.TransitionEvent
}

// Engine owns the arena of per-entity alert states.
// Params: state map keyed by entity id.
// Returns: the only component allowed to mutate alert state.
type Engine struct {
	mu     sync.RWMutex
	states map[string]*domain.AlertState
}

// New constructs an engine with an empty state arena.
// Params: none.
// Returns: initialized engine instance.
func New() *Engine {
	return &Engine{states: make(map[string]*domain.AlertState)}
}

// Seed restores persisted alert states into the arena.
// Params: state records loaded from the state store at startup.
// Returns: arena populated without emitting events.
func (e *Engine) Seed(states []domain.AlertState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range states {
		if st.EntityID == "" {
			continue
		}
		record := st
		if record.Status == "" {
			record.Status = domain.StatusOK
		}
		e.states[record.EntityID] = &record
	}
}

// Track ensures a state record exists and updates no-data bookkeeping.
// Params: entity id, no-data flag of the current sample, and current time.
// Returns: state copy used as classifier input.
func (e *Engine) Track(entityID string, noData bool, now time.Time) domain.AlertState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[entityID]
	if !ok {
		st = &domain.AlertState{
			EntityID: entityID,
			Status:   domain.StatusOK,
			Since:    now,
		}
		e.states[entityID] = st
	}

	if noData {
		if st.NoDataSince == nil {
			first := now
			st.NoDataSince = &first
		}
	} else {
		st.NoDataSince = nil
	}
	return *st
}

// Apply commits one proposed status for one entity.
// Params: entity, its policy, proposed status, measured idle seconds, and current time.
// Returns: outcome with one event iff the status changed; duplicates are suppressed.
func (e *Engine) Apply(entity domain.Entity, policy domain.ThresholdPolicy, proposed domain.Status, idleSeconds int64, now time.Time) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[entity.ID]
	if !ok {
		st = &domain.AlertState{
			EntityID: entity.ID,
			Status:   domain.StatusOK,
			Since:    now,
		}
		e.states[entity.ID] = st
	}

	st.LastEvaluated = now
	st.IdleSeconds = idleSeconds

	if proposed == st.Status {
		return Outcome{Result: ResultDuplicateSuppressed, State: *st}
	}

	from := st.Status
	st.Status = proposed
	st.Since = now

	event := &domain.TransitionEvent{
		EntityID:             entity.ID,
		OwnerEmail:           entity.OwnerEmail,
		Scenario:             entity.Scenario,
		Criticality:          entity.Criticality,
		From:                 from,
		To:                   proposed,
		IdleSeconds:          idleSeconds,
		ThresholdSec:         thresholdFor(proposed, policy),
		OccurredAt:           now,
		RequiresManualReview: policy.RequiresManualReview,
	}
	return Outcome{Result: ResultTransition, State: *st, Event: event}
}

// thresholdFor picks the bound that produced the destination status.
// Params: destination status and policy.
// Returns: trigger bound in seconds for message rendering.
func thresholdFor(to domain.Status, policy domain.ThresholdPolicy) int64 {
	switch to {
	case domain.StatusCritical:
		return policy.CriticalSec
	case domain.StatusWarning:
		return policy.WarningSec
	default:
		return policy.WarningRecoverySec
	}
}

// State returns one state copy by entity id.
// Params: entity id.
// Returns: state copy and existence flag.
func (e *Engine) State(entityID string) (domain.AlertState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[entityID]
	if !ok {
		return domain.AlertState{}, false
	}
	return *st, true
}

// Snapshot returns state copies for every tracked entity.
// Params: none.
// Returns: states sorted by entity id for the gauge exposition.
func (e *Engine) Snapshot() []domain.AlertState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.AlertState, 0, len(e.states))
	for _, st := range e.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// DiscardMissing drops states for entities no longer in the registry.
// Params: membership set of the active registry snapshot.
// Returns: removed entity ids.
func (e *Engine) DiscardMissing(active map[string]struct{}) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := make([]string, 0)
	for entityID := range e.states {
		if _, ok := active[entityID]; ok {
			continue
		}
		delete(e.states, entityID)
		removed = append(removed, entityID)
	}
	sort.Strings(removed)
	return removed
}
