package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"decomwatch/internal/config"
	"decomwatch/internal/domain"
)

// thresholdTier is one derivation band of trigger windows.
// Params: warning/critical trigger bounds in seconds.
// Returns: base windows before recovery derivation.
type thresholdTier struct {
	warningSec  int64
	criticalSec int64
}

// Trigger windows per tier. Tier 2 is the hours-to-a-day scale for the most
// sensitive combinations, tier 0 the weeks scale for the least sensitive.
var tiers = [3]thresholdTier{
	{warningSec: 1814400, criticalSec: 2592000},
	{warningSec: 172800, criticalSec: 259200},
	{warningSec: 43200, criticalSec: 86400},
}

// Registry owns the monitored entity set and its derived policies.
// Params: immutable snapshot swapped wholesale on reload.
// Returns: read-mostly entity and policy lookups.
type Registry struct {
	mu       sync.RWMutex
	snapshot *snapshot
}

type snapshot struct {
	entities []domain.Entity
	byID     map[string]domain.Entity
	policies map[string]domain.ThresholdPolicy
}

// Build constructs a registry snapshot from configuration.
// Params: normalized config snapshot.
// Returns: registry or a configuration error (fail fast, never at evaluation time).
func Build(cfg config.Config) (*Registry, error) {
	next, err := buildSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	return &Registry{snapshot: next}, nil
}

// Swap atomically replaces the entity set with a new config snapshot.
// Params: normalized next config.
// Returns: error leaves the previous registry fully in force.
func (r *Registry) Swap(cfg config.Config) error {
	next, err := buildSnapshot(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = next
	r.mu.Unlock()
	return nil
}

// buildSnapshot validates entities and derives the policy for each one.
// Params: normalized config.
// Returns: immutable snapshot or the first derivation error.
func buildSnapshot(cfg config.Config) (*snapshot, error) {
	entities := make([]domain.Entity, 0, len(cfg.Entity))
	byID := make(map[string]domain.Entity, len(cfg.Entity))
	policies := make(map[string]domain.ThresholdPolicy, len(cfg.Entity))

	for _, entry := range cfg.Entity {
		criticality, err := domain.ParseCriticality(entry.Criticality)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", entry.ID, err)
		}
		scenario, err := domain.ParseScenario(entry.Scenario)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", entry.ID, err)
		}
		entity := domain.Entity{
			ID:          strings.TrimSpace(entry.ID),
			OwnerEmail:  strings.TrimSpace(entry.OwnerEmail),
			Criticality: criticality,
			Scenario:    scenario,
		}
		if err := entity.Validate(); err != nil {
			return nil, err
		}
		if _, exists := byID[entity.ID]; exists {
			return nil, fmt.Errorf("entity %s is declared twice", entity.ID)
		}

		policy, err := Resolve(criticality, scenario, cfg.Policy)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", entity.ID, err)
		}

		entities = append(entities, entity)
		byID[entity.ID] = entity
		policies[entity.ID] = policy
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	return &snapshot{entities: entities, byID: byID, policies: policies}, nil
}

// Resolve derives the threshold policy for one classification pair.
// Params: criticality, scenario, and tunable policy parameters.
// Returns: derived policy, total over the declared enum matrix.
func Resolve(criticality domain.Criticality, scenario domain.Scenario, params config.PolicyConfig) (domain.ThresholdPolicy, error) {
	criticalityTier, err := tierOfCriticality(criticality)
	if err != nil {
		return domain.ThresholdPolicy{}, err
	}
	scenarioTier, err := tierOfScenario(scenario)
	if err != nil {
		return domain.ThresholdPolicy{}, err
	}

	// The more sensitive classification wins: a CRITICAL database keeps short
	// windows even when it is only referenced from configuration.
	tier := criticalityTier
	if scenarioTier > tier {
		tier = scenarioTier
	}
	base := tiers[tier]

	policy := domain.ThresholdPolicy{
		WarningSec:           base.warningSec,
		CriticalSec:          base.criticalSec,
		WarningRecoverySec:   int64(float64(base.warningSec) * params.WarningRecoveryFraction),
		CriticalRecoverySec:  int64(float64(base.criticalSec) * params.CriticalRecoveryFraction),
		NoDataWindowSec:      params.NoDataWindowSec,
		RequiresManualReview: criticality == domain.CriticalityCritical || scenario == domain.ScenarioLogicHeavy,
	}
	if err := policy.Validate(); err != nil {
		return domain.ThresholdPolicy{}, err
	}
	return policy, nil
}

// tierOfCriticality maps criticality to its derivation tier.
// Params: validated criticality.
// Returns: tier index 0..2.
func tierOfCriticality(criticality domain.Criticality) (int, error) {
	switch criticality {
	case domain.CriticalityLow:
		return 0, nil
	case domain.CriticalityMedium:
		return 1, nil
	case domain.CriticalityCritical:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported criticality %q", criticality)
	}
}

// tierOfScenario maps scenario to its derivation tier.
// Params: validated scenario.
// Returns: tier index 0..2.
func tierOfScenario(scenario domain.Scenario) (int, error) {
	switch scenario {
	case domain.ScenarioConfigOnly:
		return 0, nil
	case domain.ScenarioMixed:
		return 1, nil
	case domain.ScenarioLogicHeavy:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported scenario %q", scenario)
	}
}

// Entities returns the current entity set snapshot.
// Params: none.
// Returns: entities sorted by id; callers must not mutate the slice.
func (r *Registry) Entities() []domain.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.entities
}

// Entity returns one entity by id.
// Params: entity id.
// Returns: entity and membership flag for the current snapshot.
func (r *Registry) Entity(id string) (domain.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entity, ok := r.snapshot.byID[id]
	return entity, ok
}

// Policy returns the derived policy for one entity id.
// Params: entity id.
// Returns: policy and membership flag for the current snapshot.
func (r *Registry) Policy(id string) (domain.ThresholdPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	policy, ok := r.snapshot.policies[id]
	return policy, ok
}

// IDs returns the current entity id set.
// Params: none.
// Returns: membership map for reload cleanup.
func (r *Registry) IDs() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[string]struct{}, len(r.snapshot.entities))
	for _, entity := range r.snapshot.entities {
		ids[entity.ID] = struct{}{}
	}
	return ids
}
