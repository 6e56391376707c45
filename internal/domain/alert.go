package domain

import (
	"fmt"
	"time"
)

// Status is runtime alert severity for one entity.
// Params: OK/WARNING/CRITICAL state constants.
// Returns: state machine vertex used by evaluation and notifications.
type Status string

const (
	// StatusOK indicates recent activity within policy bounds.
	StatusOK Status = "OK"
	// StatusWarning indicates inactivity crossed the warning bound.
	StatusWarning Status = "WARNING"
	// StatusCritical indicates the entity is a decommissioning candidate.
	StatusCritical Status = "CRITICAL"
)

// LegalTransition reports whether from->to follows a defined machine edge.
// Params: source and destination statuses.
// Returns: true for OK<->WARNING<->CRITICAL edges and OK->CRITICAL promotion.
func LegalTransition(from, to Status) bool {
	if from == to {
		return false
	}
	// CRITICAL never recovers straight to OK in one step.
	if from == StatusCritical && to == StatusOK {
		return false
	}
	return true
}

// AlertState is the only runtime state persisted across evaluation cycles.
// Params: current status and lifecycle timestamps.
// Returns: mutable per-entity record owned by that entity's cycle.
type AlertState struct {
	EntityID      string     `json:"entity_id"`
	Status        Status     `json:"status"`
	Since         time.Time  `json:"since"`
	LastEvaluated time.Time  `json:"last_evaluated"`
	NoDataSince   *time.Time `json:"no_data_since,omitempty"`
	IdleSeconds   int64      `json:"idle_seconds"`
}

// Sample is one metric-source observation for an entity window.
// Params: last non-zero activity timestamp and sample count.
// Returns: evaluator input; NoData marks an empty window.
type Sample struct {
	LastActiveAt time.Time
	SampleCount  int64
	NoData       bool
}

// TransitionEvent is produced by one status change and consumed exactly once.
// Params: entity identity snapshot, the crossed edge, and the measured idle duration.
// Returns: dispatcher input carrying the automation policy at emission time.
type TransitionEvent struct {
	EntityID             string
	OwnerEmail           string
	Scenario             Scenario
	Criticality          Criticality
	From                 Status
	To                   Status
	IdleSeconds          int64
	ThresholdSec         int64
	OccurredAt           time.Time
	RequiresManualReview bool
}

// Key returns the idempotency key for this transition.
// Params: none.
// Returns: stable key per (entity, transition) pair.
func (e TransitionEvent) Key() string {
	return fmt.Sprintf("%s/%s->%s/%d", e.EntityID, e.From, e.To, e.OccurredAt.UnixMilli())
}

// WebhookPayload is the fixed outbound webhook schema.
// Params: entity identity, alert timing, and the automation flag.
// Returns: JSON body expected by the decommissioning workflow endpoint.
type WebhookPayload struct {
	DatabaseName         string `json:"database_name"`
	ScenarioType         string `json:"scenario_type"`
	Criticality          string `json:"criticality"`
	OwnerEmail           string `json:"owner_email"`
	AlertTimestamp       string `json:"alert_timestamp"`
	MetricValue          string `json:"metric_value"`
	RequiresManualReview bool   `json:"requires_manual_review"`
}

// NewWebhookPayload builds the webhook body from one transition event.
// Params: transition event.
// Returns: payload with the fixed field schema.
func NewWebhookPayload(event TransitionEvent) WebhookPayload {
	return WebhookPayload{
		DatabaseName:         event.EntityID,
		ScenarioType:         string(event.Scenario),
		Criticality:          string(event.Criticality),
		OwnerEmail:           event.OwnerEmail,
		AlertTimestamp:       event.OccurredAt.UTC().Format(time.RFC3339),
		MetricValue:          fmt.Sprintf("%d", event.IdleSeconds),
		RequiresManualReview: event.RequiresManualReview,
	}
}
