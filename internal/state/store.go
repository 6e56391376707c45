package state

import (
	"context"
	"errors"
	"time"

	"decomwatch/internal/domain"
)

var (
	// ErrNotFound indicates absent state record.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
)

// DeliveryFailure records one exhausted notification delivery.
// Params: entity, channel, transition edge, terminal error, and timestamp.
// Returns: observability record; never affects alert correctness.
type DeliveryFailure struct {
	EntityID   string    `json:"entity_id"`
	Channel    string    `json:"channel"`
	From       string    `json:"from_status"`
	To         string    `json:"to_status"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Store provides alert state persistence operations.
// Params: CRUD with revision CAS plus delivery-failure records.
// Returns: backend persistence behavior.
type Store interface {
	GetState(ctx context.Context, entityID string) (domain.AlertState, uint64, error)
	PutState(ctx context.Context, entityID string, st domain.AlertState) (uint64, error)
	UpdateState(ctx context.Context, entityID string, expectedRevision uint64, st domain.AlertState) (uint64, error)
	DeleteState(ctx context.Context, entityID string) error
	ListStates(ctx context.Context) ([]domain.AlertState, error)
	RecordDeliveryFailure(ctx context.Context, failure DeliveryFailure) error
	ListDeliveryFailures(ctx context.Context) ([]DeliveryFailure, error)
	Close() error
}
