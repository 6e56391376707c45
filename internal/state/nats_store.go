package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"

	"decomwatch/internal/config"
	"decomwatch/internal/domain"
)

const (
	stateKeyPrefix   = "st."
	failureKeyPrefix = "dlf."
)

// NATSStore persists alert state in one JetStream KV bucket.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed state store for multi-instance deployments.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens (or creates) the state bucket and returns the backend.
// Params: derived NATS state settings.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open state bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: settings.Bucket})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create state bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

// GetState reads one state record and its KV revision.
// Params: entity id key.
// Returns: state payload, revision, or ErrNotFound.
func (s *NATSStore) GetState(_ context.Context, entityID string) (domain.AlertState, uint64, error) {
	entry, err := s.kv.Get(stateKeyPrefix + entityID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.AlertState{}, 0, ErrNotFound
		}
		return domain.AlertState{}, 0, fmt.Errorf("get state: %w", err)
	}

	var st domain.AlertState
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return domain.AlertState{}, 0, fmt.Errorf("decode state: %w", err)
	}
	return st, entry.Revision(), nil
}

// PutState writes one state record unconditionally.
// Params: entity id key and state payload.
// Returns: new KV revision.
func (s *NATSStore) PutState(_ context.Context, entityID string, st domain.AlertState) (uint64, error) {
	body, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("encode state: %w", err)
	}
	rev, err := s.kv.Put(stateKeyPrefix+entityID, body)
	if err != nil {
		return 0, fmt.Errorf("put state: %w", err)
	}
	return rev, nil
}

// UpdateState replaces one record using expected revision CAS.
// Params: entity id key, expected revision, and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) UpdateState(_ context.Context, entityID string, expectedRevision uint64, st domain.AlertState) (uint64, error) {
	body, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("encode state: %w", err)
	}
	rev, err := s.kv.Update(stateKeyPrefix+entityID, body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update state: %w", err)
	}
	return rev, nil
}

// DeleteState deletes one record.
// Params: entity id key.
// Returns: delete error.
func (s *NATSStore) DeleteState(_ context.Context, entityID string) error {
	if err := s.kv.Delete(stateKeyPrefix + entityID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// ListStates returns every persisted state record.
// Params: none.
// Returns: decoded records from the state key namespace.
func (s *NATSStore) ListStates(_ context.Context) ([]domain.AlertState, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	out := make([]domain.AlertState, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, stateKeyPrefix) {
			continue
		}
		entry, err := s.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get state %q: %w", key, err)
		}
		var st domain.AlertState
		if err := json.Unmarshal(entry.Value(), &st); err != nil {
			return nil, fmt.Errorf("decode state %q: %w", key, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// RecordDeliveryFailure stores one failure record under its own key.
// Params: failure record.
// Returns: put error.
func (s *NATSStore) RecordDeliveryFailure(_ context.Context, failure DeliveryFailure) error {
	body, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("encode delivery failure: %w", err)
	}
	key := failureKeyPrefix + failure.EntityID + "." + strconv.FormatInt(failure.OccurredAt.UnixMilli(), 10)
	if _, err := s.kv.Put(key, body); err != nil {
		return fmt.Errorf("put delivery failure: %w", err)
	}
	return nil
}

// ListDeliveryFailures returns recorded delivery failures.
// Params: none.
// Returns: decoded records from the failure key namespace.
func (s *NATSStore) ListDeliveryFailures(_ context.Context) ([]DeliveryFailure, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	out := make([]DeliveryFailure, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, failureKeyPrefix) {
			continue
		}
		entry, err := s.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get failure %q: %w", key, err)
		}
		var failure DeliveryFailure
		if err := json.Unmarshal(entry.Value(), &failure); err != nil {
			return nil, fmt.Errorf("decode failure %q: %w", key, err)
		}
		out = append(out, failure)
	}
	return out, nil
}

// Close closes the underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
