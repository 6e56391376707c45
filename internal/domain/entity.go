package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Criticality classifies business impact of one monitored database.
// Params: LOW/MEDIUM/CRITICAL constants.
// Returns: threshold tier input for policy derivation.
type Criticality string

const (
	// CriticalityLow marks low-impact databases (longest inactivity windows).
	CriticalityLow Criticality = "LOW"
	// CriticalityMedium marks medium-impact databases.
	CriticalityMedium Criticality = "MEDIUM"
	// CriticalityCritical marks business-critical databases (shortest windows).
	CriticalityCritical Criticality = "CRITICAL"
)

// Scenario classifies how deep one database is wired into other systems.
// Params: CONFIG_ONLY/MIXED/LOGIC_HEAVY constants.
// Returns: automation-permission input for policy derivation.
type Scenario string

const (
	// ScenarioConfigOnly marks databases referenced only from configuration.
	ScenarioConfigOnly Scenario = "CONFIG_ONLY"
	// ScenarioMixed marks databases with some service-layer coupling.
	ScenarioMixed Scenario = "MIXED"
	// ScenarioLogicHeavy marks databases embedded in business logic; manual review is always required.
	ScenarioLogicHeavy Scenario = "LOGIC_HEAVY"
)

// ParseCriticality validates one criticality literal.
// Params: raw config value.
// Returns: normalized criticality or validation error.
func ParseCriticality(raw string) (Criticality, error) {
	switch Criticality(strings.ToUpper(strings.TrimSpace(raw))) {
	case CriticalityLow:
		return CriticalityLow, nil
	case CriticalityMedium:
		return CriticalityMedium, nil
	case CriticalityCritical:
		return CriticalityCritical, nil
	default:
		return "", fmt.Errorf("unsupported criticality %q", raw)
	}
}

// ParseScenario validates one scenario literal.
// Params: raw config value.
// Returns: normalized scenario or validation error.
func ParseScenario(raw string) (Scenario, error) {
	switch Scenario(strings.ToUpper(strings.TrimSpace(raw))) {
	case ScenarioConfigOnly:
		return ScenarioConfigOnly, nil
	case ScenarioMixed:
		return ScenarioMixed, nil
	case ScenarioLogicHeavy:
		return ScenarioLogicHeavy, nil
	default:
		return "", fmt.Errorf("unsupported scenario %q", raw)
	}
}

// Entity is one monitored database with its static classification.
// Params: unique id, owner contact, and classification pair.
// Returns: immutable registry record, replaced wholesale on reload.
type Entity struct {
	ID          string
	OwnerEmail  string
	Criticality Criticality
	Scenario    Scenario
}

// Validate checks entity fields against the configuration contract.
// Params: decoded entity fields.
// Returns: validation error when a required field is missing or malformed.
func (e Entity) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("entity id is required")
	}
	if strings.TrimSpace(e.OwnerEmail) == "" {
		return fmt.Errorf("entity %s: owner_email is required", e.ID)
	}
	if !strings.Contains(e.OwnerEmail, "@") {
		return fmt.Errorf("entity %s: owner_email %q is not an address", e.ID, e.OwnerEmail)
	}
	if _, err := ParseCriticality(string(e.Criticality)); err != nil {
		return fmt.Errorf("entity %s: %w", e.ID, err)
	}
	if _, err := ParseScenario(string(e.Scenario)); err != nil {
		return fmt.Errorf("entity %s: %w", e.ID, err)
	}
	return nil
}

// ThresholdPolicy is the derived inactivity policy for one entity.
// Params: trigger/recovery bounds in seconds and the automation flag.
// Returns: deterministic function of (criticality, scenario), never stored independently.
type ThresholdPolicy struct {
	WarningSec           int64
	CriticalSec          int64
	WarningRecoverySec   int64
	CriticalRecoverySec  int64
	NoDataWindowSec      int64
	RequiresManualReview bool
}

// Validate checks hysteresis invariants of one derived policy.
// Params: derived bounds.
// Returns: error when recovery bounds are not strictly below triggers.
func (p ThresholdPolicy) Validate() error {
	if p.WarningSec <= 0 || p.CriticalSec <= 0 {
		return errors.New("trigger thresholds must be >0")
	}
	if p.WarningSec >= p.CriticalSec {
		return fmt.Errorf("warning threshold %d must be below critical %d", p.WarningSec, p.CriticalSec)
	}
	if p.WarningRecoverySec >= p.WarningSec {
		return fmt.Errorf("warning recovery %d must be strictly below warning %d", p.WarningRecoverySec, p.WarningSec)
	}
	if p.CriticalRecoverySec >= p.CriticalSec {
		return fmt.Errorf("critical recovery %d must be strictly below critical %d", p.CriticalRecoverySec, p.CriticalSec)
	}
	if p.NoDataWindowSec <= 0 {
		return errors.New("no-data window must be >0")
	}
	return nil
}
