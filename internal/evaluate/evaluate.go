package evaluate

import (
	"time"

	"decomwatch/internal/domain"
)

// maxIdleSeconds stands in for unbounded idleness when the metric source has
// been silent beyond the no-data window. Large enough to clear any trigger.
const maxIdleSeconds int64 = 1 << 40

// Input is one evaluation cycle input for a single entity.
// Params: observed sample, process start for unknown-activity fallback, and the
// previous cycle's measurement for silent sources.
// Returns: classifier input assembled by the manager.
type Input struct {
	Sample          domain.Sample
	ProcessStart    time.Time
	PrevIdleSeconds int64
	PrevEvaluated   time.Time
}

// IdleSeconds reduces one sample to the idle duration scalar.
// Params: current time and evaluation input.
// Returns: seconds since last observed activity; unknown activity counts from process start.
func IdleSeconds(now time.Time, input Input) int64 {
	if input.Sample.NoData {
		// Silence carries the last measurement forward and keeps growing.
		// A silent cycle never produces a smaller idle than the one before it.
		if !input.PrevEvaluated.IsZero() {
			idle := input.PrevIdleSeconds + int64(now.Sub(input.PrevEvaluated).Seconds())
			if idle < input.PrevIdleSeconds {
				return input.PrevIdleSeconds
			}
			return idle
		}
		idle := int64(now.Sub(input.ProcessStart).Seconds())
		if idle < 0 {
			return 0
		}
		return idle
	}
	lastActive := input.Sample.LastActiveAt
	if lastActive.IsZero() {
		// Never fabricate "recently active": count from process start.
		lastActive = input.ProcessStart
	}
	idle := int64(now.Sub(lastActive).Seconds())
	if idle < 0 {
		return 0
	}
	return idle
}

// Classify proposes the next status for one entity without mutating state.
// Params: current status, measured idle seconds, no-data escalation flag, and policy.
// Returns: proposed status under the hysteresis rules.
func Classify(current domain.Status, idleSeconds int64, noDataExceeded bool, policy domain.ThresholdPolicy) domain.Status {
	if noDataExceeded {
		// Absence of signal is maximal idleness, never health.
		idleSeconds = maxIdleSeconds
	}

	switch current {
	case domain.StatusOK:
		// CRITICAL takes precedence: one cycle may jump OK straight to CRITICAL.
		if idleSeconds >= policy.CriticalSec {
			return domain.StatusCritical
		}
		if idleSeconds >= policy.WarningSec {
			return domain.StatusWarning
		}
		return domain.StatusOK
	case domain.StatusWarning:
		if idleSeconds >= policy.CriticalSec {
			return domain.StatusCritical
		}
		if idleSeconds <= policy.WarningRecoverySec {
			return domain.StatusOK
		}
		return domain.StatusWarning
	case domain.StatusCritical:
		// Recovery passes through WARNING; OK needs a confirming cycle.
		if idleSeconds <= policy.CriticalRecoverySec {
			return domain.StatusWarning
		}
		return domain.StatusCritical
	default:
		return current
	}
}

// NoDataExceeded reports whether the silent period crossed the no-data window.
// Params: current time, first silent observation, and policy.
// Returns: true when the source has been silent beyond the configured window.
func NoDataExceeded(now time.Time, noDataSince *time.Time, policy domain.ThresholdPolicy) bool {
	if noDataSince == nil {
		return false
	}
	return int64(now.Sub(*noDataSince).Seconds()) >= policy.NoDataWindowSec
}
