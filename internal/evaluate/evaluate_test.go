package evaluate

import (
	"testing"
	"time"

	"decomwatch/internal/domain"
)

func mediumPolicy() domain.ThresholdPolicy {
	return domain.ThresholdPolicy{
		WarningSec:          172800,
		CriticalSec:         259200,
		WarningRecoverySec:  138240,
		CriticalRecoverySec: 207360,
		NoDataWindowSec:     86400,
	}
}

func TestClassifyEscalatesThroughWarningToCritical(t *testing.T) {
	t.Parallel()

	policy := mediumPolicy()

	if got := Classify(domain.StatusOK, 172799, false, policy); got != domain.StatusOK {
		t.Fatalf("expected OK below warning bound, got %s", got)
	}
	if got := Classify(domain.StatusOK, 172800, false, policy); got != domain.StatusWarning {
		t.Fatalf("expected WARNING at warning bound, got %s", got)
	}
	if got := Classify(domain.StatusWarning, 200000, false, policy); got != domain.StatusWarning {
		t.Fatalf("expected WARNING to hold between bounds, got %s", got)
	}
	if got := Classify(domain.StatusWarning, 259200, false, policy); got != domain.StatusCritical {
		t.Fatalf("expected CRITICAL at critical bound, got %s", got)
	}
	if got := Classify(domain.StatusCritical, 400000, false, policy); got != domain.StatusCritical {
		t.Fatalf("expected CRITICAL to hold, got %s", got)
	}
}

func TestClassifyJumpsStraightToCriticalFromOK(t *testing.T) {
	t.Parallel()

	policy := domain.ThresholdPolicy{
		WarningSec:          43200,
		CriticalSec:         86400,
		WarningRecoverySec:  34560,
		CriticalRecoverySec: 69120,
		NoDataWindowSec:     86400,
	}

	if got := Classify(domain.StatusOK, 90000, false, policy); got != domain.StatusCritical {
		t.Fatalf("expected direct CRITICAL when idle clears both bounds, got %s", got)
	}
}

func TestClassifyRecoveryUsesHysteresisBounds(t *testing.T) {
	t.Parallel()

	policy := mediumPolicy()

	// Warning recovers only at or below the recovery bound, not the trigger.
	if got := Classify(domain.StatusWarning, 150000, false, policy); got != domain.StatusWarning {
		t.Fatalf("expected WARNING to hold above recovery bound, got %s", got)
	}
	if got := Classify(domain.StatusWarning, 138240, false, policy); got != domain.StatusOK {
		t.Fatalf("expected OK at warning recovery bound, got %s", got)
	}
}

func TestClassifyCriticalNeverRecoversToOKInOneCycle(t *testing.T) {
	t.Parallel()

	policy := mediumPolicy()

	// Fresh activity: idle resets to near zero, yet only WARNING is reachable.
	if got := Classify(domain.StatusCritical, 0, false, policy); got != domain.StatusWarning {
		t.Fatalf("expected CRITICAL to demote to WARNING only, got %s", got)
	}
	// The confirming cycle then reaches OK from WARNING.
	if got := Classify(domain.StatusWarning, 0, false, policy); got != domain.StatusOK {
		t.Fatalf("expected OK on the confirming cycle, got %s", got)
	}
}

func TestClassifyNoDataNeverReadsAsHealth(t *testing.T) {
	t.Parallel()

	policy := mediumPolicy()

	if got := Classify(domain.StatusOK, 0, true, policy); got != domain.StatusCritical {
		t.Fatalf("expected silent source to escalate OK, got %s", got)
	}
	if got := Classify(domain.StatusWarning, 0, true, policy); got != domain.StatusCritical {
		t.Fatalf("expected silent source to escalate WARNING, got %s", got)
	}
	if got := Classify(domain.StatusCritical, 0, true, policy); got != domain.StatusCritical {
		t.Fatalf("expected silent source to hold CRITICAL, got %s", got)
	}
}

func TestIdleSecondsCountsFromLastActivity(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	input := Input{
		Sample:       domain.Sample{LastActiveAt: now.Add(-3 * time.Hour)},
		ProcessStart: now.Add(-24 * time.Hour),
	}
	if got := IdleSeconds(now, input); got != 3*3600 {
		t.Fatalf("expected 10800 idle seconds, got %d", got)
	}
}

func TestIdleSecondsUnknownActivityCountsFromProcessStart(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	input := Input{
		Sample:       domain.Sample{},
		ProcessStart: now.Add(-90 * time.Minute),
	}
	if got := IdleSeconds(now, input); got != 90*60 {
		t.Fatalf("expected 5400 idle seconds, got %d", got)
	}
}

func TestIdleSecondsSilenceCarriesMeasurementForward(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	input := Input{
		Sample:          domain.Sample{NoData: true},
		ProcessStart:    now.Add(-72 * time.Hour),
		PrevIdleSeconds: 200000,
		PrevEvaluated:   now.Add(-time.Minute),
	}
	if got := IdleSeconds(now, input); got != 200060 {
		t.Fatalf("expected previous idle to keep growing, got %d", got)
	}

	// A silent cycle never shrinks the measurement, even under clock skew.
	input.PrevEvaluated = now.Add(time.Minute)
	if got := IdleSeconds(now, input); got != 200000 {
		t.Fatalf("expected idle to never decrease, got %d", got)
	}
}

func TestIdleSecondsSilenceWithoutHistoryCountsFromProcessStart(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	input := Input{
		Sample:       domain.Sample{NoData: true},
		ProcessStart: now.Add(-2 * time.Hour),
	}
	if got := IdleSeconds(now, input); got != 2*3600 {
		t.Fatalf("expected 7200 idle seconds from process start, got %d", got)
	}
}

func TestIdleSecondsNeverNegative(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	input := Input{
		Sample:       domain.Sample{LastActiveAt: now.Add(time.Minute)},
		ProcessStart: now,
	}
	if got := IdleSeconds(now, input); got != 0 {
		t.Fatalf("expected clamp to zero, got %d", got)
	}
}

func TestNoDataExceeded(t *testing.T) {
	t.Parallel()

	policy := mediumPolicy()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if NoDataExceeded(now, nil, policy) {
		t.Fatalf("expected no escalation without silent observations")
	}
	recent := now.Add(-time.Hour)
	if NoDataExceeded(now, &recent, policy) {
		t.Fatalf("expected no escalation inside the window")
	}
	old := now.Add(-25 * time.Hour)
	if !NoDataExceeded(now, &old, policy) {
		t.Fatalf("expected escalation beyond the window")
	}
}
