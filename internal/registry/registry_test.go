package registry

import (
	"testing"

	"decomwatch/internal/config"
	"decomwatch/internal/domain"
)

func testPolicyParams() config.PolicyConfig {
	return config.PolicyConfig{
		WarningRecoveryFraction:  0.8,
		CriticalRecoveryFraction: 0.8,
		NoDataWindowSec:          86400,
	}
}

func TestResolveVectors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		criticality  domain.Criticality
		scenario     domain.Scenario
		warningSec   int64
		criticalSec  int64
		manualReview bool
	}{
		{domain.CriticalityLow, domain.ScenarioConfigOnly, 1814400, 2592000, false},
		{domain.CriticalityMedium, domain.ScenarioMixed, 172800, 259200, false},
		{domain.CriticalityCritical, domain.ScenarioLogicHeavy, 43200, 86400, true},
		// The more sensitive classification wins.
		{domain.CriticalityCritical, domain.ScenarioConfigOnly, 43200, 86400, true},
		{domain.CriticalityLow, domain.ScenarioLogicHeavy, 43200, 86400, true},
		{domain.CriticalityLow, domain.ScenarioMixed, 172800, 259200, false},
		{domain.CriticalityMedium, domain.ScenarioConfigOnly, 172800, 259200, false},
	}

	for _, tc := range cases {
		policy, err := Resolve(tc.criticality, tc.scenario, testPolicyParams())
		if err != nil {
			t.Fatalf("resolve %s/%s failed: %v", tc.criticality, tc.scenario, err)
		}
		if policy.WarningSec != tc.warningSec || policy.CriticalSec != tc.criticalSec {
			t.Fatalf("resolve %s/%s: expected %d/%d, got %+v", tc.criticality, tc.scenario, tc.warningSec, tc.criticalSec, policy)
		}
		if policy.RequiresManualReview != tc.manualReview {
			t.Fatalf("resolve %s/%s: expected manual review %v, got %+v", tc.criticality, tc.scenario, tc.manualReview, policy)
		}
	}
}

func TestResolveTotalOverMatrixWithStrictHysteresis(t *testing.T) {
	t.Parallel()

	criticalities := []domain.Criticality{domain.CriticalityLow, domain.CriticalityMedium, domain.CriticalityCritical}
	scenarios := []domain.Scenario{domain.ScenarioConfigOnly, domain.ScenarioMixed, domain.ScenarioLogicHeavy}

	for _, criticality := range criticalities {
		for _, scenario := range scenarios {
			policy, err := Resolve(criticality, scenario, testPolicyParams())
			if err != nil {
				t.Fatalf("resolve %s/%s failed: %v", criticality, scenario, err)
			}
			if policy.WarningRecoverySec >= policy.WarningSec {
				t.Fatalf("%s/%s: warning recovery %d not below trigger %d", criticality, scenario, policy.WarningRecoverySec, policy.WarningSec)
			}
			if policy.CriticalRecoverySec >= policy.CriticalSec {
				t.Fatalf("%s/%s: critical recovery %d not below trigger %d", criticality, scenario, policy.CriticalRecoverySec, policy.CriticalSec)
			}
			if policy.WarningSec >= policy.CriticalSec {
				t.Fatalf("%s/%s: warning %d not below critical %d", criticality, scenario, policy.WarningSec, policy.CriticalSec)
			}
			if scenario == domain.ScenarioLogicHeavy && !policy.RequiresManualReview {
				t.Fatalf("%s/%s: logic-heavy must require manual review", criticality, scenario)
			}
		}
	}
}

func fleetConfig() config.Config {
	return config.Config{
		Policy: testPolicyParams(),
		Entity: []config.EntityConfig{
			{ID: "pagila", Criticality: "MEDIUM", Scenario: "MIXED", OwnerEmail: "backend-team@company.com"},
			{ID: "postgres_air", Criticality: "CRITICAL", Scenario: "LOGIC_HEAVY", OwnerEmail: "development-team@company.com"},
			{ID: "titanic", Criticality: "LOW", Scenario: "CONFIG_ONLY", OwnerEmail: "analytics-team@company.com"},
		},
	}
}

func TestBuildDerivesPolicyPerEntity(t *testing.T) {
	t.Parallel()

	reg, err := Build(fleetConfig())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	entities := reg.Entities()
	if len(entities) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(entities))
	}
	if entities[0].ID != "pagila" || entities[2].ID != "titanic" {
		t.Fatalf("expected id-sorted entities, got %+v", entities)
	}

	policy, ok := reg.Policy("postgres_air")
	if !ok {
		t.Fatalf("expected policy for postgres_air")
	}
	if policy.CriticalSec != 86400 || !policy.RequiresManualReview {
		t.Fatalf("expected short manual-review policy, got %+v", policy)
	}

	policy, ok = reg.Policy("titanic")
	if !ok {
		t.Fatalf("expected policy for titanic")
	}
	if policy.WarningSec != 1814400 || policy.CriticalSec != 2592000 || policy.RequiresManualReview {
		t.Fatalf("expected long automated policy, got %+v", policy)
	}
}

func TestBuildRejectsDuplicateEntity(t *testing.T) {
	t.Parallel()

	cfg := fleetConfig()
	cfg.Entity = append(cfg.Entity, cfg.Entity[0])
	if _, err := Build(cfg); err == nil {
		t.Fatalf("expected duplicate entity error")
	}
}

func TestBuildRejectsUnknownClassification(t *testing.T) {
	t.Parallel()

	cfg := fleetConfig()
	cfg.Entity[0].Criticality = "SEVERE"
	if _, err := Build(cfg); err == nil {
		t.Fatalf("expected criticality parse error")
	}
}

func TestSwapKeepsPreviousSnapshotOnError(t *testing.T) {
	t.Parallel()

	reg, err := Build(fleetConfig())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	broken := fleetConfig()
	broken.Entity[1].Scenario = "UNKNOWN"
	if err := reg.Swap(broken); err == nil {
		t.Fatalf("expected swap to fail on broken config")
	}
	if len(reg.Entities()) != 3 {
		t.Fatalf("expected previous snapshot to stay in force, got %d entities", len(reg.Entities()))
	}

	next := fleetConfig()
	next.Entity = next.Entity[:2]
	if err := reg.Swap(next); err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	if len(reg.Entities()) != 2 {
		t.Fatalf("expected swapped snapshot, got %d entities", len(reg.Entities()))
	}
	if _, ok := reg.Entity("titanic"); ok {
		t.Fatalf("expected titanic to be removed after swap")
	}
}
