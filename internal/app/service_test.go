package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"decomwatch/internal/clock"
	"decomwatch/internal/config"
	"decomwatch/internal/notify"
	"decomwatch/internal/registry"
	"decomwatch/internal/state"
)

const serviceConfigTOML = `
[service]
mode = "single"
eval_interval_sec = 60

[source]
url = "http://metrics.local/export"

[entity.pagila]
criticality = "MEDIUM"
scenario = "MIXED"
owner_email = "backend-team@company.com"

[entity.postgres_air]
criticality = "CRITICAL"
scenario = "LOGIC_HEAVY"
owner_email = "development-team@company.com"
`

func newTestService(t *testing.T) *Service {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(serviceConfigTOML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source := config.Source{File: path}

	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	reg, err := registry.Build(cfg)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := state.NewMemoryStore()
	clk := clock.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	dispatcher := notify.NewDispatcher(cfg.Notify, logger)
	manager := NewManager(cfg, logger, reg, store, dispatcher, newFakeSource(), clk)

	return &Service{
		source:  source,
		cfg:     cfg,
		logger:  logger,
		store:   store,
		manager: manager,
		clock:   clk,
	}
}

func TestReloadConfigSerializesConcurrentTriggers(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	ctx := context.Background()

	// Reload ticker and filesystem watcher both funnel into reloadConfig;
	// concurrent triggers must not race or double-close a dispatcher.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := service.reloadConfig(ctx); err != nil {
				t.Errorf("reload failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(service.manager.registry.Entities()) != 2 {
		t.Fatalf("expected consistent registry after concurrent reloads, got %+v", service.manager.registry.Entities())
	}
	if service.manager.dispatcherSnapshot() == nil {
		t.Fatalf("expected an active dispatcher after reloads")
	}
}

func TestReloadConfigRejectsModeChange(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	body := []byte(`
[service]
mode = "nats"

[source]
url = "http://metrics.local/export"

[entity.pagila]
criticality = "MEDIUM"
scenario = "MIXED"
owner_email = "backend-team@company.com"
`)
	if err := os.WriteFile(service.source.File, body, 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	if err := service.reloadConfig(context.Background()); err == nil {
		t.Fatalf("expected mode change to require a restart")
	}
	if service.cfg.Service.Mode != config.ServiceModeSingle {
		t.Fatalf("expected previous mode to stay in force, got %q", service.cfg.Service.Mode)
	}
}
