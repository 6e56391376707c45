package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"decomwatch/internal/clock"
	"decomwatch/internal/config"
	"decomwatch/internal/export"
	"decomwatch/internal/logging"
	"decomwatch/internal/metricsrc"
	"decomwatch/internal/notify"
	"decomwatch/internal/registry"
	"decomwatch/internal/state"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable decomwatch service.
type Service struct {
	source    config.Source
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     state.Store
	manager   *Manager
	httpSrv   *http.Server
	watcher   *fsnotify.Watcher
	readyFlag atomic.Bool
	clock     clock.Clock

	// Serializes the reload ticker and the filesystem watcher; both triggers
	// funnel into reloadConfig.
	reloadMu sync.Mutex
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.Source, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Build(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	dispatcher := notify.NewDispatcher(cfg.Notify, logger)
	manager := NewManager(cfg, logger, reg, store, dispatcher, metricsrc.New(cfg.Source), clk)

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		manager:  manager,
		clock:    clk,
	}

	if err := service.manager.Seed(context.Background()); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.buildHTTPServer()
	if err := service.buildConfigWatcher(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	listen := s.cfg.HTTP.Listen
	go func() {
		s.logger.Info("http server starting", "listen", listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	ticker := time.NewTicker(config.EvalInterval(s.cfg))
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ticker.C:
				if err := s.manager.Tick(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("evaluation cycle failed", "error", err.Error())
				}
			}
		}
	}()

	if s.cfg.Service.ReloadEnabled {
		reloadInterval := time.Duration(s.cfg.Service.ReloadIntervalSec) * time.Second
		reloadTicker := time.NewTicker(reloadInterval)
		defer reloadTicker.Stop()
		go func() {
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-reloadTicker.C:
					if err := s.reloadConfig(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
						s.logger.Error("reload failed", "error", err.Error())
					}
				}
			}
		}()
	}

	if s.watcher != nil {
		go s.watchConfig(shutdownCtx)
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Error("config watcher close failed", "error", err.Error())
			markErr(fmt.Errorf("config watcher close: %w", err))
		}
	}
	if dispatcher := s.manager.dispatcherSnapshot(); dispatcher != nil {
		_ = dispatcher.Close()
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires health, readiness, and gauge exposition endpoints.
// Params: none.
// Returns: server stored on the service.
func (s *Service) buildHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.HandleFunc(s.cfg.HTTP.MetricsPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if err := export.WriteSnapshot(writer, s.manager.StatesSnapshot()); err != nil {
			s.logger.Error("metrics exposition failed", "error", err.Error())
		}
	})

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildConfigWatcher starts filesystem change notification when enabled.
// Params: none.
// Returns: watcher setup error.
func (s *Service) buildConfigWatcher() error {
	if !s.cfg.Service.WatchEnabled {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(s.source.WatchPath()); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config path %q: %w", s.source.WatchPath(), err)
	}
	s.watcher = watcher
	return nil
}

// watchConfig reloads on write/create events with a short debounce.
// Params: shutdown context.
// Returns: runs until the context or watcher channel closes.
func (s *Service) watchConfig(ctx context.Context) {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("config watcher error", "error", err.Error())
		case <-pending:
			if err := s.reloadConfig(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("reload failed", "error", err.Error())
			}
		}
	}
}

// reloadConfig atomically reloads and applies a new config snapshot.
// Params: context for cleanup operations.
// Returns: reload or apply error; the previous snapshot stays in force.
func (s *Service) reloadConfig(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if nextCfg.Service.Mode != s.cfg.Service.Mode {
		return fmt.Errorf("service.mode change requires restart")
	}
	nextDispatcher := notify.NewDispatcher(nextCfg.Notify, s.logger)
	if err := s.manager.ApplyConfig(ctx, nextCfg); err != nil {
		_ = nextDispatcher.Close()
		return err
	}
	previous := s.manager.dispatcherSnapshot()
	s.manager.SetDispatcher(nextDispatcher)
	if previous != nil {
		_ = previous.Close()
	}
	s.cfg = nextCfg
	s.logger.Info("configuration reloaded", "entities", len(nextCfg.Entity))
	return nil
}

// buildStore creates the runtime state backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config) (state.Store, error) {
	if cfg.Service.Mode == config.ServiceModeSingle {
		return state.NewMemoryStore(), nil
	}
	return state.NewNATSStore(config.DeriveStateNATSConfig(cfg))
}
